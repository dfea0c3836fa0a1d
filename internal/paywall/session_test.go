package paywall

import (
	"testing"
	"time"

	"github.com/goodtune/tollgate/internal/storage"
)

func TestPauseResumeIdempotent(t *testing.T) {
	s := storage.PaywallSession{Domain: "example.com", Mode: storage.ModePack, RemainingSeconds: 60}

	paused := Pause(Pause(s))
	if !paused.Paused {
		t.Fatal("expected paused session")
	}
	if Pause(paused) != paused {
		t.Fatal("pausing twice should not change the session")
	}

	resumed := Resume(Resume(paused))
	if resumed.Paused {
		t.Fatal("expected running session")
	}
	if Resume(resumed) != resumed {
		t.Fatal("resuming twice should not change the session")
	}
}

func TestTouchOnlyStampsLastTick(t *testing.T) {
	now := time.UnixMilli(5_000)
	s := storage.PaywallSession{Domain: "example.com", Mode: storage.ModePack, RemainingSeconds: 60, LastTick: 1}

	got := Touch(s, now)
	if got.LastTick != 5_000 {
		t.Fatalf("expected lastTick 5000, got %d", got.LastTick)
	}
	got.LastTick = s.LastTick
	if got != s {
		t.Fatal("touch changed fields other than lastTick")
	}
}

func TestTickCountdown(t *testing.T) {
	now := time.UnixMilli(10_000)

	tests := []struct {
		name     string
		session  storage.PaywallSession
		interval float64
		clamp    bool
		want     storage.Seconds
	}{
		{"finite decrements", storage.PaywallSession{RemainingSeconds: 100}, 15, false, 85},
		{"zero interval keeps time", storage.PaywallSession{RemainingSeconds: 100}, 0, false, 100},
		{"infinite untouched", storage.PaywallSession{RemainingSeconds: storage.Infinite}, 15, false, storage.Infinite},
		{"negative without clamp", storage.PaywallSession{RemainingSeconds: 10}, 15, false, -5},
		{"clamped to zero", storage.PaywallSession{RemainingSeconds: 10}, 15, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TickCountdown(tt.session, now, tt.interval, tt.clamp)
			if got.RemainingSeconds != tt.want {
				t.Errorf("expected remaining %v, got %v", tt.want, got.RemainingSeconds)
			}
			if got.LastTick != 10_000 {
				t.Errorf("expected lastTick stamped, got %d", got.LastTick)
			}
		})
	}
}

func TestMeteredCostCarriesRemainder(t *testing.T) {
	cost, rem := MeteredCost(3, 10, 0)
	if cost != 0 || rem != 0.5 {
		t.Fatalf("first tick: expected cost 0 remainder 0.5, got %d %v", cost, rem)
	}
	cost, rem = MeteredCost(3, 10, rem)
	if cost != 1 || rem != 0 {
		t.Fatalf("second tick: expected cost 1 remainder 0, got %d %v", cost, rem)
	}
}

func TestPackRefund(t *testing.T) {
	if got := PackRefund(60, 1800, 900); got != 30 {
		t.Fatalf("expected refund 30, got %d", got)
	}
	if got := PackRefund(60, 1800, 0); got != 0 {
		t.Fatalf("expected no refund for spent pack, got %d", got)
	}
	if got := PackRefund(60, 1800, 5000); got != 60 {
		t.Fatalf("expected refund capped at price, got %d", got)
	}
}

func TestElapsedSeconds(t *testing.T) {
	now := time.UnixMilli(20_900)
	if got := ElapsedSeconds(10_000, now); got != 10 {
		t.Fatalf("expected 10, got %v", got)
	}
	if got := ElapsedSeconds(30_000, now); got != 0 {
		t.Fatalf("expected 0 when clock moved backwards, got %v", got)
	}
	if got := ElapsedSeconds(0, now); got != 0 {
		t.Fatalf("expected 0 for unset lastTick, got %v", got)
	}
}

func TestPatchPreservesAbsentFields(t *testing.T) {
	s := NewPack("example.com", 30, 60, 1, time.UnixMilli(1_000))
	rate := 4.0
	got := Patch(s, storage.SessionDelta{RatePerMin: &rate})
	if got.RatePerMin != 4 {
		t.Fatalf("expected rate 4, got %v", got.RatePerMin)
	}
	if got.RemainingSeconds != 1800 || *got.PurchasePrice != 60 {
		t.Fatalf("expected pack fields preserved, got %+v", got)
	}
}
