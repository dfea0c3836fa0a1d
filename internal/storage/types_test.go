package storage

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestSecondsJSON(t *testing.T) {
	data, err := json.Marshal(Infinite)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"Infinity"` {
		t.Fatalf("expected \"Infinity\", got %s", data)
	}

	tests := []struct {
		in   string
		want float64
	}{
		{`"Infinity"`, math.Inf(1)},
		{`120.5`, 120.5},
		{`"90"`, 90},
	}
	for _, tt := range tests {
		var s Seconds
		if err := json.Unmarshal([]byte(tt.in), &s); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if float64(s) != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.in, tt.want, s)
		}
	}

	var bad Seconds
	if err := json.Unmarshal([]byte(`"soon"`), &bad); err != nil {
		t.Fatalf("unmarshal garbage: %v", err)
	}
	if !math.IsNaN(float64(bad)) {
		t.Fatalf("expected NaN for garbage input, got %v", bad)
	}
}

func TestApplyDeltaKeepsAbsentFields(t *testing.T) {
	local := PaywallSession{
		Domain:           "example.com",
		Mode:             ModePack,
		RemainingSeconds: 500,
		Paused:           true,
		LastTick:         1000,
		SpendRemainder:   0.25,
	}
	var delta SessionDelta
	if err := json.Unmarshal([]byte(`{"remainingSeconds":480}`), &delta); err != nil {
		t.Fatalf("unmarshal delta: %v", err)
	}

	merged := ApplyDelta(local, delta)
	if merged.RemainingSeconds != 480 {
		t.Errorf("expected remaining 480, got %v", merged.RemainingSeconds)
	}
	if !merged.Paused {
		t.Error("expected paused to be preserved")
	}
	if merged.LastTick != 1000 || merged.SpendRemainder != 0.25 {
		t.Errorf("expected lastTick and remainder preserved, got %d %v", merged.LastTick, merged.SpendRemainder)
	}
}

func TestSessionFromDeltaDefaultsUnboundedToInfinity(t *testing.T) {
	mode := ModeMetered
	session, err := Normalize(SessionFromDelta("example.com", SessionDelta{Mode: &mode}))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !session.RemainingSeconds.IsInf() {
		t.Fatalf("expected +Inf, got %v", session.RemainingSeconds)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		session PaywallSession
		wantErr bool
		check   func(t *testing.T, s PaywallSession)
	}{
		{
			name:    "store with NaN becomes infinite",
			session: PaywallSession{Domain: "a.com", Mode: ModeStore, RemainingSeconds: Seconds(math.NaN())},
			check: func(t *testing.T, s PaywallSession) {
				if !s.RemainingSeconds.IsInf() {
					t.Errorf("expected +Inf, got %v", s.RemainingSeconds)
				}
			},
		},
		{
			name:    "metered keeps finite override",
			session: PaywallSession{Domain: "a.com", Mode: ModeMetered, RemainingSeconds: 60},
			check: func(t *testing.T, s PaywallSession) {
				if s.RemainingSeconds != 60 {
					t.Errorf("expected 60, got %v", s.RemainingSeconds)
				}
			},
		},
		{
			name:    "pack without finite time rejected",
			session: PaywallSession{Domain: "a.com", Mode: ModePack, RemainingSeconds: Infinite},
			wantErr: true,
		},
		{
			name:    "emergency at zero rejected",
			session: PaywallSession{Domain: "a.com", Mode: ModeEmergency, RemainingSeconds: 0},
			wantErr: true,
		},
		{
			name:    "unknown mode rejected",
			session: PaywallSession{Domain: "a.com", Mode: "trial", RemainingSeconds: 10},
			wantErr: true,
		},
		{
			name:    "remainder clamped",
			session: PaywallSession{Domain: "a.com", Mode: ModeMetered, RemainingSeconds: Infinite, SpendRemainder: 2.5},
			check: func(t *testing.T, s PaywallSession) {
				if s.SpendRemainder != 0.5 {
					t.Errorf("expected remainder 0.5, got %v", s.SpendRemainder)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.session)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSessionPayload) {
					t.Fatalf("expected ErrInvalidSessionPayload, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			tt.check(t, got)
		})
	}
}

func TestWalletSpend(t *testing.T) {
	w := Wallet{Balance: 10}
	if err := w.Spend(4); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if err := w.Spend(7); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if w.Balance != 6 {
		t.Fatalf("expected balance 6 after failed spend, got %d", w.Balance)
	}
	w.Earn(3)
	if w.Balance != 9 {
		t.Fatalf("expected balance 9, got %d", w.Balance)
	}
}
