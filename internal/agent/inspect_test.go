package agent

import (
	"testing"
	"time"

	"github.com/goodtune/tollgate/internal/focus"
	"github.com/goodtune/tollgate/internal/paywall"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/rs/zerolog"
)

func TestInspect(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	engine := focus.NewEngine(focus.Config{}, zerolog.Nop())

	state := storage.NewState(10)
	seedVideoMarket(state)
	state.Settings.FrivolousDomains = []string{"social.example"}
	if err := state.PutSession(paywall.NewMetered("social.example", 1, 0, now)); err != nil {
		t.Fatalf("put session: %v", err)
	}

	tests := []struct {
		name      string
		url       string
		verdict   string
		paywalled string
		rate      bool
	}{
		{"unpriced site", "https://docs.example/page", VerdictAllowed, "", false},
		{"priced subdomain", "https://m.video.example/watch", VerdictPaywalled, "video.example", true},
		{"frivolous with session", "https://social.example/feed", VerdictSession, "social.example", false},
		{"bare host", "video.example", VerdictPaywalled, "video.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Inspect(state, engine, tt.url, now)
			if in.Verdict != tt.verdict {
				t.Errorf("expected verdict %q, got %q", tt.verdict, in.Verdict)
			}
			if in.Paywalled != tt.paywalled {
				t.Errorf("expected paywalled %q, got %q", tt.paywalled, in.Paywalled)
			}
			if (in.Rate != nil) != tt.rate {
				t.Errorf("expected rate present=%v, got %+v", tt.rate, in.Rate)
			}
		})
	}
}

func TestInspectFocusBlockWins(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	engine := focus.NewEngine(focus.Config{}, zerolog.Nop())

	state := storage.NewState(10)
	seedVideoMarket(state)
	state.FocusSession = &storage.FocusSession{
		ID:          "f1",
		State:       storage.FocusActive,
		Allowlist:   []storage.AllowlistEntry{{Kind: "site", Value: "docs.example"}},
		Overrides:   []storage.FocusOverride{},
		RemainingMs: 600000,
		LastUpdated: storage.UnixMillis(now),
	}

	in := Inspect(state, engine, "https://video.example/watch", now)
	if in.Verdict != VerdictFocusBlocked {
		t.Fatalf("expected focus block, got %+v", in)
	}
	if in.Paywalled != "" {
		t.Errorf("focus block should short-circuit paywall lookup, got %q", in.Paywalled)
	}

	if in := Inspect(state, engine, "https://docs.example/guide", now); in.Verdict != VerdictAllowed {
		t.Errorf("expected allowlisted site to pass, got %q", in.Verdict)
	}
}
