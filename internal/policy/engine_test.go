package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/tollgate/internal/clock"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) (*Engine, *clock.TestClock) {
	t.Helper()

	engine, err := NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	c := clock.NewTestClock(time.Date(2026, 3, 2, 14, 0, 0, 0, time.Local))
	engine.SetClock(c)
	return engine, c
}

func TestEvaluateEmergency(t *testing.T) {
	engine, c := newTestEngine(t)
	now := c.Now()

	tests := []struct {
		name          string
		justification string
		setup         func(s *storage.State)
		wantAllowed   bool
		wantReason    string
	}{
		{
			name:          "granted with fresh bucket",
			justification: "need the bank statement",
			wantAllowed:   true,
			wantReason:    ReasonGranted,
		},
		{
			name:          "short justification",
			justification: "pls",
			wantReason:    ReasonJustificationRequired,
		},
		{
			name:          "tokens exhausted today",
			justification: "need the bank statement",
			setup: func(s *storage.State) {
				s.EmergencyUsage = storage.EmergencyUsage{
					Day:        storage.DayKey(now),
					TokensUsed: 2,
					LastUsedAt: storage.UnixMillis(now.Add(-2 * time.Hour)),
				}
			},
			wantReason: ReasonTokensExhausted,
		},
		{
			name:          "yesterday's tokens do not count",
			justification: "need the bank statement",
			setup: func(s *storage.State) {
				s.EmergencyUsage = storage.EmergencyUsage{
					Day:        storage.DayKey(now.AddDate(0, 0, -1)),
					TokensUsed: 2,
					LastUsedAt: storage.UnixMillis(now.Add(-20 * time.Hour)),
				}
			},
			wantAllowed: true,
			wantReason:  ReasonGranted,
		},
		{
			name:          "cooldown since last use",
			justification: "need the bank statement",
			setup: func(s *storage.State) {
				s.EmergencyUsage = storage.EmergencyUsage{
					Day:        storage.DayKey(now),
					TokensUsed: 1,
					LastUsedAt: storage.UnixMillis(now.Add(-10 * time.Minute)),
				}
			},
			wantReason: ReasonCooldown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := storage.NewState(0)
			if tt.setup != nil {
				tt.setup(state)
			}
			decision := engine.EvaluateEmergency(context.Background(), state, "bank.example", tt.justification)
			if decision.Allowed != tt.wantAllowed {
				t.Errorf("expected allowed=%v, got %v", tt.wantAllowed, decision.Allowed)
			}
			if decision.Reason != tt.wantReason {
				t.Errorf("expected reason %q, got %q", tt.wantReason, decision.Reason)
			}
		})
	}
}

func TestEvaluateEmergencyCooldownRetryAfter(t *testing.T) {
	engine, c := newTestEngine(t)
	now := c.Now()

	state := storage.NewState(0)
	state.EmergencyUsage = storage.EmergencyUsage{
		Day:        storage.DayKey(now),
		TokensUsed: 1,
		LastUsedAt: storage.UnixMillis(now.Add(-25 * time.Minute)),
	}

	decision := engine.EvaluateEmergency(context.Background(), state, "bank.example", "need the bank statement")
	if decision.RetryAfterSeconds != 300 {
		t.Fatalf("expected retry after 300s, got %d", decision.RetryAfterSeconds)
	}
}

func TestEngineGrantedDuration(t *testing.T) {
	engine, _ := newTestEngine(t)

	state := storage.NewState(0)
	state.Settings.EmergencyDurationMinutes = 7

	decision := engine.EvaluateEmergency(context.Background(), state, "bank.example", "need the bank statement")
	if !decision.Allowed || decision.DurationMinutes != 7 {
		t.Fatalf("expected 7 minute grant, got %+v", decision)
	}
}

func TestEnginePolicyDirOverride(t *testing.T) {
	dir := t.TempDir()
	policy := `package tollgate.emergency

import rego.v1

decision := {"allowed": false, "reason": "closed", "duration_minutes": 0, "retry_after_seconds": 0}
`
	if err := os.WriteFile(filepath.Join(dir, "closed.rego"), []byte(policy), 0600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	engine, err := NewEngine(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	decision := engine.EvaluateEmergency(context.Background(), storage.NewState(0), "bank.example", "need the bank statement")
	if decision.Allowed || decision.Reason != "closed" {
		t.Fatalf("expected override policy decision, got %+v", decision)
	}
}

func TestEngineMissingPolicyDir(t *testing.T) {
	if _, err := NewEngine(filepath.Join(t.TempDir(), "absent"), zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty policy directory")
	}
}
