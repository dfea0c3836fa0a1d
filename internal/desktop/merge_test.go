package desktop

import (
	"errors"
	"testing"
	"time"

	"github.com/goodtune/tollgate/internal/storage"
)

func ptr[T any](v T) *T { return &v }

func TestMergeSessionPresentFieldsWin(t *testing.T) {
	local := storage.PaywallSession{
		Domain: "news.example", Mode: storage.ModePack, RemainingSeconds: 500,
		Paused: true, LastTick: 1234, SpendRemainder: 0.25,
	}
	remaining := storage.Seconds(480)

	merged, err := MergeSession(&local, "news.example", storage.SessionDelta{RemainingSeconds: &remaining})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.RemainingSeconds != 480 || !merged.Paused {
		t.Fatalf("expected {480, paused}, got %+v", merged)
	}
	if merged.LastTick != 1234 || merged.SpendRemainder != 0.25 {
		t.Fatalf("sparse delta clobbered local fields: %+v", merged)
	}
}

func TestMergeSessionUnboundedDefaults(t *testing.T) {
	metered := storage.ModeMetered

	merged, err := MergeSession(nil, "video.example", storage.SessionDelta{Mode: &metered})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !merged.RemainingSeconds.IsInf() {
		t.Fatalf("expected +Inf for a new metered session, got %v", merged.RemainingSeconds)
	}

	local := storage.PaywallSession{Domain: "video.example", Mode: storage.ModePack, RemainingSeconds: 120}
	switched, err := MergeSession(&local, "video.example", storage.SessionDelta{Mode: &metered})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !switched.RemainingSeconds.IsInf() {
		t.Fatalf("expected +Inf after switching to metered, got %v", switched.RemainingSeconds)
	}
}

func TestMergeSessionRejectsInvalid(t *testing.T) {
	pack := storage.ModePack
	if _, err := MergeSession(nil, "news.example", storage.SessionDelta{Mode: &pack}); !errors.Is(err, storage.ErrInvalidSessionPayload) {
		t.Fatalf("expected invalid payload for pack without remaining time, got %v", err)
	}

	state := storage.NewState(0)
	state.Sessions["news.example"] = storage.PaywallSession{Domain: "news.example", Mode: storage.ModePack, RemainingSeconds: 30}
	zero := storage.Seconds(0)
	if _, err := ApplySessionDelta(state, storage.SessionDelta{Domain: ptr("News.Example"), RemainingSeconds: &zero}); err == nil {
		t.Fatal("expected an expired pack to be rejected")
	}
	if _, ok := state.Sessions["news.example"]; ok {
		t.Fatal("expected the expired pack to be deleted, not left at zero")
	}

	if _, err := ApplySessionDelta(state, storage.SessionDelta{}); !errors.Is(err, storage.ErrInvalidSessionPayload) {
		t.Fatalf("expected error for delta without domain, got %v", err)
	}
}

func TestMergeOnboarding(t *testing.T) {
	tests := []struct {
		name        string
		local       storage.DailyOnboardingState
		remote      storage.DailyOnboardingState
		pending     *storage.DailyOnboardingPatch
		want        storage.DailyOnboardingState
		wantPending bool
	}{
		{
			name:   "later day wins per field",
			local:  storage.DailyOnboardingState{CompletedDay: "2026-03-01", LastPromptedDay: "2026-02-01"},
			remote: storage.DailyOnboardingState{CompletedDay: "2026-02-28", LastPromptedDay: "2026-03-02"},
			want:   storage.DailyOnboardingState{CompletedDay: "2026-03-01", LastPromptedDay: "2026-03-02"},
		},
		{
			name:        "pending patch beats stale remote",
			local:       storage.DailyOnboardingState{CompletedDay: "2026-03-02"},
			remote:      storage.DailyOnboardingState{CompletedDay: "2026-03-01"},
			pending:     &storage.DailyOnboardingPatch{CompletedDay: ptr("2026-03-02")},
			want:        storage.DailyOnboardingState{CompletedDay: "2026-03-02"},
			wantPending: true,
		},
		{
			name:    "remote catching up acknowledges the patch",
			local:   storage.DailyOnboardingState{CompletedDay: "2026-03-02"},
			remote:  storage.DailyOnboardingState{CompletedDay: "2026-03-02"},
			pending: &storage.DailyOnboardingPatch{CompletedDay: ptr("2026-03-02")},
			want:    storage.DailyOnboardingState{CompletedDay: "2026-03-02"},
		},
		{
			name:        "pending note wins until echoed",
			local:       storage.DailyOnboardingState{Note: "mine"},
			remote:      storage.DailyOnboardingState{Note: "theirs"},
			pending:     &storage.DailyOnboardingPatch{Note: ptr("mine")},
			want:        storage.DailyOnboardingState{Note: "mine"},
			wantPending: true,
		},
		{
			name:    "echoed note clears the patch",
			local:   storage.DailyOnboardingState{Note: "mine"},
			remote:  storage.DailyOnboardingState{Note: "mine"},
			pending: &storage.DailyOnboardingPatch{Note: ptr("mine")},
			want:    storage.DailyOnboardingState{Note: "mine"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, pending := MergeOnboarding(tt.local, tt.remote, tt.pending)
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			if (pending != nil) != tt.wantPending {
				t.Fatalf("pending = %+v, want pending %v", pending, tt.wantPending)
			}
		})
	}
}

func TestDecodeSnapshotLenient(t *testing.T) {
	raw := []byte(`{
		"version": 3,
		"wallet": {"balance": -4},
		"marketRates": {"video.example": {"ratePerMin": 2}},
		"sessions": {"Video.Example": {"mode": "metered"}, "bad.example": "nope"},
		"cameraRoll": [],
		"focusSession": null
	}`)

	snap, warnings, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Wallet != nil {
		t.Fatal("expected negative wallet to be ignored")
	}
	if _, ok := snap.Sessions["video.example"]; !ok {
		t.Fatalf("expected normalized session key, got %v", snap.Sessions)
	}
	if _, ok := snap.Sessions["bad.example"]; ok {
		t.Fatal("expected malformed session to be skipped")
	}
	if !snap.FocusCleared {
		t.Fatal("expected explicit null focus session to clear")
	}
	if len(warnings) != 3 {
		t.Fatalf("expected warnings for unknown field, wallet and session, got %v", warnings)
	}

	if _, _, err := DecodeSnapshot([]byte(`[1,2]`)); err == nil {
		t.Fatal("expected error for a non-object snapshot")
	}
}

func TestApplySnapshot(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	state := storage.NewState(0)
	state.Sessions["news.example"] = storage.PaywallSession{
		Domain: "news.example", Mode: storage.ModePack, RemainingSeconds: 500, LastTick: 777, Paused: true,
	}
	state.Sessions["gone.example"] = storage.PaywallSession{
		Domain: "gone.example", Mode: storage.ModeStore, RemainingSeconds: storage.Infinite,
	}
	state.FocusSession = &storage.FocusSession{State: storage.FocusActive}
	state.PendingLibrarySync["lib-1"] = storage.LibraryItem{ID: "lib-1", Title: "local edit"}
	state.Library["lib-1"] = storage.LibraryItem{ID: "lib-1", Title: "local edit"}

	snap, _, err := DecodeSnapshot([]byte(`{
		"version": 3,
		"wallet": {"balance": 25},
		"sessions": {"news.example": {"mode": "pack", "remainingSeconds": 480}},
		"settings": {"peekEnabled": false},
		"focusSession": null,
		"library": [{"id": "lib-1", "title": "remote"}, {"id": "lib-2", "title": "new"}]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if warnings := ApplySnapshot(state, snap, now); len(warnings) != 0 {
		t.Fatalf("unexpected warnings %v", warnings)
	}

	if state.Wallet.Balance != 25 {
		t.Fatalf("wallet not applied: %d", state.Wallet.Balance)
	}
	news := state.Sessions["news.example"]
	if news.RemainingSeconds != 480 || news.LastTick != 777 || !news.Paused {
		t.Fatalf("session not merged field by field: %+v", news)
	}
	if _, ok := state.Sessions["gone.example"]; !ok {
		t.Fatal("expected local session missing from the snapshot to be kept")
	}
	if state.Settings.PeekEnabled || state.Settings.FadeThresholdSeconds != 60 {
		t.Fatalf("settings not merged over local values: %+v", state.Settings)
	}
	if state.FocusSession != nil {
		t.Fatal("expected focus session to be cleared")
	}
	if state.Library["lib-1"].Title != "local edit" || state.Library["lib-2"].Title != "new" {
		t.Fatalf("library merge wrong: %+v", state.Library)
	}
}

func TestApplyFocusUpdateAndOverride(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	state := storage.NewState(0)

	ApplyFocusUpdate(state, FocusUpdate{Type: TypeFocusStart, Session: FocusPayload{
		SessionID:   ptr("f1"),
		Allowlist:   []storage.AllowlistEntry{{Kind: "site", Value: "docs.example"}},
		RemainingMs: ptr(int64(1_500_000)),
	}}, now)
	fs := state.FocusSession
	if fs == nil || fs.State != storage.FocusActive || fs.ID != "f1" || fs.LastUpdated != storage.UnixMillis(now) {
		t.Fatalf("unexpected focus session %+v", fs)
	}

	later := now.Add(30 * time.Second)
	ApplyFocusUpdate(state, FocusUpdate{Type: TypeFocusTick, Session: FocusPayload{RemainingMs: ptr(int64(1_470_000))}}, later)
	fs = state.FocusSession
	if len(fs.Allowlist) != 1 || fs.RemainingMs != 1_470_000 || fs.LastUpdated != storage.UnixMillis(later) {
		t.Fatalf("tick should keep the allowlist and stamp the heartbeat: %+v", fs)
	}

	expired := storage.FocusOverride{Kind: "site", Target: "old.example", ExpiresAt: storage.UnixMillis(now)}
	state.FocusSession.Overrides = []storage.FocusOverride{expired}
	ApplyOverride(state, storage.FocusOverride{Kind: "site", Target: "ref.example", ExpiresAt: storage.UnixMillis(later.Add(time.Minute))}, later)
	if got := state.FocusSession.Overrides; len(got) != 1 || got[0].Target != "ref.example" {
		t.Fatalf("expected only the new override, got %+v", got)
	}

	ApplyFocusUpdate(state, FocusUpdate{Type: TypeFocusStop}, later)
	if state.FocusSession.State != storage.FocusEnded {
		t.Fatalf("expected ended, got %s", state.FocusSession.State)
	}
}
