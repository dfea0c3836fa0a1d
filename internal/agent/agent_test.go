package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/tollgate/internal/clock"
	"github.com/goodtune/tollgate/internal/desktop"
	"github.com/goodtune/tollgate/internal/focus"
	"github.com/goodtune/tollgate/internal/pattern"
	"github.com/goodtune/tollgate/internal/policy"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/goodtune/tollgate/internal/storage/bolt"
	"github.com/goodtune/tollgate/internal/ui"
	"github.com/rs/zerolog"
)

var errOffline = fmt.Errorf("%w: dial refused", desktop.ErrNetworkUnreachable)

type fakeRemote struct {
	mu      sync.Mutex
	err     error
	session storage.PaywallSession
	refund  *int
	calls   []string
}

func (f *fakeRemote) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeRemote) StartPack(ctx context.Context, req desktop.PackRequest) (storage.PaywallSession, error) {
	f.record("pack")
	return f.session, f.err
}

func (f *fakeRemote) StartMetered(ctx context.Context, req desktop.MeteredRequest) (storage.PaywallSession, error) {
	f.record("metered")
	return f.session, f.err
}

func (f *fakeRemote) StartEmergency(ctx context.Context, req desktop.EmergencyRequest) (storage.PaywallSession, error) {
	f.record("emergency")
	return f.session, f.err
}

func (f *fakeRemote) StartChallengePass(ctx context.Context, req desktop.ChallengeRequest) (storage.PaywallSession, error) {
	f.record("challenge-pass")
	return f.session, f.err
}

func (f *fakeRemote) EndSession(ctx context.Context, req desktop.EndRequest) (desktop.EndResult, error) {
	f.record("end")
	return desktop.EndResult{Refund: f.refund}, f.err
}

type fakePush struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      []desktop.Outbound
	overrides []focus.OverrideRequest
	flushes   int
}

func (f *fakePush) Connected() bool { return f.connected }

func (f *fakePush) Send(ctx context.Context, msg desktop.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakePush) RequestOverride(ctx context.Context, req focus.OverrideRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides = append(f.overrides, req)
	return nil
}

func (f *fakePush) ScheduleFlush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

type recorder struct {
	mu       sync.Mutex
	commands []ui.Command
}

func (r *recorder) Emit(cmd ui.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
}

func commandsOf[T ui.Command](r *recorder) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, c := range r.commands {
		if v, ok := c.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type harness struct {
	agent  *Agent
	store  *storage.Store
	remote *fakeRemote
	push   *fakePush
	sink   *recorder
	clock  *clock.TestClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	backend, err := bolt.Open(filepath.Join(t.TempDir(), "state.bolt"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	store := storage.New(backend, 0, zerolog.Nop())
	t.Cleanup(func() { _ = store.Close() })

	c := clock.NewTestClock(time.Date(2026, 3, 2, 14, 0, 0, 0, time.Local))
	policyEngine, err := policy.NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("policy engine: %v", err)
	}
	policyEngine.SetClock(c)

	h := &harness{
		store:  store,
		remote: &fakeRemote{err: errOffline},
		push:   &fakePush{},
		sink:   &recorder{},
		clock:  c,
	}
	h.agent = New(
		store,
		h.remote,
		h.push,
		focus.NewEngine(focus.Config{}, zerolog.Nop()),
		pattern.NewDetector(pattern.DefaultConfig(), zerolog.Nop()),
		policyEngine,
		h.sink,
		Config{Clock: c},
		zerolog.Nop(),
	)
	return h
}

func (h *harness) seed(t *testing.T, fn func(s *storage.State)) {
	t.Helper()
	err := h.store.Update(context.Background(), func(s *storage.State) error {
		fn(s)
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (h *harness) state(t *testing.T) *storage.State {
	t.Helper()
	state, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return state
}

func TestNavigateToPaywalledDomainWithoutSession(t *testing.T) {
	h := newHarness(t)
	h.seed(t, func(s *storage.State) {
		s.MarketRates["video.example"] = storage.MarketRate{Domain: "video.example", RatePerMin: 2}
	})

	err := h.agent.HandleSignal(context.Background(), Signal{Kind: SignalTabActivated, URL: "https://www.video.example/watch?v=1"})
	if err != nil {
		t.Fatalf("signal: %v", err)
	}

	blocks := commandsOf[ui.BlockOverlay](h.sink)
	if len(blocks) != 1 {
		t.Fatalf("expected one block overlay, got %d", len(blocks))
	}
	want := ui.BlockOverlay{Domain: "video.example", Reason: ui.ReasonPaywalled, PeekAllowed: true}
	if blocks[0] != want {
		t.Fatalf("got %+v, want %+v", blocks[0], want)
	}
	if got := h.agent.ActiveTab().Domain; got != "www.video.example" {
		t.Fatalf("active domain = %q", got)
	}
}

func TestNavigateWithSessionIsNotBlocked(t *testing.T) {
	h := newHarness(t)
	now := storage.UnixMillis(h.clock.Now())
	h.seed(t, func(s *storage.State) {
		s.MarketRates["news.example"] = storage.MarketRate{Domain: "news.example", RatePerMin: 1}
		s.Sessions["news.example"] = storage.PaywallSession{
			Domain:           "news.example",
			Mode:             storage.ModePack,
			RemainingSeconds: 600,
			StartedAt:        now,
			LastTick:         now,
			Paused:           true,
		}
	})

	if err := h.agent.HandleSignal(context.Background(), Signal{Kind: SignalTabNavigated, URL: "https://news.example/today"}); err != nil {
		t.Fatalf("signal: %v", err)
	}

	if n := len(commandsOf[ui.BlockOverlay](h.sink)); n != 0 {
		t.Fatalf("expected no block overlay, got %d", n)
	}
	// The ticker pass resumes the session now that its tab is in front.
	if s := h.state(t).Sessions["news.example"]; s.Paused {
		t.Fatal("expected foreground session to resume")
	}
}

func TestNavigateBlockedByFocusSession(t *testing.T) {
	h := newHarness(t)
	h.seed(t, func(s *storage.State) {
		s.MarketRates["feed.example"] = storage.MarketRate{Domain: "feed.example", RatePerMin: 1}
		s.FocusSession = &storage.FocusSession{
			ID:          "f1",
			State:       storage.FocusActive,
			Mode:        "deep",
			Allowlist:   []storage.AllowlistEntry{{Kind: "site", Value: "docs.example"}},
			Overrides:   []storage.FocusOverride{},
			RemainingMs: 900000,
			LastUpdated: storage.UnixMillis(h.clock.Now()),
		}
	})

	if err := h.agent.HandleSignal(context.Background(), Signal{Kind: SignalTabNavigated, URL: "https://feed.example/"}); err != nil {
		t.Fatalf("signal: %v", err)
	}

	overlays := commandsOf[ui.FocusBlockOverlay](h.sink)
	if len(overlays) != 1 {
		t.Fatalf("expected one focus overlay, got %d", len(overlays))
	}
	want := ui.FocusBlockOverlay{Domain: "feed.example", RemainingMs: 900000, Mode: "deep", Reason: focus.ReasonNotAllowlisted}
	if overlays[0] != want {
		t.Fatalf("got %+v, want %+v", overlays[0], want)
	}
	if n := len(commandsOf[ui.BlockOverlay](h.sink)); n != 0 {
		t.Fatal("focus block must take precedence over the paywall")
	}

	state := h.state(t)
	if state.PendingFocusBlocks.Len() != 1 {
		t.Fatalf("expected queued focus block, got %d", state.PendingFocusBlocks.Len())
	}
	if h.push.flushes == 0 {
		t.Fatal("expected a flush to be scheduled")
	}

	if err := h.agent.HandleSignal(context.Background(), Signal{Kind: SignalTabNavigated, URL: "https://docs.example/guide"}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if n := len(commandsOf[ui.FocusBlockOverlay](h.sink)); n != 1 {
		t.Fatal("allowlisted site must not be blocked")
	}
}

func TestNavigateIgnoresStaleSignalTimestamp(t *testing.T) {
	h := newHarness(t)
	heartbeat := h.clock.Now()
	h.seed(t, func(s *storage.State) {
		s.FocusSession = &storage.FocusSession{
			ID:          "f1",
			State:       storage.FocusActive,
			Allowlist:   []storage.AllowlistEntry{{Kind: "site", Value: "docs.example"}},
			Overrides:   []storage.FocusOverride{},
			LastUpdated: storage.UnixMillis(heartbeat),
		}
	})
	h.clock.Advance(2 * time.Minute)

	// A replayed signal stamped at the last heartbeat must not look fresh.
	err := h.agent.HandleSignal(context.Background(), Signal{
		Kind: SignalTabNavigated,
		URL:  "https://docs.example/guide",
		TS:   storage.UnixMillis(heartbeat),
	})
	if err != nil {
		t.Fatalf("signal: %v", err)
	}

	overlays := commandsOf[ui.FocusBlockOverlay](h.sink)
	if len(overlays) != 1 || overlays[0].Reason != focus.ReasonVerificationFailed {
		t.Fatalf("expected a verification-failed block, got %+v", overlays)
	}
	events := h.state(t).PendingFocusBlocks.Peek(1)
	if len(events) != 1 || events[0].TS != storage.UnixMillis(h.clock.Now()) {
		t.Fatalf("expected block stamped with the agent clock, got %+v", events)
	}
}

func TestInteractionRaisesPatternNotification(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    int
	}{
		{name: "discouragement on", enabled: true, want: 1},
		{name: "discouragement off", enabled: false, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, func(s *storage.State) {
				s.Settings.DiscouragementEnabled = tt.enabled
				s.Settings.RescueTargets = []string{"books.example"}
			})

			start := h.clock.Now()
			for i := 0; i < 40; i++ {
				err := h.agent.HandleSignal(context.Background(), Signal{
					Kind:   SignalInteraction,
					Domain: "feed.example",
					Event:  pattern.KindScroll,
					TS:     storage.UnixMillis(start.Add(time.Duration(i) * time.Second)),
				})
				if err != nil {
					t.Fatalf("signal: %v", err)
				}
			}

			notes := commandsOf[ui.Notification](h.sink)
			if len(notes) != tt.want {
				t.Fatalf("expected %d notifications, got %d", tt.want, len(notes))
			}
			if tt.want == 0 {
				return
			}
			if notes[0].Actions[0].ID != "open:books.example" {
				t.Fatalf("expected rescue action first, got %+v", notes[0].Actions)
			}
			events := h.state(t).PendingActivity.Peek(10)
			if len(events) != 1 || events[0].Kind != "pattern-interrupt" {
				t.Fatalf("expected one pattern-interrupt event, got %+v", events)
			}
		})
	}
}

func TestIdleClearsActiveTab(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.agent.HandleSignal(ctx, Signal{Kind: SignalTabActivated, URL: "https://news.example/"}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := h.agent.HandleSignal(ctx, Signal{Kind: SignalIdleChanged, Idle: true}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if tab := h.agent.ActiveTab(); tab.Domain != "" {
		t.Fatalf("expected no active tab while idle, got %+v", tab)
	}
	if err := h.agent.HandleSignal(ctx, Signal{Kind: SignalIdleChanged, Idle: false}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if tab := h.agent.ActiveTab(); tab.Domain != "news.example" {
		t.Fatalf("expected tab back after idle, got %+v", tab)
	}
}

func TestHandleSignalRejectsMalformed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.agent.HandleSignal(ctx, Signal{Kind: "camera"}); err == nil {
		t.Fatal("expected unknown signal error")
	}
	if err := h.agent.HandleSignal(ctx, Signal{Kind: SignalTabNavigated}); err == nil {
		t.Fatal("expected error for navigation without url")
	}
}

func TestRecordActivityQueuesAndFlushes(t *testing.T) {
	h := newHarness(t)
	err := h.agent.RecordActivity(context.Background(), storage.ActivityEvent{ID: "v1", Kind: "visit", Domain: "news.example"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if h.state(t).PendingActivity.Len() != 1 || h.push.flushes != 1 {
		t.Fatal("expected queued activity and a scheduled flush")
	}
}
