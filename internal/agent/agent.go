// Package agent connects browser signals and user purchases to the paywall
// state. It owns the foreground tab, the session ticker and the visit
// tracker, and decides between the desktop and the local fallback for every
// purchase.
package agent

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/goodtune/tollgate/internal/clock"
	"github.com/goodtune/tollgate/internal/desktop"
	"github.com/goodtune/tollgate/internal/focus"
	"github.com/goodtune/tollgate/internal/pattern"
	"github.com/goodtune/tollgate/internal/policy"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/goodtune/tollgate/internal/ticker"
	"github.com/goodtune/tollgate/internal/ui"
	"github.com/goodtune/tollgate/internal/usage"
	"github.com/rs/zerolog"
)

// Store is the durable state the agent reads and mutates.
type Store interface {
	Load(ctx context.Context) (*storage.State, error)
	Update(ctx context.Context, fn func(*storage.State) error) error
}

// Remote is the desktop's purchase surface. *desktop.Client implements it.
type Remote interface {
	StartPack(ctx context.Context, req desktop.PackRequest) (storage.PaywallSession, error)
	StartMetered(ctx context.Context, req desktop.MeteredRequest) (storage.PaywallSession, error)
	StartEmergency(ctx context.Context, req desktop.EmergencyRequest) (storage.PaywallSession, error)
	StartChallengePass(ctx context.Context, req desktop.ChallengeRequest) (storage.PaywallSession, error)
	EndSession(ctx context.Context, req desktop.EndRequest) (desktop.EndResult, error)
}

// Push is the desktop push channel. *desktop.Engine implements it.
type Push interface {
	Connected() bool
	Send(ctx context.Context, msg desktop.Outbound) error
	RequestOverride(ctx context.Context, req focus.OverrideRequest) error
	ScheduleFlush()
}

// Config holds agent configuration
type Config struct {
	Ticker ticker.Config
	Visits usage.Config
	Clock  clock.Clock
}

// Agent is the core's single entry point for the browser adapter.
type Agent struct {
	store    Store
	remote   Remote
	push     Push
	focus    *focus.Engine
	detector *pattern.Detector
	policy   *policy.Engine
	sink     ui.Sink
	clock    clock.Clock
	logger   zerolog.Logger

	ticker  *ticker.Ticker
	tracker *usage.Tracker

	mu   sync.Mutex
	tab  ticker.Tab
	idle bool
}

// New creates an agent and the ticker and visit tracker it drives.
func New(
	store Store,
	remote Remote,
	push Push,
	focusEngine *focus.Engine,
	detector *pattern.Detector,
	policyEngine *policy.Engine,
	sink ui.Sink,
	cfg Config,
	logger zerolog.Logger,
) *Agent {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Ticker.Clock == nil {
		cfg.Ticker.Clock = cfg.Clock
	}
	if cfg.Visits.Clock == nil {
		cfg.Visits.Clock = cfg.Clock
	}
	if sink == nil {
		sink = ui.Discard
	}

	a := &Agent{
		store:    store,
		remote:   remote,
		push:     push,
		focus:    focusEngine,
		detector: detector,
		policy:   policyEngine,
		sink:     sink,
		clock:    cfg.Clock,
		logger:   logger.With().Str("component", "agent").Logger(),
	}
	a.ticker = ticker.New(store, push, a, sink, push, cfg.Ticker, logger)
	a.tracker = usage.NewTracker(a, cfg.Visits, logger)
	return a
}

// Start runs the ticker and the visit tracker until Stop.
func (a *Agent) Start(ctx context.Context) {
	a.ticker.Start(ctx)
	a.tracker.Start()
	a.logger.Info().Msg("Agent started")
}

// Stop stops the ticker and closes the open visit.
func (a *Agent) Stop() {
	a.ticker.Stop()
	a.tracker.Stop()
	a.logger.Info().Msg("Agent stopped")
}

// ActiveTab returns the foreground tab, or a zero Tab while idle.
func (a *Agent) ActiveTab() ticker.Tab {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.idle {
		return ticker.Tab{}
	}
	return a.tab
}

func (a *Agent) setTab(tab ticker.Tab) {
	a.mu.Lock()
	a.tab = tab
	a.idle = false
	a.mu.Unlock()
}

func (a *Agent) setIdle(idle bool) {
	a.mu.Lock()
	a.idle = idle
	a.mu.Unlock()
}

// RecordActivity queues telemetry for the desktop.
func (a *Agent) RecordActivity(ctx context.Context, events ...storage.ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}
	err := a.store.Update(ctx, func(s *storage.State) error {
		s.PendingActivity.Push(events...)
		return nil
	})
	if err != nil {
		return err
	}
	a.push.ScheduleFlush()
	return nil
}

// View is a read-only summary of local state for the adapter.
type View struct {
	Balance      int                      `json:"balance"`
	Sessions     []storage.PaywallSession `json:"sessions"`
	FocusSession *storage.FocusSession    `json:"focusSession,omitempty"`
	ActiveDomain string                   `json:"activeDomain,omitempty"`
	Pending      map[string]int           `json:"pending"`
}

// View returns the current local state summary.
func (a *Agent) View(ctx context.Context) (View, error) {
	state, err := a.store.Load(ctx)
	if err != nil {
		return View{}, err
	}
	v := View{
		Balance:      state.Wallet.Balance,
		Sessions:     make([]storage.PaywallSession, 0, len(state.Sessions)),
		FocusSession: state.FocusSession,
		ActiveDomain: a.ActiveTab().Domain,
		Pending: map[string]int{
			"transactions": state.PendingTransactions.Len(),
			"consumption":  state.PendingConsumption.Len(),
			"activity":     state.PendingActivity.Len(),
			"focus_blocks": state.PendingFocusBlocks.Len(),
			"reviews":      state.PendingReviews.Len(),
		},
	}
	for _, domain := range state.SessionDomains() {
		v.Sessions = append(v.Sessions, state.Sessions[domain])
	}
	return v, nil
}

// hostOf returns the normalized host of rawURL, accepting bare hosts.
func hostOf(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		u, err = url.Parse("https://" + rawURL)
		if err != nil {
			return ""
		}
	}
	return normalizeDomain(u.Hostname())
}

func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// covers reports whether host is domain or one of its subdomains.
func covers(domain, host string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// sessionFor finds the session that covers host, preferring the most
// specific domain.
func sessionFor(state *storage.State, host string) (storage.PaywallSession, bool) {
	if s, ok := state.Sessions[host]; ok {
		return s, true
	}
	domains := state.SessionDomains()
	sort.SliceStable(domains, func(i, j int) bool { return len(domains[i]) > len(domains[j]) })
	for _, domain := range domains {
		if covers(domain, host) {
			return state.Sessions[domain], true
		}
	}
	return storage.PaywallSession{}, false
}

// paywalledDomain returns the priced or frivolous domain that covers host.
func paywalledDomain(state *storage.State, host string) (string, bool) {
	if host == "" {
		return "", false
	}
	if _, ok := state.MarketRates[host]; ok {
		return host, true
	}
	best := ""
	for domain := range state.MarketRates {
		if covers(domain, host) && len(domain) > len(best) {
			best = domain
		}
	}
	if best != "" {
		return best, true
	}
	for _, d := range state.Settings.FrivolousDomains {
		d = normalizeDomain(d)
		if d != "" && covers(d, host) {
			return d, true
		}
	}
	return "", false
}

func offline(err error) bool {
	return errors.Is(err, desktop.ErrNetworkUnreachable)
}
