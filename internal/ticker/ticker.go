// Package ticker runs the periodic paywall accounting pass.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/tollgate/internal/clock"
	"github.com/goodtune/tollgate/internal/metrics"
	"github.com/goodtune/tollgate/internal/paywall"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/goodtune/tollgate/internal/ui"
	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is the reference tick period.
	DefaultInterval = 15 * time.Second

	// DefaultReminderInterval spaces emergency reminders.
	DefaultReminderInterval = 5 * time.Minute

	// DefaultEncouragementInterval spaces nudges on frivolous domains when
	// settings carry no interval of their own.
	DefaultEncouragementInterval = 10 * time.Minute
)

// Store is the durable state the ticker mutates.
type Store interface {
	Update(ctx context.Context, fn func(*storage.State) error) error
}

// Authority reports whether the desktop authority is connected. While it
// is, the authority owns the accounting and the ticker stands down.
type Authority interface {
	Connected() bool
}

// Tab is the foreground tab. A zero Tab means the user is idle.
type Tab struct {
	Domain string
	URL    string
}

// TabSource yields the current foreground tab.
type TabSource interface {
	ActiveTab() Tab
}

// Flusher is told when the ticker queued events for the authority.
type Flusher interface {
	ScheduleFlush()
}

// Config holds ticker configuration
type Config struct {
	Interval              time.Duration
	ReminderInterval      time.Duration
	EncouragementInterval time.Duration
	Clock                 clock.Clock
}

// Ticker coordinates paywall sessions on a fixed interval.
type Ticker struct {
	store     Store
	authority Authority
	tabs      TabSource
	sink      ui.Sink
	flusher   Flusher
	cfg       Config
	clock     clock.Clock
	logger    zerolog.Logger

	mu      sync.Mutex
	running bool
	rerun   bool

	// Only touched by the pass that holds running.
	faded             map[string]bool
	lastEncouragement map[string]time.Time
	lastMessage       map[string]string
	messageCursor     int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a ticker. authority and flusher may be nil.
func New(store Store, authority Authority, tabs TabSource, sink ui.Sink, flusher Flusher, cfg Config, logger zerolog.Logger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ReminderInterval <= 0 {
		cfg.ReminderInterval = DefaultReminderInterval
	}
	if cfg.EncouragementInterval <= 0 {
		cfg.EncouragementInterval = DefaultEncouragementInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if sink == nil {
		sink = ui.Discard
	}

	return &Ticker{
		store:             store,
		authority:         authority,
		tabs:              tabs,
		sink:              sink,
		flusher:           flusher,
		cfg:               cfg,
		clock:             cfg.Clock,
		logger:            logger.With().Str("component", "ticker").Logger(),
		faded:             make(map[string]bool),
		lastEncouragement: make(map[string]time.Time),
		lastMessage:       make(map[string]string),
		stopChan:          make(chan struct{}),
	}
}

// Start runs Tick every interval until Stop is called.
func (t *Ticker) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.Tick(ctx)
			case <-ctx.Done():
				return
			case <-t.stopChan:
				return
			}
		}
	}()
	t.logger.Info().Dur("interval", t.cfg.Interval).Msg("Session ticker started")
}

// Stop halts the interval loop and waits for it to exit.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
	t.wg.Wait()
}

// Tick runs one pass. A call made while a pass is running returns at once
// and causes exactly one more pass after the current one, however many
// calls arrive in the meantime.
func (t *Ticker) Tick(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.rerun = true
		t.mu.Unlock()
		metrics.TicksTotal.WithLabelValues("coalesced").Inc()
		return
	}
	t.running = true
	t.mu.Unlock()

	for {
		t.pass(ctx)

		t.mu.Lock()
		if !t.rerun {
			t.running = false
			t.mu.Unlock()
			return
		}
		t.rerun = false
		t.mu.Unlock()
	}
}

// passResult is rebuilt on every Update attempt so a retried write never
// emits twice.
type passResult struct {
	commands []ui.Command
	live     []storage.PaywallSession
	settings storage.Settings
	queued   bool
}

func (t *Ticker) pass(ctx context.Context) {
	if t.authority != nil && t.authority.Connected() {
		metrics.TicksTotal.WithLabelValues("authority").Inc()
		return
	}

	start := time.Now()
	now := t.clock.Now()
	var tab Tab
	if t.tabs != nil {
		tab = t.tabs.ActiveTab()
	}

	var res passResult
	err := t.store.Update(ctx, func(state *storage.State) error {
		res = passResult{settings: state.Settings}
		for _, domain := range state.SessionDomains() {
			t.processSession(state, domain, tab, now, &res)
		}
		for _, domain := range state.SessionDomains() {
			res.live = append(res.live, state.Sessions[domain])
		}
		return nil
	})
	if err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		t.logger.Warn().Err(err).Msg("Ticker pass failed")
		return
	}

	for _, cmd := range res.commands {
		t.sink.Emit(cmd)
	}
	t.nudge(res.live, res.settings, tab, now)

	if res.queued && t.flusher != nil {
		t.flusher.ScheduleFlush()
	}

	metrics.ActiveSessions.Set(float64(len(res.live)))
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	metrics.TicksTotal.WithLabelValues("ok").Inc()
}

// processSession applies one pass to one domain. A panic is contained to
// the domain that caused it.
func (t *Ticker) processSession(state *storage.State, domain string, tab Tab, now time.Time, res *passResult) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Str("domain", domain).Interface("panic", r).Msg("Session processing failed")
		}
	}()

	s, ok := state.Session(domain)
	if !ok {
		return
	}

	if !matchesDomain(tab.Domain, domain) {
		t.put(state, paywall.Touch(paywall.Pause(s), now))
		return
	}

	if s.Paused {
		// Time spent in the background is never billed.
		s = paywall.Touch(paywall.Resume(s), now)
	}
	elapsed := paywall.ElapsedSeconds(s.LastTick, now)

	switch s.Mode {
	case storage.ModeEmergency:
		t.tickEmergency(state, s, tab, elapsed, now, res)
	case storage.ModeMetered:
		t.tickMetered(state, s, elapsed, now, res)
	case storage.ModePack, storage.ModeStore:
		t.tickCountdown(state, s, elapsed, now, res)
	default:
		t.logger.Warn().Str("domain", domain).Str("mode", string(s.Mode)).Msg("Dropping session with unknown mode")
		state.DeleteSession(domain)
	}
}

func (t *Ticker) tickEmergency(state *storage.State, s storage.PaywallSession, tab Tab, elapsed float64, now time.Time, res *passResult) {
	if s.AllowedURL != "" && tab.URL != "" && !sameURL(s.AllowedURL, tab.URL) {
		t.put(state, paywall.Touch(paywall.Pause(s), now))
		res.commands = append(res.commands, ui.BlockOverlay{Domain: s.Domain, Reason: ui.ReasonURLLocked})
		return
	}

	s = paywall.TickCountdown(s, now, elapsed, false)
	if paywall.Expired(s) {
		state.RecordAudit(storage.EmergencyAudit{
			Domain:        s.Domain,
			Justification: s.Justification,
			StartedAt:     s.StartedAt,
			EndedAt:       storage.UnixMillis(now),
			Outcome:       "expired",
		})
		state.PendingActivity.Push(storage.ActivityEvent{
			ID:     storage.NewID(),
			Kind:   "emergency-ended",
			Domain: s.Domain,
			Detail: s.Justification,
			TS:     storage.UnixMillis(now),
		})
		res.queued = true
		t.end(state, s, ui.ReasonEmergencyExpired, false, res)
		return
	}

	if s.LastReminder == nil || now.Sub(storage.FromMillis(*s.LastReminder)) >= t.cfg.ReminderInterval {
		ts := storage.UnixMillis(now)
		s = paywall.Patch(s, storage.SessionDelta{LastReminder: &ts})
		res.commands = append(res.commands, ui.Notification{
			Title:   "Emergency access",
			Message: fmt.Sprintf("%s: %s left. Is this still urgent?", s.Domain, formatRemaining(float64(s.RemainingSeconds))),
			Actions: []ui.Action{{ID: "end-session", Label: "End now"}},
		})
	}
	t.put(state, s)
}

func (t *Ticker) tickMetered(state *storage.State, s storage.PaywallSession, elapsed float64, now time.Time, res *passResult) {
	rate := s.RatePerMin
	if market, ok := state.MarketRates[s.Domain]; ok && market.RatePerMin > 0 {
		rate = market.RatePerMin
	}
	multiplier := state.Settings.MeteredPremiumMultiplier
	if s.MeteredMultiplier != nil && *s.MeteredMultiplier > 0 {
		multiplier = *s.MeteredMultiplier
	}
	if state.Settings.VisualFilterActive() {
		multiplier *= state.Settings.VisualFilterDiscount
	}

	cost, remainder := paywall.MeteredCost(rate*multiplier, elapsed, s.SpendRemainder)
	if cost > 0 {
		if err := state.Wallet.Spend(cost); err != nil {
			if errors.Is(err, storage.ErrInsufficientFunds) {
				t.logger.Info().Str("domain", s.Domain).Int("cost", cost).Int("balance", state.Wallet.Balance).Msg("Metered session ran out of coins")
				t.end(state, s, ui.ReasonInsufficientFunds, state.Settings.PeekEnabled, res)
				return
			}
			t.logger.Warn().Err(err).Str("domain", s.Domain).Msg("Metered spend rejected")
			return
		}
		state.PendingTransactions.Push(storage.WalletTransaction{
			ID:     storage.NewID(),
			Type:   "spend",
			Amount: cost,
			Domain: s.Domain,
			Mode:   s.Mode,
			Reason: "metered",
			TS:     storage.UnixMillis(now),
		})
		metrics.CoinsSpent.WithLabelValues(string(s.Mode)).Add(float64(cost))
		res.queued = true
	}
	if elapsed > 0 {
		t.consume(state, s, elapsed, cost, now, res)
	}

	s.RatePerMin = rate
	s.SpendRemainder = remainder
	t.put(state, paywall.Touch(s, now))
}

func (t *Ticker) tickCountdown(state *storage.State, s storage.PaywallSession, elapsed float64, now time.Time, res *passResult) {
	s = paywall.TickCountdown(s, now, elapsed, false)
	if elapsed > 0 {
		t.consume(state, s, elapsed, 0, now, res)
	}
	if paywall.Expired(s) {
		t.end(state, s, ui.ReasonTimeExpired, state.Settings.PeekEnabled, res)
		return
	}
	t.put(state, s)
}

func (t *Ticker) consume(state *storage.State, s storage.PaywallSession, elapsed float64, cost int, now time.Time, res *passResult) {
	state.PendingConsumption.Push(storage.ConsumptionEvent{
		ID:      storage.NewID(),
		Domain:  s.Domain,
		Mode:    s.Mode,
		Seconds: elapsed,
		Cost:    cost,
		TS:      storage.UnixMillis(now),
	})
	res.queued = true
}

func (t *Ticker) end(state *storage.State, s storage.PaywallSession, reason string, peek bool, res *passResult) {
	state.DeleteSession(s.Domain)
	metrics.SessionsEnded.WithLabelValues(string(s.Mode), reason).Inc()
	res.commands = append(res.commands, ui.BlockOverlay{Domain: s.Domain, Reason: reason, PeekAllowed: peek})
	t.logger.Info().Str("domain", s.Domain).Str("mode", string(s.Mode)).Str("reason", reason).Msg("Session ended")
}

func (t *Ticker) put(state *storage.State, s storage.PaywallSession) {
	if err := state.PutSession(s); err != nil {
		t.logger.Warn().Err(err).Str("domain", s.Domain).Msg("Dropped invalid session")
	}
}

// nudge evaluates fade and encouragement for the foreground session after
// the pass has been committed.
func (t *Ticker) nudge(live []storage.PaywallSession, settings storage.Settings, tab Tab, now time.Time) {
	seen := make(map[string]bool, len(live))
	for _, s := range live {
		seen[s.Domain] = true
		if s.Paused || !matchesDomain(tab.Domain, s.Domain) {
			continue
		}
		t.fade(s, settings)
		t.encourage(s, settings, now)
	}
	for domain := range t.faded {
		if !seen[domain] {
			delete(t.faded, domain)
		}
	}
}

func (t *Ticker) fade(s storage.PaywallSession, settings storage.Settings) {
	if settings.FadeThresholdSeconds <= 0 || !s.RemainingSeconds.Finite() {
		return
	}
	remaining := float64(s.RemainingSeconds)
	active := remaining <= float64(settings.FadeThresholdSeconds)
	if !active && !t.faded[s.Domain] {
		return
	}
	t.faded[s.Domain] = active
	t.sink.Emit(ui.Fade{Domain: s.Domain, Active: active, RemainingSeconds: remaining})
}

func (t *Ticker) encourage(s storage.PaywallSession, settings storage.Settings, now time.Time) {
	if !settings.DiscouragementEnabled || !settings.IsFrivolous(s.Domain) || len(settings.EncouragementMessages) == 0 {
		return
	}
	interval := t.cfg.EncouragementInterval
	if settings.DiscouragementIntervalMinutes > 0 {
		interval = time.Duration(settings.DiscouragementIntervalMinutes) * time.Minute
	}
	if last, ok := t.lastEncouragement[s.Domain]; ok && now.Sub(last) < interval {
		return
	}

	messages := settings.EncouragementMessages
	msg := messages[t.messageCursor%len(messages)]
	t.messageCursor++
	if msg == t.lastMessage[s.Domain] && len(messages) > 1 {
		msg = messages[t.messageCursor%len(messages)]
		t.messageCursor++
	}

	t.lastEncouragement[s.Domain] = now
	t.lastMessage[s.Domain] = msg
	t.sink.Emit(ui.Encouragement{Domain: s.Domain, Message: msg})
}

// matchesDomain reports whether the foreground host falls under a session domain.
func matchesDomain(host, domain string) bool {
	if host == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// sameURL compares two URLs ignoring the fragment.
func sameURL(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return stripFragment(a) == stripFragment(b)
	}
	ua.Fragment, ua.RawFragment = "", ""
	ub.Fragment, ub.RawFragment = "", ""
	return ua.String() == ub.String()
}

func stripFragment(s string) string {
	if i := strings.IndexByte(s, '#'); i >= 0 {
		return s[:i]
	}
	return s
}

func formatRemaining(seconds float64) string {
	return (time.Duration(seconds) * time.Second).Round(time.Second).String()
}
