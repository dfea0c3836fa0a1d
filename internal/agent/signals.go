package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/tollgate/internal/storage"
	"github.com/goodtune/tollgate/internal/ticker"
	"github.com/goodtune/tollgate/internal/ui"
)

// Signal kinds forwarded by the browser adapter.
const (
	SignalTabActivated = "tab-activated"
	SignalTabNavigated = "tab-navigated"
	SignalHeartbeat    = "heartbeat"
	SignalInteraction  = "interaction"
	SignalIdleChanged  = "idle-changed"
)

// ErrUnknownSignal is returned for a signal kind the agent does not handle.
var ErrUnknownSignal = errors.New("unknown signal")

// Signal is one normalized browser event.
type Signal struct {
	Kind   string `json:"kind"`
	URL    string `json:"url,omitempty"`
	Domain string `json:"domain,omitempty"`
	Title  string `json:"title,omitempty"`
	Event  string `json:"event,omitempty"` // scroll, click or key for interactions
	Idle   bool   `json:"idle,omitempty"`
	TS     int64  `json:"ts,omitempty"`
}

func (s Signal) host() string {
	if s.Domain != "" {
		return normalizeDomain(s.Domain)
	}
	return hostOf(s.URL)
}

// HandleSignal applies one browser signal. Only malformed signals return
// an error; everything downstream is logged and absorbed. Focus decisions
// use the agent clock; the adapter timestamp only orders interactions for
// the pattern detector.
func (a *Agent) HandleSignal(ctx context.Context, sig Signal) error {
	now := a.clock.Now()
	observedAt := now
	if sig.TS > 0 {
		observedAt = storage.FromMillis(sig.TS)
	}

	switch sig.Kind {
	case SignalTabActivated, SignalTabNavigated:
		return a.navigate(ctx, sig, now)

	case SignalHeartbeat:
		if host := sig.host(); host != "" {
			a.setTab(ticker.Tab{Domain: host, URL: sig.URL})
			a.tracker.RecordActivity(host, sig.URL, sig.Title)
		}
		a.ticker.Tick(ctx)

	case SignalInteraction:
		host := sig.host()
		if host == "" {
			host = a.ActiveTab().Domain
		}
		if host == "" {
			return nil
		}
		a.tracker.RecordActivity(host, sig.URL, sig.Title)
		a.interaction(ctx, host, sig.Event, observedAt)

	case SignalIdleChanged:
		a.setIdle(sig.Idle)
		if sig.Idle {
			a.tracker.Idle()
		}
		a.ticker.Tick(ctx)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, sig.Kind)
	}
	return nil
}

func (a *Agent) navigate(ctx context.Context, sig Signal, now time.Time) error {
	host := sig.host()
	if host == "" && sig.URL == "" {
		return fmt.Errorf("%s signal without url", sig.Kind)
	}
	a.setTab(ticker.Tab{Domain: host, URL: sig.URL})
	if host != "" {
		a.tracker.RecordActivity(host, sig.URL, sig.Title)
	}

	state, err := a.store.Load(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to load state for navigation")
		return nil
	}

	target := sig.URL
	if target == "" {
		target = host
	}
	decision := a.focus.Evaluate(state.FocusSession, target, now)
	if !decision.Allowed {
		a.sink.Emit(ui.FocusBlockOverlay{
			Domain:      decision.Domain,
			RemainingMs: decision.RemainingMs,
			Mode:        decision.Mode,
			Reason:      decision.Reason,
		})
		err := a.store.Update(ctx, func(s *storage.State) error {
			s.PendingFocusBlocks.Push(storage.FocusBlockEvent{
				ID:     storage.NewID(),
				Target: target,
				Reason: decision.Reason,
				TS:     storage.UnixMillis(now),
			})
			return nil
		})
		if err != nil {
			a.logger.Error().Err(err).Msg("Failed to queue focus block")
		} else {
			a.push.ScheduleFlush()
		}
		return nil
	}

	if domain, paywalled := paywalledDomain(state, host); paywalled {
		if _, ok := sessionFor(state, host); !ok {
			a.sink.Emit(ui.BlockOverlay{
				Domain:      domain,
				Reason:      ui.ReasonPaywalled,
				PeekAllowed: state.Settings.PeekEnabled,
			})
		}
	}

	a.ticker.Tick(ctx)
	return nil
}

func (a *Agent) interaction(ctx context.Context, host, kind string, now time.Time) {
	state, err := a.store.Load(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to load settings for interaction")
		return
	}
	settings := state.Settings
	if !settings.DiscouragementEnabled {
		return
	}

	interval := time.Duration(settings.DiscouragementIntervalMinutes) * time.Minute
	interrupt := a.detector.Observe(host, kind, now, interval, settings.RescueTargets)
	if interrupt == nil {
		return
	}

	actions := []ui.Action{{ID: "dismiss", Label: "Keep going"}}
	if interrupt.RescueTarget != "" {
		actions = append([]ui.Action{{ID: "open:" + interrupt.RescueTarget, Label: "Open " + interrupt.RescueTarget}}, actions...)
	}
	a.sink.Emit(ui.Notification{
		Title:   "Still scrolling?",
		Message: interrupt.Suggestion,
		Actions: actions,
	})

	if err := a.RecordActivity(ctx, storage.ActivityEvent{
		ID:     storage.NewID(),
		Kind:   "pattern-interrupt",
		Domain: host,
		Detail: interrupt.RescueTarget,
		TS:     storage.UnixMillis(now),
	}); err != nil {
		a.logger.Error().Err(err).Msg("Failed to record pattern interrupt")
	}
}
