package agent

import (
	"context"
	"time"

	"github.com/goodtune/tollgate/internal/focus"
	"github.com/goodtune/tollgate/internal/storage"
)

// Verdicts returned by Inspect.
const (
	VerdictAllowed      = "allowed"
	VerdictFocusBlocked = "focus-blocked"
	VerdictPaywalled    = "paywalled"
	VerdictSession      = "session"
)

// Inspection explains what a navigation to URL would do right now.
type Inspection struct {
	URL       string                  `json:"url"`
	Host      string                  `json:"host"`
	Verdict   string                  `json:"verdict"`
	Paywalled string                  `json:"paywalled,omitempty"`
	Rate      *storage.MarketRate     `json:"rate,omitempty"`
	Session   *storage.PaywallSession `json:"session,omitempty"`
	Focus     focus.Decision          `json:"focus"`
}

// Inspect evaluates rawURL against state without changing anything. The
// focus allowlist is checked first, as it is for real navigations.
func Inspect(state *storage.State, focusEngine *focus.Engine, rawURL string, now time.Time) Inspection {
	host := hostOf(rawURL)
	in := Inspection{
		URL:     rawURL,
		Host:    host,
		Verdict: VerdictAllowed,
		Focus:   focusEngine.Evaluate(state.FocusSession, rawURL, now),
	}
	if !in.Focus.Allowed {
		in.Verdict = VerdictFocusBlocked
		return in
	}

	if session, ok := sessionFor(state, host); ok {
		in.Session = &session
		in.Verdict = VerdictSession
	}
	domain, ok := paywalledDomain(state, host)
	if !ok {
		return in
	}
	in.Paywalled = domain
	if rate, ok := state.MarketRates[domain]; ok {
		in.Rate = &rate
	}
	if in.Session == nil {
		in.Verdict = VerdictPaywalled
	}
	return in
}

// Inspect evaluates rawURL against the current local state.
func (a *Agent) Inspect(ctx context.Context, rawURL string) (Inspection, error) {
	state, err := a.store.Load(ctx)
	if err != nil {
		return Inspection{}, err
	}
	return Inspect(state, a.focus, rawURL, a.clock.Now()), nil
}
