package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/tollgate/internal/desktop"
	"github.com/goodtune/tollgate/internal/focus"
	"github.com/goodtune/tollgate/internal/paywall"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/goodtune/tollgate/internal/ui"
)

var (
	// ErrNotPaywalled is returned when a domain has no market rate.
	ErrNotPaywalled = errors.New("domain is not paywalled")

	// ErrUnknownPack is returned for a pack length the market does not offer.
	ErrUnknownPack = errors.New("no such pack")

	// ErrEmergencyDenied is returned when the emergency policy refuses access.
	ErrEmergencyDenied = errors.New("emergency access denied")

	// ErrDesktopRequired is returned by flows that have no local fallback.
	ErrDesktopRequired = errors.New("the desktop app must be running")
)

// StartPack buys a block of time for domain. The desktop is asked first;
// if it cannot be reached the pack is paid from the local wallet.
func (a *Agent) StartPack(ctx context.Context, domain string, minutes int) (storage.PaywallSession, error) {
	domain = normalizeDomain(domain)
	if domain == "" || minutes <= 0 {
		return storage.PaywallSession{}, fmt.Errorf("%w: need a domain and a positive length", ErrUnknownPack)
	}

	session, err := a.remote.StartPack(ctx, desktop.PackRequest{Domain: domain, Minutes: minutes})
	if err == nil {
		return a.adopt(ctx, session)
	}
	if !offline(err) {
		return storage.PaywallSession{}, err
	}
	a.logger.Info().Str("domain", domain).Msg("Desktop unreachable, buying pack locally")

	now := a.clock.Now()
	err = a.store.Update(ctx, func(s *storage.State) error {
		rate, ok := s.MarketRates[domain]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotPaywalled, domain)
		}
		price, ok := rate.PackPrice(minutes)
		if !ok {
			return fmt.Errorf("%w: %d minutes on %s", ErrUnknownPack, minutes, domain)
		}
		if err := s.Wallet.Spend(price); err != nil {
			return err
		}

		chain := 1
		session = paywall.NewPack(domain, minutes, price, chain, now)
		// A pack bought on top of a running pack extends it.
		if prev, ok := s.Session(domain); ok && prev.Mode == storage.ModePack {
			if prev.PackChainCount != nil {
				chain = *prev.PackChainCount + 1
			} else {
				chain = 2
			}
			session.PackChainCount = &chain
			session.RemainingSeconds += prev.RemainingSeconds
			if prev.PurchasedSeconds != nil {
				total := *session.PurchasedSeconds + *prev.PurchasedSeconds
				session.PurchasedSeconds = &total
			}
			if prev.PurchasePrice != nil {
				total := price + *prev.PurchasePrice
				session.PurchasePrice = &total
			}
			session.StartedAt = prev.StartedAt
		}

		s.PendingTransactions.Push(transaction("spend", price, domain, storage.ModePack, "pack", now))
		return s.PutSession(session)
	})
	if err != nil {
		return storage.PaywallSession{}, err
	}
	a.push.ScheduleFlush()
	return session, nil
}

// StartMetered opens a pay-as-you-go session for domain.
func (a *Agent) StartMetered(ctx context.Context, domain string) (storage.PaywallSession, error) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return storage.PaywallSession{}, fmt.Errorf("%w: missing domain", ErrNotPaywalled)
	}

	session, err := a.remote.StartMetered(ctx, desktop.MeteredRequest{Domain: domain})
	if err == nil {
		return a.adopt(ctx, session)
	}
	if !offline(err) {
		return storage.PaywallSession{}, err
	}
	a.logger.Info().Str("domain", domain).Msg("Desktop unreachable, starting metered session locally")

	now := a.clock.Now()
	err = a.store.Update(ctx, func(s *storage.State) error {
		rate, ok := s.MarketRates[domain]
		if !ok || rate.RatePerMin <= 0 {
			return fmt.Errorf("%w: %s", ErrNotPaywalled, domain)
		}
		if s.Wallet.Balance <= 0 {
			return fmt.Errorf("%w: wallet is empty", storage.ErrInsufficientFunds)
		}
		// The premium comes from settings at tick time, so none is pinned here.
		session = paywall.NewMetered(domain, rate.RatePerMin, 0, now)
		return s.PutSession(session)
	})
	if err != nil {
		return storage.PaywallSession{}, err
	}
	return session, nil
}

// StartEmergency grants free, short access for a stated reason. Offline,
// the local emergency policy decides. A non-empty allowedURL locks the
// session to that page.
func (a *Agent) StartEmergency(ctx context.Context, domain, justification, allowedURL string) (storage.PaywallSession, error) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return storage.PaywallSession{}, fmt.Errorf("%w: missing domain", ErrEmergencyDenied)
	}
	now := a.clock.Now()

	session, err := a.remote.StartEmergency(ctx, desktop.EmergencyRequest{
		Domain:        domain,
		Justification: justification,
		AllowedURL:    allowedURL,
	})
	if err == nil {
		err = a.store.Update(ctx, func(s *storage.State) error {
			// Track the token locally too so an offline spell cannot reuse it.
			s.ConsumeEmergencyToken(now)
			return s.PutSession(session)
		})
		if err != nil {
			return storage.PaywallSession{}, err
		}
		return session, nil
	}
	if !offline(err) {
		return storage.PaywallSession{}, err
	}
	a.logger.Info().Str("domain", domain).Msg("Desktop unreachable, evaluating emergency policy locally")

	err = a.store.Update(ctx, func(s *storage.State) error {
		decision := a.policy.EvaluateEmergency(ctx, s, domain, justification)
		if !decision.Allowed {
			if decision.RetryAfterSeconds > 0 {
				return fmt.Errorf("%w: %s, retry in %ds", ErrEmergencyDenied, decision.Reason, decision.RetryAfterSeconds)
			}
			return fmt.Errorf("%w: %s", ErrEmergencyDenied, decision.Reason)
		}
		minutes := decision.DurationMinutes
		if minutes <= 0 {
			minutes = s.Settings.EmergencyDurationMinutes
		}
		session = paywall.NewEmergency(domain, justification, allowedURL, minutes, now)
		s.ConsumeEmergencyToken(now)
		s.PendingActivity.Push(storage.ActivityEvent{
			ID:     storage.NewID(),
			Kind:   "emergency-started",
			Domain: domain,
			Detail: justification,
			TS:     storage.UnixMillis(now),
		})
		return s.PutSession(session)
	})
	if err != nil {
		return storage.PaywallSession{}, err
	}
	a.push.ScheduleFlush()
	return session, nil
}

// StartStore opens an unbounded session bought from the store. When the
// push channel is up the desktop charges the wallet and confirms with a
// session push; otherwise the price is spent locally and queued.
func (a *Agent) StartStore(ctx context.Context, domain string, price int) (storage.PaywallSession, error) {
	domain = normalizeDomain(domain)
	if domain == "" || price < 0 {
		return storage.PaywallSession{}, fmt.Errorf("invalid store purchase for %q", domain)
	}
	now := a.clock.Now()
	session := paywall.NewStore(domain, price, now)

	sendErr := a.push.Send(ctx, desktop.StartStore{Domain: domain, Price: price})
	if sendErr != nil && !offline(sendErr) {
		return storage.PaywallSession{}, sendErr
	}
	local := sendErr != nil

	err := a.store.Update(ctx, func(s *storage.State) error {
		if local {
			if err := s.Wallet.Spend(price); err != nil {
				return err
			}
			s.PendingTransactions.Push(transaction("spend", price, domain, storage.ModeStore, "store", now))
		}
		return s.PutSession(session)
	})
	if err != nil {
		return storage.PaywallSession{}, err
	}
	if local {
		a.logger.Info().Str("domain", domain).Int("price", price).Msg("Desktop unreachable, store purchase paid locally")
		a.push.ScheduleFlush()
	}
	return session, nil
}

// StartChallengePass redeems a completed challenge. Challenges are verified
// by the desktop, so there is no offline path.
func (a *Agent) StartChallengePass(ctx context.Context, domain string) (storage.PaywallSession, error) {
	domain = normalizeDomain(domain)
	session, err := a.remote.StartChallengePass(ctx, desktop.ChallengeRequest{Domain: domain})
	if err != nil {
		if offline(err) {
			return storage.PaywallSession{}, fmt.Errorf("challenge pass: %w", ErrDesktopRequired)
		}
		return storage.PaywallSession{}, err
	}
	return a.adopt(ctx, session)
}

// EndSession ends the session for domain and returns the refund credited
// for unused pack time.
func (a *Agent) EndSession(ctx context.Context, domain string) (int, error) {
	domain = normalizeDomain(domain)

	res, err := a.remote.EndSession(ctx, desktop.EndRequest{Domain: domain})
	if err == nil {
		if err := a.store.Update(ctx, func(s *storage.State) error {
			s.DeleteSession(domain)
			return nil
		}); err != nil {
			a.logger.Error().Err(err).Str("domain", domain).Msg("Failed to drop ended session")
		}
		a.blockIfActive(domain)
		refund := 0
		if res.Refund != nil {
			refund = *res.Refund
		}
		return refund, nil
	}
	if !offline(err) {
		return 0, err
	}

	now := a.clock.Now()
	refund := 0
	err = a.store.Update(ctx, func(s *storage.State) error {
		session, ok := s.Session(domain)
		if !ok {
			return fmt.Errorf("%w: no session for %s", storage.ErrNotFound, domain)
		}
		switch session.Mode {
		case storage.ModePack:
			if session.PurchasePrice != nil && session.PurchasedSeconds != nil {
				refund = paywall.PackRefund(*session.PurchasePrice, *session.PurchasedSeconds, float64(session.RemainingSeconds))
			}
			if refund > 0 {
				s.Wallet.Earn(refund)
				s.PendingTransactions.Push(transaction("refund", refund, domain, storage.ModePack, "pack-ended-early", now))
			}
		case storage.ModeEmergency:
			s.RecordAudit(storage.EmergencyAudit{
				Domain:        domain,
				Justification: session.Justification,
				StartedAt:     session.StartedAt,
				EndedAt:       storage.UnixMillis(now),
				Outcome:       "ended-early",
			})
		}
		s.DeleteSession(domain)
		return nil
	})
	if err != nil {
		return 0, err
	}
	a.push.ScheduleFlush()
	a.blockIfActive(domain)
	return refund, nil
}

// PauseSession stops the clock on domain's session.
func (a *Agent) PauseSession(ctx context.Context, domain string) (storage.PaywallSession, error) {
	return a.control(ctx, domain, "pause", paywall.Pause)
}

// ResumeSession restarts the clock on domain's session.
func (a *Agent) ResumeSession(ctx context.Context, domain string) (storage.PaywallSession, error) {
	return a.control(ctx, domain, "resume", paywall.Resume)
}

func (a *Agent) control(ctx context.Context, domain, action string, fn func(storage.PaywallSession) storage.PaywallSession) (storage.PaywallSession, error) {
	domain = normalizeDomain(domain)
	now := a.clock.Now()

	var session storage.PaywallSession
	err := a.store.Update(ctx, func(s *storage.State) error {
		current, ok := s.Session(domain)
		if !ok {
			return fmt.Errorf("%w: no session for %s", storage.ErrNotFound, domain)
		}
		// Touch so the paused or resumed interval is never billed.
		session = paywall.Touch(fn(current), now)
		return s.PutSession(session)
	})
	if err != nil {
		return storage.PaywallSession{}, err
	}

	if err := a.push.Send(ctx, desktop.SessionControl{Action: action, Domain: domain}); err != nil {
		a.logger.Debug().Err(err).Str("domain", domain).Str("action", action).Msg("Session control not relayed")
	}
	return session, nil
}

// RequestFocusOverride asks the desktop for a focus exception. The grant,
// if any, arrives later as a push.
func (a *Agent) RequestFocusOverride(ctx context.Context, req focus.OverrideRequest) error {
	return a.focus.RequestOverride(ctx, a.push, req)
}

// adopt makes a canonical desktop session the local record.
func (a *Agent) adopt(ctx context.Context, session storage.PaywallSession) (storage.PaywallSession, error) {
	err := a.store.Update(ctx, func(s *storage.State) error {
		return s.PutSession(session)
	})
	if err != nil {
		return storage.PaywallSession{}, err
	}
	a.logger.Debug().Str("domain", session.Domain).Str("mode", string(session.Mode)).Msg("Adopted desktop session")
	return session, nil
}

func (a *Agent) blockIfActive(domain string) {
	if tab := a.ActiveTab(); tab.Domain != "" && covers(domain, tab.Domain) {
		a.sink.Emit(ui.BlockOverlay{Domain: domain, Reason: ui.ReasonSessionEnded})
	}
}

func transaction(kind string, amount int, domain string, mode storage.Mode, reason string, now time.Time) storage.WalletTransaction {
	return storage.WalletTransaction{
		ID:     storage.NewID(),
		Type:   kind,
		Amount: amount,
		Domain: domain,
		Mode:   mode,
		Reason: reason,
		TS:     storage.UnixMillis(now),
	}
}
