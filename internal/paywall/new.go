package paywall

import (
	"time"

	"github.com/goodtune/tollgate/internal/storage"
)

// NewMetered starts an unbounded session billed at ratePerMin.
func NewMetered(domain string, ratePerMin, multiplier float64, now time.Time) storage.PaywallSession {
	ts := storage.UnixMillis(now)
	s := storage.PaywallSession{
		Domain:           domain,
		Mode:             storage.ModeMetered,
		RatePerMin:       ratePerMin,
		RemainingSeconds: storage.Infinite,
		StartedAt:        ts,
		LastTick:         ts,
	}
	if multiplier > 0 {
		s.MeteredMultiplier = &multiplier
	}
	return s
}

// NewPack starts a prepaid session of the given length. chain counts how
// many packs were bought back to back for the domain.
func NewPack(domain string, minutes, price, chain int, now time.Time) storage.PaywallSession {
	ts := storage.UnixMillis(now)
	purchased := float64(minutes * 60)
	return storage.PaywallSession{
		Domain:           domain,
		Mode:             storage.ModePack,
		RemainingSeconds: storage.Seconds(purchased),
		StartedAt:        ts,
		LastTick:         ts,
		PurchasePrice:    &price,
		PurchasedSeconds: &purchased,
		PackChainCount:   &chain,
	}
}

// NewEmergency starts a free, policy-limited session. A non-empty
// allowedURL locks the session to that page.
func NewEmergency(domain, justification, allowedURL string, minutes int, now time.Time) storage.PaywallSession {
	ts := storage.UnixMillis(now)
	return storage.PaywallSession{
		Domain:           domain,
		Mode:             storage.ModeEmergency,
		RemainingSeconds: storage.Seconds(minutes * 60),
		StartedAt:        ts,
		LastTick:         ts,
		Justification:    justification,
		AllowedURL:       allowedURL,
		LastReminder:     &ts,
	}
}

// NewStore starts an unbounded session for a one-off store purchase.
func NewStore(domain string, price int, now time.Time) storage.PaywallSession {
	ts := storage.UnixMillis(now)
	return storage.PaywallSession{
		Domain:           domain,
		Mode:             storage.ModeStore,
		RemainingSeconds: storage.Infinite,
		StartedAt:        ts,
		LastTick:         ts,
		PurchasePrice:    &price,
	}
}
