// Package paywall holds the pure transitions of a paywall session. Every
// function returns a new value and never performs I/O; callers own the
// durable write.
package paywall

import (
	"math"
	"time"

	"github.com/goodtune/tollgate/internal/storage"
)

// Pause marks the session paused. Pausing a paused session returns it unchanged.
func Pause(s storage.PaywallSession) storage.PaywallSession {
	if s.Paused {
		return s
	}
	s.Paused = true
	return s
}

// Resume clears the paused flag. Resuming a running session returns it unchanged.
func Resume(s storage.PaywallSession) storage.PaywallSession {
	if !s.Paused {
		return s
	}
	s.Paused = false
	return s
}

// Touch stamps lastTick and changes nothing else.
func Touch(s storage.PaywallSession, now time.Time) storage.PaywallSession {
	s.LastTick = storage.UnixMillis(now)
	return s
}

// TickCountdown subtracts intervalSeconds from a finite remaining time and
// stamps lastTick. Infinite sessions keep their remaining time. With
// clampToZero the result never goes below zero.
func TickCountdown(s storage.PaywallSession, now time.Time, intervalSeconds float64, clampToZero bool) storage.PaywallSession {
	if s.RemainingSeconds.Finite() {
		next := s.RemainingSeconds - storage.Seconds(intervalSeconds)
		if clampToZero && next < 0 {
			next = 0
		}
		s.RemainingSeconds = next
	}
	s.LastTick = storage.UnixMillis(now)
	return s
}

// Patch shallow-merges the fields present in delta.
func Patch(s storage.PaywallSession, delta storage.SessionDelta) storage.PaywallSession {
	return storage.ApplyDelta(s, delta)
}

// Expired reports whether a finite session has run out of time.
func Expired(s storage.PaywallSession) bool {
	return s.RemainingSeconds.Finite() && s.RemainingSeconds <= 0
}

// ElapsedSeconds returns the whole seconds between lastTick and now. A
// zero lastTick or a clock that moved backwards yields 0.
func ElapsedSeconds(lastTick int64, now time.Time) float64 {
	if lastTick <= 0 {
		return 0
	}
	elapsed := math.Floor(float64(storage.UnixMillis(now)-lastTick) / 1000)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// MeteredCost returns the whole coins owed for elapsedSeconds at ratePerMin
// plus the fractional carry, and the new carry in [0,1).
func MeteredCost(ratePerMin, elapsedSeconds, remainder float64) (int, float64) {
	if ratePerMin <= 0 || elapsedSeconds <= 0 {
		return 0, clampRemainder(remainder)
	}
	accrued := ratePerMin/60*elapsedSeconds + clampRemainder(remainder)
	// Rounding noise must not turn 0.9999999 into a lost coin.
	accrued = math.Round(accrued*1e9) / 1e9
	cost := math.Floor(accrued)
	return int(cost), clampRemainder(accrued - cost)
}

// PackRefund returns the coins owed for unused pack time.
func PackRefund(price int, purchasedSeconds, remainingSeconds float64) int {
	if price <= 0 || purchasedSeconds <= 0 || remainingSeconds <= 0 {
		return 0
	}
	if remainingSeconds > purchasedSeconds {
		remainingSeconds = purchasedSeconds
	}
	return int(math.Round(float64(price) * remainingSeconds / purchasedSeconds))
}

func clampRemainder(r float64) float64 {
	if math.IsNaN(r) || r < 0 {
		return 0
	}
	if r >= 1 {
		return r - math.Floor(r)
	}
	return r
}
