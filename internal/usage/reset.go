package usage

import (
	"context"
	"time"

	"github.com/goodtune/tollgate/internal/clock"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/rs/zerolog"
)

// auditRetention is how long emergency audits are kept.
const auditRetention = 14 * 24 * time.Hour

// StateUpdater applies a read-modify-write to the root document.
type StateUpdater interface {
	Update(ctx context.Context, fn func(*storage.State) error) error
}

// ResetScheduler manages the daily emergency bucket reset
type ResetScheduler struct {
	store     StateUpdater
	clock     clock.Clock
	resetTime time.Time // Time of day to reset (only hour and minute are used)
	logger    zerolog.Logger
	stopChan  chan struct{}
}

// NewResetScheduler creates a new reset scheduler
func NewResetScheduler(store StateUpdater, resetTime string, logger zerolog.Logger) (*ResetScheduler, error) {
	// Parse reset time (HH:MM format)
	parsedTime, err := time.Parse("15:04", resetTime)
	if err != nil {
		return nil, err
	}

	rs := &ResetScheduler{
		store:     store,
		clock:     clock.RealClock{},
		resetTime: parsedTime,
		logger:    logger.With().Str("component", "reset-scheduler").Logger(),
		stopChan:  make(chan struct{}),
	}

	return rs, nil
}

// SetClock replaces the time source (for testing)
func (rs *ResetScheduler) SetClock(c clock.Clock) {
	rs.clock = c
}

// Start begins the reset scheduler
func (rs *ResetScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("reset_time", rs.resetTime.Format("15:04")).
		Msg("Daily reset scheduler started")
}

// Stop stops the reset scheduler
func (rs *ResetScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Daily reset scheduler stopped")
}

// run is the main scheduler loop
func (rs *ResetScheduler) run() {
	for {
		nextReset := rs.calculateNextReset(rs.clock.Now())
		waitDuration := time.Until(nextReset)

		rs.logger.Info().
			Time("next_reset", nextReset).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next daily reset")

		// Wait until reset time or stop signal
		select {
		case <-time.After(waitDuration):
			if err := rs.PerformReset(context.Background()); err != nil {
				rs.logger.Error().Err(err).Msg("Daily reset failed")
			}
		case <-rs.stopChan:
			return
		}
	}
}

// calculateNextReset calculates the next reset time after now
func (rs *ResetScheduler) calculateNextReset(now time.Time) time.Time {
	// Get today's reset time
	todayReset := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.resetTime.Hour(), rs.resetTime.Minute(), 0, 0,
		now.Location(),
	)

	// If we've already passed today's reset time, schedule for tomorrow
	if !now.Before(todayReset) {
		return todayReset.AddDate(0, 0, 1)
	}

	return todayReset
}

// PerformReset starts a fresh emergency bucket for today and drops audits
// past retention. The cooldown timestamp survives the reset.
func (rs *ResetScheduler) PerformReset(ctx context.Context) error {
	now := rs.clock.Now()
	day := storage.DayKey(now)
	cutoff := storage.UnixMillis(now.Add(-auditRetention))

	var trimmed int
	err := rs.store.Update(ctx, func(state *storage.State) error {
		state.EmergencyUsage.Day = day
		state.EmergencyUsage.TokensUsed = 0

		kept := state.EmergencyUsage.Audits[:0:0]
		for _, audit := range state.EmergencyUsage.Audits {
			if audit.EndedAt >= cutoff {
				kept = append(kept, audit)
			}
		}
		trimmed = len(state.EmergencyUsage.Audits) - len(kept)
		state.EmergencyUsage.Audits = kept
		return nil
	})
	if err != nil {
		return err
	}

	rs.logger.Info().
		Str("day", day).
		Int("audits_trimmed", trimmed).
		Msg("Daily reset complete")

	return nil
}
