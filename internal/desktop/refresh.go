package desktop

import (
	"context"
	"errors"

	"github.com/goodtune/tollgate/internal/metrics"
	"github.com/goodtune/tollgate/internal/storage"
)

var errThrottled = errors.New("refresh throttled")

// Refresh pulls a fresh snapshot on behalf of a reader such as a status
// query. Concurrent callers share one request, and at most one request
// starts per RefreshWindow; throttled calls return nil without fetching.
func (e *Engine) Refresh(ctx context.Context) error {
	_, err, shared := e.refreshGroup.Do("state", func() (any, error) {
		if !e.refreshLimiter.Allow() {
			return nil, errThrottled
		}
		return nil, e.pullSnapshot(ctx)
	})

	switch {
	case errors.Is(err, errThrottled):
		metrics.RefreshTotal.WithLabelValues("throttled").Inc()
		return nil
	case err != nil:
		metrics.RefreshTotal.WithLabelValues("error").Inc()
		return err
	case shared:
		metrics.RefreshTotal.WithLabelValues("shared").Inc()
	default:
		metrics.RefreshTotal.WithLabelValues("ok").Inc()
	}
	return nil
}

func (e *Engine) pullSnapshot(ctx context.Context) error {
	raw, err := e.client.FetchState(ctx)
	if err != nil {
		return err
	}
	for _, w := range e.validator.Validate(raw) {
		e.logger.Warn().Str("detail", w).Msg("Snapshot does not match schema")
	}

	snap, warnings, err := DecodeSnapshot(raw)
	if err != nil {
		return err
	}
	var applyWarnings []string
	err = e.store.Update(ctx, func(s *storage.State) error {
		applyWarnings = ApplySnapshot(s, snap, e.clock.Now())
		return nil
	})
	if err != nil {
		return err
	}

	for _, w := range append(warnings, applyWarnings...) {
		e.logger.Warn().Str("detail", w).Msg("Snapshot warning")
	}
	e.logger.Debug().Int("version", snap.Version).Int("sessions", len(snap.Sessions)).Msg("Applied desktop snapshot")
	return nil
}
