package desktop

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/goodtune/tollgate/internal/metrics"
	"github.com/goodtune/tollgate/internal/storage"
)

// ScheduleFlush flushes once writes have been quiet for FlushDebounce.
// Nothing is sent while the push channel is down; the next connect
// flushes as part of its bootstrap.
func (e *Engine) ScheduleFlush() {
	e.armFlush(e.cfg.FlushDebounce)
}

// armFlush restarts the flush timer. A flush that fails while the push
// channel is still up re-arms it with RetryDelay.
func (e *Engine) armFlush(delay time.Duration) {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()

	if e.closed {
		return
	}
	if e.debounce != nil {
		e.debounce.Stop()
	}
	ctx := e.baseCtx
	e.debounce = time.AfterFunc(delay, func() {
		if !e.Connected() || ctx.Err() != nil {
			return
		}
		if err := e.Flush(ctx); err != nil {
			e.logger.Warn().Err(err).Dur("retry_in", e.cfg.RetryDelay).Msg("Flush incomplete")
			e.armFlush(e.cfg.RetryDelay)
		}
	})
}

// Flush uploads every pending queue in bootstrap order and stops at the
// first failure. A call made while another flush runs returns at once.
// Entries leave a queue only after the batch holding them was accepted.
func (e *Engine) Flush(ctx context.Context) error {
	if !e.flushing.CompareAndSwap(false, true) {
		metrics.FlushTotal.WithLabelValues("all", "busy").Inc()
		return nil
	}
	defer e.flushing.Store(false)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"library", e.flushLibrary},
		{"categorisation", e.flushCategorisation},
		{"onboarding", e.flushOnboarding},
		{"economic", e.flushEconomic},
		{"reviews", e.flushReviews},
		{"activity", e.flushActivity},
		{"focus_blocks", e.flushFocusBlocks},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			metrics.FlushTotal.WithLabelValues(step.name, "error").Inc()
			return fmt.Errorf("flush %s: %w", step.name, err)
		}
	}
	return nil
}

func (e *Engine) flushLibrary(ctx context.Context) error {
	state, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	if len(state.PendingLibrarySync) == 0 {
		return nil
	}

	items := make([]storage.LibraryItem, 0, len(state.PendingLibrarySync))
	for _, item := range state.PendingLibrarySync {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	if err := e.client.PostLibrarySync(ctx, items); err != nil {
		return err
	}
	err = e.store.Update(ctx, func(s *storage.State) error {
		for _, sent := range items {
			// An edit made while the upload was in flight stays pending.
			if cur, ok := s.PendingLibrarySync[sent.ID]; ok && cur.UpdatedAt == sent.UpdatedAt {
				delete(s.PendingLibrarySync, sent.ID)
			}
		}
		return nil
	})
	if err == nil {
		metrics.FlushTotal.WithLabelValues("library", "ok").Inc()
	}
	return err
}

func (e *Engine) flushCategorisation(ctx context.Context) error {
	state, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	pending := state.PendingCategorisation
	if pending == nil {
		return nil
	}

	if err := e.client.PostCategorisation(ctx, *pending); err != nil {
		return err
	}
	err = e.store.Update(ctx, func(s *storage.State) error {
		if s.PendingCategorisation != nil && s.PendingCategorisation.UpdatedAt == pending.UpdatedAt {
			s.PendingCategorisation = nil
		}
		return nil
	})
	if err == nil {
		metrics.FlushTotal.WithLabelValues("categorisation", "ok").Inc()
	}
	return err
}

// flushOnboarding uploads the onboarding patch. A patch changed while the
// upload was in flight stays pending.
func (e *Engine) flushOnboarding(ctx context.Context) error {
	state, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	pending := state.PendingOnboardingPatch
	if pending == nil {
		return nil
	}

	if err := e.client.PostOnboarding(ctx, *pending); err != nil {
		return err
	}
	err = e.store.Update(ctx, func(s *storage.State) error {
		if s.PendingOnboardingPatch != nil && reflect.DeepEqual(*s.PendingOnboardingPatch, *pending) {
			s.PendingOnboardingPatch = nil
		}
		return nil
	})
	if err == nil {
		metrics.FlushTotal.WithLabelValues("onboarding", "ok").Inc()
	}
	return err
}

// flushEconomic uploads transactions and consumption together so the
// desktop accepts or rejects them as one batch.
func (e *Engine) flushEconomic(ctx context.Context) error {
	n := e.cfg.FlushBatchSize
	for {
		state, err := e.store.Load(ctx)
		if err != nil {
			return err
		}
		txns := state.PendingTransactions.Peek(n)
		consumption := state.PendingConsumption.Peek(n)
		if len(txns) == 0 && len(consumption) == 0 {
			return nil
		}

		if err := e.client.Ingest(ctx, IngestBatch{Transactions: txns, Consumption: consumption}); err != nil {
			return err
		}
		txnIDs, consumptionIDs := storage.IDs(txns), storage.IDs(consumption)
		if err := e.store.Update(ctx, func(s *storage.State) error {
			s.PendingTransactions.Ack(txnIDs)
			s.PendingConsumption.Ack(consumptionIDs)
			return nil
		}); err != nil {
			return err
		}
		metrics.FlushTotal.WithLabelValues("economic", "ok").Inc()
		e.logger.Debug().Int("transactions", len(txns)).Int("consumption", len(consumption)).Msg("Flushed economic queues")

		if len(txns) < n && len(consumption) < n {
			return nil
		}
	}
}

func (e *Engine) flushActivity(ctx context.Context) error {
	return drainQueue(ctx, e, "activity",
		func(s *storage.State, n int) []storage.ActivityEvent { return s.PendingActivity.Peek(n) },
		func(ctx context.Context, batch []storage.ActivityEvent) (int, error) {
			if err := e.client.PostActivity(ctx, batch); err != nil {
				return 0, err
			}
			return len(batch), nil
		},
		func(s *storage.State, ids []string) { s.PendingActivity.Ack(ids) },
	)
}

// flushReviews posts emergency reviews one at a time; a failure leaves it
// and everything behind it queued.
func (e *Engine) flushReviews(ctx context.Context) error {
	return drainQueue(ctx, e, "reviews",
		func(s *storage.State, n int) []storage.EmergencyAudit { return s.PendingReviews.Peek(n) },
		func(ctx context.Context, batch []storage.EmergencyAudit) (int, error) {
			for i, a := range batch {
				err := e.client.EmergencyReview(ctx, EmergencyReview{
					ID:            a.ID,
					Domain:        a.Domain,
					Outcome:       a.Outcome,
					Justification: a.Justification,
					StartedAt:     a.StartedAt,
					EndedAt:       a.EndedAt,
				})
				if err != nil {
					return i, err
				}
			}
			return len(batch), nil
		},
		func(s *storage.State, ids []string) { s.PendingReviews.Ack(ids) },
	)
}

// flushFocusBlocks reports blocks over the push channel. Blocks sent
// before a write failure are acknowledged; the rest stay queued.
func (e *Engine) flushFocusBlocks(ctx context.Context) error {
	return drainQueue(ctx, e, "focus_blocks",
		func(s *storage.State, n int) []storage.FocusBlockEvent { return s.PendingFocusBlocks.Peek(n) },
		func(ctx context.Context, batch []storage.FocusBlockEvent) (int, error) {
			for i, ev := range batch {
				if err := e.Send(ctx, BlockReport{ID: ev.ID, Target: ev.Target, Reason: ev.Reason, TS: ev.TS}); err != nil {
					return i, err
				}
			}
			return len(batch), nil
		},
		func(s *storage.State, ids []string) { s.PendingFocusBlocks.Ack(ids) },
	)
}

// drainQueue sends a queue in batches, removing exactly the entries each
// send confirmed.
func drainQueue[T storage.Entry](
	ctx context.Context,
	e *Engine,
	name string,
	peek func(*storage.State, int) []T,
	send func(context.Context, []T) (int, error),
	ack func(*storage.State, []string),
) error {
	n := e.cfg.FlushBatchSize
	for {
		state, err := e.store.Load(ctx)
		if err != nil {
			return err
		}
		batch := peek(state, n)
		if len(batch) == 0 {
			return nil
		}

		sent, sendErr := send(ctx, batch)
		if sent > 0 {
			ids := storage.IDs(batch[:sent])
			if err := e.store.Update(ctx, func(s *storage.State) error {
				ack(s, ids)
				return nil
			}); err != nil {
				return err
			}
			metrics.FlushTotal.WithLabelValues(name, "ok").Inc()
		}
		if sendErr != nil {
			return sendErr
		}
		if len(batch) < n {
			return nil
		}
	}
}
