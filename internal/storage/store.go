package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/goodtune/tollgate/internal/metrics"
	"github.com/rs/zerolog"
)

// maxConflictRetries bounds how often Update re-reads after a revision conflict.
const maxConflictRetries = 5

// Backend persists the encoded root document with an optimistic revision.
type Backend interface {
	// Read returns the stored document and its revision. An empty store
	// returns a nil document and revision 0.
	Read(ctx context.Context) ([]byte, uint64, error)
	// Write stores doc if the current revision equals expectedRev and
	// returns the new revision, or ErrConflict.
	Write(ctx context.Context, doc []byte, expectedRev uint64) (uint64, error)
	// Backup keeps a copy of doc outside the root document. It is called
	// with an unreadable document before anything overwrites it.
	Backup(ctx context.Context, doc []byte) error
	Close() error
}

// Store is the durable state facade over a Backend.
type Store struct {
	backend       Backend
	queueCapacity int
	logger        zerolog.Logger
	mu            sync.Mutex
}

// New wraps backend in a Store.
func New(backend Backend, queueCapacity int, logger zerolog.Logger) *Store {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Store{
		backend:       backend,
		queueCapacity: queueCapacity,
		logger:        logger.With().Str("component", "storage").Logger(),
	}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Load returns the current migrated state. The returned value is a private
// copy; changes must go through Update.
func (s *Store) Load(ctx context.Context) (*State, error) {
	state, _, _, err := s.read(ctx)
	return state, err
}

// Update runs fn against the current state and persists the result. If fn
// returns an error nothing is written and the error is returned unchanged.
func (s *Store) Update(ctx context.Context, fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		state, rev, corrupt, err := s.read(ctx)
		if err != nil {
			return err
		}
		if corrupt != nil {
			if err := s.backend.Backup(ctx, corrupt); err != nil {
				return fmt.Errorf("%w: backup failed: %v", ErrCorruptState, err)
			}
			s.logger.Error().Uint64("rev", rev).Int("bytes", len(corrupt)).Msg("Unreadable root document backed up, overwriting with defaults")
		}
		before := queueStats(state)

		if err := fn(state); err != nil {
			return err
		}

		doc, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		if _, err := s.backend.Write(ctx, doc, rev); err != nil {
			if errors.Is(err, ErrConflict) {
				s.logger.Debug().Int("attempt", attempt+1).Msg("State revision conflict, retrying")
				continue
			}
			return fmt.Errorf("write state: %w", err)
		}

		s.recordQueueMetrics(before, queueStats(state))
		return nil
	}
	return fmt.Errorf("write state: %w after %d attempts", ErrConflict, maxConflictRetries)
}

// read returns the migrated state. When the stored document cannot be
// decoded the state is the defaults and corrupt holds the raw bytes, which
// Update backs up before its write replaces them.
func (s *Store) read(ctx context.Context) (state *State, rev uint64, corrupt []byte, err error) {
	raw, rev, err := s.backend.Read(ctx)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("read state: %w", err)
	}
	state, warnings, err := Migrate(raw, s.queueCapacity)
	if err != nil {
		s.logger.Error().Err(err).Msg("Root document unreadable, starting from defaults")
		corrupt = raw
	}
	for _, w := range warnings {
		s.logger.Warn().Str("detail", w).Msg("State migration warning")
	}
	return state, rev, corrupt, nil
}

type queueStat struct {
	depth   int
	dropped int
}

func queueStats(state *State) map[string]queueStat {
	return map[string]queueStat{
		"transactions": {state.PendingTransactions.Len(), state.PendingTransactions.Dropped},
		"consumption":  {state.PendingConsumption.Len(), state.PendingConsumption.Dropped},
		"activity":     {state.PendingActivity.Len(), state.PendingActivity.Dropped},
		"focus_blocks": {state.PendingFocusBlocks.Len(), state.PendingFocusBlocks.Dropped},
		"reviews":      {state.PendingReviews.Len(), state.PendingReviews.Dropped},
	}
}

func (s *Store) recordQueueMetrics(before, after map[string]queueStat) {
	for name, stat := range after {
		metrics.QueueDepth.WithLabelValues(name).Set(float64(stat.depth))
		if dropped := stat.dropped - before[name].dropped; dropped > 0 {
			metrics.QueueDropped.WithLabelValues(name).Add(float64(dropped))
			s.logger.Warn().
				Str("queue", name).
				Int("dropped", dropped).
				Msg("Pending queue full, oldest entries dropped")
		}
	}
}
