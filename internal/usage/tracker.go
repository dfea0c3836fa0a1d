package usage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/goodtune/tollgate/internal/clock"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultInactivityTimeout is the duration after which a visit is considered over
	DefaultInactivityTimeout = 2 * time.Minute

	// DefaultMinVisitDuration is the minimum duration for a visit to be reported
	DefaultMinVisitDuration = 10 * time.Second
)

// Recorder persists finished visits as activity telemetry.
type Recorder interface {
	RecordActivity(ctx context.Context, events ...storage.ActivityEvent) error
}

// Tracker turns foreground activity into visit telemetry. Only one visit
// is open at a time because only the foreground tab is active.
type Tracker struct {
	recorder          Recorder
	clock             clock.Clock
	current           *Visit
	inactivityTimeout time.Duration
	minVisitDuration  time.Duration
	logger            zerolog.Logger
	mu                sync.Mutex
	stopChan          chan struct{}
	stopOnce          sync.Once
}

// Config holds tracker configuration
type Config struct {
	InactivityTimeout time.Duration
	MinVisitDuration  time.Duration
	Clock             clock.Clock
}

// NewTracker creates a new visit tracker
func NewTracker(recorder Recorder, config Config, logger zerolog.Logger) *Tracker {
	if config.InactivityTimeout == 0 {
		config.InactivityTimeout = DefaultInactivityTimeout
	}
	if config.MinVisitDuration == 0 {
		config.MinVisitDuration = DefaultMinVisitDuration
	}
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}

	return &Tracker{
		recorder:          recorder,
		clock:             config.Clock,
		inactivityTimeout: config.InactivityTimeout,
		minVisitDuration:  config.MinVisitDuration,
		logger:            logger.With().Str("component", "visit-tracker").Logger(),
		stopChan:          make(chan struct{}),
	}
}

// Start begins the inactivity cleanup loop
func (t *Tracker) Start() {
	go t.cleanupInactiveVisits()
}

// Stop finalizes the open visit and stops the cleanup loop
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
	t.Idle()
}

// RecordActivity notes foreground activity on domain. Activity on a new
// domain, or after the inactivity timeout, closes the open visit.
func (t *Tracker) RecordActivity(domain, url, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()

	if visit := t.current; visit != nil {
		sameDomain := visit.Domain == domain
		if sameDomain && now.Sub(visit.LastActivity) <= t.inactivityTimeout {
			visit.AccumulatedSeconds += int64(now.Sub(visit.LastActivity).Seconds())
			visit.LastActivity = now
			if url != "" {
				visit.URL = url
			}
			if title != "" {
				visit.Title = title
			}
			return
		}
		t.finalizeVisit(visit)
	}

	if domain == "" {
		return
	}

	t.current = &Visit{
		ID:           storage.NewID(),
		Domain:       domain,
		URL:          url,
		Title:        title,
		StartedAt:    now,
		LastActivity: now,
		Active:       true,
	}

	t.logger.Debug().Str("domain", domain).Msg("Started visit")
}

// Idle closes the open visit, if any
func (t *Tracker) Idle() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil {
		t.finalizeVisit(t.current)
	}
}

// Current returns a copy of the open visit
func (t *Tracker) Current() (Visit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return Visit{}, false
	}
	return *t.current, true
}

// finalizeVisit reports a visit (must be called with lock held)
func (t *Tracker) finalizeVisit(visit *Visit) {
	t.current = nil
	if !visit.Active {
		return
	}
	visit.Active = false

	totalDuration := time.Duration(visit.AccumulatedSeconds) * time.Second
	if totalDuration < t.minVisitDuration {
		t.logger.Debug().
			Str("domain", visit.Domain).
			Dur("duration", totalDuration).
			Dur("min_duration", t.minVisitDuration).
			Msg("Visit too short, not reporting")
		return
	}

	event := storage.ActivityEvent{
		ID:     visit.ID,
		Kind:   "visit",
		Domain: visit.Domain,
		URL:    visit.URL,
		Title:  visit.Title,
		Detail: strconv.FormatInt(visit.AccumulatedSeconds, 10),
		TS:     storage.UnixMillis(visit.StartedAt),
	}
	if err := t.recorder.RecordActivity(context.Background(), event); err != nil {
		t.logger.Error().Err(err).Str("domain", visit.Domain).Msg("Failed to record visit")
		return
	}

	t.logger.Debug().
		Str("domain", visit.Domain).
		Int64("total_seconds", visit.AccumulatedSeconds).
		Msg("Finalized visit")
}

// cleanupInactiveVisits periodically closes a visit that went quiet
func (t *Tracker) cleanupInactiveVisits() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			if visit := t.current; visit != nil && t.clock.Now().Sub(visit.LastActivity) > t.inactivityTimeout {
				t.finalizeVisit(visit)
			}
			t.mu.Unlock()
		case <-t.stopChan:
			return
		}
	}
}
