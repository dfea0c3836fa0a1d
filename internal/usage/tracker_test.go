package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/tollgate/internal/clock"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/rs/zerolog"
)

type recordedActivity struct {
	mu     sync.Mutex
	events []storage.ActivityEvent
}

func (r *recordedActivity) RecordActivity(_ context.Context, events ...storage.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func TestTrackerReportsVisitOnDomainChange(t *testing.T) {
	rec := &recordedActivity{}
	c := clock.NewTestClock(time.Unix(1_000, 0))
	tracker := NewTracker(rec, Config{Clock: c}, zerolog.Nop())

	tracker.RecordActivity("news.example", "https://news.example/a", "")
	c.Advance(30 * time.Second)
	tracker.RecordActivity("news.example", "https://news.example/b", "Story B")
	c.Advance(5 * time.Second)
	tracker.RecordActivity("docs.example", "https://docs.example/", "")

	if len(rec.events) != 1 {
		t.Fatalf("expected 1 reported visit, got %d", len(rec.events))
	}
	event := rec.events[0]
	if event.Domain != "news.example" || event.URL != "https://news.example/b" || event.Title != "Story B" {
		t.Errorf("unexpected visit %+v", event)
	}
	if event.Detail != "30" {
		t.Errorf("expected 30 seconds, got %s", event.Detail)
	}

	current, ok := tracker.Current()
	if !ok || current.Domain != "docs.example" {
		t.Errorf("expected docs.example visit open, got %+v", current)
	}
}

func TestTrackerSkipsShortVisits(t *testing.T) {
	rec := &recordedActivity{}
	c := clock.NewTestClock(time.Unix(1_000, 0))
	tracker := NewTracker(rec, Config{Clock: c}, zerolog.Nop())

	tracker.RecordActivity("a.example", "", "")
	c.Advance(3 * time.Second)
	tracker.RecordActivity("a.example", "", "")
	tracker.Idle()

	if len(rec.events) != 0 {
		t.Fatalf("expected short visit dropped, got %+v", rec.events)
	}
	if _, ok := tracker.Current(); ok {
		t.Fatal("expected no open visit after idle")
	}
}

func TestTrackerInactivityStartsNewVisit(t *testing.T) {
	rec := &recordedActivity{}
	c := clock.NewTestClock(time.Unix(1_000, 0))
	tracker := NewTracker(rec, Config{Clock: c, InactivityTimeout: time.Minute}, zerolog.Nop())

	tracker.RecordActivity("a.example", "", "")
	c.Advance(50 * time.Second)
	tracker.RecordActivity("a.example", "", "")
	c.Advance(5 * time.Minute)
	tracker.RecordActivity("a.example", "", "")

	if len(rec.events) != 1 || rec.events[0].Detail != "50" {
		t.Fatalf("expected the quiet gap to close the first visit, got %+v", rec.events)
	}
}
