package desktop

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/tollgate/internal/storage"
)

func seedTransactions(t *testing.T, store Store, ids ...string) {
	t.Helper()
	err := store.Update(context.Background(), func(s *storage.State) error {
		for _, id := range ids {
			s.PendingTransactions.Push(storage.WalletTransaction{ID: id, Type: "spend", Amount: 1, Domain: "video.example"})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

type ingestServer struct {
	mu       sync.Mutex
	fail     bool
	failures int
	calls    int
	batches  [][]string
	activity int
}

func (s *ingestServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/extension/ingest", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls++
		if s.failures > 0 {
			s.failures--
			http.Error(w, `{"message":"busy"}`, http.StatusServiceUnavailable)
			return
		}
		if s.fail {
			http.Error(w, `{"message":"busy"}`, http.StatusServiceUnavailable)
			return
		}
		var batch IngestBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, "bad batch", http.StatusBadRequest)
			return
		}
		s.batches = append(s.batches, storage.IDs(batch.Transactions))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/extension/activity", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.activity++
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestFlushFailureKeepsEveryEntry(t *testing.T) {
	is := &ingestServer{fail: true}
	srv := httptest.NewServer(is.handler())
	defer srv.Close()

	store := newTestStore(t)
	seedTransactions(t, store, "t1", "t2", "t3")
	if err := store.Update(context.Background(), func(s *storage.State) error {
		s.PendingActivity.Push(storage.ActivityEvent{ID: "a1", Kind: "visit"})
		return nil
	}); err != nil {
		t.Fatalf("seed activity: %v", err)
	}
	engine := newTestEngine(t, srv.URL, store, nil, Config{FlushBatchSize: 2})

	err := engine.Flush(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}

	state := loadState(t, store)
	if state.PendingTransactions.Len() != 3 {
		t.Fatalf("failed flush removed entries: %d left", state.PendingTransactions.Len())
	}
	if is.activity != 0 {
		t.Fatal("later queues must wait for the economic flush")
	}
}

func TestFailedFlushRetriesWhileConnected(t *testing.T) {
	is := &ingestServer{failures: 1}
	srv := httptest.NewServer(is.handler())
	defer srv.Close()

	store := newTestStore(t)
	seedTransactions(t, store, "t1", "t2")
	engine := newTestEngine(t, srv.URL, store, nil, Config{
		FlushDebounce: 10 * time.Millisecond,
		RetryDelay:    50 * time.Millisecond,
	})
	engine.setState(Connected)
	defer engine.setState(Disconnected)

	engine.ScheduleFlush()
	waitFor(t, "queue drained by the retry", func() bool {
		return loadState(t, store).PendingTransactions.Len() == 0
	})

	is.mu.Lock()
	defer is.mu.Unlock()
	if is.calls != 2 {
		t.Fatalf("expected one failed and one accepted upload, got %d calls", is.calls)
	}
}

func TestFlushRemovesExactlyTheSentPrefix(t *testing.T) {
	is := &ingestServer{}
	srv := httptest.NewServer(is.handler())
	defer srv.Close()

	store := newTestStore(t)
	seedTransactions(t, store, "t1", "t2", "t3")
	engine := newTestEngine(t, srv.URL, store, nil, Config{FlushBatchSize: 2})

	if err := engine.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(is.batches) != 2 {
		t.Fatalf("expected two batches, got %v", is.batches)
	}
	if got := is.batches[0]; len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Fatalf("first batch out of order: %v", got)
	}
	if got := is.batches[1]; len(got) != 1 || got[0] != "t3" {
		t.Fatalf("second batch wrong: %v", got)
	}
	if n := loadState(t, store).PendingTransactions.Len(); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestFlushGuardSkipsConcurrentAttempt(t *testing.T) {
	var hits atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(entered)
			<-release
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newTestStore(t)
	seedTransactions(t, store, "t1")
	engine := newTestEngine(t, srv.URL, store, nil, Config{})

	done := make(chan error, 1)
	go func() { done <- engine.Flush(context.Background()) }()

	<-entered
	if err := engine.Flush(context.Background()); err != nil {
		t.Fatalf("guarded flush: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("flush: %v", err)
	}

	if n := hits.Load(); n != 1 {
		t.Fatalf("expected one upload, got %d", n)
	}
}

func TestFlushLibraryKeepsEditsMadeInFlight(t *testing.T) {
	store := newTestStore(t)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/extension/library-sync" {
			// Simulate a local edit landing while the upload is in flight.
			_ = store.Update(r.Context(), func(s *storage.State) error {
				s.PendingLibrarySync["b"] = storage.LibraryItem{ID: "b", UpdatedAt: 2}
				return nil
			})
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := store.Update(context.Background(), func(s *storage.State) error {
		s.PendingLibrarySync["a"] = storage.LibraryItem{ID: "a", UpdatedAt: 1}
		s.PendingLibrarySync["b"] = storage.LibraryItem{ID: "b", UpdatedAt: 1}
		s.PendingCategorisation = &storage.CategorisationUpdate{Categories: map[string]string{"a.example": "news"}, UpdatedAt: 1}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	engine := newTestEngine(t, srv.URL, store, nil, Config{})

	if err := engine.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	state := loadState(t, store)
	if _, ok := state.PendingLibrarySync["a"]; ok {
		t.Fatal("expected a to be acknowledged")
	}
	if _, ok := state.PendingLibrarySync["b"]; !ok {
		t.Fatal("expected the newer edit of b to stay pending")
	}
	if state.PendingCategorisation != nil {
		t.Fatal("expected categorisation slot to be cleared")
	}
}

func TestFlushPostsEmergencyReviews(t *testing.T) {
	var (
		mu      sync.Mutex
		reviews []EmergencyReview
		fail    = true
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/paywall/emergency-review" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		var review EmergencyReview
		if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
			http.Error(w, "bad review", http.StatusBadRequest)
			return
		}
		// The second review is refused once.
		if review.ID == "r2" && fail {
			fail = false
			http.Error(w, `{"message":"busy"}`, http.StatusServiceUnavailable)
			return
		}
		reviews = append(reviews, review)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newTestStore(t)
	if err := store.Update(context.Background(), func(s *storage.State) error {
		s.RecordAudit(storage.EmergencyAudit{ID: "r1", Domain: "bank.example", Outcome: "expired", EndedAt: 10})
		s.RecordAudit(storage.EmergencyAudit{ID: "r2", Domain: "docs.example", Outcome: "ended-early", Justification: "form", EndedAt: 20})
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	engine := newTestEngine(t, srv.URL, store, nil, Config{})

	if err := engine.Flush(context.Background()); err == nil {
		t.Fatal("expected the refused review to fail the flush")
	}
	left := loadState(t, store).PendingReviews.Peek(0)
	if len(left) != 1 || left[0].ID != "r2" {
		t.Fatalf("expected only the refused review to stay queued, got %+v", left)
	}

	if err := engine.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n := loadState(t, store).PendingReviews.Len(); n != 0 {
		t.Fatalf("expected review queue drained, %d left", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reviews) != 2 || reviews[1].Justification != "form" || reviews[1].EndedAt != 20 {
		t.Fatalf("unexpected reviews %+v", reviews)
	}
	if len(loadState(t, store).EmergencyUsage.Audits) != 2 {
		t.Fatal("expected the local audit log to keep both entries")
	}
}

func TestFlushOnboardingPatch(t *testing.T) {
	var (
		mu      sync.Mutex
		patches []storage.DailyOnboardingPatch
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/extension/state":
			// The desktop has not seen the local completion yet.
			_, _ = w.Write([]byte(`{"version":3,"dailyOnboarding":{"completedDay":"2026-03-01","note":"remote"}}`))
		case "/extension/daily-onboarding":
			var patch storage.DailyOnboardingPatch
			if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
				http.Error(w, "bad patch", http.StatusBadRequest)
				return
			}
			mu.Lock()
			patches = append(patches, patch)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	store := newTestStore(t)
	day, note := "2026-03-02", "local"
	if err := store.Update(context.Background(), func(s *storage.State) error {
		s.DailyOnboarding = storage.DailyOnboardingState{CompletedDay: day, Note: note}
		s.PendingOnboardingPatch = &storage.DailyOnboardingPatch{CompletedDay: &day, Note: &note}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	engine := newTestEngine(t, srv.URL, store, nil, Config{})

	if err := engine.pullSnapshot(context.Background()); err != nil {
		t.Fatalf("pull snapshot: %v", err)
	}
	state := loadState(t, store)
	if state.DailyOnboarding.CompletedDay != day || state.DailyOnboarding.Note != note {
		t.Fatalf("expected pending patch to win over the snapshot, got %+v", state.DailyOnboarding)
	}
	if state.PendingOnboardingPatch == nil {
		t.Fatal("expected the patch to stay pending until uploaded")
	}

	if err := engine.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if loadState(t, store).PendingOnboardingPatch != nil {
		t.Fatal("expected the uploaded patch to be cleared")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(patches) != 1 || patches[0].CompletedDay == nil || *patches[0].CompletedDay != day || *patches[0].Note != note {
		t.Fatalf("unexpected uploaded patches %+v", patches)
	}
}
