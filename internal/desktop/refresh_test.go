package desktop

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/tollgate/internal/paywall"
	"github.com/goodtune/tollgate/internal/storage"
)

func TestRefreshDedupesAndThrottles(t *testing.T) {
	var hits atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		once.Do(func() {
			close(entered)
			<-release
		})
		_, _ = io.WriteString(w, `{"version":3,"wallet":{"balance":7}}`)
	}))
	defer srv.Close()

	store := newTestStore(t)
	engine := newTestEngine(t, srv.URL, store, nil, Config{RefreshWindow: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.Refresh(context.Background()); err != nil {
				t.Errorf("refresh: %v", err)
			}
		}()
	}
	<-entered
	close(release)
	wg.Wait()

	if err := engine.Refresh(context.Background()); err != nil {
		t.Fatalf("throttled refresh: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("expected one snapshot fetch, got %d", n)
	}
	if loadState(t, store).Wallet.Balance != 7 {
		t.Fatal("snapshot not applied")
	}
}

func TestRefreshReportsUnreachable(t *testing.T) {
	engine := newTestEngine(t, "http://127.0.0.1:1", newTestStore(t), nil, Config{})
	if err := engine.Refresh(context.Background()); err == nil {
		t.Fatal("expected error when the desktop is down")
	}
}

func TestBootstrapKeepsOfflinePackUntilSpendIngested(t *testing.T) {
	is := &ingestServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/extension/state", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"version":3,"wallet":{"balance":40},"sessions":{}}`)
	})
	mux.Handle("/extension/", is.handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newTestStore(t)
	err := store.Update(context.Background(), func(s *storage.State) error {
		if err := s.PutSession(paywall.NewPack("news.example", 30, 60, 0, testNow)); err != nil {
			return err
		}
		s.PendingTransactions.Push(storage.WalletTransaction{ID: "spend-1", Type: "spend", Amount: 60, Domain: "news.example"})
		return nil
	})
	if err != nil {
		t.Fatalf("seed offline purchase: %v", err)
	}
	engine := newTestEngine(t, srv.URL, store, nil, Config{})

	engine.bootstrap(context.Background())

	state := loadState(t, store)
	if _, ok := state.Session("news.example"); !ok {
		t.Fatal("expected the offline pack to survive a snapshot that does not list it")
	}
	if state.PendingTransactions.Len() != 0 {
		t.Fatalf("expected the queued spend to be ingested, %d left", state.PendingTransactions.Len())
	}
	if len(is.batches) != 1 || is.batches[0][0] != "spend-1" {
		t.Fatalf("unexpected ingest batches %v", is.batches)
	}
}
