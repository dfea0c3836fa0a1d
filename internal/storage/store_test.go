package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type memoryBackend struct {
	mu        sync.Mutex
	doc       []byte
	rev       uint64
	conflicts int
	backup    []byte
	backupErr error
}

func (m *memoryBackend) Read(context.Context) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.doc...), m.rev, nil
}

func (m *memoryBackend) Write(_ context.Context, doc []byte, expectedRev uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		m.rev++
		return 0, ErrConflict
	}
	if expectedRev != m.rev {
		return 0, ErrConflict
	}
	m.doc = append([]byte(nil), doc...)
	m.rev++
	return m.rev, nil
}

func (m *memoryBackend) Backup(_ context.Context, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backupErr != nil {
		return m.backupErr
	}
	m.backup = append([]byte(nil), doc...)
	return nil
}

func (m *memoryBackend) Close() error { return nil }

func TestStoreUpdateRetriesConflicts(t *testing.T) {
	backend := &memoryBackend{conflicts: 2}
	store := New(backend, 10, zerolog.Nop())

	calls := 0
	err := store.Update(context.Background(), func(s *State) error {
		calls++
		s.Wallet.Earn(5)
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Wallet.Balance != 5 {
		t.Fatalf("expected balance applied once, got %d", state.Wallet.Balance)
	}
}

func TestStoreUpdateGivesUpAfterRepeatedConflicts(t *testing.T) {
	backend := &memoryBackend{conflicts: maxConflictRetries}
	store := New(backend, 10, zerolog.Nop())

	err := store.Update(context.Background(), func(s *State) error { return nil })
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestStoreLoadReturnsPrivateCopy(t *testing.T) {
	store := New(&memoryBackend{}, 10, zerolog.Nop())

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	state.Wallet.Balance = 99

	again, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if again.Wallet.Balance != 0 {
		t.Fatalf("expected unmodified store, got balance %d", again.Wallet.Balance)
	}
}

func TestStoreUpdateBacksUpUnreadableDocument(t *testing.T) {
	corrupt := []byte(`{"wallet":{"balance":120},"pendingTransactions":[`)
	backend := &memoryBackend{doc: corrupt, rev: 7}
	store := New(backend, 10, zerolog.Nop())

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Wallet.Balance != 0 {
		t.Fatalf("expected defaults for an unreadable document, got balance %d", state.Wallet.Balance)
	}
	if backend.backup != nil {
		t.Fatal("expected Load to leave the backup untouched")
	}

	if err := store.Update(context.Background(), func(s *State) error {
		s.Wallet.Earn(1)
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if string(backend.backup) != string(corrupt) {
		t.Fatalf("expected the unreadable document in the backup, got %q", backend.backup)
	}
}

func TestStoreUpdateRefusesWhenBackupFails(t *testing.T) {
	corrupt := []byte(`not json`)
	backend := &memoryBackend{doc: corrupt, rev: 3, backupErr: errors.New("disk full")}
	store := New(backend, 10, zerolog.Nop())

	err := store.Update(context.Background(), func(s *State) error {
		s.Wallet.Earn(1)
		return nil
	})
	if !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
	if string(backend.doc) != string(corrupt) || backend.rev != 3 {
		t.Fatalf("expected the stored document untouched, got %q rev %d", backend.doc, backend.rev)
	}
}
