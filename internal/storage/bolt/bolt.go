package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/tollgate/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketState = "tollgate"
	keyRoot     = "root"
	keyRev      = "rev"
	keyBackup   = "root.corrupt"
)

// Backend implements storage.Backend using bbolt.
type Backend struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed state backend.
func Open(path string) (*Backend, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	backend := &Backend{db: db}
	if err := backend.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return backend, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (b *Backend) ensureBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketState)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketState, err)
		}
		return nil
	})
}

// Close closes the underlying database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Read returns the root document and its revision.
func (b *Backend) Read(ctx context.Context) ([]byte, uint64, error) {
	var (
		doc []byte
		rev uint64
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketState))
		if bucket == nil {
			return nil
		}
		if value := bucket.Get([]byte(keyRoot)); value != nil {
			// Values are only valid for the life of the transaction.
			doc = append([]byte(nil), value...)
		}
		rev = decodeRev(bucket.Get([]byte(keyRev)))
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return doc, rev, nil
}

// Write replaces the root document if the stored revision is expectedRev.
func (b *Backend) Write(ctx context.Context, doc []byte, expectedRev uint64) (uint64, error) {
	var next uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketState))
		if bucket == nil {
			return fmt.Errorf("bucket %s missing", bucketState)
		}
		current := decodeRev(bucket.Get([]byte(keyRev)))
		if current != expectedRev {
			return storage.ErrConflict
		}
		next = current + 1
		if err := bucket.Put([]byte(keyRoot), doc); err != nil {
			return fmt.Errorf("put root: %w", err)
		}
		return bucket.Put([]byte(keyRev), encodeRev(next))
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Backup stores doc under the backup key, replacing an earlier backup.
func (b *Backend) Backup(ctx context.Context, doc []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketState))
		if bucket == nil {
			return fmt.Errorf("bucket %s missing", bucketState)
		}
		return bucket.Put([]byte(keyBackup), doc)
	})
}

// ReadBackup returns the last backed up document, or nil.
func (b *Backend) ReadBackup(ctx context.Context) ([]byte, error) {
	var doc []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if bucket := tx.Bucket([]byte(bucketState)); bucket != nil {
			if value := bucket.Get([]byte(keyBackup)); value != nil {
				doc = append([]byte(nil), value...)
			}
		}
		return nil
	})
	return doc, err
}

func encodeRev(rev uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, rev)
	return buf
}

func decodeRev(data []byte) uint64 {
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
