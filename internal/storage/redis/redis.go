package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/tollgate/internal/config"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the hash holding the root document when none is configured.
const DefaultKey = "tollgate:state"

// Backend implements storage.Backend using Redis
type Backend struct {
	client *redis.Client
	key    string
	cas    *redis.Script
}

// Open creates a new Redis-backed state backend
func Open(cfg config.RedisConfig) (*Backend, error) {
	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  config.Duration(cfg.DialTimeout, 5*time.Second),
		ReadTimeout:  config.Duration(cfg.ReadTimeout, 3*time.Second),
		WriteTimeout: config.Duration(cfg.WriteTimeout, 3*time.Second),
	})

	// Verify the connection before the first read.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}

	return &Backend{
		client: client,
		key:    key,
		cas:    redis.NewScript(compareAndSetScript),
	}, nil
}

// Close closes the Redis connection
func (b *Backend) Close() error {
	return b.client.Close()
}

// Read returns the root document and its revision
func (b *Backend) Read(ctx context.Context) ([]byte, uint64, error) {
	values, err := b.client.HMGet(ctx, b.key, "doc", "rev").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read state: %w", err)
	}

	doc, err := parseDocument(values[0])
	if err != nil {
		return nil, 0, err
	}
	rev, err := parseRevision(values[1])
	if err != nil {
		return nil, 0, err
	}
	return doc, rev, nil
}

// Write stores doc if the current revision is expectedRev
func (b *Backend) Write(ctx context.Context, doc []byte, expectedRev uint64) (uint64, error) {
	next, err := b.cas.Run(ctx, b.client, []string{b.key}, expectedRev, string(doc)).Uint64()
	if err != nil {
		return 0, fmt.Errorf("failed to write state: %w", err)
	}
	if next == 0 {
		return 0, storage.ErrConflict
	}
	return next, nil
}

// Backup stores doc in the backup field of the state hash.
func (b *Backend) Backup(ctx context.Context, doc []byte) error {
	if err := b.client.HSet(ctx, b.key, "backup", string(doc)).Err(); err != nil {
		return fmt.Errorf("failed to back up state: %w", err)
	}
	return nil
}
