package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// ProcessedStore remembers which event ids were handled. Claim is atomic
// across processes: exactly one caller wins per key.
type ProcessedStore interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// DB is the subset of pgxpool.Pool used by the Postgres stores.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresProcessedStore claims ids in the processed_events table.
type PostgresProcessedStore struct {
	db DB
}

// NewPostgresProcessedStore returns a store backed by db.
func NewPostgresProcessedStore(db DB) *PostgresProcessedStore {
	return &PostgresProcessedStore{db: db}
}

func (s *PostgresProcessedStore) Claim(ctx context.Context, key string) (bool, error) {
	tag, err := s.db.Exec(ctx, `INSERT INTO processed_events (key, processed_at) VALUES ($1, now())
		ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("events: claim %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresProcessedStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM processed_events WHERE key = $1`, key); err != nil {
		return fmt.Errorf("events: release %s: %w", key, err)
	}
	return nil
}

// PurgeOlderThan removes claims recorded before cutoff.
func (s *PostgresProcessedStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("events: purge processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RedisProcessedStore claims ids with SET NX and lets Redis expire them.
type RedisProcessedStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisProcessedStore returns a store using keys prefixed with "events:processed:".
func NewRedisProcessedStore(client redis.UniversalClient, ttl time.Duration) *RedisProcessedStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisProcessedStore{client: client, prefix: "events:processed:", ttl: ttl}
}

func (s *RedisProcessedStore) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("events: claim %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisProcessedStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("events: release %s: %w", key, err)
	}
	return nil
}

// MemoryProcessedStore is a single-process store for tests and tools.
type MemoryProcessedStore struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryProcessedStore returns an empty store.
func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{keys: make(map[string]struct{})}
}

func (s *MemoryProcessedStore) Claim(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = struct{}{}
	return true, nil
}

func (s *MemoryProcessedStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}
