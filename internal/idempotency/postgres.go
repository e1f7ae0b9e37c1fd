package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by the Postgres stores.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists records in the idempotency_records table:
// (key, result_json, created_at, expires_at).
type PostgresStore struct {
	db  DB
	now func() time.Time
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Get returns the live record for key. Expired rows are treated as absent.
func (s *PostgresStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, ErrStoreUnavailable
	}
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}
	rec := Record{Key: key}
	err := s.db.QueryRow(ctx, `SELECT result_json, created_at, expires_at
FROM idempotency_records WHERE key = $1 AND expires_at > $2`, key, s.now().UTC()).
		Scan(&rec.Result, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("idempotency: get %s: %w", key, err)
	}
	return rec, true, nil
}

// Put inserts the record unless a live one exists. An expired row is replaced.
func (s *PostgresStore) Put(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreUnavailable
	}
	if key == "" {
		return false, ErrEmptyKey
	}
	now := s.now().UTC()
	tag, err := s.db.Exec(ctx, `INSERT INTO idempotency_records (key, result_json, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE
SET result_json = EXCLUDED.result_json, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
WHERE idempotency_records.expires_at <= EXCLUDED.created_at`, key, []byte(result), now, now.Add(normaliseTTL(ttl)))
	if err != nil {
		return false, fmt.Errorf("idempotency: put %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreUnavailable
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
