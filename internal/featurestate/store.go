// Package featurestate persists named feature and provider states as whole
// records so every process reads the same configuration.
package featurestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Status is the lifecycle state of a feature.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
	StatusError    Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusEnabled, StatusDisabled, StatusError:
		return true
	}
	return false
}

// ErrNotFound is returned when no record exists for a name.
var ErrNotFound = errors.New("featurestate: not found")

// Record is a persisted feature state. It is always read and written whole.
type Record struct {
	Name      string          `json:"name"`
	Status    Status          `json:"status"`
	Config    json.RawMessage `json:"config,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the persistence contract.
type Store interface {
	Get(ctx context.Context, name string) (Record, error)
	Put(ctx context.Context, rec Record) (Record, error)
	List(ctx context.Context) ([]Record, error)
}

// DB is the subset of pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps records in the feature_states table.
type PostgresStore struct {
	db DB
}

// NewPostgresStore returns a store backed by db.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func normaliseName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (s *PostgresStore) Get(ctx context.Context, name string) (Record, error) {
	var (
		rec    Record
		status string
		config []byte
	)
	err := s.db.QueryRow(ctx, `SELECT name, status, config_json, updated_at FROM feature_states WHERE name = $1`,
		normaliseName(name)).Scan(&rec.Name, &status, &config, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("featurestate: get %s: %w", name, err)
	}
	rec.Status = Status(status)
	rec.Config = config
	return rec, nil
}

// Put upserts the whole record in one statement.
func (s *PostgresStore) Put(ctx context.Context, rec Record) (Record, error) {
	rec.Name = normaliseName(rec.Name)
	if rec.Name == "" || !rec.Status.Valid() {
		return Record{}, fmt.Errorf("featurestate: invalid record %q/%q", rec.Name, rec.Status)
	}
	config := []byte(rec.Config)
	if len(config) == 0 {
		config = []byte(`{}`)
	}
	err := s.db.QueryRow(ctx, `INSERT INTO feature_states (name, status, config_json, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (name) DO UPDATE
		SET status = EXCLUDED.status, config_json = EXCLUDED.config_json, updated_at = EXCLUDED.updated_at
		RETURNING updated_at`, rec.Name, string(rec.Status), config).Scan(&rec.UpdatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("featurestate: put %s: %w", rec.Name, err)
	}
	rec.Config = config
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.Query(ctx, `SELECT name, status, config_json, updated_at FROM feature_states ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("featurestate: list: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec    Record
			status string
			config []byte
		)
		if err := rows.Scan(&rec.Name, &status, &config, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("featurestate: scan: %w", err)
		}
		rec.Status = Status(status)
		rec.Config = config
		out = append(out, rec)
	}
	return out, rows.Err()
}
