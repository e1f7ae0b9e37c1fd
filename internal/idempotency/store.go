// Package idempotency stores provider results under caller supplied keys so a
// retried operation returns the first result instead of repeating the side
// effect. Stores are shared by every API and worker process.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// DefaultTTL is how long a stored result answers retries.
const DefaultTTL = 24 * time.Hour

var (
	// ErrEmptyKey is returned when an operation is attempted without a key.
	ErrEmptyKey = errors.New("idempotency: key is required")
	// ErrStoreUnavailable indicates the backing store is not configured.
	ErrStoreUnavailable = errors.New("idempotency: store unavailable")
)

// Record is a stored result. Result holds the JSON encoded payload exactly as
// it was first written.
type Record struct {
	Key       string          `json:"key"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store is the contract shared by every backend.
//
// Put is first-writer-wins: when a live record already exists for key it
// leaves it untouched and reports stored=false.
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) (stored bool, err error)
}

// DeriveKey builds a deterministic key from a request fingerprint. It is used
// when the caller did not supply a key of its own.
func DeriveKey(provider, operation string, args ...string) string {
	parts := append([]string{strings.ToLower(provider), operation}, args...)
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])[:32]
}

func normaliseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
