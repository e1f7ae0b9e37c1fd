package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON values with a native TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore constructs a RedisStore. An empty prefix defaults to "idempotency:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "idempotency:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Get returns the live record for key.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if s == nil || s.client == nil {
		return Record{}, false, ErrStoreUnavailable
	}
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("idempotency: get %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode %s: %w", key, err)
	}
	return rec, true, nil
}

// Put stores result under key with SET NX so the first writer wins.
func (s *RedisStore) Put(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, ErrStoreUnavailable
	}
	if key == "" {
		return false, ErrEmptyKey
	}
	ttl = normaliseTTL(ttl)
	now := s.now().UTC()
	payload, err := json.Marshal(Record{Key: key, Result: result, CreatedAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return false, fmt.Errorf("idempotency: encode %s: %w", key, err)
	}
	stored, err := s.client.SetNX(ctx, s.prefix+key, payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: put %s: %w", key, err)
	}
	return stored, nil
}
