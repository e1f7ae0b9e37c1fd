package featurestate

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-billing/internal/cache"
)

// CachedStore reads through to the backing store on every call and keeps the
// last record seen in Redis. Writes reach the cache only after the store
// accepted them, so the cache never holds state the store rejected.
type CachedStore struct {
	store  Store
	cache  *cache.Cache
	logger zerolog.Logger
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps store with c.
func NewCachedStore(store Store, c *cache.Cache, logger zerolog.Logger) *CachedStore {
	return &CachedStore{store: store, cache: c, logger: logger}
}

func (s *CachedStore) Get(ctx context.Context, name string) (Record, error) {
	rec, err := s.store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = s.cache.Delete(ctx, cache.KeyFeatureState(name))
		}
		return Record{}, err
	}
	s.remember(ctx, rec)
	return rec, nil
}

func (s *CachedStore) Put(ctx context.Context, rec Record) (Record, error) {
	saved, err := s.store.Put(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	s.remember(ctx, saved)
	return saved, nil
}

func (s *CachedStore) List(ctx context.Context) ([]Record, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		s.remember(ctx, rec)
	}
	return recs, nil
}

// LastKnown returns the cached copy of a record. The admin Get endpoint
// reports it next to the stored record; it must not drive decisions.
func (s *CachedStore) LastKnown(ctx context.Context, name string) (Record, bool) {
	var rec Record
	ok, err := s.cache.GetJSON(ctx, cache.KeyFeatureState(name), &rec)
	if err != nil || !ok {
		return Record{}, false
	}
	return rec, true
}

func (s *CachedStore) remember(ctx context.Context, rec Record) {
	if err := s.cache.SetJSON(ctx, cache.KeyFeatureState(rec.Name), rec); err != nil {
		s.logger.Warn().Err(err).Str("feature", rec.Name).Msg("featurestate_cache_write_failed")
	}
}
