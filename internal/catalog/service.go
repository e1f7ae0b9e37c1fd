package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-billing/internal/cache"
)

// Service is the Catalog backed by a Repository with a Redis read-through cache.
type Service struct {
	repo   Repository
	cache  *cache.Cache
	logger zerolog.Logger
}

// NewService constructs a Service. c may be nil.
func NewService(repo Repository, c *cache.Cache, logger zerolog.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("catalog: repository is required")
	}
	return &Service{repo: repo, cache: c, logger: logger}, nil
}

// Item returns the item, consulting the cache first. Cache failures fall
// through to the repository.
func (s *Service) Item(ctx context.Context, id string) (Item, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Item{}, ErrItemNotFound
	}
	key := cache.KeyCatalogItem(id)
	var cached Item
	hit, err := s.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		s.logger.Warn().Err(err).Str("item_id", id).Msg("catalog_cache_read_failed")
	}
	if hit {
		return cached, nil
	}

	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if err := s.cache.SetJSON(ctx, key, item); err != nil {
		s.logger.Warn().Err(err).Str("item_id", id).Msg("catalog_cache_write_failed")
	}
	return item, nil
}

// IsPurchasable reports whether id exists, is active and has a usable price.
func (s *Service) IsPurchasable(ctx context.Context, id string) (bool, error) {
	item, err := s.Item(ctx, id)
	if errors.Is(err, ErrItemNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return item.Active && item.Kind.Valid() && item.Price.IsPositive(), nil
}

// GetPrice returns the item's price and currency.
func (s *Service) GetPrice(ctx context.Context, id string) (decimal.Decimal, string, error) {
	item, err := s.Item(ctx, id)
	if err != nil {
		return decimal.Zero, "", err
	}
	return item.Price, item.Currency, nil
}

// List returns catalog items, bypassing the cache.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]Item, error) {
	return s.repo.List(ctx, activeOnly)
}

// Invalidate drops cached entries for ids.
func (s *Service) Invalidate(ctx context.Context, ids ...string) error {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, cache.KeyCatalogItem(id))
	}
	return s.cache.Delete(ctx, keys...)
}
