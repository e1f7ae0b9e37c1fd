package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/money"
)

// Static is an in-memory Repository for tests and local development.
type Static struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewStatic returns a repository holding items.
func NewStatic(items ...Item) *Static {
	s := &Static{items: make(map[string]Item, len(items))}
	for _, item := range items {
		s.Put(item)
	}
	return s
}

// Put adds or replaces an item.
func (s *Static) Put(item Item) {
	item.Currency = money.NormaliseCurrency(item.Currency)
	s.mu.Lock()
	s.items[item.ID] = item
	s.mu.Unlock()
}

func (s *Static) Get(_ context.Context, id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[strings.TrimSpace(id)]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return item, nil
}

func (s *Static) List(_ context.Context, activeOnly bool) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		if activeOnly && !item.Active {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DefaultItems is the development catalog loaded by the seeder.
func DefaultItems() []Item {
	return []Item{
		{ID: "plan-pro-monthly", Name: "Pro (monthly)", Kind: billing.KindSubscription, Price: decimal.RequireFromString("29.00"), Currency: "USD", Active: true},
		{ID: "plan-team-monthly", Name: "Team (monthly)", Kind: billing.KindSubscription, Price: decimal.RequireFromString("99.00"), Currency: "USD", Active: true},
		{ID: "tokens-1000", Name: "1,000 tokens", Kind: billing.KindTokenBundle, Price: decimal.RequireFromString("5.00"), Currency: "USD", TokenAmount: 1000, Active: true},
		{ID: "tokens-10000", Name: "10,000 tokens", Kind: billing.KindTokenBundle, Price: decimal.RequireFromString("40.00"), Currency: "USD", TokenAmount: 10000, Active: true},
		{ID: "addon-priority-support", Name: "Priority support", Kind: billing.KindAddon, Price: decimal.RequireFromString("10.00"), Currency: "USD", Active: true},
	}
}
