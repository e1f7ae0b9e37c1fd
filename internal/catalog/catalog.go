// Package catalog resolves purchasable plans, token bundles and add-ons.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-billing/internal/billing"
)

// ErrItemNotFound is returned for an unknown catalog item id.
var ErrItemNotFound = errors.New("catalog: item not found")

// Item is one purchasable catalog entry. Price is in major units.
type Item struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Kind        billing.PurchaseKind `json:"kind"`
	Price       decimal.Decimal      `json:"price"`
	Currency    string               `json:"currency"`
	TokenAmount int64                `json:"tokenAmount,omitempty"`
	Active      bool                 `json:"active"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// Catalog answers the questions checkout asks about an item.
type Catalog interface {
	IsPurchasable(ctx context.Context, id string) (bool, error)
	GetPrice(ctx context.Context, id string) (decimal.Decimal, string, error)
	Item(ctx context.Context, id string) (Item, error)
}

// Repository loads catalog items from durable storage.
type Repository interface {
	Get(ctx context.Context, id string) (Item, error)
	List(ctx context.Context, activeOnly bool) ([]Item, error)
}
