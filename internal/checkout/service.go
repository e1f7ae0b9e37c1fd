// Package checkout turns a basket of catalog item ids into an invoice with
// pending purchases.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/catalog"
	"github.com/noah-isme/backend-billing/internal/common"
	"github.com/noah-isme/backend-billing/internal/events"
	"github.com/noah-isme/backend-billing/internal/money"
	"github.com/noah-isme/backend-billing/internal/obs"
)

// Request is the checkout payload.
type Request struct {
	CatalogItemIDs []string `json:"catalogItemIds" validate:"required,min=1,max=20,dive,required,max=64"`
	Currency       string   `json:"currency" validate:"required,len=3,alpha"`
}

// Result is a created invoice and its purchases.
type Result struct {
	Invoice   billing.Invoice    `json:"invoice"`
	Purchases []billing.Purchase `json:"purchases"`
}

// InvalidCatalogItemError rejects an item that cannot be bought as requested.
type InvalidCatalogItemError struct {
	ItemID string
	Reason string
}

func (e *InvalidCatalogItemError) Error() string {
	return fmt.Sprintf("checkout: catalog item %q: %s", e.ItemID, e.Reason)
}

// Dispatcher delivers domain events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event) (events.Outcome, error)
}

// Service creates invoices for checkouts.
type Service struct {
	Catalog    catalog.Catalog
	Store      billing.Store
	Events     Dispatcher
	TaxRateBPS int
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Checkout validates req for userID and persists one pending invoice with a
// pending purchase per item.
func (s *Service) Checkout(ctx context.Context, userID string, req Request) (Result, error) {
	if err := common.Validate(req); err != nil {
		obs.Inc(obs.CheckoutTotal, "rejected")
		return Result{}, err
	}
	currency := money.NormaliseCurrency(req.Currency)

	items, err := s.resolve(ctx, req.CatalogItemIDs, currency)
	if err != nil {
		var invalid *InvalidCatalogItemError
		if errors.As(err, &invalid) {
			obs.Inc(obs.CheckoutTotal, "rejected")
		} else {
			obs.Inc(obs.CheckoutTotal, "error")
		}
		return Result{}, err
	}

	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	inv := billing.NewInvoice(userID, currency, now)
	purchases := make([]billing.Purchase, 0, len(items))
	for _, item := range items {
		p := billing.Purchase{
			ID:            uuid.New(),
			UserID:        userID,
			InvoiceID:     inv.ID,
			CatalogItemID: item.ID,
			Kind:          item.Kind,
			Status:        billing.StatusPending,
			TokenAmount:   item.TokenAmount,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		pid := p.ID
		if err := inv.AddLine(billing.LineKind(item.Kind), item.Name, item.ID, &pid, item.Price); err != nil {
			obs.Inc(obs.CheckoutTotal, "error")
			return Result{}, err
		}
		purchases = append(purchases, p)
	}
	if err := inv.ApplyTax(s.TaxRateBPS); err != nil {
		obs.Inc(obs.CheckoutTotal, "error")
		return Result{}, err
	}

	err = s.Store.InTx(ctx, func(ctx context.Context) error {
		if err := s.Store.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		for i := range purchases {
			if err := s.Store.CreatePurchase(ctx, &purchases[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		obs.Inc(obs.CheckoutTotal, "error")
		return Result{}, fmt.Errorf("checkout: persist invoice: %w", err)
	}
	obs.Inc(obs.CheckoutTotal, "created")

	logger := obs.LoggerFrom(ctx, s.Logger).With().Str("invoice_id", inv.ID.String()).Logger()
	if s.Events != nil {
		_, err := s.Events.Dispatch(ctx, events.Event{
			ID:          "checkout:" + inv.ID.String(),
			Type:        events.TypeCheckoutRequested,
			ReferenceID: inv.ID.String(),
			Amount:      inv.Total,
			Currency:    inv.Currency,
			Metadata:    map[string]string{"invoice_id": inv.ID.String(), "user_id": userID, "invoice_number": inv.Number},
			OccurredAt:  now,
		})
		if err != nil {
			logger.Error().Err(err).Msg("checkout_event_dispatch_failed")
		}
	}
	logger.Info().Str("total", inv.Total.String()).Str("currency", inv.Currency).Int("items", len(purchases)).Msg("checkout_created")
	return Result{Invoice: *inv, Purchases: purchases}, nil
}

func (s *Service) resolve(ctx context.Context, ids []string, currency string) ([]catalog.Item, error) {
	out := make([]catalog.Item, 0, len(ids))
	subscriptions := 0
	for _, id := range ids {
		ok, err := s.Catalog.IsPurchasable(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("checkout: catalog lookup %s: %w", id, err)
		}
		if !ok {
			return nil, &InvalidCatalogItemError{ItemID: id, Reason: "item is not purchasable"}
		}
		price, priceCurrency, err := s.Catalog.GetPrice(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("checkout: catalog price %s: %w", id, err)
		}
		if money.NormaliseCurrency(priceCurrency) != currency {
			return nil, &InvalidCatalogItemError{ItemID: id, Reason: fmt.Sprintf("item is priced in %s", money.NormaliseCurrency(priceCurrency))}
		}
		item, err := s.Catalog.Item(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("checkout: catalog item %s: %w", id, err)
		}
		item.Price = price
		if item.Kind == billing.KindSubscription {
			subscriptions++
			if subscriptions > 1 {
				return nil, &InvalidCatalogItemError{ItemID: id, Reason: "only one subscription plan per checkout"}
			}
		}
		if item.Kind == billing.KindTokenBundle && item.TokenAmount <= 0 {
			return nil, &InvalidCatalogItemError{ItemID: id, Reason: "token bundle has no token amount"}
		}
		out = append(out, item)
	}
	return out, nil
}
