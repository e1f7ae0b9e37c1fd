package checkout_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/catalog"
	"github.com/noah-isme/backend-billing/internal/checkout"
	"github.com/noah-isme/backend-billing/internal/common"
	"github.com/noah-isme/backend-billing/internal/events"
)

type fixture struct {
	svc    *checkout.Service
	store  *billing.MemoryStore
	events []events.Event
}

func newFixture(t *testing.T, taxBPS int) *fixture {
	t.Helper()
	items := append(catalog.DefaultItems(),
		catalog.Item{ID: "plan-idr", Name: "Pro IDR", Kind: billing.KindSubscription, Price: decimal.NewFromInt(450000), Currency: "IDR", Active: true},
		catalog.Item{ID: "plan-retired", Name: "Retired", Kind: billing.KindSubscription, Price: decimal.NewFromInt(9), Currency: "USD", Active: false},
	)
	cat, err := catalog.NewService(catalog.NewStatic(items...), nil, zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{store: billing.NewMemoryStore()}
	d := events.NewDispatcher()
	d.Subscribe(events.Func("recorder", func(_ context.Context, ev events.Event) error {
		f.events = append(f.events, ev)
		return nil
	}))
	f.svc = &checkout.Service{
		Catalog:    cat,
		Store:      f.store,
		Events:     d,
		TaxRateBPS: taxBPS,
		Now:        func() time.Time { return time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC) },
		Logger:     zerolog.Nop(),
	}
	return f
}

func TestCheckoutSubscription(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	res, err := f.svc.Checkout(ctx, "user-1", checkout.Request{CatalogItemIDs: []string{"plan-pro-monthly"}, Currency: "usd"})
	require.NoError(t, err)
	require.Equal(t, billing.InvoicePending, res.Invoice.Status)
	require.Equal(t, "USD", res.Invoice.Currency)
	require.True(t, res.Invoice.Total.Equal(decimal.RequireFromString("29.00")))
	require.Len(t, res.Invoice.Lines, 1)
	require.Len(t, res.Purchases, 1)
	require.Equal(t, billing.StatusPending, res.Purchases[0].Status)
	require.Equal(t, res.Invoice.ID, res.Purchases[0].InvoiceID)
	require.Equal(t, res.Purchases[0].ID, *res.Invoice.Lines[0].PurchaseID)

	stored, err := f.store.GetInvoice(ctx, res.Invoice.ID)
	require.NoError(t, err)
	require.NoError(t, stored.Validate())
	purchases, err := f.store.ListPurchases(ctx, res.Invoice.ID)
	require.NoError(t, err)
	require.Len(t, purchases, 1)

	require.Len(t, f.events, 1)
	require.Equal(t, events.TypeCheckoutRequested, f.events[0].Type)
	require.Equal(t, res.Invoice.ID.String(), f.events[0].Meta("invoice_id"))
}

func TestCheckoutAddsTaxLine(t *testing.T) {
	f := newFixture(t, 1000)
	res, err := f.svc.Checkout(context.Background(), "user-1", checkout.Request{
		CatalogItemIDs: []string{"plan-pro-monthly", "tokens-1000"},
		Currency:       "USD",
	})
	require.NoError(t, err)
	require.Len(t, res.Invoice.Lines, 3)
	require.Equal(t, billing.LineTax, res.Invoice.Lines[2].Kind)
	require.True(t, res.Invoice.Subtotal.Equal(decimal.RequireFromString("34.00")))
	require.True(t, res.Invoice.Tax.Equal(decimal.RequireFromString("3.40")))
	require.True(t, res.Invoice.Total.Equal(decimal.RequireFromString("37.40")))
	require.Equal(t, int64(1000), res.Purchases[1].TokenAmount)
}

func TestCheckoutRejections(t *testing.T) {
	cases := []struct {
		name   string
		req    checkout.Request
		itemID string
	}{
		{"unknown item", checkout.Request{CatalogItemIDs: []string{"nope"}, Currency: "USD"}, "nope"},
		{"inactive item", checkout.Request{CatalogItemIDs: []string{"plan-retired"}, Currency: "USD"}, "plan-retired"},
		{"currency mismatch", checkout.Request{CatalogItemIDs: []string{"plan-idr"}, Currency: "USD"}, "plan-idr"},
		{"two subscriptions", checkout.Request{CatalogItemIDs: []string{"plan-pro-monthly", "plan-team-monthly"}, Currency: "USD"}, "plan-team-monthly"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 0)
			_, err := f.svc.Checkout(context.Background(), "user-1", tc.req)
			var invalid *checkout.InvalidCatalogItemError
			require.ErrorAs(t, err, &invalid)
			require.Equal(t, tc.itemID, invalid.ItemID)
			require.Empty(t, f.events)
		})
	}
}

func TestCheckoutValidation(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.svc.Checkout(context.Background(), "user-1", checkout.Request{Currency: "US"})
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "VALIDATION_FAILED", appErr.Code)
}

func TestCheckoutHandler(t *testing.T) {
	f := newFixture(t, 0)
	h := &checkout.Handler{Svc: f.svc}

	post := func(body string, userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewBufferString(body))
		if userID != "" {
			req = req.WithContext(common.WithUserID(req.Context(), userID))
		}
		rr := httptest.NewRecorder()
		h.Checkout(rr, req)
		return rr
	}

	rr := post(`{"catalogItemIds":["tokens-1000"],"currency":"USD"}`, "user-7")
	require.Equal(t, http.StatusCreated, rr.Code)
	var created checkout.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.Equal(t, "user-7", created.Invoice.UserID)
	require.Len(t, created.Purchases, 1)

	rr = post(`{"catalogItemIds":["plan-idr"],"currency":"USD"}`, "user-7")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var errBody struct {
		Error struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &errBody))
	require.Equal(t, "INVALID_CATALOG_ITEM", errBody.Error.Code)
	require.Equal(t, "plan-idr", errBody.Error.Details["itemId"])

	require.Equal(t, http.StatusBadRequest, post(`{"catalogItemIds":[],"currency":"USD"}`, "user-7").Code)
	require.Equal(t, http.StatusUnauthorized, post(`{}`, "").Code)
}
