package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/config"
	"github.com/noah-isme/backend-billing/internal/events"
	"github.com/noah-isme/backend-billing/internal/idempotency"
)

func testConfig() *config.Config {
	return &config.Config{
		Payment: config.PaymentConfig{
			DefaultProvider:    "mock",
			RetryMaxAttempts:   3,
			RetryBase:          time.Millisecond,
			AttemptTimeout:     time.Second,
			BreakerMinRequests: 10,
			BreakerFailureRate: 0.5,
			BreakerOpenFor:     time.Second,
		},
		Mock:           config.MockConfig{Enabled: true, WebhookSecret: "mock-secret"},
		IdempotencyTTL: time.Hour,
	}
}

func TestNewPaymentRegistryRegistersConfiguredProviders(t *testing.T) {
	cfg := testConfig()
	cfg.Midtrans = config.MidtransConfig{ServerKey: "SB-Mid-server-x", BaseURL: "https://api.sandbox.midtrans.com"}
	cfg.Xendit = config.XenditConfig{SecretKey: "xnd_development_x", BaseURL: "https://api.xendit.co"}

	reg, err := NewPaymentRegistry(cfg, idempotency.NewPostgresStore(nil), zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, []string{"midtrans", "mock", "xendit"}, reg.Names())
	require.False(t, reg.Has("stripe"))
}

func TestNewPaymentRegistryRequiresDefaultProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Payment.DefaultProvider = "stripe"

	_, err := NewPaymentRegistry(cfg, idempotency.NewPostgresStore(nil), zerolog.Nop())
	require.ErrorContains(t, err, `default payment provider "stripe" is not configured`)

	cfg.Stripe.SecretKey = "sk_test_x"
	reg, err := NewPaymentRegistry(cfg, idempotency.NewPostgresStore(nil), zerolog.Nop())
	require.NoError(t, err)
	require.True(t, reg.Has("stripe"))
}

func TestNewWebhookRegistryOnlyRegistersSignedProviders(t *testing.T) {
	cfg := testConfig()
	cfg.Stripe.WebhookSecret = "whsec_x"
	cfg.Midtrans.ServerKey = "SB-Mid-server-x"

	reg := NewWebhookRegistry(cfg)
	require.Equal(t, []string{"midtrans", "mock", "stripe"}, reg.Providers())

	_, secret, ok := reg.Lookup("Midtrans")
	require.True(t, ok)
	require.Equal(t, "SB-Mid-server-x", secret)

	cfg.Mock.Enabled = false
	require.Equal(t, []string{"midtrans", "stripe"}, NewWebhookRegistry(cfg).Providers())
}

func TestNewDispatcherActivatesPaidInvoice(t *testing.T) {
	ctx := context.Background()
	store := billing.NewMemoryStore()
	inv := billing.NewInvoice("user-1", "USD", time.Now())
	purchaseID := uuid.New()
	require.NoError(t, inv.AddLine(billing.LineSubscription, "Pro monthly", "plan-pro-monthly", &purchaseID, decimal.RequireFromString("29.00")))
	require.NoError(t, store.CreateInvoice(ctx, inv))
	require.NoError(t, store.CreatePurchase(ctx, &billing.Purchase{
		ID:            purchaseID,
		UserID:        "user-1",
		InvoiceID:     inv.ID,
		CatalogItemID: "plan-pro-monthly",
		Kind:          billing.KindSubscription,
		Status:        billing.StatusPending,
	}))
	require.NoError(t, store.SetPaymentReference(ctx, inv.ID, "mock", "pi_1"))

	d := NewDispatcher(events.NewMemoryProcessedStore(), nil, store, zerolog.Nop())
	_, err := d.Dispatch(ctx, events.Event{
		ID:          "evt_1",
		Type:        events.TypePaymentSucceeded,
		Provider:    "mock",
		ReferenceID: "pi_1",
		Amount:      decimal.RequireFromString("29.00"),
		Currency:    "USD",
	})
	require.NoError(t, err)

	got, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, billing.InvoicePaid, got.Status)

	purchases, err := store.ListPurchases(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	require.Equal(t, billing.StatusActive, purchases[0].Status)
}
