package catalog_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/cache"
	"github.com/noah-isme/backend-billing/internal/catalog"
)

type countingRepo struct {
	*catalog.Static
	gets atomic.Int32
}

func (c *countingRepo) Get(ctx context.Context, id string) (catalog.Item, error) {
	c.gets.Add(1)
	return c.Static.Get(ctx, id)
}

func newService(t *testing.T) (*catalog.Service, *countingRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	items := append(catalog.DefaultItems(), catalog.Item{
		ID: "plan-legacy", Name: "Legacy", Kind: billing.KindSubscription,
		Price: decimal.RequireFromString("19.00"), Currency: "usd", Active: false,
	})
	repo := &countingRepo{Static: catalog.NewStatic(items...)}
	svc, err := catalog.NewService(repo, cache.New(client, time.Minute), zerolog.Nop())
	require.NoError(t, err)
	return svc, repo, mr
}

func TestServiceCachesItems(t *testing.T) {
	svc, repo, mr := newService(t)
	ctx := context.Background()

	first, err := svc.Item(ctx, "tokens-1000")
	require.NoError(t, err)
	require.Equal(t, int64(1000), first.TokenAmount)

	second, err := svc.Item(ctx, "tokens-1000")
	require.NoError(t, err)
	require.True(t, second.Price.Equal(decimal.RequireFromString("5.00")))
	require.Equal(t, int32(1), repo.gets.Load())
	require.True(t, mr.Exists(cache.KeyCatalogItem("tokens-1000")))

	require.NoError(t, svc.Invalidate(ctx, "tokens-1000"))
	_, err = svc.Item(ctx, "tokens-1000")
	require.NoError(t, err)
	require.Equal(t, int32(2), repo.gets.Load())
}

func TestServiceFallsBackWhenCacheUnavailable(t *testing.T) {
	svc, _, mr := newService(t)
	mr.Close()

	price, currency, err := svc.GetPrice(context.Background(), "plan-pro-monthly")
	require.NoError(t, err)
	require.Equal(t, "USD", currency)
	require.True(t, price.Equal(decimal.RequireFromString("29.00")))
}

func TestIsPurchasable(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	ok, err := svc.IsPurchasable(ctx, "plan-pro-monthly")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.IsPurchasable(ctx, "plan-legacy")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.IsPurchasable(ctx, "does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = svc.GetPrice(ctx, "does-not-exist")
	require.ErrorIs(t, err, catalog.ErrItemNotFound)
}

func TestHandlers(t *testing.T) {
	svc, _, _ := newService(t)
	h := &catalog.Handler{Service: svc}
	r := chi.NewRouter()
	r.Get("/api/v1/catalog", h.List)
	r.Get("/api/v1/catalog/{id}", h.Get)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/catalog", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Data []catalog.Item `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Data, len(catalog.DefaultItems()))
	for _, item := range list.Data {
		require.True(t, item.Active)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/catalog/plan-pro-monthly", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"kind":"subscription"`)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/catalog/nope", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}
