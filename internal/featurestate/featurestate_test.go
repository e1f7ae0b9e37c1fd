package featurestate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-billing/internal/cache"
)

func newCached(t *testing.T) (*CachedStore, *MemoryStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mem := NewMemoryStore()
	return NewCachedStore(mem, cache.New(client, time.Hour), zerolog.Nop()), mem
}

func TestProviderGateMissingRecordIsEnabled(t *testing.T) {
	gate := ProviderGate{Store: NewMemoryStore()}
	ok, err := gate.Enabled(context.Background(), "stripe")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProviderGateHonoursStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Put(ctx, Record{Name: "payment.provider.midtrans", Status: StatusDisabled})
	require.NoError(t, err)

	gate := ProviderGate{Store: store}
	ok, err := gate.Enabled(ctx, "Midtrans")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCachedStoreUpdatesCacheOnlyAfterSuccessfulWrite(t *testing.T) {
	ctx := context.Background()
	cached, mem := newCached(t)

	_, err := cached.Put(ctx, Record{Name: "payment.provider.stripe", Status: StatusEnabled})
	require.NoError(t, err)
	last, ok := cached.LastKnown(ctx, "payment.provider.stripe")
	require.True(t, ok)
	require.Equal(t, StatusEnabled, last.Status)

	mem.FailPut = errors.New("db down")
	_, err = cached.Put(ctx, Record{Name: "payment.provider.stripe", Status: StatusDisabled})
	require.Error(t, err)

	last, ok = cached.LastKnown(ctx, "payment.provider.stripe")
	require.True(t, ok)
	require.Equal(t, StatusEnabled, last.Status)
}

func TestCachedStoreReadsGoToStore(t *testing.T) {
	ctx := context.Background()
	cached, mem := newCached(t)

	_, err := cached.Put(ctx, Record{Name: "beta", Status: StatusEnabled})
	require.NoError(t, err)
	// a write by another process bypasses this cache
	_, err = mem.Put(ctx, Record{Name: "beta", Status: StatusError})
	require.NoError(t, err)

	rec, err := cached.Get(ctx, "beta")
	require.NoError(t, err)
	require.Equal(t, StatusError, rec.Status)
	last, _ := cached.LastKnown(ctx, "beta")
	require.Equal(t, StatusError, last.Status)
}

func TestHandlerPutAndGet(t *testing.T) {
	h := &Handler{Store: NewMemoryStore()}
	r := chi.NewRouter()
	r.Get("/features", h.List)
	r.Get("/features/{name}", h.Get)
	r.Put("/features/{name}", h.Put)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/features/payment.provider.xendit", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	body := strings.NewReader(`{"status":"disabled","config":{"reason":"maintenance"}}`)
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/features/payment.provider.xendit", body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"disabled"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/features/x", strings.NewReader(`{"status":"sleeping"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "VALIDATION_FAILED")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/features", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "payment.provider.xendit")
}

func TestHandlerGetReportsCachedCopy(t *testing.T) {
	cached, mem := newCached(t)
	h := &Handler{Store: cached}
	r := chi.NewRouter()
	r.Get("/features/{name}", h.Get)
	r.Put("/features/{name}", h.Put)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/features/payment.provider.stripe", strings.NewReader(`{"status":"enabled"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	// Another process disables the provider without touching this cache.
	_, err := mem.Put(context.Background(), Record{Name: "payment.provider.stripe", Status: StatusDisabled})
	require.NoError(t, err)

	var body struct {
		Data   Record  `json:"data"`
		Cached *Record `json:"cached"`
	}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/features/payment.provider.stripe", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, StatusDisabled, body.Data.Status)
	require.NotNil(t, body.Cached)
	require.Equal(t, StatusEnabled, body.Cached.Status)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/features/payment.provider.stripe", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, StatusDisabled, body.Cached.Status)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/features/unknown", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerGetWithoutCacheOmitsCachedField(t *testing.T) {
	h := &Handler{Store: NewMemoryStore()}
	_, err := h.Store.Put(context.Background(), Record{Name: "beta", Status: StatusEnabled})
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Get("/features/{name}", h.Get)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/features/beta", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), `"cached"`)
}
