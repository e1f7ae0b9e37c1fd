package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/noah-isme/backend-billing/internal/common"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client, "ratelimit")
	require.NoError(t, err)
	lim, err := New(store, "1-M")
	require.NoError(t, err)

	counted := Handler{Limiter: lim, Scope: "checkout", Key: func(*http.Request) string { return "static" }}.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", nil)
	rr1 := httptest.NewRecorder()
	counted.ServeHTTP(rr1, req.Clone(req.Context()))
	require.Equal(t, http.StatusOK, rr1.Code)
	require.Equal(t, "1", rr1.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rr1.Header().Get("X-RateLimit-Remaining"))

	rr2 := httptest.NewRecorder()
	counted.ServeHTTP(rr2, req.Clone(req.Context()))
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
	require.NotEmpty(t, rr2.Header().Get("Retry-After"))
	require.Contains(t, rr2.Body.String(), "RATE_LIMITED")
}

func TestHandlerKeysByUser(t *testing.T) {
	lim, err := New(memory.NewStore(), "1-M")
	require.NoError(t, err)
	counted := Handler{Limiter: lim}.Middleware(okHandler())

	serve := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(common.WithUserID(req.Context(), user))
		rr := httptest.NewRecorder()
		counted.ServeHTTP(rr, req)
		return rr.Code
	}
	require.Equal(t, http.StatusOK, serve("user-1"))
	require.Equal(t, http.StatusOK, serve("user-2"))
	require.Equal(t, http.StatusTooManyRequests, serve("user-1"))
}

type failingStore struct{ limiter.Store }

func (failingStore) Get(context.Context, string, limiter.Rate) (limiter.Context, error) {
	return limiter.Context{}, context.DeadlineExceeded
}

func TestHandlerMiddlewareOnError(t *testing.T) {
	lim, err := New(failingStore{}, "1-S")
	require.NoError(t, err)

	called := false
	counted := Handler{Limiter: lim, OnError: func(error) { called = true }}.Middleware(okHandler())

	rr := httptest.NewRecorder()
	counted.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, called)
}

func TestNewRejectsBadRate(t *testing.T) {
	_, err := New(memory.NewStore(), "lots")
	require.Error(t, err)
}
