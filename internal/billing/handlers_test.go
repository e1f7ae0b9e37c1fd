package billing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-billing/internal/common"
)

func TestGetInvoiceHandler(t *testing.T) {
	store := NewMemoryStore()
	inv := NewInvoice("owner", "USD", time.Now())
	pid := uuid.New()
	require.NoError(t, inv.AddLine(LineSubscription, "Pro", "plan-pro-monthly", &pid, decimal.RequireFromString("29.00")))
	require.NoError(t, store.CreateInvoice(context.Background(), inv))
	require.NoError(t, store.CreatePurchase(context.Background(), &Purchase{
		ID: pid, UserID: "owner", InvoiceID: inv.ID, CatalogItemID: "plan-pro-monthly",
		Kind: KindSubscription, Status: StatusPending,
	}))

	r := chi.NewRouter()
	h := &Handler{Store: store}
	r.Get("/api/v1/invoices/{id}", h.GetInvoice)

	get := func(path, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if user != "" {
			req = req.WithContext(common.WithUserID(req.Context(), user))
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	rr := get("/api/v1/invoices/"+inv.ID.String(), "owner")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), inv.Number)
	require.Contains(t, rr.Body.String(), `"catalog_item_id":"plan-pro-monthly"`)

	require.Equal(t, http.StatusNotFound, get("/api/v1/invoices/"+inv.ID.String(), "someone-else").Code)
	require.Equal(t, http.StatusNotFound, get("/api/v1/invoices/"+uuid.NewString(), "owner").Code)
	require.Equal(t, http.StatusBadRequest, get("/api/v1/invoices/nope", "owner").Code)
	require.Equal(t, http.StatusUnauthorized, get("/api/v1/invoices/"+inv.ID.String(), "").Code)
}

type unavailableStore struct {
	*MemoryStore
}

func (unavailableStore) GetInvoice(context.Context, uuid.UUID) (Invoice, error) {
	return Invoice{}, errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

func TestGetInvoiceHandlerStoreFailureIsServerError(t *testing.T) {
	r := chi.NewRouter()
	h := &Handler{Store: unavailableStore{NewMemoryStore()}}
	r.Get("/api/v1/invoices/{id}", h.GetInvoice)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/invoices/"+uuid.NewString(), nil)
	req = req.WithContext(common.WithUserID(req.Context(), "owner"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "INVOICE_NOT_FOUND")
}
