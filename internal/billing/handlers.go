package billing

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-billing/internal/common"
)

// Handler exposes invoice read endpoints.
type Handler struct {
	Store Store
}

type invoiceResponse struct {
	Invoice   Invoice    `json:"invoice"`
	Purchases []Purchase `json:"purchases"`
}

// GetInvoice handles GET /api/v1/invoices/{id}. Invoices of other users are
// reported as missing.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "billing store not configured", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid invoice id", nil)
		return
	}
	inv, err := h.Store.GetInvoice(r.Context(), id)
	if errors.Is(err, ErrNotFound) || (err == nil && inv.UserID != userID) {
		common.JSONError(w, http.StatusNotFound, "INVOICE_NOT_FOUND", "invoice not found", nil)
		return
	}
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load invoice", nil)
		return
	}
	purchases, err := h.Store.ListPurchases(r.Context(), id)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load purchases", nil)
		return
	}
	if purchases == nil {
		purchases = []Purchase{}
	}
	common.JSON(w, http.StatusOK, invoiceResponse{Invoice: inv, Purchases: purchases})
}
