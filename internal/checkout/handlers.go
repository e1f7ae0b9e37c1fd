package checkout

import (
	"errors"
	"net/http"

	"github.com/noah-isme/backend-billing/internal/common"
)

// Handler exposes POST /api/v1/checkout.
type Handler struct {
	Svc *Service
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	var payload Request
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.WriteError(w, err)
		return
	}
	out, err := h.Svc.Checkout(r.Context(), userID, payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, out)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var invalid *InvalidCatalogItemError
	if errors.As(err, &invalid) {
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_CATALOG_ITEM", invalid.Reason, map[string]string{
			"itemId": invalid.ItemID,
		})
		return
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		common.WriteError(w, appErr)
		return
	}
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout failed", nil)
}
