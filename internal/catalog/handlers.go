package catalog

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-billing/internal/common"
)

// Handler exposes read-only catalog endpoints.
type Handler struct {
	Service *Service
}

// List handles GET /api/v1/catalog.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	items, err := h.Service.List(r.Context(), true)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load catalog", nil)
		return
	}
	if items == nil {
		items = []Item{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items})
}

// Get handles GET /api/v1/catalog/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	item, err := h.Service.Item(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "catalog item not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load catalog item", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": item})
}
