package featurestate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-billing/internal/common"
)

// Handler exposes feature state administration endpoints.
type Handler struct {
	Store Store
}

type putRequest struct {
	Status string          `json:"status" validate:"required,oneof=enabled disabled error"`
	Config json.RawMessage `json:"config,omitempty"`
}

// List returns every stored record.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Store.List(r.Context())
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list features", nil)
		return
	}
	if recs == nil {
		recs = []Record{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": recs})
}

type lastKnownReader interface {
	LastKnown(ctx context.Context, name string) (Record, bool)
}

// Get returns a single record. When the store keeps a cache, the copy held
// before this read is returned as "cached" (null when absent) so operators
// can spot a stale cache.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var cached *Record
	if lk, ok := h.Store.(lastKnownReader); ok {
		if prev, found := lk.LastKnown(r.Context(), name); found {
			cached = &prev
		}
	}
	rec, err := h.Store.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "feature not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load feature", nil)
		return
	}
	body := map[string]any{"data": rec}
	if _, ok := h.Store.(lastKnownReader); ok {
		body["cached"] = cached
	}
	common.JSON(w, http.StatusOK, body)
}

// Put replaces a record as a whole.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if len(req.Config) > 0 && !json.Valid(req.Config) {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "config must be valid JSON", nil)
		return
	}
	rec, err := h.Store.Put(r.Context(), Record{
		Name:   chi.URLParam(r, "name"),
		Status: Status(req.Status),
		Config: req.Config,
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to save feature", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rec})
}
