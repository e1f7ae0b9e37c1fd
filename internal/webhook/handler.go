package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-billing/internal/common"
)

// DefaultMaxBodyBytes caps webhook bodies when Handler.MaxBodyBytes is unset.
const DefaultMaxBodyBytes = 1 << 20

// Handler exposes POST /webhooks/{provider}.
type Handler struct {
	Svc          *Service
	MaxBodyBytes int64
}

// Handle verifies and processes a provider callback. Anything other than a
// 2xx makes the provider redeliver.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil || h.Svc.Registry == nil {
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	provider := chi.URLParam(r, "provider")
	normalizer, _, ok := h.Svc.Registry.Lookup(provider)
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "webhook body too large", nil)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}

	outcome, err := h.Svc.Process(r.Context(), provider, body, r.Header.Get(normalizer.SignatureHeader()))
	if err != nil {
		var sigErr *InvalidSignatureError
		switch {
		case errors.As(err, &sigErr):
			common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		case errors.Is(err, ErrUnknownProvider):
			common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		default:
			common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_PROCESSING_FAILED", "webhook could not be processed", nil)
		}
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}
