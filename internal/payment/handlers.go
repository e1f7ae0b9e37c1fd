package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/common"
)

// Handler exposes invoice payment endpoints.
type Handler struct {
	Svc *Service
}

type payRequest struct {
	Provider string `json:"provider" validate:"omitempty,min=2,max=32"`
}

type payResponse struct {
	InvoiceID    string          `json:"invoiceId"`
	Provider     string          `json:"provider"`
	ReferenceID  string          `json:"referenceId"`
	Status       Status          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	ClientSecret string          `json:"clientSecret,omitempty"`
	RedirectURL  string          `json:"redirectUrl,omitempty"`
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

// Pay starts a provider payment for the caller's invoice.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok || strings.TrimSpace(userID) == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required", nil)
		return
	}
	invoiceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid invoice id", nil)
		return
	}
	var req payRequest
	if r.ContentLength != 0 {
		if err := common.DecodeJSON(r, &req); err != nil {
			common.WriteError(w, err)
			return
		}
	}
	inv, err := h.Svc.Invoices.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		common.WriteError(w, ErrorResponse(err))
		return
	}
	if inv.UserID != userID {
		common.JSONError(w, http.StatusNotFound, "INVOICE_NOT_FOUND", "invoice not found", nil)
		return
	}
	res, inv, err := h.Svc.PayInvoice(r.Context(), invoiceID, req.Provider)
	if err != nil {
		common.WriteError(w, ErrorResponse(err))
		return
	}
	common.JSON(w, http.StatusOK, payResponse{
		InvoiceID:    inv.ID.String(),
		Provider:     inv.Provider,
		ReferenceID:  res.ReferenceID,
		Status:       res.Status,
		Amount:       res.Amount,
		Currency:     res.Currency,
		ClientSecret: res.ClientSecret,
		RedirectURL:  res.RedirectURL,
	})
}

// Capture captures the invoice payment. Admin only.
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid invoice id", nil)
		return
	}
	res, err := h.Svc.Capture(r.Context(), invoiceID)
	if err != nil {
		common.WriteError(w, ErrorResponse(err))
		return
	}
	common.JSON(w, http.StatusOK, res)
}

// Refund refunds the invoice payment. Admin only.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid invoice id", nil)
		return
	}
	var req refundRequest
	if r.ContentLength != 0 {
		if err := common.DecodeJSON(r, &req); err != nil {
			common.WriteError(w, err)
			return
		}
	}
	res, err := h.Svc.Refund(r.Context(), invoiceID, req.Amount)
	if err != nil {
		common.WriteError(w, ErrorResponse(err))
		return
	}
	common.JSON(w, http.StatusOK, res)
}

// ErrorResponse maps payment and billing errors onto API errors.
func ErrorResponse(err error) *common.AppError {
	var (
		appErr    *common.AppError
		notFound  *ProviderNotFoundError
		permanent *PermanentError
		transient *TransientError
		exhausted *RetryExhaustedError
		unknown   *UnknownError
	)
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.As(err, &notFound):
		return common.NewAppError("PROVIDER_NOT_FOUND", "payment provider not available", http.StatusNotFound, err).
			WithDetails(map[string]any{"provider": notFound.Name})
	case errors.Is(err, ErrProviderDisabled):
		return common.NewAppError("PROVIDER_DISABLED", "payment provider is disabled", http.StatusConflict, err)
	case errors.Is(err, billing.ErrNotFound):
		return common.NewAppError("INVOICE_NOT_FOUND", "invoice not found", http.StatusNotFound, err)
	case errors.Is(err, billing.ErrInvoiceFinalized), errors.Is(err, billing.ErrInvalidTransition):
		return common.NewAppError("INVOICE_STATE_CONFLICT", "invoice is not in a payable state", http.StatusConflict, err)
	case errors.Is(err, ErrNoPaymentReference):
		return common.NewAppError("INVOICE_NOT_SUBMITTED", "invoice has no provider payment", http.StatusConflict, err)
	case errors.Is(err, ErrPartialRefund):
		return common.NewAppError("PARTIAL_REFUND_UNSUPPORTED", "only full refunds are supported", http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrInvalidRequest):
		return common.NewAppError("BAD_REQUEST", err.Error(), http.StatusBadRequest, err)
	case errors.As(err, &permanent):
		details := map[string]any{"provider": permanent.Provider}
		if permanent.Code != "" {
			details["code"] = permanent.Code
		}
		return common.NewAppError("PAYMENT_REJECTED", "payment was rejected by the provider", http.StatusPaymentRequired, err).WithDetails(details)
	case errors.As(err, &exhausted), errors.As(err, &transient):
		return common.NewAppError("PAYMENT_PROVIDER_UNAVAILABLE", "payment provider unavailable, retry later", http.StatusServiceUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return common.NewAppError("PAYMENT_TIMEOUT", "payment provider timed out", http.StatusGatewayTimeout, err)
	case errors.As(err, &unknown):
		return common.NewAppError("PAYMENT_PROVIDER_ERROR", "payment provider returned an unexpected error", http.StatusBadGateway, err)
	}
	return common.NewAppError("INTERNAL", "internal error", http.StatusInternalServerError, err)
}
