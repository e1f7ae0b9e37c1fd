// Package capture activates or fails the purchases of an invoice when its
// payment outcome is known.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/events"
	"github.com/noah-isme/backend-billing/internal/money"
	"github.com/noah-isme/backend-billing/internal/obs"
)

// errSkip aborts a handler transaction without reporting a failure.
var errSkip = errors.New("capture: skipped")

// Handler applies payment.succeeded and payment.failed events.
type Handler struct {
	Store  billing.Store
	Logger zerolog.Logger
}

func (h *Handler) Name() string { return "capture" }

func (h *Handler) Handles(t events.Type) bool {
	return t == events.TypePaymentSucceeded || t == events.TypePaymentFailed
}

// Handle finalises the invoice and its purchases in one transaction. Every
// state change is conditional, so replays leave balances untouched.
func (h *Handler) Handle(ctx context.Context, ev events.Event) error {
	logger := eventLogger(ctx, h.Logger, ev)
	var credited int64

	err := h.Store.InTx(ctx, func(ctx context.Context) error {
		inv, err := resolveInvoice(ctx, h.Store, ev)
		if errors.Is(err, billing.ErrNotFound) {
			logger.Warn().Msg("capture_unknown_reference")
			return errSkip
		}
		if err != nil {
			return err
		}
		logger := logger.With().Str("invoice_id", inv.ID.String()).Logger()

		if ev.Type == events.TypePaymentFailed {
			return h.fail(ctx, inv, logger)
		}
		if reason := mismatch(inv, ev); reason != "" {
			logger.Error().Str("reason", reason).Str("expected_amount", inv.Total.String()).
				Str("expected_currency", inv.Currency).Msg("capture_amount_mismatch")
			return errSkip
		}
		credited, err = h.succeed(ctx, inv, logger)
		return err
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	obs.AddTokensCredited(credited)
	return nil
}

func (h *Handler) succeed(ctx context.Context, inv billing.Invoice, logger zerolog.Logger) (int64, error) {
	changed, err := h.Store.TransitionInvoice(ctx, inv.ID, billing.InvoicePending, billing.InvoicePaid)
	if err != nil {
		return 0, err
	}
	if !changed {
		logger.Info().Str("status", string(inv.Status)).Msg("capture_invoice_already_final")
		return 0, errSkip
	}

	purchases, err := h.Store.ListPurchases(ctx, inv.ID)
	if err != nil {
		return 0, err
	}
	var credited int64
	for _, p := range purchases {
		to := p.SucceededStatus()
		moved, err := h.Store.TransitionPurchase(ctx, p.ID, billing.StatusPending, to)
		if err != nil {
			return 0, err
		}
		if !moved {
			continue
		}
		if p.Kind == billing.KindTokenBundle && p.TokenAmount > 0 {
			if err := h.Store.CreditTokens(ctx, p.UserID, p.TokenAmount); err != nil {
				return 0, err
			}
			credited += p.TokenAmount
		}
	}
	logger.Info().Int("purchases", len(purchases)).Int64("tokens_credited", credited).Msg("capture_invoice_paid")
	return credited, nil
}

func (h *Handler) fail(ctx context.Context, inv billing.Invoice, logger zerolog.Logger) error {
	changed, err := h.Store.TransitionInvoice(ctx, inv.ID, billing.InvoicePending, billing.InvoiceFailed)
	if err != nil {
		return err
	}
	if !changed {
		logger.Info().Str("status", string(inv.Status)).Msg("capture_invoice_already_final")
		return errSkip
	}
	purchases, err := h.Store.ListPurchases(ctx, inv.ID)
	if err != nil {
		return err
	}
	for _, p := range purchases {
		if _, err := h.Store.TransitionPurchase(ctx, p.ID, billing.StatusPending, billing.StatusFailed); err != nil {
			return err
		}
	}
	logger.Info().Int("purchases", len(purchases)).Msg("capture_invoice_failed")
	return nil
}

// mismatch compares the event's amount and currency with the invoice. A zero
// amount or empty currency means the provider did not report it.
func mismatch(inv billing.Invoice, ev events.Event) string {
	if ev.Currency != "" && money.NormaliseCurrency(ev.Currency) != inv.Currency {
		return fmt.Sprintf("currency %s", money.NormaliseCurrency(ev.Currency))
	}
	if !ev.Amount.IsZero() && !ev.Amount.Equal(inv.Total) {
		return fmt.Sprintf("amount %s", ev.Amount.String())
	}
	return ""
}

// resolveInvoice prefers the invoice_id metadata and falls back to the
// provider payment reference.
func resolveInvoice(ctx context.Context, store billing.Store, ev events.Event) (billing.Invoice, error) {
	if raw := strings.TrimSpace(ev.Meta("invoice_id")); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			inv, err := store.GetInvoice(ctx, id)
			if err == nil || !errors.Is(err, billing.ErrNotFound) {
				return inv, err
			}
		}
	}
	if strings.TrimSpace(ev.ReferenceID) == "" {
		return billing.Invoice{}, billing.ErrNotFound
	}
	return store.FindInvoiceByReference(ctx, ev.Provider, ev.ReferenceID)
}

func eventLogger(ctx context.Context, base zerolog.Logger, ev events.Event) zerolog.Logger {
	return obs.LoggerFrom(ctx, base).With().
		Str("event_type", string(ev.Type)).
		Str("event_id", ev.ID).
		Str("provider", ev.Provider).
		Str("reference_id", ev.ReferenceID).
		Logger()
}
