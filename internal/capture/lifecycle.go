package capture

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/events"
)

// LifecycleHandler applies subscription.cancelled and refund.created events.
type LifecycleHandler struct {
	Store  billing.Store
	Logger zerolog.Logger
}

func (h *LifecycleHandler) Name() string { return "lifecycle" }

func (h *LifecycleHandler) Handles(t events.Type) bool {
	return t == events.TypeSubscriptionCancelled || t == events.TypeRefundCreated
}

func (h *LifecycleHandler) Handle(ctx context.Context, ev events.Event) error {
	logger := eventLogger(ctx, h.Logger, ev)
	err := h.Store.InTx(ctx, func(ctx context.Context) error {
		inv, err := resolveInvoice(ctx, h.Store, ev)
		if errors.Is(err, billing.ErrNotFound) {
			logger.Warn().Msg("lifecycle_unknown_reference")
			return errSkip
		}
		if err != nil {
			return err
		}
		logger := logger.With().Str("invoice_id", inv.ID.String()).Logger()
		if ev.Type == events.TypeRefundCreated {
			if partialRefund(inv, ev) {
				logger.Info().Str("amount", ev.Amount.String()).Msg("lifecycle_partial_refund_recorded")
				return nil
			}
			return h.refund(ctx, inv, logger)
		}
		return h.cancel(ctx, inv, logger)
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	return err
}

func (h *LifecycleHandler) refund(ctx context.Context, inv billing.Invoice, logger zerolog.Logger) error {
	changed, err := h.Store.TransitionInvoice(ctx, inv.ID, billing.InvoicePaid, billing.InvoiceRefunded)
	if err != nil {
		return err
	}
	if changed {
		logger.Info().Msg("lifecycle_invoice_refunded")
	} else {
		logger.Info().Str("status", string(inv.Status)).Msg("lifecycle_refund_ignored")
	}
	return nil
}

// partialRefund reports whether ev refunds only part of inv. The provider's
// own scope wins. Without one, a positive amount below the invoice total is
// partial.
func partialRefund(inv billing.Invoice, ev events.Event) bool {
	switch ev.Meta(events.MetaRefundScope) {
	case events.RefundPartial:
		return true
	case events.RefundFull:
		return false
	}
	return ev.Amount.IsPositive() && ev.Amount.LessThan(inv.Total)
}

func (h *LifecycleHandler) cancel(ctx context.Context, inv billing.Invoice, logger zerolog.Logger) error {
	purchases, err := h.Store.ListPurchases(ctx, inv.ID)
	if err != nil {
		return err
	}
	cancelled := 0
	for _, p := range purchases {
		if p.Kind != billing.KindSubscription && p.Kind != billing.KindAddon {
			continue
		}
		if !billing.CanTransition(p.Status, billing.StatusCancelled) {
			continue
		}
		moved, err := h.Store.TransitionPurchase(ctx, p.ID, p.Status, billing.StatusCancelled)
		if err != nil {
			return err
		}
		if moved {
			cancelled++
		}
	}
	logger.Info().Int("cancelled", cancelled).Msg("lifecycle_subscription_cancelled")
	return nil
}
