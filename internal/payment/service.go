package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/events"
	"github.com/noah-isme/backend-billing/internal/obs"
)

var (
	// ErrProviderDisabled is returned when the provider gate refuses a provider.
	ErrProviderDisabled = errors.New("payment: provider disabled")
	// ErrNoPaymentReference is returned when an invoice was never sent to a provider.
	ErrNoPaymentReference = errors.New("payment: invoice has no payment reference")
	// ErrPartialRefund is returned when a refund amount differs from the invoice total.
	ErrPartialRefund = errors.New("payment: partial refunds are not supported")
)

// Gate decides whether a provider may be used.
type Gate interface {
	Enabled(ctx context.Context, provider string) (bool, error)
}

// Dispatcher delivers domain events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event) (events.Outcome, error)
}

// Locker serialises work on a named resource across processes.
type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error
}

// Service starts and manages provider payments for invoices.
type Service struct {
	Registry        *Registry
	Invoices        billing.Store
	Gate            Gate
	Events          Dispatcher
	Locks           Locker
	LockTTL         time.Duration
	DefaultProvider string
	Logger          zerolog.Logger
}

// PayInvoice creates a provider payment for a pending invoice and stores the
// provider reference on it. Repeated calls for the same invoice and provider
// return the first result.
func (s *Service) PayInvoice(ctx context.Context, invoiceID uuid.UUID, provider string) (Result, billing.Invoice, error) {
	if s.Locks == nil {
		return s.payInvoice(ctx, invoiceID, provider)
	}
	var (
		res Result
		inv billing.Invoice
	)
	err := s.Locks.WithLock(ctx, "invoice:"+invoiceID.String()+":pay", s.LockTTL, func(ctx context.Context) error {
		var err error
		res, inv, err = s.payInvoice(ctx, invoiceID, provider)
		return err
	})
	return res, inv, err
}

func (s *Service) payInvoice(ctx context.Context, invoiceID uuid.UUID, provider string) (Result, billing.Invoice, error) {
	ctx, span := otel.Tracer("billing/payment").Start(ctx, "payment.PayInvoice")
	defer span.End()
	ctx = obs.WithInvoiceID(ctx, invoiceID.String())

	inv, err := s.Invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Result{}, billing.Invoice{}, err
	}
	if inv.Status != billing.InvoicePending {
		return Result{}, inv, billing.ErrInvoiceFinalized
	}
	if provider == "" {
		provider = s.DefaultProvider
	}
	provider = normaliseName(provider)
	span.SetAttributes(obs.AttrPaymentProvider.String(provider))

	adapter, err := s.adapter(ctx, provider)
	if err != nil {
		return Result{}, inv, err
	}
	metadata := map[string]string{
		"invoice_id":     inv.ID.String(),
		"invoice_number": inv.Number,
		"user_id":        inv.UserID,
	}
	res, err := adapter.CreateIntent(ctx, inv.Total, inv.Currency, metadata, fmt.Sprintf("invoice:%s:intent", inv.ID))
	if err != nil {
		span.RecordError(err)
		return res, inv, err
	}
	if err := s.Invoices.SetPaymentReference(ctx, inv.ID, provider, res.ReferenceID); err != nil {
		return res, inv, err
	}
	inv.Provider = provider
	inv.PaymentReference = res.ReferenceID
	s.Logger.Info().Str("invoice_id", inv.ID.String()).Str("provider", provider).Str("reference_id", res.ReferenceID).Msg("payment_intent_created")
	return res, inv, nil
}

// Capture captures an authorised payment. A succeeded capture is dispatched
// as payment.succeeded so activation does not wait for the webhook.
func (s *Service) Capture(ctx context.Context, invoiceID uuid.UUID) (Result, error) {
	ctx = obs.WithInvoiceID(ctx, invoiceID.String())
	inv, adapter, err := s.referenced(ctx, invoiceID)
	if err != nil {
		return Result{}, err
	}
	res, err := adapter.Capture(ctx, inv.PaymentReference, fmt.Sprintf("invoice:%s:capture", inv.ID))
	if err != nil {
		return res, err
	}
	if res.Status == StatusSucceeded {
		s.emit(ctx, events.Event{
			ID:          "capture:" + res.ReferenceID,
			Type:        events.TypePaymentSucceeded,
			Provider:    inv.Provider,
			ReferenceID: inv.PaymentReference,
			Amount:      res.Amount,
			Currency:    res.Currency,
			Metadata:    map[string]string{"invoice_id": inv.ID.String()},
		})
	}
	return res, nil
}

// Refund refunds the full invoice total. Partial refunds are rejected: an
// invoice is either paid or refunded, and a refund moves it to refunded.
// amount, when given, must equal the total.
func (s *Service) Refund(ctx context.Context, invoiceID uuid.UUID, amount *decimal.Decimal) (Result, error) {
	ctx = obs.WithInvoiceID(ctx, invoiceID.String())
	inv, adapter, err := s.referenced(ctx, invoiceID)
	if err != nil {
		return Result{}, err
	}
	if inv.Status != billing.InvoicePaid {
		return Result{}, fmt.Errorf("%w: invoice is %s", billing.ErrInvalidTransition, inv.Status)
	}
	if amount != nil && !amount.Equal(inv.Total) {
		return Result{}, fmt.Errorf("%w: %s of %s %s", ErrPartialRefund, amount.String(), inv.Total.String(), inv.Currency)
	}
	res, err := adapter.Refund(ctx, inv.PaymentReference, inv.Total, fmt.Sprintf("invoice:%s:refund", inv.ID))
	if err != nil {
		return res, err
	}
	if res.Status == StatusRefunded {
		s.emit(ctx, events.Event{
			ID:          "refund:" + res.ReferenceID,
			Type:        events.TypeRefundCreated,
			Provider:    inv.Provider,
			ReferenceID: inv.PaymentReference,
			Amount:      res.Amount,
			Currency:    inv.Currency,
			Metadata: map[string]string{
				"invoice_id":           inv.ID.String(),
				events.MetaRefundScope: events.RefundFull,
			},
		})
	}
	return res, nil
}

func (s *Service) referenced(ctx context.Context, invoiceID uuid.UUID) (billing.Invoice, Adapter, error) {
	inv, err := s.Invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return billing.Invoice{}, nil, err
	}
	if inv.PaymentReference == "" || inv.Provider == "" {
		return inv, nil, ErrNoPaymentReference
	}
	adapter, err := s.Registry.Get(inv.Provider)
	if err != nil {
		return inv, nil, err
	}
	return inv, adapter, nil
}

func (s *Service) adapter(ctx context.Context, provider string) (Adapter, error) {
	if s.Gate != nil {
		enabled, err := s.Gate.Enabled(ctx, provider)
		if err != nil {
			return nil, fmt.Errorf("payment: provider gate: %w", err)
		}
		if !enabled {
			return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, provider)
		}
	}
	return s.Registry.Get(provider)
}

func (s *Service) emit(ctx context.Context, ev events.Event) {
	if s.Events == nil {
		return
	}
	ev.OccurredAt = time.Now().UTC()
	if _, err := s.Events.Dispatch(ctx, ev); err != nil && !errors.Is(err, events.ErrDuplicateEvent) {
		s.Logger.Error().Err(err).Str("event_type", string(ev.Type)).Str("reference_id", ev.ReferenceID).Msg("payment_event_dispatch_failed")
	}
}
