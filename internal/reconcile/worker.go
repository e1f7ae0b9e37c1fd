package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/events"
	"github.com/noah-isme/backend-billing/internal/obs"
	"github.com/noah-isme/backend-billing/internal/payment"
)

const sweepLock = "reconcile:sweep"

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Locker runs fn only when no other worker holds name.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// Providers resolves payment adapters by name.
type Providers interface {
	Get(name string) (payment.Adapter, error)
}

// Dispatcher delivers domain events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event) (events.Outcome, error)
}

// IdempotencyPurger removes expired idempotency records.
type IdempotencyPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ProcessedPurger removes processed event ids older than a cutoff.
type ProcessedPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker handles reconciliation tasks.
type Worker struct {
	Store      billing.Store
	Providers  Providers
	Events     Dispatcher
	Queue      Enqueuer
	Locker     Locker
	StaleAfter time.Duration
	BatchSize  int
	LockTTL    time.Duration

	Idempotency IdempotencyPurger
	Processed   ProcessedPurger
	DedupTTL    time.Duration

	Now    func() time.Time
	Logger zerolog.Logger
}

// Register binds the task handlers on mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeSweep, w.HandleSweep)
	mux.HandleFunc(TypeInvoice, w.HandleInvoice)
	mux.HandleFunc(TypePurgeIdempotency, w.HandlePurge)
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// HandleSweep queues a reconcile task for every stale pending invoice. Only
// one worker sweeps at a time.
func (w *Worker) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	logger := obs.Component(w.Logger, "reconcile")
	ran, err := w.Locker.TryLock(ctx, sweepLock, w.LockTTL, func(ctx context.Context) error {
		return w.sweep(ctx, logger)
	})
	if err != nil {
		return err
	}
	if !ran {
		logger.Debug().Msg("reconcile_sweep_locked")
	}
	return nil
}

func (w *Worker) sweep(ctx context.Context, logger zerolog.Logger) error {
	staleAfter := w.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	limit := w.BatchSize
	if limit <= 0 {
		limit = 100
	}
	invoices, err := w.Store.ListStaleInvoices(ctx, w.now().Add(-staleAfter), limit)
	if err != nil {
		return fmt.Errorf("reconcile: list stale invoices: %w", err)
	}
	queued := 0
	for _, inv := range invoices {
		task, err := NewInvoiceTask(inv.ID)
		if err != nil {
			return err
		}
		if _, err := w.Queue.EnqueueContext(ctx, task); err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
				continue
			}
			return fmt.Errorf("reconcile: enqueue %s: %w", inv.ID, err)
		}
		queued++
	}
	logger.Info().Int("stale", len(invoices)).Int("queued", queued).Msg("reconcile_sweep_done")
	return nil
}

// HandleInvoice asks the provider for the payment status of one invoice and
// feeds a terminal answer through the dispatcher as a synthetic event.
func (w *Worker) HandleInvoice(ctx context.Context, t *asynq.Task) error {
	var p InvoicePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("reconcile: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	logger := obs.Component(w.Logger, "reconcile").With().Str("invoice_id", p.InvoiceID.String()).Logger()
	ctx = obs.WithInvoiceID(ctx, p.InvoiceID.String())

	inv, err := w.Store.GetInvoice(ctx, p.InvoiceID)
	if errors.Is(err, billing.ErrNotFound) {
		logger.Warn().Msg("reconcile_invoice_missing")
		return nil
	}
	if err != nil {
		return err
	}
	if inv.Status != billing.InvoicePending || inv.PaymentReference == "" {
		return nil
	}

	adapter, err := w.Providers.Get(inv.Provider)
	if err != nil {
		var notFound *payment.ProviderNotFoundError
		if errors.As(err, &notFound) {
			logger.Warn().Str("provider", inv.Provider).Msg("reconcile_provider_unregistered")
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	res, err := adapter.GetStatus(ctx, inv.PaymentReference)
	if err != nil {
		if payment.Classify(err) == payment.ClassPermanent {
			logger.Warn().Err(err).Msg("reconcile_status_rejected")
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	var typ events.Type
	switch res.Status {
	case payment.StatusSucceeded:
		typ = events.TypePaymentSucceeded
	case payment.StatusFailed, payment.StatusCancelled:
		typ = events.TypePaymentFailed
	default:
		logger.Debug().Str("status", string(res.Status)).Msg("reconcile_still_pending")
		return nil
	}

	ev := events.Event{
		ID:          fmt.Sprintf("reconcile:%s:%s", inv.PaymentReference, res.Status),
		Type:        typ,
		Provider:    inv.Provider,
		ReferenceID: inv.PaymentReference,
		Amount:      res.Amount,
		Currency:    res.Currency,
		Metadata:    map[string]string{"invoice_id": inv.ID.String(), "source": "reconcile"},
		OccurredAt:  w.now(),
	}
	_, err = w.Events.Dispatch(ctx, ev)
	if errors.Is(err, events.ErrDuplicateEvent) {
		// A claim taken by a process that died before its handlers committed
		// leaves the id marked as processed while the invoice is still pending.
		stranded, serr := w.stillPending(ctx, inv.ID)
		if serr != nil || !stranded {
			return serr
		}
		logger.Warn().Str("event_id", ev.ID).Msg("reconcile_claim_stranded")
		ev.ID = fmt.Sprintf("%s:%d", ev.ID, w.now().UnixNano())
		_, err = w.Events.Dispatch(ctx, ev)
	}
	if err != nil {
		return err
	}
	logger.Info().Str("status", string(res.Status)).Msg("reconcile_invoice_resolved")
	return nil
}

func (w *Worker) stillPending(ctx context.Context, id uuid.UUID) (bool, error) {
	current, err := w.Store.GetInvoice(ctx, id)
	if err != nil {
		return false, err
	}
	return current.Status == billing.InvoicePending, nil
}

// HandlePurge drops expired idempotency records and old processed event ids.
func (w *Worker) HandlePurge(ctx context.Context, _ *asynq.Task) error {
	logger := obs.Component(w.Logger, "reconcile")
	if w.Idempotency != nil {
		n, err := w.Idempotency.PurgeExpired(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: purge idempotency: %w", err)
		}
		logger.Info().Int64("removed", n).Msg("idempotency_purged")
	}
	if w.Processed != nil && w.DedupTTL > 0 {
		n, err := w.Processed.PurgeOlderThan(ctx, w.now().Add(-w.DedupTTL))
		if err != nil {
			return fmt.Errorf("reconcile: purge processed events: %w", err)
		}
		logger.Info().Int64("removed", n).Msg("processed_events_purged")
	}
	return nil
}
