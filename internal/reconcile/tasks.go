// Package reconcile polls providers for invoices whose webhooks never arrived
// and purges expired idempotency state.
package reconcile

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task type names registered with the asynq mux.
const (
	TypeSweep            = "billing:reconcile_sweep"
	TypeInvoice          = "billing:reconcile_invoice"
	TypePurgeIdempotency = "billing:purge_idempotency"
)

// QueueName is the asynq queue reconciliation tasks run on.
const QueueName = "reconcile"

// InvoicePayload identifies the invoice a reconcile task checks.
type InvoicePayload struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
}

// NewSweepTask builds the periodic sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweep, nil, asynq.Queue(QueueName), asynq.MaxRetry(0), asynq.Timeout(2*time.Minute))
}

// NewInvoiceTask builds a reconcile task for one invoice. The task id is
// derived from the invoice so a sweep never queues the same invoice twice.
func NewInvoiceTask(id uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(InvoicePayload{InvoiceID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeInvoice, payload,
		asynq.Queue(QueueName),
		asynq.TaskID("reconcile:"+id.String()),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
		asynq.Retention(10*time.Minute),
	), nil
}

// NewPurgeTask builds the idempotency purge task.
func NewPurgeTask() *asynq.Task {
	return asynq.NewTask(TypePurgeIdempotency, nil, asynq.Queue(QueueName), asynq.MaxRetry(1))
}
