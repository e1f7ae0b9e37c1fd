// Package billing holds invoices, purchases awaiting activation and the user
// token ledger, together with their allowed state transitions.
package billing

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an invoice or purchase does not exist.
	ErrNotFound = errors.New("billing: not found")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("billing: invalid status transition")
	// ErrInvoiceFinalized is returned when modifying a paid, failed or refunded invoice.
	ErrInvoiceFinalized = errors.New("billing: invoice is finalized")
	// ErrInvoiceTotalMismatch is returned when totals disagree with the line items.
	ErrInvoiceTotalMismatch = errors.New("billing: invoice total does not match line items")
)

// PurchaseKind tags what a purchase grants once paid.
type PurchaseKind string

const (
	KindSubscription PurchaseKind = "subscription"
	KindTokenBundle  PurchaseKind = "token_bundle"
	KindAddon        PurchaseKind = "addon"
)

// Valid reports whether k is a known kind.
func (k PurchaseKind) Valid() bool {
	switch k {
	case KindSubscription, KindTokenBundle, KindAddon:
		return true
	}
	return false
}

// PurchaseStatus is the activation state of a purchase.
type PurchaseStatus string

const (
	StatusPending   PurchaseStatus = "pending"
	StatusActive    PurchaseStatus = "active"
	StatusCredited  PurchaseStatus = "credited"
	StatusFailed    PurchaseStatus = "failed"
	StatusCancelled PurchaseStatus = "cancelled"
)

var purchaseTransitions = map[PurchaseStatus][]PurchaseStatus{
	StatusPending: {StatusActive, StatusCredited, StatusFailed, StatusCancelled},
	StatusActive:  {StatusCancelled},
}

// CanTransition reports whether a purchase may move from one status to
// another. Credited, failed and cancelled are terminal.
func CanTransition(from, to PurchaseStatus) bool {
	for _, next := range purchaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s PurchaseStatus) Terminal() bool {
	return len(purchaseTransitions[s]) == 0
}

// Purchase is an entitlement that stays pending until its invoice is paid.
type Purchase struct {
	ID            uuid.UUID      `json:"id"`
	UserID        string         `json:"user_id"`
	InvoiceID     uuid.UUID      `json:"invoice_id"`
	CatalogItemID string         `json:"catalog_item_id"`
	Kind          PurchaseKind   `json:"kind"`
	Status        PurchaseStatus `json:"status"`
	TokenAmount   int64          `json:"token_amount,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SucceededStatus is the status a purchase reaches once its payment succeeds.
func (p Purchase) SucceededStatus() PurchaseStatus {
	if p.Kind == KindTokenBundle {
		return StatusCredited
	}
	return StatusActive
}

// InvoiceStatus is the payment state of an invoice.
type InvoiceStatus string

const (
	InvoicePending  InvoiceStatus = "pending"
	InvoicePaid     InvoiceStatus = "paid"
	InvoiceFailed   InvoiceStatus = "failed"
	InvoiceRefunded InvoiceStatus = "refunded"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoicePending: {InvoicePaid, InvoiceFailed},
	InvoicePaid:    {InvoiceRefunded},
}

// CanTransitionInvoice reports whether an invoice may move between statuses.
func CanTransitionInvoice(from, to InvoiceStatus) bool {
	for _, next := range invoiceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Finalized reports whether line items are frozen.
func (s InvoiceStatus) Finalized() bool {
	return s != InvoicePending
}
