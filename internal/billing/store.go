package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists invoices, purchases and token balances. Methods called with a
// context returned inside InTx join that transaction.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	// FindInvoiceByReference looks up an invoice by payment reference. An
	// empty provider matches any provider.
	FindInvoiceByReference(ctx context.Context, provider, reference string) (Invoice, error)
	SetPaymentReference(ctx context.Context, id uuid.UUID, provider, reference string) error
	// TransitionInvoice moves the invoice only while it is still in from and
	// reports whether this call changed it.
	TransitionInvoice(ctx context.Context, id uuid.UUID, from, to InvoiceStatus) (bool, error)
	ListStaleInvoices(ctx context.Context, olderThan time.Time, limit int) ([]Invoice, error)

	CreatePurchase(ctx context.Context, p *Purchase) error
	ListPurchases(ctx context.Context, invoiceID uuid.UUID) ([]Purchase, error)
	TransitionPurchase(ctx context.Context, id uuid.UUID, from, to PurchaseStatus) (bool, error)

	TokenCreditor
	Balance(ctx context.Context, userID string) (int64, error)
}

// TokenCreditor adds tokens to a user balance.
type TokenCreditor interface {
	CreditTokens(ctx context.Context, userID string, amount int64) error
}
