package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-billing/internal/money"
)

// LineKind classifies an invoice line.
type LineKind string

const (
	LineSubscription LineKind = "subscription"
	LineTokenBundle  LineKind = "token_bundle"
	LineAddon        LineKind = "addon"
	LineTax          LineKind = "tax"
)

// LineItem is one charge on an invoice.
type LineItem struct {
	ID            uuid.UUID       `json:"id"`
	Position      int             `json:"position"`
	Kind          LineKind        `json:"kind"`
	Description   string          `json:"description"`
	CatalogItemID string          `json:"catalog_item_id,omitempty"`
	PurchaseID    *uuid.UUID      `json:"purchase_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
}

// Invoice groups the charges of a checkout. Total always equals the sum of
// the line amounts; tax is carried as its own line.
type Invoice struct {
	ID               uuid.UUID       `json:"id"`
	Number           string          `json:"number"`
	UserID           string          `json:"user_id"`
	Currency         string          `json:"currency"`
	Status           InvoiceStatus   `json:"status"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Tax              decimal.Decimal `json:"tax"`
	Total            decimal.Decimal `json:"total"`
	Lines            []LineItem      `json:"lines"`
	Provider         string          `json:"provider,omitempty"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
}

// NewInvoice returns an empty pending invoice.
func NewInvoice(userID, currency string, now time.Time) *Invoice {
	now = now.UTC()
	return &Invoice{
		ID:        uuid.New(),
		Number:    GenerateInvoiceNumber(now),
		UserID:    userID,
		Currency:  money.NormaliseCurrency(currency),
		Status:    InvoicePending,
		Subtotal:  decimal.Zero,
		Tax:       decimal.Zero,
		Total:     decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GenerateInvoiceNumber formats INV-<UTC timestamp>-<6 random hex chars>.
func GenerateInvoiceNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return fmt.Sprintf("INV-%s-%s", now.UTC().Format("20060102150405"), suffix)
}

// AddLine appends a charge and recomputes the totals.
func (inv *Invoice) AddLine(kind LineKind, description, catalogItemID string, purchaseID *uuid.UUID, amount decimal.Decimal) error {
	if inv.Status.Finalized() {
		return ErrInvoiceFinalized
	}
	if amount.IsNegative() {
		return fmt.Errorf("billing: negative line amount %s", amount)
	}
	inv.Lines = append(inv.Lines, LineItem{
		ID:            uuid.New(),
		Position:      len(inv.Lines) + 1,
		Kind:          kind,
		Description:   description,
		CatalogItemID: catalogItemID,
		PurchaseID:    purchaseID,
		Amount:        amount,
	})
	inv.recalculate()
	return nil
}

// ApplyTax adds a tax line of rateBPS basis points over the subtotal. Any
// previous tax line is replaced.
func (inv *Invoice) ApplyTax(rateBPS int) error {
	if inv.Status.Finalized() {
		return ErrInvoiceFinalized
	}
	lines := inv.Lines[:0]
	for _, l := range inv.Lines {
		if l.Kind != LineTax {
			lines = append(lines, l)
		}
	}
	inv.Lines = lines
	for i := range inv.Lines {
		inv.Lines[i].Position = i + 1
	}
	inv.recalculate()
	if rateBPS <= 0 {
		return nil
	}
	tax := inv.Subtotal.Mul(decimal.NewFromInt(int64(rateBPS))).Div(decimal.NewFromInt(10000)).Round(money.Exponent(inv.Currency))
	if tax.IsZero() {
		return nil
	}
	desc := fmt.Sprintf("Tax (%s%%)", decimal.New(int64(rateBPS), -2).String())
	return inv.AddLine(LineTax, desc, "", nil, tax)
}

func (inv *Invoice) recalculate() {
	subtotal := decimal.Zero
	tax := decimal.Zero
	for _, l := range inv.Lines {
		if l.Kind == LineTax {
			tax = tax.Add(l.Amount)
			continue
		}
		subtotal = subtotal.Add(l.Amount)
	}
	inv.Subtotal = subtotal
	inv.Tax = tax
	inv.Total = subtotal.Add(tax)
}

// Validate checks the totals against the line items.
func (inv *Invoice) Validate() error {
	sum := decimal.Zero
	for _, l := range inv.Lines {
		sum = sum.Add(l.Amount)
	}
	if !sum.Equal(inv.Total) || !inv.Subtotal.Add(inv.Tax).Equal(inv.Total) {
		return fmt.Errorf("%w: total %s, lines %s", ErrInvoiceTotalMismatch, inv.Total, sum)
	}
	return nil
}
