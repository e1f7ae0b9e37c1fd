package payment

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-billing/internal/money"
)

// Kind names a provider operation.
type Kind string

const (
	KindCreateIntent Kind = "create_intent"
	KindCapture      Kind = "capture"
	KindRefund       Kind = "refund"
	KindGetStatus    Kind = "get_status"
)

// Mutating reports whether the operation has a provider side effect and is
// therefore guarded by the idempotency store.
func (k Kind) Mutating() bool {
	return k != KindGetStatus
}

// Status is the provider independent payment status.
type Status string

const (
	StatusRequiresAction Status = "requires_action"
	StatusPending        Status = "pending"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusRefunded       Status = "refunded"
)

// Adapter is the contract every payment provider satisfies.
type Adapter interface {
	CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string, idempotencyKey string) (Result, error)
	Capture(ctx context.Context, intentID, idempotencyKey string) (Result, error)
	Refund(ctx context.Context, intentID string, amount decimal.Decimal, idempotencyKey string) (Result, error)
	GetStatus(ctx context.Context, intentID string) (Result, error)
}

// Request is a single provider operation. It is built once per call and never
// mutated afterwards.
type Request struct {
	Kind           Kind
	Amount         decimal.Decimal
	Currency       string
	Metadata       map[string]string
	IntentID       string
	IdempotencyKey string
}

// Result is the normalised outcome of a provider operation.
type Result struct {
	Success     bool            `json:"success"`
	Provider    string          `json:"provider"`
	ReferenceID string          `json:"reference_id,omitempty"`
	Status      Status          `json:"status,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
	// ClientSecret or RedirectURL carry whatever the payer needs to complete
	// the payment (Stripe client secret, Snap token, hosted invoice link).
	ClientSecret string          `json:"client_secret,omitempty"`
	RedirectURL  string          `json:"redirect_url,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	ErrorClass   ErrorClass      `json:"error_class,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func (r Request) validate() error {
	switch r.Kind {
	case KindCreateIntent:
		if !r.Amount.IsPositive() {
			return invalidRequest("amount must be positive")
		}
		if len(money.NormaliseCurrency(r.Currency)) != 3 {
			return invalidRequest("currency must be a 3-letter code")
		}
	case KindRefund:
		if strings.TrimSpace(r.IntentID) == "" {
			return invalidRequest("intent id is required")
		}
		if !r.Amount.IsPositive() {
			return invalidRequest("refund amount must be positive")
		}
	case KindCapture, KindGetStatus:
		if strings.TrimSpace(r.IntentID) == "" {
			return invalidRequest("intent id is required")
		}
	default:
		return invalidRequest("unsupported operation " + string(r.Kind))
	}
	return nil
}

// fingerprint lists the request fields that identify the side effect; it
// seeds key derivation when the caller omitted an idempotency key.
func (r Request) fingerprint() []string {
	switch r.Kind {
	case KindCreateIntent:
		parts := []string{r.Amount.String(), money.NormaliseCurrency(r.Currency)}
		keys := make([]string, 0, len(r.Metadata))
		for k := range r.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+r.Metadata[k])
		}
		return parts
	case KindRefund:
		return []string{r.IntentID, r.Amount.String()}
	default:
		return []string{r.IntentID}
	}
}
