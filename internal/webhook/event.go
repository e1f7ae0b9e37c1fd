// Package webhook verifies inbound provider callbacks and normalises them into
// provider independent events.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-billing/internal/events"
)

// Kind is the provider independent meaning of a webhook.
type Kind string

const (
	KindPaymentSucceeded      Kind = "payment-succeeded"
	KindPaymentFailed         Kind = "payment-failed"
	KindSubscriptionCancelled Kind = "subscription-cancelled"
	KindRefundCreated         Kind = "refund-created"
	KindUnknown               Kind = "unknown"
)

// Event is a verified webhook in normalised form. Amount is in major units.
type Event struct {
	Provider     string
	EventID      string
	Kind         Kind
	ProviderType string
	Amount       decimal.Decimal
	Currency     string
	ReferenceID  string
	Metadata     map[string]string
	OccurredAt   time.Time
	Raw          json.RawMessage
}

var eventTypes = map[Kind]events.Type{
	KindPaymentSucceeded:      events.TypePaymentSucceeded,
	KindPaymentFailed:         events.TypePaymentFailed,
	KindSubscriptionCancelled: events.TypeSubscriptionCancelled,
	KindRefundCreated:         events.TypeRefundCreated,
}

// DomainEvent converts e into a dispatchable domain event. It reports false
// for kinds with no domain meaning.
func (e Event) DomainEvent() (events.Event, bool) {
	t, ok := eventTypes[e.Kind]
	if !ok {
		return events.Event{}, false
	}
	return events.Event{
		ID:          e.EventID,
		Type:        t,
		Provider:    e.Provider,
		ReferenceID: e.ReferenceID,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Metadata:    e.Metadata,
		Payload:     e.Raw,
		OccurredAt:  e.OccurredAt,
	}, true
}

// withMeta copies m and sets key. Provider metadata maps may be nil.
func withMeta(m map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}

var (
	// ErrUnknownProvider is returned for a provider without a normaliser.
	ErrUnknownProvider = errors.New("webhook: unknown provider")
	// ErrMalformedPayload is returned when a verified body cannot be parsed.
	ErrMalformedPayload = errors.New("webhook: malformed payload")
)

// InvalidSignatureError is returned when verification fails. The body is
// never parsed in that case.
type InvalidSignatureError struct {
	Provider string
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("webhook: invalid %s signature", e.Provider)
}

func malformed(provider, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedPayload, provider, fmt.Sprintf(format, args...))
}

func stringMap(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
		default:
			out[k] = strings.TrimSpace(fmt.Sprint(t))
		}
	}
	return out
}
