package webhook

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/backend-billing/internal/money"
)

type mockPayload struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	ReferenceID string            `json:"reference_id"`
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata"`
	OccurredAt  *time.Time        `json:"occurred_at"`
}

var mockKinds = map[string]Kind{
	"payment.succeeded":      KindPaymentSucceeded,
	"payment.failed":         KindPaymentFailed,
	"subscription.cancelled": KindSubscriptionCancelled,
	"refund.created":         KindRefundCreated,
}

// MockNormalizer handles webhooks from the in-process mock provider.
type MockNormalizer struct{}

func (MockNormalizer) Provider() string        { return "mock" }
func (MockNormalizer) SignatureHeader() string { return "X-Mock-Signature" }

func (MockNormalizer) VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return false
	}
	return equalHex(hmacSHA256Hex(secret, rawBody), signatureHeader)
}

// MockSignature signs body the way the mock provider does.
func MockSignature(secret string, body []byte) string {
	return hmacSHA256Hex(secret, body)
}

func (MockNormalizer) Parse(rawBody []byte) (Event, error) {
	var p mockPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return Event{}, malformed("mock", "decode payload: %v", err)
	}
	if p.ID == "" || p.Type == "" {
		return Event{}, malformed("mock", "id and type are required")
	}
	kind, ok := mockKinds[p.Type]
	if !ok {
		kind = KindUnknown
	}
	currency := money.NormaliseCurrency(p.Currency)
	occurred := time.Now().UTC()
	if p.OccurredAt != nil {
		occurred = p.OccurredAt.UTC()
	}
	return Event{
		Provider:     "mock",
		EventID:      p.ID,
		Kind:         kind,
		ProviderType: p.Type,
		Amount:       money.FromMinor(p.AmountCents, currency),
		Currency:     currency,
		ReferenceID:  p.ReferenceID,
		Metadata:     p.Metadata,
		OccurredAt:   occurred,
		Raw:          json.RawMessage(append([]byte(nil), rawBody...)),
	}, nil
}
