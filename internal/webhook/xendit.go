package webhook

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/noah-isme/backend-billing/internal/money"
)

type xenditCallback struct {
	ID         string         `json:"id"`
	ExternalID string         `json:"external_id"`
	Status     string         `json:"status"`
	Amount     json.Number    `json:"amount"`
	PaidAmount json.Number    `json:"paid_amount"`
	Currency   string         `json:"currency"`
	PaidAt     string         `json:"paid_at"`
	Updated    string         `json:"updated"`
	Metadata   map[string]any `json:"metadata"`
}

// XenditNormalizer handles Xendit invoice callbacks.
type XenditNormalizer struct{}

func (XenditNormalizer) Provider() string        { return "xendit" }
func (XenditNormalizer) SignatureHeader() string { return "X-Callback-Signature" }

// VerifySignature expects the hex HMAC-SHA256 of the raw body.
func (XenditNormalizer) VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return false
	}
	return equalHex(hmacSHA256Hex(secret, rawBody), signatureHeader)
}

func (XenditNormalizer) Parse(rawBody []byte) (Event, error) {
	var cb xenditCallback
	dec := json.NewDecoder(bytes.NewReader(rawBody))
	dec.UseNumber()
	if err := dec.Decode(&cb); err != nil {
		return Event{}, malformed("xendit", "decode callback: %v", err)
	}
	if cb.ID == "" || cb.Status == "" {
		return Event{}, malformed("xendit", "id and status are required")
	}
	raw := cb.PaidAmount
	if raw == "" {
		raw = cb.Amount
	}
	amount, err := money.ParseMajor(raw.String())
	if err != nil {
		return Event{}, malformed("xendit", "amount: %v", err)
	}

	meta := stringMap(cb.Metadata)
	if cb.ExternalID != "" {
		if meta == nil {
			meta = make(map[string]string, 1)
		}
		if meta["invoice_id"] == "" {
			meta["invoice_id"] = cb.ExternalID
		}
	}

	occurred := time.Now().UTC()
	for _, v := range []string{cb.PaidAt, cb.Updated} {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			occurred = ts.UTC()
			break
		}
	}
	return Event{
		Provider:     "xendit",
		EventID:      cb.ID + ":" + cb.Status,
		Kind:         xenditKind(cb.Status),
		ProviderType: cb.Status,
		Amount:       amount,
		Currency:     money.NormaliseCurrency(cb.Currency),
		ReferenceID:  cb.ID,
		Metadata:     meta,
		OccurredAt:   occurred,
		Raw:          json.RawMessage(append([]byte(nil), rawBody...)),
	}, nil
}

func xenditKind(status string) Kind {
	switch strings.ToUpper(status) {
	case "PAID", "SETTLED":
		return KindPaymentSucceeded
	case "EXPIRED", "FAILED":
		return KindPaymentFailed
	default:
		return KindUnknown
	}
}
