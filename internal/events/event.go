// Package events routes domain events to handlers exactly once per event id.
package events

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Event is a domain event. Events raised from provider webhooks carry the
// provider's event id; internal events may leave ID empty.
type Event struct {
	ID          string            `json:"id,omitempty"`
	Type        Type              `json:"type"`
	Provider    string            `json:"provider,omitempty"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// DedupKey returns the processed-id key, or "" when the event has no id.
func (e Event) DedupKey() string {
	if strings.TrimSpace(e.ID) == "" {
		return ""
	}
	provider := strings.ToLower(strings.TrimSpace(e.Provider))
	if provider == "" {
		provider = "internal"
	}
	return provider + ":" + e.ID
}

// Meta returns a metadata value or "".
func (e Event) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	switch v := payload.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return append([]byte(nil), v...), nil
	case []byte:
		return encodePayload(json.RawMessage(v))
	default:
		return json.Marshal(v)
	}
}
