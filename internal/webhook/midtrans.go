package webhook

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/noah-isme/backend-billing/internal/events"
	"github.com/noah-isme/backend-billing/internal/money"
)

// midtransNotification is the HTTP notification body Midtrans posts.
type midtransNotification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	TransactionTime   string `json:"transaction_time"`
	FraudStatus       string `json:"fraud_status"`
	Currency          string `json:"currency"`
	PaymentType       string `json:"payment_type"`
}

// midtransTimeLayout is the Asia/Jakarta wall clock format of transaction_time.
const midtransTimeLayout = "2006-01-02 15:04:05"

var jakarta = time.FixedZone("WIB", 7*60*60)

// MidtransNormalizer handles Midtrans HTTP notifications. The server key is
// the signing secret.
type MidtransNormalizer struct{}

func (MidtransNormalizer) Provider() string        { return "midtrans" }
func (MidtransNormalizer) SignatureHeader() string { return "X-Signature-Key" }

// VerifySignature recomputes sha512(order_id+status_code+gross_amount+key).
// The header value wins when present; otherwise the body's signature_key is used.
func (MidtransNormalizer) VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return false
	}
	var n midtransNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return false
	}
	provided := signatureHeader
	if strings.TrimSpace(provided) == "" {
		provided = n.SignatureKey
	}
	return equalHex(MidtransSignature(n.OrderID, n.StatusCode, n.GrossAmount, secret), provided)
}

// MidtransSignature returns the hex signature Midtrans attaches to a notification.
func MidtransSignature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

func (MidtransNormalizer) Parse(rawBody []byte) (Event, error) {
	var n midtransNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return Event{}, malformed("midtrans", "decode notification: %v", err)
	}
	if n.OrderID == "" || n.TransactionStatus == "" {
		return Event{}, malformed("midtrans", "order_id and transaction_status are required")
	}
	amount, err := money.ParseMajor(n.GrossAmount)
	if err != nil {
		return Event{}, malformed("midtrans", "gross_amount: %v", err)
	}
	txID := n.TransactionID
	if txID == "" {
		txID = n.OrderID
	}

	occurred := time.Now().UTC()
	if ts, err := time.ParseInLocation(midtransTimeLayout, n.TransactionTime, jakarta); err == nil {
		occurred = ts.UTC()
	}
	currency := n.Currency
	if currency == "" {
		currency = "IDR"
	}

	meta := map[string]string{"invoice_id": n.OrderID}
	if n.PaymentType != "" {
		meta["payment_type"] = n.PaymentType
	}
	switch strings.ToLower(n.TransactionStatus) {
	case "refund":
		meta[events.MetaRefundScope] = events.RefundFull
	case "partial_refund":
		meta[events.MetaRefundScope] = events.RefundPartial
	}
	return Event{
		Provider:     "midtrans",
		EventID:      txID + ":" + n.TransactionStatus,
		Kind:         midtransKind(n.TransactionStatus, n.FraudStatus),
		ProviderType: n.TransactionStatus,
		Amount:       amount,
		Currency:     money.NormaliseCurrency(currency),
		ReferenceID:  n.OrderID,
		Metadata:     meta,
		OccurredAt:   occurred,
		Raw:          json.RawMessage(append([]byte(nil), rawBody...)),
	}, nil
}

func midtransKind(status, fraud string) Kind {
	switch strings.ToLower(status) {
	case "capture":
		switch strings.ToLower(fraud) {
		case "", "accept":
			return KindPaymentSucceeded
		case "deny":
			return KindPaymentFailed
		}
		return KindUnknown
	case "settlement":
		return KindPaymentSucceeded
	case "deny", "cancel", "expire", "failure":
		return KindPaymentFailed
	case "refund", "partial_refund":
		return KindRefundCreated
	default:
		return KindUnknown
	}
}
