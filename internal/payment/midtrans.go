package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-billing/internal/money"
)

// MidtransClient talks to the Midtrans Snap and Core APIs. Intents are
// identified by the merchant order id.
type MidtransClient struct {
	ServerKey string
	// BaseURL is the Core API host; SnapURL defaults to the matching Snap host.
	BaseURL    string
	SnapURL    string
	HTTPClient *http.Client
}

var _ Adapter = (*MidtransClient)(nil)

type midtransStatus struct {
	StatusCode        string `json:"status_code"`
	StatusMessage     string `json:"status_message"`
	TransactionID     string `json:"transaction_id"`
	OrderID           string `json:"order_id"`
	GrossAmount       string `json:"gross_amount"`
	Currency          string `json:"currency"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	RefundKey         string `json:"refund_key"`
}

func (c *MidtransClient) snapHost() string {
	if c.SnapURL != "" {
		return c.SnapURL
	}
	if strings.Contains(c.BaseURL, "sandbox") {
		return "https://app.sandbox.midtrans.com"
	}
	if c.BaseURL != "" && !strings.Contains(c.BaseURL, "midtrans.com") {
		return c.BaseURL
	}
	return "https://app.midtrans.com"
}

func (c *MidtransClient) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string, idempotencyKey string) (Result, error) {
	if c.ServerKey == "" {
		return Result{}, &PermanentError{Provider: "midtrans", Op: KindCreateIntent, Err: ErrNotConfigured}
	}
	orderID := metadata["invoice_id"]
	if orderID == "" {
		orderID = "order-" + randomHex(8)
	}
	body := map[string]any{
		"transaction_details": map[string]any{
			"order_id":     orderID,
			"gross_amount": json.Number(amount.Round(money.Exponent(currency)).String()),
		},
		"custom_field1": metadata["invoice_number"],
		"custom_field2": metadata["user_id"],
	}
	var out struct {
		Token       string `json:"token"`
		RedirectURL string `json:"redirect_url"`
	}
	raw, err := doJSON(ctx, c.HTTPClient, jsonCall{
		provider:       "midtrans",
		op:             KindCreateIntent,
		method:         http.MethodPost,
		url:            joinURL(c.snapHost(), "/snap/v1/transactions"),
		basicUser:      c.ServerKey,
		idemHeader:     "Idempotency-Key",
		idempotencyKey: idempotencyKey,
		body:           body,
	}, &out)
	if err != nil {
		return Result{}, err
	}
	if out.Token == "" {
		return Result{}, &UnknownError{Provider: "midtrans", Op: KindCreateIntent, Err: errors.New("snap token missing")}
	}
	return Result{
		ReferenceID:  orderID,
		Status:       StatusRequiresAction,
		Amount:       amount,
		Currency:     money.NormaliseCurrency(currency),
		ClientSecret: out.Token,
		RedirectURL:  out.RedirectURL,
		Raw:          raw,
	}, nil
}

func (c *MidtransClient) Capture(ctx context.Context, intentID, idempotencyKey string) (Result, error) {
	var out midtransStatus
	raw, err := c.core(ctx, KindCapture, http.MethodPost, "/v2/capture", idempotencyKey, map[string]any{"transaction_id": intentID}, &out)
	if err != nil {
		return Result{}, err
	}
	return c.result(out, raw, intentID)
}

func (c *MidtransClient) Refund(ctx context.Context, intentID string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	var out midtransStatus
	body := map[string]any{
		"refund_key": idempotencyKey,
		"amount":     json.Number(amount.String()),
		"reason":     "requested by merchant",
	}
	raw, err := c.core(ctx, KindRefund, http.MethodPost, "/v2/"+url.PathEscape(intentID)+"/refund", idempotencyKey, body, &out)
	if err != nil {
		return Result{}, err
	}
	res, err := c.result(out, raw, intentID)
	if err != nil {
		return Result{}, err
	}
	if out.GrossAmount == "" {
		res.Amount = amount
	}
	return res, nil
}

func (c *MidtransClient) GetStatus(ctx context.Context, intentID string) (Result, error) {
	var out midtransStatus
	raw, err := c.core(ctx, KindGetStatus, http.MethodGet, "/v2/"+url.PathEscape(intentID)+"/status", "", nil, &out)
	if err != nil {
		return Result{}, err
	}
	return c.result(out, raw, intentID)
}

func (c *MidtransClient) core(ctx context.Context, op Kind, method, path, key string, body any, out *midtransStatus) ([]byte, error) {
	if c.ServerKey == "" {
		return nil, &PermanentError{Provider: "midtrans", Op: op, Err: ErrNotConfigured}
	}
	raw, err := doJSON(ctx, c.HTTPClient, jsonCall{
		provider:       "midtrans",
		op:             op,
		method:         method,
		url:            joinURL(c.BaseURL, path),
		basicUser:      c.ServerKey,
		idemHeader:     "Idempotency-Key",
		idempotencyKey: key,
		body:           body,
	}, out)
	if err != nil {
		return raw, err
	}
	// Core API reports business failures with HTTP 200 and a status_code field.
	if code := strings.TrimSpace(out.StatusCode); code != "" && !strings.HasPrefix(code, "2") {
		status := 0
		_, _ = fmt.Sscanf(code, "%d", &status)
		if classified := ClassifyHTTPStatus("midtrans", op, status, errors.New(out.StatusMessage)); classified != nil {
			return raw, classified
		}
	}
	return raw, nil
}

func (c *MidtransClient) result(out midtransStatus, raw []byte, intentID string) (Result, error) {
	ref := out.OrderID
	if ref == "" {
		ref = intentID
	}
	res := Result{
		ReferenceID: ref,
		Status:      MidtransStatus(out.TransactionStatus, out.FraudStatus),
		Currency:    money.NormaliseCurrency(out.Currency),
		Raw:         raw,
	}
	if res.Currency == "" {
		res.Currency = "IDR"
	}
	if out.GrossAmount != "" {
		amount, err := money.ParseMajor(out.GrossAmount)
		if err != nil {
			return Result{}, &UnknownError{Provider: "midtrans", Op: KindGetStatus, Err: err}
		}
		res.Amount = amount
	}
	return res, nil
}

// MidtransStatus maps a Midtrans transaction status onto Status.
func MidtransStatus(transactionStatus, fraudStatus string) Status {
	switch strings.ToLower(strings.TrimSpace(transactionStatus)) {
	case "settlement":
		return StatusSucceeded
	case "capture":
		if strings.EqualFold(fraudStatus, "challenge") {
			return StatusPending
		}
		return StatusSucceeded
	case "deny", "failure", "expire":
		return StatusFailed
	case "cancel":
		return StatusCancelled
	case "refund", "partial_refund":
		return StatusRefunded
	case "authorize":
		return StatusRequiresAction
	default:
		return StatusPending
	}
}
