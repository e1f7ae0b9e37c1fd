package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-billing/internal/money"
)

// XenditClient drives the Xendit invoice API. Invoices settle when the payer
// completes the hosted page, so Capture only confirms the paid state.
type XenditClient struct {
	SecretKey  string
	BaseURL    string
	HTTPClient *http.Client
}

var _ Adapter = (*XenditClient)(nil)

type xenditInvoice struct {
	ID         string      `json:"id"`
	ExternalID string      `json:"external_id"`
	Status     string      `json:"status"`
	Amount     json.Number `json:"amount"`
	Currency   string      `json:"currency"`
	InvoiceURL string      `json:"invoice_url"`
}

func (c *XenditClient) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string, idempotencyKey string) (Result, error) {
	externalID := metadata["invoice_id"]
	if externalID == "" {
		externalID = "inv-" + randomHex(8)
	}
	body := map[string]any{
		"external_id": externalID,
		"amount":      json.Number(amount.String()),
		"currency":    money.NormaliseCurrency(currency),
		"description": "Invoice " + metadata["invoice_number"],
		"metadata":    metadata,
	}
	var out xenditInvoice
	raw, err := c.do(ctx, KindCreateIntent, http.MethodPost, "/v2/invoices", idempotencyKey, body, &out)
	if err != nil {
		return Result{}, err
	}
	res, err := c.invoiceResult(KindCreateIntent, out, raw)
	if err != nil {
		return Result{}, err
	}
	res.RedirectURL = out.InvoiceURL
	if res.Status == StatusPending {
		res.Status = StatusRequiresAction
	}
	return res, nil
}

func (c *XenditClient) Capture(ctx context.Context, intentID, _ string) (Result, error) {
	res, err := c.GetStatus(ctx, intentID)
	if err != nil {
		return Result{}, err
	}
	switch res.Status {
	case StatusSucceeded:
		return res, nil
	case StatusFailed, StatusCancelled:
		return Result{}, &PermanentError{Provider: "xendit", Op: KindCapture, Code: "invoice_" + string(res.Status), Err: fmt.Errorf("invoice %s cannot be captured", intentID)}
	default:
		return Result{}, &PermanentError{Provider: "xendit", Op: KindCapture, Code: "invoice_unpaid", Err: fmt.Errorf("invoice %s is not paid yet", intentID)}
	}
}

func (c *XenditClient) Refund(ctx context.Context, intentID string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	body := map[string]any{
		"invoice_id": intentID,
		"amount":     json.Number(amount.String()),
		"reason":     "REQUESTED_BY_CUSTOMER",
	}
	var out struct {
		ID       string      `json:"id"`
		Status   string      `json:"status"`
		Amount   json.Number `json:"amount"`
		Currency string      `json:"currency"`
	}
	raw, err := c.do(ctx, KindRefund, http.MethodPost, "/refunds", idempotencyKey, body, &out)
	if err != nil {
		return Result{}, err
	}
	status := StatusPending
	switch strings.ToUpper(out.Status) {
	case "SUCCEEDED":
		status = StatusRefunded
	case "FAILED", "CANCELLED":
		status = StatusFailed
	}
	refunded := amount
	if out.Amount != "" {
		if parsed, err := money.ParseMajor(out.Amount.String()); err == nil {
			refunded = parsed
		}
	}
	return Result{
		ReferenceID: out.ID,
		Status:      status,
		Amount:      refunded,
		Currency:    money.NormaliseCurrency(out.Currency),
		Raw:         raw,
	}, nil
}

func (c *XenditClient) GetStatus(ctx context.Context, intentID string) (Result, error) {
	var out xenditInvoice
	raw, err := c.do(ctx, KindGetStatus, http.MethodGet, "/v2/invoices/"+url.PathEscape(intentID), "", nil, &out)
	if err != nil {
		return Result{}, err
	}
	return c.invoiceResult(KindGetStatus, out, raw)
}

func (c *XenditClient) do(ctx context.Context, op Kind, method, path, key string, body, out any) ([]byte, error) {
	if c.SecretKey == "" {
		return nil, &PermanentError{Provider: "xendit", Op: op, Err: ErrNotConfigured}
	}
	return doJSON(ctx, c.HTTPClient, jsonCall{
		provider:       "xendit",
		op:             op,
		method:         method,
		url:            joinURL(c.BaseURL, path),
		basicUser:      c.SecretKey,
		idemHeader:     "Idempotency-key",
		idempotencyKey: key,
		body:           body,
	}, out)
}

func (c *XenditClient) invoiceResult(op Kind, out xenditInvoice, raw []byte) (Result, error) {
	amount, err := money.ParseMajor(out.Amount.String())
	if err != nil {
		return Result{}, &UnknownError{Provider: "xendit", Op: op, Err: err}
	}
	return Result{
		ReferenceID: out.ID,
		Status:      XenditStatus(out.Status),
		Amount:      amount,
		Currency:    money.NormaliseCurrency(out.Currency),
		Raw:         raw,
	}, nil
}

// XenditStatus maps a Xendit invoice status onto Status.
func XenditStatus(status string) Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PAID", "SETTLED":
		return StatusSucceeded
	case "EXPIRED", "FAILED":
		return StatusFailed
	case "CANCELLED", "CANCELED":
		return StatusCancelled
	default:
		return StatusPending
	}
}
