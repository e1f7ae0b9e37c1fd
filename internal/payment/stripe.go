package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/noah-isme/backend-billing/internal/money"
)

// StripeClient drives Stripe PaymentIntents. Network retries inside stripe-go
// are disabled; BaseAdapter owns the retry loop.
type StripeClient struct {
	api           *client.API
	manualCapture bool
}

var _ Adapter = (*StripeClient)(nil)

// StripeOptions configures NewStripeClient.
type StripeOptions struct {
	HTTPClient *http.Client
	// URL overrides the API host, used against local fakes.
	URL string
	// ManualCapture creates intents that must be captured explicitly.
	ManualCapture bool
}

// NewStripeClient builds a Stripe client for secretKey.
func NewStripeClient(secretKey string, opts StripeOptions) *StripeClient {
	cfg := &stripe.BackendConfig{
		HTTPClient:        opts.HTTPClient,
		MaxNetworkRetries: stripe.Int64(0),
		EnableTelemetry:   stripe.Bool(false),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if opts.URL != "" {
		cfg.URL = stripe.String(opts.URL)
	}
	return &StripeClient{
		api:           client.New(secretKey, stripe.NewBackendsWithConfig(cfg)),
		manualCapture: opts.ManualCapture,
	}
}

func (c *StripeClient) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string, idempotencyKey string) (Result, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(money.ToMinor(amount, currency)),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if c.manualCapture {
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return Result{}, classifyStripe(KindCreateIntent, err)
	}
	return stripeIntentResult(pi), nil
}

func (c *StripeClient) Capture(ctx context.Context, intentID, idempotencyKey string) (Result, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	pi, err := c.api.PaymentIntents.Capture(intentID, params)
	if err != nil {
		return Result{}, classifyStripe(KindCapture, err)
	}
	return stripeIntentResult(pi), nil
}

func (c *StripeClient) Refund(ctx context.Context, intentID string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	intent, err := c.GetStatus(ctx, intentID)
	if err != nil {
		return Result{}, err
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(money.ToMinor(amount, intent.Currency)),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	re, err := c.api.Refunds.New(params)
	if err != nil {
		return Result{}, classifyStripe(KindRefund, err)
	}
	status := StatusPending
	switch re.Status {
	case stripe.RefundStatusSucceeded:
		status = StatusRefunded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		status = StatusFailed
	}
	res := Result{
		ReferenceID: re.ID,
		Status:      status,
		Amount:      money.FromMinor(re.Amount, string(re.Currency)),
		Currency:    money.NormaliseCurrency(string(re.Currency)),
	}
	if re.LastResponse != nil {
		res.Raw = re.LastResponse.RawJSON
	}
	return res, nil
}

func (c *StripeClient) GetStatus(ctx context.Context, intentID string) (Result, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return Result{}, classifyStripe(KindGetStatus, err)
	}
	return stripeIntentResult(pi), nil
}

func stripeIntentResult(pi *stripe.PaymentIntent) Result {
	res := Result{
		ReferenceID:  pi.ID,
		Status:       StripeIntentStatus(pi.Status),
		Amount:       money.FromMinor(pi.Amount, string(pi.Currency)),
		Currency:     money.NormaliseCurrency(string(pi.Currency)),
		ClientSecret: pi.ClientSecret,
	}
	if pi.LastResponse != nil {
		res.Raw = pi.LastResponse.RawJSON
	}
	return res
}

// StripeIntentStatus maps a PaymentIntent status onto Status.
func StripeIntentStatus(status stripe.PaymentIntentStatus) Status {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusCancelled
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return StatusPending
	default:
		return StatusRequiresAction
	}
}

func classifyStripe(op Kind, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return classifyTransport("stripe", op, err)
	}
	code := string(se.Code)
	if se.DeclineCode != "" {
		code = string(se.DeclineCode)
	}
	switch {
	case se.HTTPStatusCode >= 500, se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode == http.StatusRequestTimeout, se.Type == stripe.ErrorTypeAPI:
		return &TransientError{Provider: "stripe", Op: op, StatusCode: se.HTTPStatusCode, Err: se}
	case se.HTTPStatusCode >= 400:
		return &PermanentError{Provider: "stripe", Op: op, StatusCode: se.HTTPStatusCode, Code: code, Err: se}
	default:
		return &UnknownError{Provider: "stripe", Op: op, Err: se}
	}
}
