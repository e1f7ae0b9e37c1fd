package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v81/webhook"

	"github.com/noah-isme/backend-billing/internal/events"
	"github.com/noah-isme/backend-billing/internal/webhook"
)

const (
	stripeSecret = "whsec_test"
	midtransKey  = "SB-Mid-server-key"
	xenditToken  = "xnd-callback-token"
	mockSecret   = "mock-secret"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	fail   error
}

func (r *recorder) handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func newService(t *testing.T) (*webhook.Service, *recorder) {
	t.Helper()
	reg := webhook.NewRegistry()
	reg.Register(webhook.StripeNormalizer{}, stripeSecret)
	reg.Register(webhook.MidtransNormalizer{}, midtransKey)
	reg.Register(webhook.XenditNormalizer{}, xenditToken)
	reg.Register(webhook.MockNormalizer{}, mockSecret)

	rec := &recorder{}
	d := events.NewDispatcher(events.WithProcessedStore(events.NewMemoryProcessedStore()))
	d.Subscribe(events.Func("recorder", rec.handle))
	return &webhook.Service{Registry: reg, Events: d, Logger: zerolog.Nop()}, rec
}

func mockBody(t *testing.T, id, typ string, cents int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":           id,
		"type":         typ,
		"reference_id": "pi_mock_abc",
		"amount_cents": cents,
		"currency":     "usd",
		"metadata":     map[string]string{"invoice_id": "inv-1"},
	})
	require.NoError(t, err)
	return body
}

func TestProcessMockPaymentSucceeded(t *testing.T) {
	svc, rec := newService(t)
	body := mockBody(t, "evt_1", "payment.succeeded", 2900)

	outcome, err := svc.Process(context.Background(), "mock", body, webhook.MockSignature(mockSecret, body))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeProcessed, outcome)

	got := rec.all()
	require.Len(t, got, 1)
	require.Equal(t, events.TypePaymentSucceeded, got[0].Type)
	require.Equal(t, "mock", got[0].Provider)
	require.Equal(t, "pi_mock_abc", got[0].ReferenceID)
	require.Equal(t, "USD", got[0].Currency)
	require.True(t, got[0].Amount.Equal(decimal.RequireFromString("29.00")))
	require.Equal(t, "inv-1", got[0].Meta("invoice_id"))
}

func TestProcessDuplicateDeliveryDispatchesOnce(t *testing.T) {
	svc, rec := newService(t)
	body := mockBody(t, "evt_dup", "payment.succeeded", 500)
	sig := webhook.MockSignature(mockSecret, body)

	first, err := svc.Process(context.Background(), "mock", body, sig)
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeProcessed, first)

	second, err := svc.Process(context.Background(), "mock", body, sig)
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeDuplicate, second)
	require.Len(t, rec.all(), 1)
}

func TestProcessRejectsBadSignatureBeforeParsing(t *testing.T) {
	svc, rec := newService(t)
	body := []byte("not json at all")

	_, err := svc.Process(context.Background(), "mock", body, "deadbeef")
	var sigErr *webhook.InvalidSignatureError
	require.ErrorAs(t, err, &sigErr)
	require.Equal(t, "mock", sigErr.Provider)
	require.Empty(t, rec.all())
}

func TestProcessUnknownTypeIsIgnored(t *testing.T) {
	svc, rec := newService(t)
	body := mockBody(t, "evt_2", "customer.updated", 0)

	outcome, err := svc.Process(context.Background(), "mock", body, webhook.MockSignature(mockSecret, body))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeIgnored, outcome)
	require.Empty(t, rec.all())
}

func TestProcessMalformedVerifiedPayloadIsIgnored(t *testing.T) {
	svc, _ := newService(t)
	body := []byte(`{"type":"payment.succeeded"}`)

	outcome, err := svc.Process(context.Background(), "mock", body, webhook.MockSignature(mockSecret, body))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeIgnored, outcome)
}

func TestProcessUnknownProvider(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Process(context.Background(), "paypal", []byte(`{}`), "")
	require.ErrorIs(t, err, webhook.ErrUnknownProvider)
}

func TestProcessHandlerFailureAllowsRedelivery(t *testing.T) {
	svc, rec := newService(t)
	rec.fail = errors.New("database down")
	body := mockBody(t, "evt_retry", "payment.succeeded", 100)
	sig := webhook.MockSignature(mockSecret, body)

	_, err := svc.Process(context.Background(), "mock", body, sig)
	require.Error(t, err)

	rec.mu.Lock()
	rec.fail = nil
	rec.mu.Unlock()

	outcome, err := svc.Process(context.Background(), "mock", body, sig)
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeProcessed, outcome)
	require.Len(t, rec.all(), 1)
}

func TestStripeNormalizer(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1Stripe",
		"object": "event",
		"type": "payment_intent.succeeded",
		"created": 1760000000,
		"data": {"object": {
			"id": "pi_123",
			"object": "payment_intent",
			"amount": 2900,
			"amount_received": 2900,
			"currency": "usd",
			"metadata": {"invoice_id": "inv-9"}
		}}
	}`)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    stripeSecret,
		Timestamp: time.Now(),
	})

	n := webhook.StripeNormalizer{}
	require.True(t, n.VerifySignature(payload, signed.Header, stripeSecret))
	require.False(t, n.VerifySignature(payload, signed.Header, "whsec_other"))
	require.False(t, n.VerifySignature(append(payload, ' '), signed.Header, stripeSecret))

	evt, err := n.Parse(payload)
	require.NoError(t, err)
	require.Equal(t, webhook.KindPaymentSucceeded, evt.Kind)
	require.Equal(t, "evt_1Stripe", evt.EventID)
	require.Equal(t, "pi_123", evt.ReferenceID)
	require.Equal(t, "USD", evt.Currency)
	require.True(t, evt.Amount.Equal(decimal.RequireFromString("29.00")))
	require.Equal(t, "inv-9", evt.Metadata["invoice_id"])
	require.Equal(t, time.Unix(1760000000, 0).UTC(), evt.OccurredAt)
}

func TestStripeNormalizerZeroDecimalAndRefund(t *testing.T) {
	payload := []byte(`{
		"id": "evt_refund",
		"object": "event",
		"type": "charge.refunded",
		"created": 1760000000,
		"data": {"object": {
			"id": "ch_1",
			"object": "charge",
			"amount": 5000,
			"amount_refunded": 5000,
			"refunded": true,
			"currency": "jpy",
			"payment_intent": "pi_jpy"
		}}
	}`)
	evt, err := webhook.StripeNormalizer{}.Parse(payload)
	require.NoError(t, err)
	require.Equal(t, webhook.KindRefundCreated, evt.Kind)
	require.Equal(t, "pi_jpy", evt.ReferenceID)
	require.True(t, evt.Amount.Equal(decimal.NewFromInt(5000)))
	require.Equal(t, events.RefundFull, evt.Metadata[events.MetaRefundScope])

	partial := []byte(`{"id":"evt_refund_2","object":"event","type":"charge.refunded","created":1760000000,
		"data":{"object":{"id":"ch_2","object":"charge","amount":2900,"amount_refunded":1000,"refunded":false,"currency":"usd","payment_intent":"pi_usd"}}}`)
	evt, err = webhook.StripeNormalizer{}.Parse(partial)
	require.NoError(t, err)
	require.True(t, evt.Amount.Equal(decimal.RequireFromString("10.00")))
	require.Equal(t, events.RefundPartial, evt.Metadata[events.MetaRefundScope])
}

func TestStripeNormalizerUnmappedType(t *testing.T) {
	evt, err := webhook.StripeNormalizer{}.Parse([]byte(`{"id":"evt_x","object":"event","type":"customer.created","created":1,"data":{"object":{}}}`))
	require.NoError(t, err)
	require.Equal(t, webhook.KindUnknown, evt.Kind)
}

func midtransBody(t *testing.T, status, fraud string, signed bool) []byte {
	t.Helper()
	body := map[string]any{
		"order_id":           "inv-42",
		"status_code":        "200",
		"gross_amount":       "150000.00",
		"transaction_id":     "tx-1",
		"transaction_status": status,
		"fraud_status":       fraud,
		"transaction_time":   "2025-10-01 10:00:00",
		"currency":           "IDR",
	}
	if signed {
		body["signature_key"] = webhook.MidtransSignature("inv-42", "200", "150000.00", midtransKey)
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func TestMidtransNormalizer(t *testing.T) {
	n := webhook.MidtransNormalizer{}
	body := midtransBody(t, "settlement", "", true)
	require.True(t, n.VerifySignature(body, "", midtransKey))
	require.False(t, n.VerifySignature(body, "", "other-key"))

	unsigned := midtransBody(t, "settlement", "", false)
	require.False(t, n.VerifySignature(unsigned, "", midtransKey))
	require.True(t, n.VerifySignature(unsigned, webhook.MidtransSignature("inv-42", "200", "150000.00", midtransKey), midtransKey))

	evt, err := n.Parse(body)
	require.NoError(t, err)
	require.Equal(t, webhook.KindPaymentSucceeded, evt.Kind)
	require.Equal(t, "tx-1:settlement", evt.EventID)
	require.Equal(t, "inv-42", evt.ReferenceID)
	require.Equal(t, "inv-42", evt.Metadata["invoice_id"])
	require.True(t, evt.Amount.Equal(decimal.NewFromInt(150000)))
	require.Equal(t, time.Date(2025, 10, 1, 3, 0, 0, 0, time.UTC), evt.OccurredAt)
}

func TestMidtransKinds(t *testing.T) {
	cases := []struct {
		status, fraud string
		want          webhook.Kind
	}{
		{"capture", "accept", webhook.KindPaymentSucceeded},
		{"capture", "challenge", webhook.KindUnknown},
		{"deny", "", webhook.KindPaymentFailed},
		{"expire", "", webhook.KindPaymentFailed},
		{"partial_refund", "", webhook.KindRefundCreated},
		{"pending", "", webhook.KindUnknown},
	}
	for _, tc := range cases {
		evt, err := webhook.MidtransNormalizer{}.Parse(midtransBody(t, tc.status, tc.fraud, true))
		require.NoError(t, err)
		require.Equal(t, tc.want, evt.Kind, tc.status+"/"+tc.fraud)
	}

	evt, err := webhook.MidtransNormalizer{}.Parse(midtransBody(t, "partial_refund", "", true))
	require.NoError(t, err)
	require.Equal(t, events.RefundPartial, evt.Metadata[events.MetaRefundScope])
	evt, err = webhook.MidtransNormalizer{}.Parse(midtransBody(t, "refund", "", true))
	require.NoError(t, err)
	require.Equal(t, events.RefundFull, evt.Metadata[events.MetaRefundScope])
}

func TestXenditNormalizer(t *testing.T) {
	body := []byte(`{"id":"inv_x1","external_id":"inv-7","status":"PAID","amount":29.5,"paid_amount":29.5,"currency":"usd","paid_at":"2025-10-01T10:00:00.000Z"}`)
	n := webhook.XenditNormalizer{}

	sig := webhook.MockSignature(xenditToken, body)
	require.True(t, n.VerifySignature(body, sig, xenditToken))
	require.False(t, n.VerifySignature(body, sig, "wrong"))
	require.False(t, n.VerifySignature(body, "", xenditToken))

	evt, err := n.Parse(body)
	require.NoError(t, err)
	require.Equal(t, webhook.KindPaymentSucceeded, evt.Kind)
	require.Equal(t, "inv_x1:PAID", evt.EventID)
	require.Equal(t, "inv_x1", evt.ReferenceID)
	require.Equal(t, "inv-7", evt.Metadata["invoice_id"])
	require.True(t, evt.Amount.Equal(decimal.RequireFromString("29.5")))

	expired, err := n.Parse([]byte(`{"id":"inv_x1","status":"EXPIRED","amount":10}`))
	require.NoError(t, err)
	require.Equal(t, webhook.KindPaymentFailed, expired.Kind)
}

func newRouter(svc *webhook.Service) http.Handler {
	r := chi.NewRouter()
	h := &webhook.Handler{Svc: svc, MaxBodyBytes: 4096}
	r.Post("/api/v1/webhooks/{provider}", h.Handle)
	return r
}

func TestHandlerStatusCodes(t *testing.T) {
	svc, _ := newService(t)
	router := newRouter(svc)
	body := mockBody(t, "evt_http", "payment.succeeded", 2900)

	send := func(provider string, payload []byte, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/"+provider, bytes.NewReader(payload))
		req.Header.Set("X-Mock-Signature", sig)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := send("mock", body, webhook.MockSignature(mockSecret, body))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"processed"}`, rr.Body.String())

	rr = send("mock", body, webhook.MockSignature(mockSecret, body))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"duplicate"}`, rr.Body.String())

	require.Equal(t, http.StatusUnauthorized, send("mock", body, "00").Code)
	require.Equal(t, http.StatusNotFound, send("paypal", body, "").Code)
	require.Equal(t, http.StatusRequestEntityTooLarge, send("mock", bytes.Repeat([]byte("a"), 5000), "").Code)
}

func TestHandlerDispatchFailureReturns500(t *testing.T) {
	svc, rec := newService(t)
	rec.fail = errors.New("boom")
	router := newRouter(svc)
	body := mockBody(t, "evt_500", "payment.failed", 100)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/mock", bytes.NewReader(body))
	req.Header.Set("X-Mock-Signature", webhook.MockSignature(mockSecret, body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}
