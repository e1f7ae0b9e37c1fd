package payment_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/common"
	"github.com/noah-isme/backend-billing/internal/events"
	"github.com/noah-isme/backend-billing/internal/featurestate"
	"github.com/noah-isme/backend-billing/internal/lock"
	"github.com/noah-isme/backend-billing/internal/payment"
)

type serviceFixture struct {
	svc      *payment.Service
	mock     *payment.MockClient
	store    *billing.MemoryStore
	features *featurestate.MemoryStore
	seen     []events.Event
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		mock:     payment.NewMockClient(),
		store:    billing.NewMemoryStore(),
		features: featurestate.NewMemoryStore(),
	}
	reg := payment.NewRegistry()
	require.NoError(t, reg.Register("mock", newAdapter(t, f.mock, true)))
	dispatcher := events.NewDispatcher(events.WithProcessedStore(events.NewMemoryProcessedStore()))
	dispatcher.Subscribe(events.Func("record", func(_ context.Context, ev events.Event) error {
		f.seen = append(f.seen, ev)
		return nil
	}))
	f.svc = &payment.Service{
		Registry:        reg,
		Invoices:        f.store,
		Gate:            featurestate.ProviderGate{Store: f.features},
		Events:          dispatcher,
		DefaultProvider: "mock",
	}
	return f
}

func (f *serviceFixture) invoice(t *testing.T, userID string) billing.Invoice {
	t.Helper()
	inv := billing.NewInvoice(userID, "USD", time.Now())
	require.NoError(t, inv.AddLine(billing.LineSubscription, "Pro", "plan_pro", nil, decimal.RequireFromString("29.00")))
	require.NoError(t, f.store.CreateInvoice(context.Background(), inv))
	return *inv
}

func TestPayInvoiceIsIdempotentPerInvoice(t *testing.T) {
	f := newServiceFixture(t)
	inv := f.invoice(t, "user-1")
	ctx := context.Background()

	first, stored, err := f.svc.PayInvoice(ctx, inv.ID, "")
	require.NoError(t, err)
	require.Equal(t, "mock", stored.Provider)
	require.Equal(t, first.ReferenceID, stored.PaymentReference)

	second, _, err := f.svc.PayInvoice(ctx, inv.ID, "MOCK")
	require.NoError(t, err)
	require.Equal(t, first.ReferenceID, second.ReferenceID)
	require.Equal(t, 1, f.mock.Calls(payment.KindCreateIntent))
	require.Equal(t, []string{"invoice:" + inv.ID.String() + ":intent"}, f.mock.IdempotencyKeys())

	loaded, err := f.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, first.ReferenceID, loaded.PaymentReference)
}

func TestPayInvoiceSerialisesConcurrentCalls(t *testing.T) {
	f := newServiceFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f.svc.Locks = lock.Locker{R: client, TTL: 5 * time.Second, RetryBackoff: 5 * time.Millisecond}

	inv := f.invoice(t, "user-1")
	refs := make(chan string, 5)
	errs := make(chan error, 5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, err := f.svc.PayInvoice(context.Background(), inv.ID, "mock")
			if err != nil {
				errs <- err
				return
			}
			refs <- res.ReferenceID
		}()
	}
	wg.Wait()
	close(refs)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := map[string]bool{}
	for ref := range refs {
		seen[ref] = true
	}
	require.Len(t, seen, 1)
	require.Equal(t, 1, f.mock.Calls(payment.KindCreateIntent))
}

func TestPayInvoiceRespectsProviderGate(t *testing.T) {
	f := newServiceFixture(t)
	inv := f.invoice(t, "user-1")
	_, err := f.features.Put(context.Background(), featurestate.Record{Name: "payment.provider.mock", Status: featurestate.StatusDisabled})
	require.NoError(t, err)

	_, _, err = f.svc.PayInvoice(context.Background(), inv.ID, "mock")
	require.ErrorIs(t, err, payment.ErrProviderDisabled)
	require.Equal(t, http.StatusConflict, payment.ErrorResponse(err).HTTPStatus)
	require.Equal(t, 0, f.mock.Calls(payment.KindCreateIntent))
}

func TestPayInvoiceUnknownProvider(t *testing.T) {
	f := newServiceFixture(t)
	inv := f.invoice(t, "user-1")
	_, _, err := f.svc.PayInvoice(context.Background(), inv.ID, "paypal")
	app := payment.ErrorResponse(err)
	require.Equal(t, http.StatusNotFound, app.HTTPStatus)
	require.Equal(t, "PROVIDER_NOT_FOUND", app.Code)
}

func TestCaptureDispatchesSucceededEvent(t *testing.T) {
	f := newServiceFixture(t)
	inv := f.invoice(t, "user-1")
	ctx := context.Background()
	_, _, err := f.svc.PayInvoice(ctx, inv.ID, "mock")
	require.NoError(t, err)

	res, err := f.svc.Capture(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusSucceeded, res.Status)
	require.Len(t, f.seen, 1)
	require.Equal(t, events.TypePaymentSucceeded, f.seen[0].Type)
	require.Equal(t, inv.ID.String(), f.seen[0].Meta("invoice_id"))

	// refund requires a paid invoice
	_, err = f.svc.Refund(ctx, inv.ID, nil)
	require.ErrorIs(t, err, billing.ErrInvalidTransition)

	changed, err := f.store.TransitionInvoice(ctx, inv.ID, billing.InvoicePending, billing.InvoicePaid)
	require.NoError(t, err)
	require.True(t, changed)

	tooMuch := decimal.NewFromInt(100)
	_, err = f.svc.Refund(ctx, inv.ID, &tooMuch)
	require.ErrorIs(t, err, payment.ErrPartialRefund)

	res, err = f.svc.Refund(ctx, inv.ID, nil)
	require.NoError(t, err)
	require.Equal(t, payment.StatusRefunded, res.Status)
	require.Len(t, f.seen, 2)
	require.Equal(t, events.TypeRefundCreated, f.seen[1].Type)
	require.Equal(t, events.RefundFull, f.seen[1].Meta(events.MetaRefundScope))
}

func TestRefundRejectsPartialAmounts(t *testing.T) {
	f := newServiceFixture(t)
	inv := f.invoice(t, "user-1")
	ctx := context.Background()
	_, _, err := f.svc.PayInvoice(ctx, inv.ID, "mock")
	require.NoError(t, err)
	_, err = f.svc.Capture(ctx, inv.ID)
	require.NoError(t, err)
	_, err = f.store.TransitionInvoice(ctx, inv.ID, billing.InvoicePending, billing.InvoicePaid)
	require.NoError(t, err)

	half := decimal.RequireFromString("14.50")
	_, err = f.svc.Refund(ctx, inv.ID, &half)
	require.ErrorIs(t, err, payment.ErrPartialRefund)
	app := payment.ErrorResponse(err)
	require.Equal(t, http.StatusUnprocessableEntity, app.HTTPStatus)
	require.Equal(t, "PARTIAL_REFUND_UNSUPPORTED", app.Code)
	require.Zero(t, f.mock.Calls(payment.KindRefund))

	full := decimal.RequireFromString("29.00")
	res, err := f.svc.Refund(ctx, inv.ID, &full)
	require.NoError(t, err)
	require.Equal(t, payment.StatusRefunded, res.Status)
	require.Contains(t, f.mock.IdempotencyKeys(), "invoice:"+inv.ID.String()+":refund")
}

type unavailableInvoices struct {
	*billing.MemoryStore
}

func (unavailableInvoices) GetInvoice(context.Context, uuid.UUID) (billing.Invoice, error) {
	return billing.Invoice{}, errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

func TestPayHandlerStoreFailureIsServerError(t *testing.T) {
	f := newServiceFixture(t)
	inv := f.invoice(t, "user-1")
	f.svc.Invoices = unavailableInvoices{f.store}
	h := &payment.Handler{Svc: f.svc}
	r := chi.NewRouter()
	r.Post("/invoices/{id}/pay", h.Pay)

	req := httptest.NewRequest(http.MethodPost, "/invoices/"+inv.ID.String()+"/pay", nil)
	req = req.WithContext(common.WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"INTERNAL"`)
	require.Zero(t, f.mock.Calls(payment.KindCreateIntent))
}

func TestPayHandlerScopesInvoiceToUser(t *testing.T) {
	f := newServiceFixture(t)
	inv := f.invoice(t, "user-1")
	h := &payment.Handler{Svc: f.svc}
	r := chi.NewRouter()
	r.Post("/invoices/{id}/pay", h.Pay)

	req := httptest.NewRequest(http.MethodPost, "/invoices/"+inv.ID.String()+"/pay", strings.NewReader(`{"provider":"mock"}`))
	req = req.WithContext(common.WithUserID(req.Context(), "user-2"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/invoices/"+inv.ID.String()+"/pay", strings.NewReader(`{"provider":"mock"}`))
	req = req.WithContext(common.WithUserID(req.Context(), "user-1"))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"provider":"mock"`)
	require.Contains(t, rec.Body.String(), `"referenceId":"pi_mock_`)
}

func TestErrorResponseMapping(t *testing.T) {
	require.Equal(t, http.StatusPaymentRequired, payment.ErrorResponse(permanent()).HTTPStatus)
	require.Equal(t, http.StatusServiceUnavailable, payment.ErrorResponse(transient()).HTTPStatus)
	require.Equal(t, http.StatusServiceUnavailable, payment.ErrorResponse(&payment.RetryExhaustedError{Attempts: 3, Err: context.DeadlineExceeded}).HTTPStatus)
	require.Equal(t, http.StatusGatewayTimeout, payment.ErrorResponse(context.DeadlineExceeded).HTTPStatus)
	require.Equal(t, http.StatusNotFound, payment.ErrorResponse(billing.ErrNotFound).HTTPStatus)
}
