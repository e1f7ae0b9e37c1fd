package obs

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type routePatternKey struct{}

type invoiceIDKey struct{}

// WithRoutePattern stores the matched router pattern on the context.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext extracts the route pattern from context if present.
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(routePatternKey{}).(string)
	return v
}

// WithInvoiceID tags ctx with the invoice being worked on. Database spans
// started under ctx carry it as billing.invoice_id, and the active span
// receives it too.
func WithInvoiceID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	trace.SpanFromContext(ctx).SetAttributes(AttrInvoiceID.String(id))
	return context.WithValue(ctx, invoiceIDKey{}, id)
}

// InvoiceIDFromContext returns the invoice id set by WithInvoiceID.
func InvoiceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(invoiceIDKey{}).(string)
	return v
}

// StatusRecorder wraps ResponseWriter to capture status code and bytes written.
type StatusRecorder struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

// NewStatusRecorder constructs a status recorder with default 200 status.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *StatusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *StatusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.bytesWritten += int64(n)
	return n, err
}

func (sr *StatusRecorder) Status() int { return sr.status }

func (sr *StatusRecorder) BytesWritten() int64 { return sr.bytesWritten }

// routeOf resolves the chi pattern for r once routing has run. Unmatched
// requests collapse to fallback so raw paths never become metric labels.
func routeOf(r *http.Request, fallback string) string {
	if route := RoutePatternFromContext(r.Context()); route != "" {
		return route
	}
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if route := rc.RoutePattern(); route != "" {
			return route
		}
	}
	return fallback
}

// HTTPObs instruments HTTP handlers with metrics.
type HTTPObs struct {
	Metrics *HTTPMetrics
}

// Middleware records request count, latency and in-flight gauge per route.
func (o HTTPObs) Middleware(next http.Handler) http.Handler {
	if o.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := NewStatusRecorder(w)
		o.Metrics.InFlight.Inc()
		start := time.Now()
		defer func() {
			o.Metrics.InFlight.Dec()
			route := routeOf(r, "unknown")
			o.Metrics.ReqTotal.WithLabelValues(r.Method, route, strconv.Itoa(recorder.Status())).Inc()
			o.Metrics.ReqDur.WithLabelValues(r.Method, route).Observe(DurationMillis(time.Since(start)))
		}()
		next.ServeHTTP(recorder, r)
	})
}

// RoutePatternMiddleware injects the matched route pattern into request context.
func RoutePatternMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if rc := chi.RouteContext(ctx); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				ctx = WithRoutePattern(ctx, pattern)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TracingMiddleware starts a server span per request on the global provider.
func TracingMiddleware(next http.Handler) http.Handler {
	return TracingMiddlewareFor(otel.GetTracerProvider())(next)
}

// TracingMiddlewareFor starts a server span per request. Once routing has
// run, the span is renamed to the route pattern and tagged with the payment
// provider and invoice id taken from the {provider} and {id} URL parameters.
func TracingMiddlewareFor(tp trace.TracerProvider) func(http.Handler) http.Handler {
	tracer := tp.Tracer("billing/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			recorder := NewStatusRecorder(w)
			next.ServeHTTP(recorder, r.WithContext(ctx))

			route := routeOf(r, r.URL.Path)
			span.SetName(r.Method + " " + route)
			attrs := []attribute.KeyValue{
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", recorder.Status()),
			}
			if reqID := middleware.GetReqID(r.Context()); reqID != "" {
				attrs = append(attrs, attribute.String("http.request_id", reqID))
			}
			attrs = append(attrs, routeParamAttributes(r, route)...)
			span.SetAttributes(attrs...)
			if recorder.Status() >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(recorder.Status()))
			}
		})
	}
}

func routeParamAttributes(r *http.Request, route string) []attribute.KeyValue {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return nil
	}
	var attrs []attribute.KeyValue
	if provider := strings.ToLower(strings.TrimSpace(rc.URLParam("provider"))); provider != "" {
		attrs = append(attrs, AttrPaymentProvider.String(provider))
	}
	if strings.Contains(route, "/invoices/{id}") {
		if id := strings.TrimSpace(rc.URLParam("id")); id != "" {
			attrs = append(attrs, AttrInvoiceID.String(id))
		}
	}
	return attrs
}
