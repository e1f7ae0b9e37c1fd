package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/backend-billing/internal/app"
	"github.com/noah-isme/backend-billing/internal/audit"
	"github.com/noah-isme/backend-billing/internal/auth"
	"github.com/noah-isme/backend-billing/internal/billing"
	"github.com/noah-isme/backend-billing/internal/cache"
	"github.com/noah-isme/backend-billing/internal/catalog"
	"github.com/noah-isme/backend-billing/internal/checkout"
	"github.com/noah-isme/backend-billing/internal/common"
	"github.com/noah-isme/backend-billing/internal/config"
	"github.com/noah-isme/backend-billing/internal/featurestate"
	"github.com/noah-isme/backend-billing/internal/health"
	"github.com/noah-isme/backend-billing/internal/obs"
	"github.com/noah-isme/backend-billing/internal/payment"
	"github.com/noah-isme/backend-billing/internal/ratelimit"
	"github.com/noah-isme/backend-billing/internal/security"
	"github.com/noah-isme/backend-billing/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "billing")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "billing-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	deps, err := app.New(startCtx, cfg, logger, "billing-api", metricsEnabled)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	authMiddleware := auth.Middleware{Verifier: verifier}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}

	catalogService, err := catalog.NewService(
		catalog.NewPostgresRepository(deps.DB),
		cache.New(deps.Redis, cfg.CatalogCacheTTL),
		obs.Component(logger, "catalog"),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise catalog service")
	}
	catalogHandler := &catalog.Handler{Service: catalogService}

	checkoutHandler := &checkout.Handler{Svc: &checkout.Service{
		Catalog:    catalogService,
		Store:      deps.Billing,
		Events:     deps.Events,
		TaxRateBPS: cfg.CheckoutTaxRateBPS,
		Logger:     obs.Component(logger, "checkout"),
	}}
	billingHandler := &billing.Handler{Store: deps.Billing}

	paymentHandler := &payment.Handler{Svc: &payment.Service{
		Registry:        deps.Payments,
		Invoices:        deps.Billing,
		Gate:            featurestate.ProviderGate{Store: deps.Features},
		Events:          deps.Events,
		Locks:           deps.Locks,
		LockTTL:         cfg.LockTTL,
		DefaultProvider: cfg.Payment.DefaultProvider,
		Logger:          obs.Component(logger, "payment"),
	}}
	featureHandler := &featurestate.Handler{Store: deps.Features}
	auditRecorder := audit.HTTPRecorder{
		Store:   audit.NewPostgresStore(deps.DB),
		OnError: func(err error) { logger.Error().Err(err).Msg("audit_record_failed") },
	}

	webhookRegistry := app.NewWebhookRegistry(cfg)
	webhookHandler := &webhook.Handler{
		Svc: &webhook.Service{
			Registry: webhookRegistry,
			Events:   deps.Events,
			Logger:   obs.Component(logger, "webhook"),
		},
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
	logger.Info().
		Strs("payment_providers", deps.Payments.Names()).
		Strs("webhook_providers", webhookRegistry.Providers()).
		Str("default_provider", cfg.Payment.DefaultProvider).
		Msg("providers registered")

	limiterStore, err := ratelimit.NewRedisStore(deps.Redis, "ratelimit")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter store")
	}
	checkoutLimit := mustLimiter(limiterStore, cfg.RateLimitCheckout)
	webhookLimit := mustLimiter(limiterStore, cfg.RateLimitWebhook)
	onLimiterError := func(err error) { logger.Warn().Err(err).Msg("rate_limiter_unavailable") }

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      health.Pinger{DB: deps.DB, Redis: deps.Redis},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.BodyLimit{Max: cfg.MaxBodyBytes}.Middleware)

		v.Get("/catalog", catalogHandler.List)
		v.Get("/catalog/{id}", catalogHandler.Get)

		// Providers authenticate webhooks by signature, not bearer token.
		v.With(ratelimit.Handler{
			Limiter: webhookLimit,
			Scope:   "webhook",
			Key:     func(r *http.Request) string { return chi.URLParam(r, "provider") + ":" + common.ClientIP(r) },
			OnError: onLimiterError,
		}.Middleware).Post("/webhooks/{provider}", webhookHandler.Handle)

		v.Group(func(authR chi.Router) {
			authR.Use(authMiddleware.RequireAuth)

			authR.With(
				ratelimit.Handler{Limiter: checkoutLimit, Scope: "checkout", OnError: onLimiterError}.Middleware,
				idem.Middleware,
			).Post("/checkout", checkoutHandler.Checkout)

			authR.Get("/invoices/{id}", billingHandler.GetInvoice)
			authR.With(idem.Middleware).Post("/invoices/{id}/pay", paymentHandler.Pay)

			authR.Route("/admin", func(admin chi.Router) {
				admin.Use(authMiddleware.RequireRole(auth.RoleAdmin))
				admin.With(
					auditRecorder.Middleware(audit.HTTPConfig{Action: "invoice.capture", ResourceType: "invoice", ResourceIDParam: "id"}),
					idem.Middleware,
				).Post("/invoices/{id}/capture", paymentHandler.Capture)
				admin.With(
					auditRecorder.Middleware(audit.HTTPConfig{Action: "invoice.refund", ResourceType: "invoice", ResourceIDParam: "id"}),
					idem.Middleware,
				).Post("/invoices/{id}/refund", paymentHandler.Refund)
				admin.Get("/features", featureHandler.List)
				admin.Get("/features/{name}", featureHandler.Get)
				admin.With(
					auditRecorder.Middleware(audit.HTTPConfig{Action: "feature.put", ResourceType: "feature", ResourceIDParam: "name"}),
				).Put("/features/{name}", featureHandler.Put)
			})
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	health.SetReady(false)
	logger.Info().Msg("shutting down")
	ctx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
}

func mustLimiter(store limiter.Store, rate string) *limiter.Limiter {
	lim, err := ratelimit.New(store, rate)
	if err != nil {
		panic(err)
	}
	return lim
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
