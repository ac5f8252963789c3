package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/logging"
	"github.com/hackgods/telehealth-slot-engine/internal/metrics"
	"github.com/hackgods/telehealth-slot-engine/internal/payment"
)

type RouterConfig struct {
	Bookings BookingService
	Orders   OrderService
	Payments PaymentVerifier
	Webhook  payment.WebhookVerifier

	Postgres Pinger
	Redis    Pinger

	Metrics  *metrics.EngineMetrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger

	// RateLimitPerMinute caps booking, payment and webhook calls per client IP.
	// Zero disables limiting.
	RateLimitPerMinute int
	SupportContact     string
	Env                string
	Version            string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := logging.OrNop(cfg.Logger)
	h := &Handler{
		bookings:       cfg.Bookings,
		orders:         cfg.Orders,
		payments:       cfg.Payments,
		webhook:        cfg.Webhook,
		metrics:        cfg.Metrics,
		logger:         logger,
		supportContact: cfg.SupportContact,
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))

	limit := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimitPerMinute > 0 {
		limit = httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute)
	}

	// Health endpoints
	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/availability", h.availabilityHandler)

	// Provider callback; authenticated by signature, not by caller headers.
	r.With(limit).Post("/payments/webhook", h.webhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware)

		r.Get("/appointments", h.listAppointmentsHandler)
		r.Get("/appointments/{id}", h.getAppointmentHandler)

		r.Group(func(r chi.Router) {
			r.Use(limit)
			r.Post("/appointments", h.createAppointmentHandler)
			r.Post("/payments/orders", h.createOrderHandler)
			r.Post("/payments/orders/{id}/verify", h.verifyOrderHandler)
		})
	})

	return r
}
