// Package bootstrap wires the engine's components from configuration. The
// API server, the reconcile worker and the seeder share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/appointment"
	"github.com/hackgods/telehealth-slot-engine/internal/config"
	"github.com/hackgods/telehealth-slot-engine/internal/db"
	"github.com/hackgods/telehealth-slot-engine/internal/logging"
	"github.com/hackgods/telehealth-slot-engine/internal/metrics"
	"github.com/hackgods/telehealth-slot-engine/internal/notify"
	"github.com/hackgods/telehealth-slot-engine/internal/payment"
	redisclient "github.com/hackgods/telehealth-slot-engine/internal/redis"
	"github.com/hackgods/telehealth-slot-engine/internal/reminder"
	"github.com/hackgods/telehealth-slot-engine/internal/retry"
	"github.com/hackgods/telehealth-slot-engine/internal/slots"
)

// Engine holds every wired component. Redis is nil when it was unreachable
// at startup; verification then runs without the per-order lock.
type Engine struct {
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Metrics    *metrics.EngineMetrics
	Calculator *slots.Calculator
	Bookings   *appointment.Service
	Orders     *payment.OrderManager
	Reconciler *payment.Reconciler
	Sweeper    *payment.Sweeper
	Dispatcher *reminder.Dispatcher
	Notifier   *notify.Notifier
	Webhook    payment.WebhookVerifier

	closers []func() error
}

// Build connects to Postgres, Redis and the broker and wires the engine.
// reg receives the engine's collectors; nil means the default registry.
func Build(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger *zap.Logger) (*Engine, error) {
	logger = logging.OrNop(logger)
	e := &Engine{}

	pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: postgres: %w", err)
	}
	e.Pool = pool
	e.closers = append(e.closers, func() error { pool.Close(); return nil })
	logger.Info("connected to postgres")

	var locker payment.OrderLocker
	rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Warn("redis unavailable; verifying without order lock", zap.Error(err))
	} else {
		e.Redis = rdb
		e.closers = append(e.closers, rdb.Close)
		locker = redisclient.NewOrderLocker(rdb, cfg.OrderLockTTL)
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	var pub notify.Publisher = notify.NewLogPublisher(logger)
	if cfg.RabbitMQURL != "" {
		rp, err := notify.NewRabbitPublisher(cfg.RabbitMQURL, cfg.NotifyExchange)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("bootstrap: rabbitmq: %w", err)
		}
		pub = rp
		e.closers = append(e.closers, rp.Close)
		logger.Info("publishing notifications to rabbitmq", zap.String("exchange", cfg.NotifyExchange))
	} else {
		logger.Info("RABBITMQ_URL not set; notifications are logged only")
	}
	e.Notifier = notify.NewNotifier(pub, cfg.SupportContact)

	loc, err := time.LoadLocation(cfg.DoctorTimezone)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("bootstrap: doctor timezone: %w", err)
	}
	e.Calculator = slots.NewCalculator(loc)
	e.Metrics = metrics.NewEngineMetrics(reg)

	reminderStore := reminder.NewPgStore(pool)
	scheduler := reminder.NewScheduler(reminderStore, e.Calculator, cfg.ReminderLead, e.Metrics, logger.Named("reminder"))
	e.Dispatcher = reminder.NewDispatcher(reminderStore, e.Notifier, e.Metrics, logger.Named("reminder"))

	e.Bookings = appointment.NewService(
		appointment.NewPgRepository(pool),
		e.Calculator,
		appointment.Settings{
			Doctor:         appointment.Doctor{ID: cfg.DoctorID, Name: cfg.DoctorName},
			MeetingBaseURL: cfg.MeetingBaseURL,
		},
		appointment.Options{
			Reminders: scheduler,
			Notifier:  e.Notifier,
			Metrics:   e.Metrics,
			Logger:    logger.Named("booking"),
		},
	)

	gateway, err := payment.NewClient(payment.Config{
		BaseURL:      cfg.PaymentAPIURL,
		ClientID:     cfg.PaymentClientID,
		ClientSecret: cfg.PaymentClientSecret,
		Timeout:      cfg.PaymentCallTimeout,
		Logger:       logger.Named("gateway"),
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("bootstrap: payment gateway: %w", err)
	}

	orders := payment.NewPgStore(pool)
	e.Orders = payment.NewOrderManager(orders, gateway, e.Bookings, payment.ManagerConfig{
		ReturnURL:   cfg.PaymentReturnURL,
		ReuseWindow: 15 * time.Minute,
	}, logger.Named("orders"))

	e.Reconciler = payment.NewReconciler(orders, gateway, e.Bookings, locker, e.Notifier,
		payment.ReconcilerConfig{
			Retry:       retry.Config{MaxAttempts: cfg.VerifyMaxAttempts, Interval: cfg.VerifyInterval},
			CallTimeout: cfg.PaymentCallTimeout,
		},
		e.Metrics, logger.Named("reconciler"))
	e.Sweeper = payment.NewSweeper(orders, e.Reconciler, cfg.OrderAbandonAfter, logger.Named("sweeper"))
	e.Webhook = payment.WebhookVerifier{Secret: cfg.PaymentWebhookSecret, MaxSkew: 5 * time.Minute}

	return e, nil
}

// Close releases connections in reverse order of acquisition.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
