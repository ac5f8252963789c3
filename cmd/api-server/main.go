package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/api"
	"github.com/hackgods/telehealth-slot-engine/internal/bootstrap"
	"github.com/hackgods/telehealth-slot-engine/internal/config"
	"github.com/hackgods/telehealth-slot-engine/internal/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("dev", "error").Fatal("config load error", zap.Error(err))
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := bootstrap.Build(rootCtx, cfg, nil, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("error closing engine", zap.Error(err))
		}
	}()

	routerCfg := api.RouterConfig{
		Bookings:           engine.Bookings,
		Orders:             engine.Orders,
		Payments:           engine.Reconciler,
		Webhook:            engine.Webhook,
		Postgres:           engine.Pool,
		Metrics:            engine.Metrics,
		Logger:             logger.Named("http"),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		SupportContact:     cfg.SupportContact,
		Env:                cfg.Env,
		Version:            version,
	}
	if engine.Redis != nil {
		routerCfg.Redis = api.RedisPinger{Client: engine.Redis}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
		// Verification polls the provider for up to VERIFY_MAX_ATTEMPTS * VERIFY_INTERVAL.
		WriteTimeout: time.Duration(cfg.VerifyMaxAttempts)*(cfg.VerifyInterval+cfg.PaymentCallTimeout) + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutting down api-server", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
