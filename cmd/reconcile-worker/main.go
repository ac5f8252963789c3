package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/bootstrap"
	"github.com/hackgods/telehealth-slot-engine/internal/config"
	"github.com/hackgods/telehealth-slot-engine/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("dev", "error").Fatal("config load error", zap.Error(err))
	}

	logger := logging.New(cfg.Env, cfg.LogLevel).Named("reconcile-worker")
	defer func() { _ = logger.Sync() }()

	logger.Info("reconcile worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
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

	// Run once at startup
	runOnce(rootCtx, engine, cfg.StaleHoldAge, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping reconcile worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, engine, cfg.StaleHoldAge, logger)
		}
	}
}

// runOnce frees orphaned slot placeholders, sweeps unreconciled payment
// orders and then sends due reminders.
// A failure in one step does not skip the rest.
func runOnce(ctx context.Context, engine *bootstrap.Engine, staleHoldAge time.Duration, logger *zap.Logger) {
	start := time.Now()

	holdCtx, cancelHold := context.WithTimeout(ctx, 10*time.Second)
	if _, err := engine.Bookings.ReleaseStaleHolds(holdCtx, staleHoldAge); err != nil {
		logger.Error("stale hold release error", zap.Error(err))
	}
	cancelHold()

	sweepCtx, cancelSweep := context.WithTimeout(ctx, 45*time.Second)
	stats, err := engine.Sweeper.Sweep(sweepCtx)
	cancelSweep()
	if err != nil {
		logger.Error("sweep run error", zap.Error(err))
	} else {
		logger.Info("sweep run complete",
			zap.Int("scanned", stats.Scanned),
			zap.Int("reconciled", stats.Reconciled),
			zap.Int("pending", stats.Pending),
			zap.Int("failed", stats.Failed),
			zap.Int("dropped", stats.Dropped),
			zap.Int("escalated", stats.Escalated),
		)
	}

	remindCtx, cancelRemind := context.WithTimeout(ctx, 15*time.Second)
	sent, err := engine.Dispatcher.DispatchDue(remindCtx)
	cancelRemind()
	if err != nil {
		logger.Error("reminder dispatch error", zap.Error(err))
	} else if sent > 0 {
		logger.Info("reminders dispatched", zap.Int("sent", sent))
	}

	logger.Debug("worker run complete", zap.Duration("took", time.Since(start)))
}
