package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/logging"
	"github.com/hackgods/telehealth-slot-engine/internal/retry"
)

type SweepStats struct {
	Scanned    int
	Reconciled int
	Pending    int
	Failed     int
	Escalated  int
	Dropped    int
}

// Sweeper re-verifies orders whose client never came back after paying and
// drops checkouts that were abandoned.
type Sweeper struct {
	store        OrderStore
	reconciler   *Reconciler
	abandonAfter time.Duration
	batch        int
	logger       *zap.Logger
	now          func() time.Time
}

func NewSweeper(store OrderStore, reconciler *Reconciler, abandonAfter time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:        store,
		reconciler:   reconciler,
		abandonAfter: abandonAfter,
		batch:        100,
		logger:       logging.OrNop(logger),
		now:          time.Now,
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	orders, err := s.store.ListUnreconciled(ctx, s.batch)
	if err != nil {
		return stats, fmt.Errorf("list unreconciled orders: %w", err)
	}

	// One poll per order; the sweep itself is the retry loop.
	once := retry.Config{MaxAttempts: 1}

	for _, o := range orders {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Scanned++

		_, err := s.reconciler.Reconcile(ctx, o.Ref, once)
		switch {
		case err == nil:
			stats.Reconciled++
		case errors.Is(err, ErrPaymentPending):
			stats.Pending++
			if o.Status == OrderCreated && s.abandonAfter > 0 && s.now().Sub(o.CreatedAt) > s.abandonAfter {
				dropped, derr := s.store.MarkStatus(ctx, o.Ref, OrderDropped, OrderCreated)
				if derr != nil {
					s.logger.Warn("drop abandoned order", zap.String("order_ref", o.Ref), zap.Error(derr))
					continue
				}
				if dropped {
					stats.Dropped++
					s.logger.Info("dropped abandoned order", zap.String("order_ref", o.Ref), zap.Time("created_at", o.CreatedAt))
				}
			}
		case errors.Is(err, ErrPaymentFailed):
			stats.Failed++
		case errors.Is(err, ErrPaidButUnbooked):
			stats.Escalated++
		default:
			s.logger.Warn("sweep reconcile", zap.String("order_ref", o.Ref), zap.Error(err))
		}
	}

	return stats, nil
}
