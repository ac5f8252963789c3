package reminder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/logging"
	"github.com/hackgods/telehealth-slot-engine/internal/metrics"
)

// Sender hands a due reminder to the notification collaborator.
type Sender interface {
	AppointmentReminder(ctx context.Context, j Job) error
}

type Dispatcher struct {
	store   Store
	sender  Sender
	batch   int
	metrics *metrics.EngineMetrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewDispatcher(store Store, sender Sender, m *metrics.EngineMetrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		sender:  sender,
		batch:   50,
		metrics: m,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// DispatchDue delivers every reminder whose fire time has come. Jobs whose
// consultation already started are dropped instead of sent late.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	now := d.now()
	jobs, err := d.store.ClaimDue(ctx, now, d.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, j := range jobs {
		if !j.StartsAt.After(now) {
			d.metrics.ObserveReminder("expired")
			d.logger.Info("reminder expired before dispatch", zap.String("appointment_id", j.AppointmentID.String()))
			continue
		}

		if err := d.sender.AppointmentReminder(ctx, j); err != nil {
			d.metrics.ObserveReminder("send_failed")
			d.logger.Warn("send reminder", zap.String("appointment_id", j.AppointmentID.String()), zap.Error(err))
			if uerr := d.store.Unclaim(ctx, j.ID); uerr != nil {
				d.logger.Error("unclaim reminder", zap.String("job_id", j.ID.String()), zap.Error(uerr))
			}
			continue
		}

		sent++
		d.metrics.ObserveReminder("sent")
	}
	return sent, nil
}
