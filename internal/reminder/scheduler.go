// Package reminder schedules the one-shot "your consultation starts soon"
// notification and dispatches it when due.
package reminder

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/appointment"
	"github.com/hackgods/telehealth-slot-engine/internal/logging"
	"github.com/hackgods/telehealth-slot-engine/internal/metrics"
	"github.com/hackgods/telehealth-slot-engine/internal/slots"
)

type Scheduler struct {
	store   Store
	calc    *slots.Calculator
	lead    time.Duration
	metrics *metrics.EngineMetrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewScheduler(store Store, calc *slots.Calculator, lead time.Duration, m *metrics.EngineMetrics, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		calc:    calc,
		lead:    lead,
		metrics: m,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// Schedule queues the reminder for a confirmed appointment. A fire time
// already in the past is skipped, and a second call for the same
// appointment is a no-op.
func (s *Scheduler) Schedule(ctx context.Context, a *appointment.Appointment) error {
	start, err := s.calc.StartOf(a.Date, a.TimeSlot)
	if err != nil {
		return fmt.Errorf("reminder start time: %w", err)
	}
	fireAt := start.Add(-s.lead)

	if !fireAt.After(s.now()) {
		s.metrics.ObserveReminder("skipped")
		s.logger.Info("reminder skipped, fire time already passed",
			zap.String("appointment_id", a.ID.String()),
			zap.Time("fire_at", fireAt),
		)
		return nil
	}

	created, err := s.store.Insert(ctx, Job{
		AppointmentID: a.ID,
		FireAt:        fireAt,
		StartsAt:      start,
		PatientName:   a.Patient.Name,
		PatientEmail:  a.Patient.Email,
		MeetingLink:   a.MeetingLink,
	})
	if err != nil {
		return err
	}
	if !created {
		s.metrics.ObserveReminder("duplicate")
		s.logger.Debug("reminder already scheduled", zap.String("appointment_id", a.ID.String()))
		return nil
	}

	s.metrics.ObserveReminder("scheduled")
	s.logger.Info("reminder scheduled",
		zap.String("appointment_id", a.ID.String()),
		zap.Time("fire_at", fireAt),
	)
	return nil
}
