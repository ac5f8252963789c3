package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/identity"
	"github.com/hackgods/telehealth-slot-engine/internal/logging"
	"github.com/hackgods/telehealth-slot-engine/internal/metrics"
	"github.com/hackgods/telehealth-slot-engine/internal/pricing"
	"github.com/hackgods/telehealth-slot-engine/internal/slots"
)

const (
	EventSlotReserved             = "SLOT_RESERVED"
	EventSlotReleased             = "SLOT_RELEASED"
	EventAppointmentConfirmed     = "APPOINTMENT_CONFIRMED"
	EventPriceAdjustmentRequired  = "PRICE_ADJUSTMENT_REQUIRED"
	EventReminderSchedulingFailed = "REMINDER_SCHEDULING_FAILED"
)

// finalizeTimeout bounds the work after a slot is reserved, which no longer
// follows the caller's context.
const finalizeTimeout = 5 * time.Second

var bookingTracer = otel.Tracer("telehealth.internal.appointment")

// ReminderScheduler is told about every confirmed appointment.
type ReminderScheduler interface {
	Schedule(ctx context.Context, a *Appointment) error
}

// ConfirmationNotifier queues the booking confirmation message.
type ConfirmationNotifier interface {
	BookingConfirmed(ctx context.Context, a *Appointment) error
}

type Settings struct {
	Doctor         Doctor
	MeetingBaseURL string
}

type Options struct {
	Reminders ReminderScheduler
	Notifier  ConfirmationNotifier
	Metrics   *metrics.EngineMetrics
	Logger    *zap.Logger
	Clock     func() time.Time
}

type Service struct {
	repo      Repository
	calc      *slots.Calculator
	settings  Settings
	reminders ReminderScheduler
	notifier  ConfirmationNotifier
	metrics   *metrics.EngineMetrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(repo Repository, calc *slots.Calculator, settings Settings, opts Options) *Service {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:      repo,
		calc:      calc,
		settings:  settings,
		reminders: opts.Reminders,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		logger:    logging.OrNop(opts.Logger),
		now:       now,
	}
}

// BookingRequest is a slot the caller wants. TimeSlot is the doctor-local
// label. OrderRef and Charged are set when the booking follows a verified
// payment.
type BookingRequest struct {
	Caller           identity.Caller
	Date             string
	TimeSlot         string
	ConsultationType string
	Currency         string
	Timezone         string
	Tier             string
	Intake           *Intake

	OrderRef string
	Charged  *pricing.Price
}

type bookingInput struct {
	date  time.Time
	label string
	ctype ConsultationType
	tier  slots.Tier
	loc   *time.Location
	quote pricing.Price
}

func (s *Service) validate(req BookingRequest) (bookingInput, error) {
	var in bookingInput

	if err := req.Caller.Validate(); err != nil {
		return in, err
	}

	ctype, err := ParseConsultationType(req.ConsultationType)
	if err != nil {
		return in, err
	}
	in.ctype = ctype

	if in.date, err = slots.ParseDate(req.Date); err != nil {
		return in, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if in.label, err = slots.NormalizeLabel(req.TimeSlot); err != nil {
		return in, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if in.loc, err = slots.LoadLocation(req.Timezone, s.calc.Location()); err != nil {
		return in, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	tier := req.Tier
	if tier == "" && ctype == ConsultationUrgent {
		tier = string(slots.TierUrgent)
	}
	if in.tier, err = slots.ParseTier(tier); err != nil {
		return in, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	currency := req.Currency
	if req.Charged != nil {
		currency = req.Charged.Currency
	}
	if in.quote, err = pricing.Quote(string(ctype), req.Caller.Country, currency); err != nil {
		return in, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	return in, nil
}

// Book reserves the requested slot and materializes a confirmed appointment.
// A slot held by another live appointment yields ErrSlotConflict; callers
// must not retry that automatically.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "appointment.Book", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.date", req.Date),
		attribute.String("booking.time_slot", req.TimeSlot),
		attribute.String("booking.order_ref", req.OrderRef),
	)

	appt, err := s.book(ctx, req)
	switch {
	case err == nil:
		s.metrics.ObserveBooking("confirmed")
	case errors.Is(err, ErrSlotConflict):
		s.metrics.ObserveBooking("conflict")
	case errors.Is(err, ErrValidation), errors.Is(err, identity.ErrUnauthenticated):
		s.metrics.ObserveBooking("invalid")
	default:
		s.metrics.ObserveBooking("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return appt, err
}

func (s *Service) book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	in, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	// Re-check against a fresh computation; the client may hold a stale list.
	reserved, err := s.repo.ReservedSlots(ctx, in.date)
	if err != nil {
		return nil, fmt.Errorf("load reserved slots: %w", err)
	}
	offered := s.calc.Compute(in.date, in.loc, in.tier, reserved, s.now())
	slot, ok := slots.Find(offered, in.label)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not offered for %s tier", ErrValidation, in.label, in.tier)
	}
	if slot.Reason == slots.ReasonPast {
		return nil, fmt.Errorf("%w: %s on %s is in the past", ErrValidation, in.label, req.Date)
	}
	if slot.AlreadyBooked {
		return nil, ErrSlotConflict
	}

	res, err := s.repo.TryReserve(ctx, Hold{
		Date:      in.date,
		TimeSlot:  in.label,
		PatientID: req.Caller.PatientID,
		OrderRef:  req.OrderRef,
	})
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			s.logger.Info("slot conflict",
				zap.String("date", req.Date),
				zap.String("time_slot", in.label),
				zap.String("patient_id", req.Caller.PatientID.String()),
			)
		}
		return nil, err
	}

	// The placeholder is committed. Finalize or release it even if the
	// caller goes away, otherwise the slot stays held until the stale sweep.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	s.RecordEvent(ctx, &res.AppointmentID, req.OrderRef, EventSlotReserved, map[string]any{
		"date":          req.Date,
		"time_slot":     in.label,
		"first_booking": res.FirstBooking,
	})

	price, drift := settlePrice(in.quote, req.Charged, res.FirstBooking)
	if drift {
		s.logger.Warn("charged discount no longer applies",
			zap.String("order_ref", req.OrderRef),
			zap.String("charged", req.Charged.String()),
			zap.String("recorded", price.String()),
		)
		s.RecordEvent(ctx, &res.AppointmentID, req.OrderRef, EventPriceAdjustmentRequired, map[string]any{
			"charged":  req.Charged.String(),
			"recorded": price.String(),
		})
	}

	appt := &Appointment{
		ID:               res.AppointmentID,
		Date:             in.date,
		TimeSlot:         in.label,
		ConsultationType: in.ctype,
		Status:           StatusPending,
		Price:            price,
		Patient: Patient{
			ID:      req.Caller.PatientID,
			Name:    req.Caller.Name,
			Email:   req.Caller.Email,
			Phone:   req.Caller.Phone,
			Country: req.Caller.Country,
		},
		Doctor:      s.settings.Doctor,
		MeetingLink: s.meetingLink(res.AppointmentID),
		Intake:      req.Intake,
	}
	if req.OrderRef != "" {
		ref := req.OrderRef
		appt.OrderRef = &ref
	}

	confirmed, err := s.repo.Finalize(ctx, appt)
	if err != nil {
		if relErr := s.repo.Release(ctx, in.date, in.label); relErr != nil {
			s.logger.Error("release slot after failed finalize",
				zap.String("appointment_id", res.AppointmentID.String()),
				zap.Error(relErr),
			)
		} else {
			s.RecordEvent(ctx, &res.AppointmentID, req.OrderRef, EventSlotReleased, map[string]any{"reason": "finalize_failed"})
		}
		return nil, fmt.Errorf("finalize appointment: %w", err)
	}

	s.RecordEvent(ctx, &confirmed.ID, req.OrderRef, EventAppointmentConfirmed, map[string]any{
		"price":      confirmed.Price.String(),
		"discounted": confirmed.Price.Discounted,
	})
	s.logger.Info("appointment confirmed",
		zap.String("appointment_id", confirmed.ID.String()),
		zap.String("date", confirmed.DateString()),
		zap.String("time_slot", confirmed.TimeSlot),
	)

	s.afterConfirm(ctx, confirmed)
	return confirmed, nil
}

// afterConfirm runs the best-effort side effects. Failures are logged and
// never undo the booking.
func (s *Service) afterConfirm(ctx context.Context, a *Appointment) {
	if s.reminders != nil {
		if err := s.reminders.Schedule(ctx, a); err != nil {
			s.logger.Warn("schedule reminder", zap.String("appointment_id", a.ID.String()), zap.Error(err))
			s.RecordEvent(ctx, &a.ID, "", EventReminderSchedulingFailed, map[string]any{"error": err.Error()})
		}
	}
	if s.notifier != nil {
		if err := s.notifier.BookingConfirmed(ctx, a); err != nil {
			s.logger.Warn("queue confirmation", zap.String("appointment_id", a.ID.String()), zap.Error(err))
		}
	}
}

// settlePrice picks the price recorded on the appointment. drift is true when
// the order was charged a first-booking discount the patient no longer
// qualifies for.
func settlePrice(quote pricing.Price, charged *pricing.Price, first bool) (pricing.Price, bool) {
	if charged == nil {
		if first {
			return pricing.WithFirstBookingDiscount(quote), false
		}
		return quote, false
	}
	if charged.Discounted && !first {
		return quote, true
	}
	return *charged, false
}

func (s *Service) meetingLink(id uuid.UUID) string {
	return fmt.Sprintf("%s/telehealth-%s", strings.TrimRight(s.settings.MeetingBaseURL, "/"), id.String())
}

// ReleaseStaleHolds frees placeholder rows older than maxAge. A healthy
// booking finalizes its placeholder within one request, so anything older
// was orphaned by a crash.
func (s *Service) ReleaseStaleHolds(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := s.repo.ReleaseStalePending(ctx, s.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	for i := range ids {
		s.RecordEvent(ctx, &ids[i], "", EventSlotReleased, map[string]any{"reason": "stale_placeholder"})
	}
	if len(ids) > 0 {
		s.logger.Warn("released stale slot placeholders", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// Availability lists the slots offered on date, projected into timezone.
func (s *Service) Availability(ctx context.Context, date, timezone, tier string) ([]slots.OfferedSlot, error) {
	d, err := slots.ParseDate(date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	loc, err := slots.LoadLocation(timezone, s.calc.Location())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	t, err := slots.ParseTier(tier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	reserved, err := s.repo.ReservedSlots(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("load reserved slots: %w", err)
	}
	return s.calc.Compute(d, loc, t, reserved, s.now()), nil
}

// GetAppointment returns an appointment visible to caller.
func (s *Service) GetAppointment(ctx context.Context, caller identity.Caller, id uuid.UUID) (*Appointment, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if appt.Patient.ID != caller.PatientID && !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	return appt, nil
}

// ListAppointments retrieves the caller's own appointments, newest first.
func (s *Service) ListAppointments(ctx context.Context, caller identity.Caller, limit, offset int) ([]Appointment, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	appointments, err := s.repo.ListAppointmentsByPatient(ctx, caller.PatientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}

// IsFirstBooking reports whether the patient has no live appointment yet. It
// is advisory; Book decides the discount atomically with the reservation.
func (s *Service) IsFirstBooking(ctx context.Context, patientID uuid.UUID) (bool, error) {
	n, err := s.repo.CountActiveByPatient(ctx, patientID)
	if err != nil {
		return false, fmt.Errorf("count appointments: %w", err)
	}
	return n == 0, nil
}

// AppointmentForOrder returns the confirmed appointment materialized from
// orderRef. A placeholder that has not been finalized yet yields
// ErrBookingInProgress; it may still be released.
func (s *Service) AppointmentForOrder(ctx context.Context, orderRef string) (*Appointment, error) {
	a, err := s.repo.GetAppointmentByOrderRef(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case StatusConfirmed, StatusCompleted:
		return a, nil
	case StatusPending:
		return nil, ErrBookingInProgress
	}
	return nil, ErrAppointmentNotFound
}

// RecordEvent appends to the event log. Failures are logged only.
func (s *Service) RecordEvent(ctx context.Context, appointmentID *uuid.UUID, orderRef, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if orderRef != "" {
		ev.OrderRef = &orderRef
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("insert event log", zap.String("event", eventType), zap.Error(err))
	}
}
