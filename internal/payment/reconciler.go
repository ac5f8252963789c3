package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/appointment"
	"github.com/hackgods/telehealth-slot-engine/internal/identity"
	"github.com/hackgods/telehealth-slot-engine/internal/logging"
	"github.com/hackgods/telehealth-slot-engine/internal/metrics"
	redisclient "github.com/hackgods/telehealth-slot-engine/internal/redis"
	"github.com/hackgods/telehealth-slot-engine/internal/retry"
)

const (
	EventPaymentVerified = "PAYMENT_VERIFIED"
	EventPaymentFailed   = "PAYMENT_FAILED"
	EventPaidButUnbooked = "PAID_BUT_UNBOOKED"
)

var reconcileTracer = otel.Tracer("telehealth.internal.payment")

// Booker is the booking coordinator as seen by reconciliation.
type Booker interface {
	Book(ctx context.Context, req appointment.BookingRequest) (*appointment.Appointment, error)
	AppointmentForOrder(ctx context.Context, orderRef string) (*appointment.Appointment, error)
	RecordEvent(ctx context.Context, appointmentID *uuid.UUID, orderRef, eventType string, payload map[string]any)
}

// OrderLocker serialises verifications of one order across processes.
type OrderLocker interface {
	WithOrderLock(ctx context.Context, orderRef string, fn func(ctx context.Context) error) error
}

// SupportEscalator raises a paid-but-unbooked order to humans.
type SupportEscalator interface {
	PaidButUnbooked(ctx context.Context, o *Order, reason string) error
}

type ReconcilerConfig struct {
	Retry       retry.Config
	CallTimeout time.Duration
}

type Reconciler struct {
	store     OrderStore
	gateway   Gateway
	booker    Booker
	locker    OrderLocker
	escalator SupportEscalator
	cfg       ReconcilerConfig
	metrics   *metrics.EngineMetrics
	logger    *zap.Logger
}

// NewReconciler wires reconciliation. locker and escalator may be nil.
func NewReconciler(store OrderStore, gateway Gateway, booker Booker, locker OrderLocker, escalator SupportEscalator, cfg ReconcilerConfig, m *metrics.EngineMetrics, logger *zap.Logger) *Reconciler {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &Reconciler{
		store:     store,
		gateway:   gateway,
		booker:    booker,
		locker:    locker,
		escalator: escalator,
		cfg:       cfg,
		metrics:   m,
		logger:    logging.OrNop(logger),
	}
}

// VerifyForCaller is VerifyAndMaterialize restricted to the order's patient.
func (r *Reconciler) VerifyForCaller(ctx context.Context, caller identity.Caller, orderRef string) (*appointment.Appointment, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	order, err := r.store.GetOrder(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	if order.PatientID != caller.PatientID && !caller.IsAdmin() {
		return nil, ErrNotOrderOwner
	}
	return r.VerifyAndMaterialize(ctx, orderRef)
}

// VerifyAndMaterialize confirms payment for orderRef with the provider and
// books the slot at most once. It is safe to call repeatedly and
// concurrently for the same order.
func (r *Reconciler) VerifyAndMaterialize(ctx context.Context, orderRef string) (*appointment.Appointment, error) {
	return r.Reconcile(ctx, orderRef, r.cfg.Retry)
}

// Reconcile is VerifyAndMaterialize with an explicit poll budget.
func (r *Reconciler) Reconcile(ctx context.Context, orderRef string, poll retry.Config) (*appointment.Appointment, error) {
	ctx, span := reconcileTracer.Start(ctx, "payment.Reconcile", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.String("payment.order_ref", orderRef))

	var appt *appointment.Appointment
	var attempts int
	run := func(ctx context.Context) error {
		var err error
		appt, attempts, err = r.reconcile(ctx, orderRef, poll)
		return err
	}

	var err error
	if r.locker != nil {
		err = r.locker.WithOrderLock(ctx, orderRef, run)
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			err = fmt.Errorf("%w: verification already in progress", ErrPaymentPending)
		case errors.Is(err, redisclient.ErrLockUnavailable):
			// The lock only saves provider calls; the order-ref lookup and
			// unique indexes keep this correct without it.
			r.logger.Warn("order lock unavailable, verifying without it",
				zap.String("order_ref", orderRef),
				zap.Error(err),
			)
			err = run(ctx)
		}
	} else {
		err = run(ctx)
	}

	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrPaymentPending):
		outcome = "pending"
	case errors.Is(err, ErrPaymentFailed):
		outcome = "failed"
	case errors.Is(err, ErrPaidButUnbooked):
		outcome = "paid_but_unbooked"
	default:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("payment.outcome", outcome), attribute.Int("payment.attempts", attempts))
	r.metrics.ObserveReconciliation(outcome, attempts)

	return appt, err
}

func (r *Reconciler) reconcile(ctx context.Context, orderRef string, poll retry.Config) (*appointment.Appointment, int, error) {
	order, err := r.store.GetOrder(ctx, orderRef)
	if err != nil {
		return nil, 0, err
	}

	// Already materialized: duplicate webhook or repeated poll.
	if appt, err := r.existing(ctx, order); err != nil || appt != nil {
		return appt, 0, err
	}

	switch order.Status {
	case OrderFailed, OrderDropped:
		return nil, 0, fmt.Errorf("%w: order %s is %s", ErrPaymentFailed, orderRef, order.Status)
	case OrderNeedsReassignment:
		return nil, 0, fmt.Errorf("%w: order %s", ErrPaidButUnbooked, orderRef)
	case OrderSuccess:
		// Payment already verified on an earlier call; only booking is left.
		appt, err := r.materialize(ctx, order)
		return appt, 0, err
	}

	res := retry.Poll(ctx, poll, func(ctx context.Context, attempt int) retry.Result[ProviderStatus] {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()

		po, err := r.gateway.GetOrder(callCtx, orderRef)
		if err != nil {
			return retry.Pending[ProviderStatus](err)
		}
		switch po.OrderStatus.Outcome() {
		case retry.StatusSuccess:
			return retry.Success(po.OrderStatus)
		case retry.StatusFailure:
			return retry.Failure(po.OrderStatus, nil)
		}
		return retry.Pending[ProviderStatus](nil)
	}, func(res retry.Result[ProviderStatus]) {
		r.logger.Debug("provider order status",
			zap.String("order_ref", orderRef),
			zap.Int("attempt", res.Attempts),
			zap.String("outcome", res.Status.String()),
			zap.Error(res.Err),
		)
	})

	switch res.Status {
	case retry.StatusFailure:
		if _, err := r.store.MarkStatus(ctx, orderRef, OrderFailed, OrderCreated); err != nil {
			return nil, res.Attempts, err
		}
		r.booker.RecordEvent(ctx, nil, orderRef, EventPaymentFailed, map[string]any{"provider_status": string(res.Value)})
		r.logger.Info("payment failed", zap.String("order_ref", orderRef), zap.String("provider_status", string(res.Value)))
		return nil, res.Attempts, fmt.Errorf("%w: provider status %s", ErrPaymentFailed, res.Value)

	case retry.StatusPending:
		r.logger.Info("payment still pending",
			zap.String("order_ref", orderRef),
			zap.Int("attempts", res.Attempts),
			zap.NamedError("last_error", res.Err),
		)
		return nil, res.Attempts, fmt.Errorf("%w: order %s after %d attempts", ErrPaymentPending, orderRef, res.Attempts)
	}

	if _, err := r.store.MarkStatus(ctx, orderRef, OrderSuccess, OrderCreated); err != nil {
		return nil, res.Attempts, err
	}
	order.Status = OrderSuccess
	r.booker.RecordEvent(ctx, nil, orderRef, EventPaymentVerified, map[string]any{"attempts": res.Attempts})

	appt, err := r.materialize(ctx, order)
	return appt, res.Attempts, err
}

// existing returns the appointment already booked for order, if any, and
// makes sure the order points at it.
func (r *Reconciler) existing(ctx context.Context, order *Order) (*appointment.Appointment, error) {
	appt, err := r.booker.AppointmentForOrder(ctx, order.Ref)
	switch {
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		return nil, nil
	case errors.Is(err, appointment.ErrBookingInProgress):
		// Another verification reserved the slot and has not finalized. It
		// may still fail and release, so the order stays unattached.
		return nil, fmt.Errorf("%w: order %s is being booked", ErrPaymentPending, order.Ref)
	case err != nil:
		return nil, fmt.Errorf("lookup appointment for order: %w", err)
	}
	if order.AppointmentID == nil || *order.AppointmentID != appt.ID {
		if err := r.store.AttachAppointment(ctx, order.Ref, appt.ID); err != nil {
			return nil, err
		}
	}
	return appt, nil
}

func (r *Reconciler) materialize(ctx context.Context, order *Order) (*appointment.Appointment, error) {
	appt, err := r.booker.Book(ctx, order.bookingRequest())
	switch {
	case err == nil:
		if err := r.store.AttachAppointment(ctx, order.Ref, appt.ID); err != nil {
			return nil, err
		}
		r.logger.Info("payment reconciled",
			zap.String("order_ref", order.Ref),
			zap.String("appointment_id", appt.ID.String()),
		)
		return appt, nil

	case errors.Is(err, appointment.ErrSlotConflict):
		// A concurrent verification of this same order may hold the slot.
		if appt, lerr := r.existing(ctx, order); lerr != nil || appt != nil {
			return appt, lerr
		}
		return nil, r.escalate(ctx, order, "slot taken during payment window")

	case errors.Is(err, appointment.ErrValidation):
		return nil, r.escalate(ctx, order, err.Error())
	}

	// Transient: the order stays success and a later call can finish it.
	return nil, fmt.Errorf("book paid order %s: %w", order.Ref, err)
}

func (r *Reconciler) escalate(ctx context.Context, order *Order, reason string) error {
	if _, err := r.store.MarkStatus(ctx, order.Ref, OrderNeedsReassignment, OrderCreated, OrderSuccess); err != nil {
		r.logger.Error("mark order for reassignment", zap.String("order_ref", order.Ref), zap.Error(err))
	}
	order.Status = OrderNeedsReassignment

	r.booker.RecordEvent(ctx, nil, order.Ref, EventPaidButUnbooked, map[string]any{
		"date":      order.Booking.Date,
		"time_slot": order.Booking.TimeSlot,
		"reason":    reason,
	})
	r.logger.Error("paid but unbooked",
		zap.String("alert", "paid_but_unbooked"),
		zap.String("order_ref", order.Ref),
		zap.String("patient_id", order.PatientID.String()),
		zap.String("date", order.Booking.Date),
		zap.String("time_slot", order.Booking.TimeSlot),
		zap.String("reason", reason),
	)

	if r.escalator != nil {
		if err := r.escalator.PaidButUnbooked(ctx, order, reason); err != nil {
			r.logger.Error("escalate paid but unbooked", zap.String("alert", "paid_but_unbooked"), zap.String("order_ref", order.Ref), zap.Error(err))
		}
	}
	return fmt.Errorf("%w: order %s: %s", ErrPaidButUnbooked, order.Ref, reason)
}
