package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/appointment"
	"github.com/hackgods/telehealth-slot-engine/internal/identity"
	"github.com/hackgods/telehealth-slot-engine/internal/logging"
	"github.com/hackgods/telehealth-slot-engine/internal/pricing"
	"github.com/hackgods/telehealth-slot-engine/internal/slots"
)

// SlotChecker is the read side of the booking coordinator.
type SlotChecker interface {
	Availability(ctx context.Context, date, timezone, tier string) ([]slots.OfferedSlot, error)
	IsFirstBooking(ctx context.Context, patientID uuid.UUID) (bool, error)
}

type CreateOrderInput struct {
	ConsultationType string
	Date             string
	TimeSlot         string
	Currency         string
	Timezone         string
	Tier             string
	Intake           *appointment.Intake
}

type ManagerConfig struct {
	ReturnURL string
	// ReuseWindow returns an existing unpaid order for the same fingerprint
	// instead of opening a second checkout.
	ReuseWindow time.Duration
}

type OrderManager struct {
	store   OrderStore
	gateway Gateway
	slots   SlotChecker
	cfg     ManagerConfig
	logger  *zap.Logger
	now     func() time.Time
}

func NewOrderManager(store OrderStore, gateway Gateway, checker SlotChecker, cfg ManagerConfig, logger *zap.Logger) *OrderManager {
	return &OrderManager{
		store:   store,
		gateway: gateway,
		slots:   checker,
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// CreateOrder prices the booking server-side, opens a provider order and
// records it. The slot is not held.
func (m *OrderManager) CreateOrder(ctx context.Context, caller identity.Caller, in CreateOrderInput) (*OrderHandle, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}

	ctype, err := appointment.ParseConsultationType(in.ConsultationType)
	if err != nil {
		return nil, err
	}
	date, err := slots.ParseDate(in.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appointment.ErrValidation, err)
	}
	label, err := slots.NormalizeLabel(in.TimeSlot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appointment.ErrValidation, err)
	}
	tier := in.Tier
	if tier == "" && ctype == appointment.ConsultationUrgent {
		tier = string(slots.TierUrgent)
	}

	offered, err := m.slots.Availability(ctx, date.Format(slots.DateLayout), in.Timezone, tier)
	if err != nil {
		return nil, err
	}
	slot, ok := slots.Find(offered, label)
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: %s is not offered", appointment.ErrValidation, label)
	case slot.Reason == slots.ReasonPast:
		return nil, fmt.Errorf("%w: %s is in the past", appointment.ErrValidation, label)
	case slot.AlreadyBooked:
		return nil, appointment.ErrSlotConflict
	}

	price, err := pricing.Quote(string(ctype), caller.Country, in.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appointment.ErrValidation, err)
	}
	first, err := m.slots.IsFirstBooking(ctx, caller.PatientID)
	if err != nil {
		return nil, err
	}
	if first {
		price = pricing.WithFirstBookingDiscount(price)
	}

	dateStr := date.Format(slots.DateLayout)
	fp := Fingerprint(dateStr, label, string(ctype), caller.PatientID, price)

	if m.cfg.ReuseWindow > 0 {
		existing, err := m.store.FindOpenByFingerprint(ctx, fp, m.now().Add(-m.cfg.ReuseWindow))
		if err == nil {
			m.logger.Info("reusing open payment order", zap.String("order_ref", existing.Ref))
			return existing.Handle(), nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return nil, fmt.Errorf("find open order: %w", err)
		}
	}

	ref := newOrderRef()
	po, err := m.gateway.CreateOrder(ctx, CreateOrderRequest{
		OrderID:       ref,
		OrderAmount:   price.Amount.InexactFloat64(),
		OrderCurrency: price.Currency,
		Customer: Customer{
			ID:    caller.PatientID.String(),
			Name:  caller.Name,
			Email: caller.Email,
			Phone: caller.Phone,
		},
		Meta: OrderMeta{ReturnURL: m.cfg.ReturnURL},
		Note: fmt.Sprintf("%s consultation %s %s", ctype, dateStr, label),
		Tags: map[string]string{"fingerprint": fp},
	})
	if err != nil {
		return nil, fmt.Errorf("create provider order: %w", err)
	}

	order := &Order{
		Ref:         ref,
		Fingerprint: fp,
		PatientID:   caller.PatientID,
		Booking: BookingIntent{
			Date:             dateStr,
			TimeSlot:         label,
			ConsultationType: string(ctype),
			Timezone:         in.Timezone,
			Tier:             tier,
			Intake:           in.Intake,
			Patient: appointment.Patient{
				ID:      caller.PatientID,
				Name:    caller.Name,
				Email:   caller.Email,
				Phone:   caller.Phone,
				Country: caller.Country,
			},
			Price: price,
		},
		Status:           OrderCreated,
		PaymentSessionID: po.PaymentSessionID,
		CreatedAt:        m.now(),
	}
	if err := m.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	m.logger.Info("payment order created",
		zap.String("order_ref", ref),
		zap.String("patient_id", caller.PatientID.String()),
		zap.String("price", price.String()),
	)
	return order.Handle(), nil
}
