package payment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-slot-engine/internal/appointment"
	"github.com/hackgods/telehealth-slot-engine/internal/identity"
	"github.com/hackgods/telehealth-slot-engine/internal/slots"
)

type stubChecker struct {
	calc     *slots.Calculator
	reserved []string
	first    bool
	now      time.Time
}

func (s stubChecker) Availability(_ context.Context, date, timezone, tier string) ([]slots.OfferedSlot, error) {
	d, err := slots.ParseDate(date)
	if err != nil {
		return nil, err
	}
	loc, err := slots.LoadLocation(timezone, s.calc.Location())
	if err != nil {
		return nil, err
	}
	t, err := slots.ParseTier(tier)
	if err != nil {
		return nil, err
	}
	return s.calc.Compute(d, loc, t, s.reserved, s.now), nil
}

func (s stubChecker) IsFirstBooking(context.Context, uuid.UUID) (bool, error) {
	return s.first, nil
}

func newChecker(t *testing.T, first bool, reserved ...string) stubChecker {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return stubChecker{
		calc:     slots.NewCalculator(loc),
		reserved: reserved,
		first:    first,
		now:      time.Date(2025, 10, 4, 12, 0, 0, 0, loc),
	}
}

func TestCreateOrderPricesServerSide(t *testing.T) {
	store := newMemStore()
	gw := &scriptGateway{}
	m := NewOrderManager(store, gw, newChecker(t, true), ManagerConfig{ReturnURL: "https://app.example.com/return"}, nil)
	caller := identity.Caller{PatientID: uuid.New(), Name: "Asha", Country: "IN"}

	h, err := m.CreateOrder(context.Background(), caller, CreateOrderInput{
		ConsultationType: "follow-up",
		Date:             "2025-10-05",
		TimeSlot:         "6:30 pm",
	})
	require.NoError(t, err)

	assert.Equal(t, OrderCreated, h.Status)
	assert.True(t, h.Price.Discounted)
	assert.Equal(t, int64(55920), h.Price.MinorUnits())
	assert.Equal(t, "session_"+h.OrderRef, h.PaymentSessionID)
	assert.Equal(t, Fingerprint("2025-10-05", "06:30 PM", "follow-up", caller.PatientID, h.Price), h.Fingerprint)

	require.Len(t, gw.created, 1)
	assert.InDelta(t, 559.20, gw.created[0].OrderAmount, 0.001)
	assert.Equal(t, "INR", gw.created[0].OrderCurrency)
	assert.Equal(t, "https://app.example.com/return", gw.created[0].Meta.ReturnURL)

	stored, err := store.GetOrder(context.Background(), h.OrderRef)
	require.NoError(t, err)
	assert.Equal(t, "06:30 PM", stored.Booking.TimeSlot)
	assert.Equal(t, caller.PatientID, stored.Booking.Patient.ID)
}

func TestCreateOrderReusesOpenCheckout(t *testing.T) {
	store := newMemStore()
	gw := &scriptGateway{}
	m := NewOrderManager(store, gw, newChecker(t, false), ManagerConfig{ReuseWindow: 30 * time.Minute}, nil)
	caller := identity.Caller{PatientID: uuid.New(), Country: "US"}
	in := CreateOrderInput{ConsultationType: "initial", Date: "2025-10-05", TimeSlot: "07:00 PM", Currency: "usd"}

	first, err := m.CreateOrder(context.Background(), caller, in)
	require.NoError(t, err)
	second, err := m.CreateOrder(context.Background(), caller, in)
	require.NoError(t, err)

	assert.Equal(t, first.OrderRef, second.OrderRef)
	assert.Len(t, gw.created, 1)
}

func TestCreateOrderRejects(t *testing.T) {
	caller := identity.Caller{PatientID: uuid.New(), Country: "IN"}

	tests := []struct {
		name    string
		checker stubChecker
		in      CreateOrderInput
		want    error
	}{
		{name: "taken slot", checker: newChecker(t, false, "06:00 PM"), in: CreateOrderInput{Date: "2025-10-05", TimeSlot: "06:00 PM"}, want: appointment.ErrSlotConflict},
		{name: "outside window", checker: newChecker(t, false), in: CreateOrderInput{Date: "2025-10-05", TimeSlot: "11:00 AM"}, want: appointment.ErrValidation},
		{name: "past", checker: newChecker(t, false), in: CreateOrderInput{Date: "2025-10-01", TimeSlot: "06:00 PM"}, want: appointment.ErrValidation},
		{name: "currency for region", checker: newChecker(t, false), in: CreateOrderInput{Date: "2025-10-05", TimeSlot: "06:00 PM", Currency: "EUR"}, want: appointment.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &scriptGateway{}
			m := NewOrderManager(newMemStore(), gw, tt.checker, ManagerConfig{}, nil)
			_, err := m.CreateOrder(context.Background(), caller, tt.in)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, gw.created)
		})
	}
}

func TestFingerprintStable(t *testing.T) {
	pid := uuid.MustParse("9f1c7f0e-7e43-4c1a-9a57-1a0f0a0b0c0d")
	o := testOrder("x")
	a := Fingerprint("2025-10-05", "06:00 PM", "initial", pid, o.Booking.Price)
	b := Fingerprint("2025-10-05", "06:00 PM", "initial", pid, o.Booking.Price)
	c := Fingerprint("2025-10-05", "06:30 PM", "initial", pid, o.Booking.Price)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
