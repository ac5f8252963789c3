package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-slot-engine/internal/appointment"
	"github.com/hackgods/telehealth-slot-engine/internal/identity"
	"github.com/hackgods/telehealth-slot-engine/internal/pricing"
)

type OrderStatus string

const (
	OrderCreated           OrderStatus = "created"
	OrderSuccess           OrderStatus = "success"
	OrderFailed            OrderStatus = "failed"
	OrderDropped           OrderStatus = "dropped"
	OrderNeedsReassignment OrderStatus = "confirmed-needs-manual-reassignment"
)

// BookingIntent is everything needed to book the slot once payment clears.
// It is stored with the order so a webhook or sweep can book without the
// original request.
type BookingIntent struct {
	Date             string              `json:"date"`
	TimeSlot         string              `json:"time_slot"`
	ConsultationType string              `json:"consultation_type"`
	Timezone         string              `json:"timezone,omitempty"`
	Tier             string              `json:"tier,omitempty"`
	Intake           *appointment.Intake `json:"intake,omitempty"`
	Patient          appointment.Patient `json:"patient"`
	Price            pricing.Price       `json:"price"`
}

type Order struct {
	Ref              string
	Fingerprint      string
	PatientID        uuid.UUID
	Booking          BookingIntent
	Status           OrderStatus
	PaymentSessionID string
	AppointmentID    *uuid.UUID
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderHandle is what the client SDK needs to start checkout.
type OrderHandle struct {
	OrderRef         string        `json:"order_id"`
	PaymentSessionID string        `json:"payment_session_id"`
	Price            pricing.Price `json:"price"`
	Fingerprint      string        `json:"fingerprint"`
	Status           OrderStatus   `json:"status"`
}

func (o *Order) Handle() *OrderHandle {
	return &OrderHandle{
		OrderRef:         o.Ref,
		PaymentSessionID: o.PaymentSessionID,
		Price:            o.Booking.Price,
		Fingerprint:      o.Fingerprint,
		Status:           o.Status,
	}
}

// Caller rebuilds the booking identity from the stored patient snapshot.
func (o *Order) Caller() identity.Caller {
	p := o.Booking.Patient
	return identity.Caller{
		PatientID: o.PatientID,
		Name:      p.Name,
		Email:     p.Email,
		Phone:     p.Phone,
		Country:   p.Country,
		Role:      identity.RolePatient,
	}
}

func (o *Order) bookingRequest() appointment.BookingRequest {
	price := o.Booking.Price
	return appointment.BookingRequest{
		Caller:           o.Caller(),
		Date:             o.Booking.Date,
		TimeSlot:         o.Booking.TimeSlot,
		ConsultationType: o.Booking.ConsultationType,
		Currency:         price.Currency,
		Timezone:         o.Booking.Timezone,
		Tier:             o.Booking.Tier,
		Intake:           o.Booking.Intake,
		OrderRef:         o.Ref,
		Charged:          &price,
	}
}

// Fingerprint is the stable key over the booking-defining fields.
func Fingerprint(date, timeSlot, consultationType string, patientID uuid.UUID, price pricing.Price) string {
	raw := strings.Join([]string{
		date,
		timeSlot,
		consultationType,
		patientID.String(),
		fmt.Sprintf("%d", price.MinorUnits()),
		strings.ToUpper(price.Currency),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newOrderRef() string {
	return "tlh_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
