// Package notify decides which notifications the engine emits and hands
// them to a transport. Rendering and delivery belong to the consumer.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-slot-engine/internal/appointment"
	"github.com/hackgods/telehealth-slot-engine/internal/payment"
	"github.com/hackgods/telehealth-slot-engine/internal/reminder"
)

type Kind string

const (
	KindBookingConfirmed    Kind = "appointment.confirmed"
	KindAppointmentReminder Kind = "appointment.reminder"
	KindPaidButUnbooked     Kind = "support.paid_but_unbooked"
)

type Message struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Recipient  string         `json:"recipient,omitempty"`
	Data       map[string]any `json:"data"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Notifier struct {
	pub            Publisher
	supportContact string
	now            func() time.Time
}

func NewNotifier(pub Publisher, supportContact string) *Notifier {
	return &Notifier{pub: pub, supportContact: supportContact, now: time.Now}
}

func (n *Notifier) message(kind Kind, recipient string, data map[string]any) Message {
	return Message{
		ID:         uuid.NewString(),
		Kind:       kind,
		Recipient:  recipient,
		Data:       data,
		OccurredAt: n.now().UTC(),
	}
}

func (n *Notifier) BookingConfirmed(ctx context.Context, a *appointment.Appointment) error {
	return n.pub.Publish(ctx, n.message(KindBookingConfirmed, a.Patient.Email, map[string]any{
		"appointment_id":    a.ID.String(),
		"patient_name":      a.Patient.Name,
		"date":              a.DateString(),
		"time_slot":         a.TimeSlot,
		"consultation_type": string(a.ConsultationType),
		"doctor_name":       a.Doctor.Name,
		"meeting_link":      a.MeetingLink,
		"price":             a.Price.String(),
	}))
}

func (n *Notifier) AppointmentReminder(ctx context.Context, j reminder.Job) error {
	return n.pub.Publish(ctx, n.message(KindAppointmentReminder, j.PatientEmail, map[string]any{
		"appointment_id": j.AppointmentID.String(),
		"patient_name":   j.PatientName,
		"starts_at":      j.StartsAt.UTC().Format(time.RFC3339),
		"meeting_link":   j.MeetingLink,
	}))
}

// PaidButUnbooked goes to the support desk, not the patient.
func (n *Notifier) PaidButUnbooked(ctx context.Context, o *payment.Order, reason string) error {
	return n.pub.Publish(ctx, n.message(KindPaidButUnbooked, n.supportContact, map[string]any{
		"order_ref":     o.Ref,
		"patient_id":    o.PatientID.String(),
		"patient_email": o.Booking.Patient.Email,
		"patient_phone": o.Booking.Patient.Phone,
		"date":          o.Booking.Date,
		"time_slot":     o.Booking.TimeSlot,
		"amount":        o.Booking.Price.String(),
		"reason":        reason,
	}))
}
