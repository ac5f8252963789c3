package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-slot-engine/internal/pricing"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

type ConsultationType string

const (
	ConsultationInitial  ConsultationType = "initial"
	ConsultationFollowUp ConsultationType = "follow-up"
	ConsultationUrgent   ConsultationType = "urgent"
)

func ParseConsultationType(s string) (ConsultationType, error) {
	switch ct := ConsultationType(strings.ToLower(strings.TrimSpace(s))); ct {
	case ConsultationInitial, ConsultationFollowUp, ConsultationUrgent:
		return ct, nil
	case "":
		return ConsultationInitial, nil
	}
	return "", fmt.Errorf("%w: unknown consultation type %q", ErrValidation, s)
}

type Patient struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Email   string    `json:"email,omitempty"`
	Phone   string    `json:"phone,omitempty"`
	Country string    `json:"country,omitempty"`
}

type Doctor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Intake is the optional free-form questionnaire submitted with a booking.
type Intake struct {
	Symptoms    string   `json:"symptoms,omitempty"`
	Medications string   `json:"medications,omitempty"`
	Allergies   string   `json:"allergies,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	Documents   []string `json:"documents,omitempty"`
}

type Appointment struct {
	ID               uuid.UUID         `json:"id"`
	Date             time.Time         `json:"-"`
	TimeSlot         string            `json:"time_slot"`
	ConsultationType ConsultationType  `json:"consultation_type"`
	Status           AppointmentStatus `json:"status"`
	Price            pricing.Price     `json:"price"`
	Patient          Patient           `json:"patient"`
	Doctor           Doctor            `json:"doctor"`
	MeetingLink      string            `json:"meeting_link,omitempty"`
	Intake           *Intake           `json:"intake,omitempty"`
	OrderRef         *string           `json:"order_ref,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// DateString is the doctor-local calendar date of the appointment.
func (a *Appointment) DateString() string {
	return a.Date.Format("2006-01-02")
}

// Hold is what TryReserve needs to claim a slot.
type Hold struct {
	Date      time.Time
	TimeSlot  string
	PatientID uuid.UUID
	OrderRef  string
}

// Reservation is a successfully claimed slot. The placeholder row stays
// pending until Finalize or Release.
type Reservation struct {
	AppointmentID uuid.UUID
	FirstBooking  bool
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	OrderRef      *string
	Payload       []byte
	CreatedAt     time.Time
}
