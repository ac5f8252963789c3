package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-slot-engine/internal/appointment"
	"github.com/hackgods/telehealth-slot-engine/internal/pricing"
	"github.com/hackgods/telehealth-slot-engine/internal/slots"
)

type IntakeRequest struct {
	Symptoms    string   `json:"symptoms" validate:"max=4000"`
	Medications string   `json:"medications" validate:"max=2000"`
	Allergies   string   `json:"allergies" validate:"max=2000"`
	Notes       string   `json:"notes" validate:"max=4000"`
	Documents   []string `json:"documents" validate:"max=10,dive,url"`
}

func (r *IntakeRequest) toIntake() *appointment.Intake {
	if r == nil {
		return nil
	}
	return &appointment.Intake{
		Symptoms:    r.Symptoms,
		Medications: r.Medications,
		Allergies:   r.Allergies,
		Notes:       r.Notes,
		Documents:   r.Documents,
	}
}

type CreateAppointmentRequest struct {
	Date             string         `json:"date" validate:"required,datetime=2006-01-02"`
	TimeSlot         string         `json:"time_slot" validate:"required,max=16"`
	ConsultationType string         `json:"consultation_type" validate:"omitempty,oneof=initial follow-up urgent"`
	Currency         string         `json:"currency" validate:"omitempty,len=3,alpha"`
	Timezone         string         `json:"timezone" validate:"omitempty,max=64"`
	Tier             string         `json:"tier" validate:"omitempty,oneof=regular urgent"`
	Intake           *IntakeRequest `json:"intake"`
}

// CreateOrderRequest carries the same booking fields; the amount is always
// priced server-side.
type CreateOrderRequest struct {
	CreateAppointmentRequest
}

type AppointmentResponse struct {
	ID               uuid.UUID           `json:"id"`
	Date             string              `json:"date"`
	TimeSlot         string              `json:"time_slot"`
	ConsultationType string              `json:"consultation_type"`
	Status           string              `json:"status"`
	Price            pricing.Price       `json:"price"`
	Patient          appointment.Patient `json:"patient"`
	Doctor           appointment.Doctor  `json:"doctor"`
	MeetingLink      string              `json:"meeting_link,omitempty"`
	Intake           *appointment.Intake `json:"intake,omitempty"`
	OrderRef         *string             `json:"order_ref,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		Date:             a.DateString(),
		TimeSlot:         a.TimeSlot,
		ConsultationType: string(a.ConsultationType),
		Status:           string(a.Status),
		Price:            a.Price,
		Patient:          a.Patient,
		Doctor:           a.Doctor,
		MeetingLink:      a.MeetingLink,
		Intake:           a.Intake,
		OrderRef:         a.OrderRef,
		CreatedAt:        a.CreatedAt,
	}
}

type AppointmentListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

type AvailabilityResponse struct {
	Date     string              `json:"date"`
	Timezone string              `json:"timezone,omitempty"`
	Tier     string              `json:"tier"`
	Slots    []slots.OfferedSlot `json:"slots"`
}

// VerifyResponse is returned by both the verify endpoint and the webhook.
type VerifyResponse struct {
	OrderRef       string               `json:"order_id"`
	Status         string               `json:"status"`
	Appointment    *AppointmentResponse `json:"appointment,omitempty"`
	SupportContact string               `json:"support_contact,omitempty"`
}

type ErrorResponse struct {
	Error          string `json:"error"`
	Details        string `json:"details,omitempty"`
	SupportContact string `json:"support_contact,omitempty"`
}
