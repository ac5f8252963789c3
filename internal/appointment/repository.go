package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrSlotConflict        = errors.New("slot already booked")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrForbidden           = errors.New("appointment belongs to another patient")
	ErrBookingInProgress   = errors.New("booking for this order is still being finalized")
)

// Repository is the reservation store. TryReserve is the only way a slot
// becomes held: storage rejects a second live row for the same date and slot.
type Repository interface {
	TryReserve(ctx context.Context, h Hold) (*Reservation, error)
	Finalize(ctx context.Context, a *Appointment) (*Appointment, error)
	Release(ctx context.Context, date time.Time, timeSlot string) error
	// ReleaseStalePending cancels placeholders created before cutoff that were
	// never finalized, e.g. after a crash between reserve and finalize.
	ReleaseStalePending(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)

	ReservedSlots(ctx context.Context, date time.Time) ([]string, error)
	CountActiveByPatient(ctx context.Context, patientID uuid.UUID) (int, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetAppointmentByOrderRef returns the order's non-cancelled row, which
	// may still be a pending placeholder.
	GetAppointmentByOrderRef(ctx context.Context, orderRef string) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
