package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-slot-engine/internal/db"
)

const appointmentColumns = `id, appointment_date, time_slot, consultation_type, status,
	price_amount::text, price_currency, price_symbol, price_region, price_discounted,
	patient_id, patient_name, patient_email, patient_phone, patient_country,
	doctor_id, doctor_name, meeting_link, intake, order_ref, created_at, updated_at`

type PgRepository struct {
	pool db.Querier
}

func NewPgRepository(pool db.Querier) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var amount string
	var intake []byte
	var orderRef *string

	err := row.Scan(
		&a.ID,
		&a.Date,
		&a.TimeSlot,
		&a.ConsultationType,
		&a.Status,
		&amount,
		&a.Price.Currency,
		&a.Price.Symbol,
		&a.Price.Region,
		&a.Price.Discounted,
		&a.Patient.ID,
		&a.Patient.Name,
		&a.Patient.Email,
		&a.Patient.Phone,
		&a.Patient.Country,
		&a.Doctor.ID,
		&a.Doctor.Name,
		&a.MeetingLink,
		&intake,
		&orderRef,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if a.Price.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse price amount %q: %w", amount, err)
	}
	if len(intake) > 0 {
		var in Intake
		if err := json.Unmarshal(intake, &in); err != nil {
			return nil, fmt.Errorf("decode intake: %w", err)
		}
		a.Intake = &in
	}
	a.OrderRef = orderRef
	return &a, nil
}

// Interface methods

// TryReserve claims (date, slot) with a pending placeholder row. The patient
// advisory lock makes the first-booking count and the insert one step, so two
// concurrent first bookings by the same patient cannot both be discounted.
func (r *PgRepository) TryReserve(ctx context.Context, h Hold) (*Reservation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, h.PatientID.String()); err != nil {
		return nil, fmt.Errorf("lock patient: %w", err)
	}

	var existing int
	if err := tx.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE patient_id = $1
		  AND status <> 'cancelled'
	`, h.PatientID).Scan(&existing); err != nil {
		return nil, fmt.Errorf("count patient appointments: %w", err)
	}

	id := uuid.New()
	tag, err := tx.Exec(ctx, `
		INSERT INTO appointments (id, appointment_date, time_slot, status, patient_id, order_ref, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, now(), now())
		ON CONFLICT (appointment_date, time_slot) WHERE status <> 'cancelled' DO NOTHING
	`, id, h.Date, h.TimeSlot, h.PatientID, nullableString(h.OrderRef))
	if err != nil {
		if constraint, ok := db.IsUniqueViolation(err); ok {
			return nil, fmt.Errorf("%w: %s", ErrSlotConflict, constraint)
		}
		return nil, fmt.Errorf("insert placeholder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrSlotConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve tx: %w", err)
	}

	return &Reservation{AppointmentID: id, FirstBooking: existing == 0}, nil
}

func (r *PgRepository) Finalize(ctx context.Context, a *Appointment) (*Appointment, error) {
	var intake []byte
	if a.Intake != nil {
		data, err := json.Marshal(a.Intake)
		if err != nil {
			return nil, fmt.Errorf("encode intake: %w", err)
		}
		intake = data
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET consultation_type = $2,
		    status = 'confirmed',
		    price_amount = $3::numeric,
		    price_currency = $4,
		    price_symbol = $5,
		    price_region = $6,
		    price_discounted = $7,
		    patient_name = $8,
		    patient_email = $9,
		    patient_phone = $10,
		    patient_country = $11,
		    doctor_id = $12,
		    doctor_name = $13,
		    meeting_link = $14,
		    intake = $15,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING `+appointmentColumns,
		a.ID, a.ConsultationType, a.Price.Amount.String(), a.Price.Currency, a.Price.Symbol, a.Price.Region, a.Price.Discounted,
		a.Patient.Name, a.Patient.Email, a.Patient.Phone, a.Patient.Country,
		a.Doctor.ID, a.Doctor.Name, a.MeetingLink, intake,
	)
	return scanAppointment(row)
}

// Release frees a slot whose placeholder was never finalized.
func (r *PgRepository) Release(ctx context.Context, date time.Time, timeSlot string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE appointment_date = $1
		  AND time_slot = $2
		  AND status = 'pending'
	`, date, timeSlot)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (r *PgRepository) ReleaseStalePending(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE status = 'pending'
		  AND created_at < $1
		RETURNING id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("release stale placeholders: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PgRepository) ReservedSlots(ctx context.Context, date time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT time_slot
		FROM appointments
		WHERE appointment_date = $1
		  AND status <> 'cancelled'
		ORDER BY time_slot
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		result = append(result, label)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) CountActiveByPatient(ctx context.Context, patientID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE patient_id = $1
		  AND status <> 'cancelled'
	`, patientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count patient appointments: %w", err)
	}
	return n, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByOrderRef(ctx context.Context, orderRef string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE order_ref = $1
		  AND status <> 'cancelled'
	`, orderRef)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND status <> 'pending'
		ORDER BY appointment_date DESC, created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, order_ref, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.OrderRef, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
