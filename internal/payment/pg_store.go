package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/telehealth-slot-engine/internal/db"
)

const orderColumns = `order_ref, fingerprint, patient_id, booking, status, payment_session_id, appointment_id, created_at, updated_at`

type PgStore struct {
	pool db.Querier
}

func NewPgStore(pool db.Querier) *PgStore {
	return &PgStore{pool: pool}
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var booking []byte

	err := row.Scan(
		&o.Ref,
		&o.Fingerprint,
		&o.PatientID,
		&booking,
		&o.Status,
		&o.PaymentSessionID,
		&o.AppointmentID,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(booking, &o.Booking); err != nil {
		return nil, fmt.Errorf("decode booking intent: %w", err)
	}
	return &o, nil
}

func (s *PgStore) CreateOrder(ctx context.Context, o *Order) error {
	booking, err := json.Marshal(o.Booking)
	if err != nil {
		return fmt.Errorf("encode booking intent: %w", err)
	}

	date, err := time.Parse("2006-01-02", o.Booking.Date)
	if err != nil {
		return fmt.Errorf("order date: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO payment_orders (
			order_ref, fingerprint, appointment_date, time_slot, consultation_type, patient_id,
			amount, currency, discounted, status, booking, payment_session_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, now(), now())
	`,
		o.Ref, o.Fingerprint, date, o.Booking.TimeSlot, o.Booking.ConsultationType, o.PatientID,
		o.Booking.Price.Amount.String(), o.Booking.Price.Currency, o.Booking.Price.Discounted,
		o.Status, booking, o.PaymentSessionID,
	)
	if err != nil {
		return fmt.Errorf("insert payment order: %w", err)
	}
	return nil
}

func (s *PgStore) GetOrder(ctx context.Context, ref string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM payment_orders
		WHERE order_ref = $1
	`, ref)
	return scanOrder(row)
}

func (s *PgStore) FindOpenByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM payment_orders
		WHERE fingerprint = $1
		  AND status = 'created'
		  AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1
	`, fingerprint, since)
	return scanOrder(row)
}

func (s *PgStore) MarkStatus(ctx context.Context, ref string, to OrderStatus, from ...OrderStatus) (bool, error) {
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_orders
		SET status = $2,
		    updated_at = now()
		WHERE order_ref = $1
		  AND status = ANY($3)
	`, ref, to, allowed)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) AttachAppointment(ctx context.Context, ref string, appointmentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE payment_orders
		SET appointment_id = $2,
		    status = 'success',
		    updated_at = now()
		WHERE order_ref = $1
		  AND (
		    appointment_id IS NULL
		    OR appointment_id = $2
		    OR NOT EXISTS (
		      SELECT 1 FROM appointments a
		      WHERE a.id = payment_orders.appointment_id
		        AND a.status <> 'cancelled'
		    )
		  )
	`, ref, appointmentID)
	if err != nil {
		return fmt.Errorf("attach appointment: %w", err)
	}
	return nil
}

func (s *PgStore) ListUnreconciled(ctx context.Context, limit int) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM payment_orders
		WHERE status IN ('created', 'success')
		  AND NOT EXISTS (
		    SELECT 1 FROM appointments a
		    WHERE a.id = payment_orders.appointment_id
		      AND a.status IN ('confirmed', 'completed')
		  )
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
