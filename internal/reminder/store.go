package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/telehealth-slot-engine/internal/db"
)

var ErrJobNotFound = errors.New("reminder job not found")

type Job struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	FireAt        time.Time  `json:"fire_at"`
	StartsAt      time.Time  `json:"starts_at"`
	PatientName   string     `json:"patient_name"`
	PatientEmail  string     `json:"patient_email"`
	MeetingLink   string     `json:"meeting_link"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}

// Store keeps reminder jobs durable. One job per appointment.
type Store interface {
	// Insert reports false when the appointment already has a job.
	Insert(ctx context.Context, j Job) (bool, error)
	// ClaimDue stamps up to limit due jobs as delivered and returns them.
	// A job is returned by at most one ClaimDue call.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// Unclaim reopens a job whose delivery failed.
	Unclaim(ctx context.Context, id uuid.UUID) error
}

const jobColumns = `id, appointment_id, fire_at, starts_at, patient_name, patient_email, meeting_link, delivered_at`

type PgStore struct {
	pool db.Querier
}

func NewPgStore(pool db.Querier) *PgStore {
	return &PgStore{pool: pool}
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.AppointmentID,
		&j.FireAt,
		&j.StartsAt,
		&j.PatientName,
		&j.PatientEmail,
		&j.MeetingLink,
		&j.DeliveredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (s *PgStore) Insert(ctx context.Context, j Job) (bool, error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO reminder_jobs (id, appointment_id, fire_at, starts_at, patient_name, patient_email, meeting_link, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (appointment_id) DO NOTHING
	`, j.ID, j.AppointmentID, j.FireAt, j.StartsAt, j.PatientName, j.PatientEmail, j.MeetingLink)
	if err != nil {
		return false, fmt.Errorf("insert reminder job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE reminder_jobs
		SET delivered_at = $1
		WHERE id IN (
			SELECT id
			FROM reminder_jobs
			WHERE delivered_at IS NULL
			  AND fire_at <= $1
			ORDER BY fire_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	defer rows.Close()

	var result []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *j)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *PgStore) Unclaim(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reminder_jobs
		SET delivered_at = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("unclaim reminder: %w", err)
	}
	return nil
}
