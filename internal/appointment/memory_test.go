package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memRepo is an in-memory Repository with the same atomicity as the
// partial unique index: one live row per (date, slot).
type memRepo struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]*Appointment
	events []EventLog

	finalizeErr error
	// afterReserve runs once a placeholder is stored.
	afterReserve func()
}

func newMemRepo() *memRepo {
	return &memRepo{rows: map[uuid.UUID]*Appointment{}}
}

func (m *memRepo) TryReserve(ctx context.Context, h Hold) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := 0
	for _, a := range m.rows {
		if a.Status == StatusCancelled {
			continue
		}
		if a.Date.Equal(h.Date) && a.TimeSlot == h.TimeSlot {
			return nil, ErrSlotConflict
		}
		if a.Patient.ID == h.PatientID {
			existing++
		}
	}

	id := uuid.New()
	a := &Appointment{ID: id, Date: h.Date, TimeSlot: h.TimeSlot, Status: StatusPending, Patient: Patient{ID: h.PatientID}, CreatedAt: time.Now()}
	if h.OrderRef != "" {
		ref := h.OrderRef
		a.OrderRef = &ref
	}
	m.rows[id] = a
	if m.afterReserve != nil {
		m.afterReserve()
	}
	return &Reservation{AppointmentID: id, FirstBooking: existing == 0}, nil
}

func (m *memRepo) Finalize(ctx context.Context, a *Appointment) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalizeErr != nil {
		return nil, m.finalizeErr
	}
	row, ok := m.rows[a.ID]
	if !ok || row.Status != StatusPending {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	out.Status = StatusConfirmed
	out.OrderRef = row.OrderRef
	out.CreatedAt = time.Now()
	out.UpdatedAt = out.CreatedAt
	m.rows[a.ID] = &out
	cp := out
	return &cp, nil
}

func (m *memRepo) Release(ctx context.Context, date time.Time, timeSlot string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if a.Status == StatusPending && a.Date.Equal(date) && a.TimeSlot == timeSlot {
			a.Status = StatusCancelled
		}
	}
	return nil
}

func (m *memRepo) ReleaseStalePending(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range m.rows {
		if a.Status == StatusPending && a.CreatedAt.Before(cutoff) {
			a.Status = StatusCancelled
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memRepo) ReservedSlots(_ context.Context, date time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, a := range m.rows {
		if a.Status != StatusCancelled && a.Date.Equal(date) {
			out = append(out, a.TimeSlot)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memRepo) CountActiveByPatient(_ context.Context, patientID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.rows {
		if a.Patient.ID == patientID && a.Status != StatusCancelled {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memRepo) GetAppointmentByOrderRef(_ context.Context, orderRef string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if a.Status != StatusCancelled && a.OrderRef != nil && *a.OrderRef == orderRef {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *memRepo) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.rows {
		if a.Patient.ID == patientID && a.Status != StatusPending {
			out = append(out, *a)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memRepo) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (m *memRepo) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.rows {
		if a.Status != StatusCancelled {
			n++
		}
	}
	return n
}
