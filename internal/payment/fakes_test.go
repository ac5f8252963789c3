package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-slot-engine/internal/appointment"
)

type memStore struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func newMemStore(orders ...*Order) *memStore {
	s := &memStore{orders: map[string]*Order{}}
	for _, o := range orders {
		s.orders[o.Ref] = o
	}
	return s
}

func (s *memStore) CreateOrder(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.orders[o.Ref] = &cp
	return nil
}

func (s *memStore) GetOrder(_ context.Context, ref string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[ref]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) FindOpenByFingerprint(_ context.Context, fp string, since time.Time) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.Fingerprint == fp && o.Status == OrderCreated && !o.CreatedAt.Before(since) {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (s *memStore) MarkStatus(_ context.Context, ref string, to OrderStatus, from ...OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[ref]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if o.Status == f {
			o.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) AttachAppointment(_ context.Context, ref string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[ref]
	if !ok {
		return ErrOrderNotFound
	}
	if o.AppointmentID == nil {
		o.AppointmentID = &id
		o.Status = OrderSuccess
	}
	return nil
}

func (s *memStore) ListUnreconciled(_ context.Context, limit int) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if o.AppointmentID == nil && (o.Status == OrderCreated || o.Status == OrderSuccess) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) status(ref string) OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[ref].Status
}

// scriptGateway replays statuses in order and repeats the last one.
type scriptGateway struct {
	mu       sync.Mutex
	statuses []ProviderStatus
	errs     []error
	calls    int
	created  []CreateOrderRequest
}

func (g *scriptGateway) CreateOrder(_ context.Context, req CreateOrderRequest) (*ProviderOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	return &ProviderOrder{OrderID: req.OrderID, PaymentSessionID: "session_" + req.OrderID, OrderStatus: ProviderActive}, nil
}

func (g *scriptGateway) GetOrder(_ context.Context, ref string) (*ProviderOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	if i >= len(g.statuses) {
		i = len(g.statuses) - 1
	}
	return &ProviderOrder{OrderID: ref, OrderStatus: g.statuses[i]}, nil
}

func (g *scriptGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// fakeBooker enforces one live appointment per (date, slot) and per order.
type fakeBooker struct {
	mu      sync.Mutex
	bySlot  map[string]*appointment.Appointment
	byOrder map[string]*appointment.Appointment
	books   int
	events  []string
}

func newFakeBooker() *fakeBooker {
	return &fakeBooker{bySlot: map[string]*appointment.Appointment{}, byOrder: map[string]*appointment.Appointment{}}
}

func (b *fakeBooker) Book(_ context.Context, req appointment.BookingRequest) (*appointment.Appointment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := req.Date + " " + req.TimeSlot
	if _, taken := b.bySlot[key]; taken {
		return nil, appointment.ErrSlotConflict
	}
	ref := req.OrderRef
	a := &appointment.Appointment{
		ID:       uuid.New(),
		TimeSlot: req.TimeSlot,
		Status:   appointment.StatusConfirmed,
		Patient:  appointment.Patient{ID: req.Caller.PatientID},
		OrderRef: &ref,
	}
	if req.Charged != nil {
		a.Price = *req.Charged
	}
	b.bySlot[key] = a
	if ref != "" {
		b.byOrder[ref] = a
	}
	b.books++
	return a, nil
}

func (b *fakeBooker) AppointmentForOrder(_ context.Context, ref string) (*appointment.Appointment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.byOrder[ref]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return a, nil
}

func (b *fakeBooker) RecordEvent(_ context.Context, _ *uuid.UUID, _ string, eventType string, _ map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
}

func (b *fakeBooker) takeSlot(date, slot string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bySlot[date+" "+slot] = &appointment.Appointment{ID: uuid.New()}
}

func (b *fakeBooker) bookCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.books
}

type recordingEscalator struct {
	mu      sync.Mutex
	reasons []string
}

func (e *recordingEscalator) PaidButUnbooked(_ context.Context, _ *Order, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reasons = append(e.reasons, reason)
	return nil
}
