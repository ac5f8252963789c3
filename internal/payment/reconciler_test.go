package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-slot-engine/internal/appointment"
	"github.com/hackgods/telehealth-slot-engine/internal/identity"
	"github.com/hackgods/telehealth-slot-engine/internal/pricing"
	redisclient "github.com/hackgods/telehealth-slot-engine/internal/redis"
	"github.com/hackgods/telehealth-slot-engine/internal/retry"
)

func testOrder(ref string) *Order {
	price, _ := pricing.Quote("initial", "IN", "INR")
	pid := uuid.New()
	return &Order{
		Ref:       ref,
		PatientID: pid,
		Booking: BookingIntent{
			Date:             "2025-10-05",
			TimeSlot:         "06:00 PM",
			ConsultationType: "initial",
			Patient:          appointment.Patient{ID: pid, Name: "Asha", Country: "IN"},
			Price:            price,
		},
		Status:    OrderCreated,
		CreatedAt: time.Now(),
	}
}

func newTestReconciler(store OrderStore, gw Gateway, booker Booker, locker OrderLocker, esc SupportEscalator) *Reconciler {
	return NewReconciler(store, gw, booker, locker, esc, ReconcilerConfig{
		Retry:       retry.Config{MaxAttempts: 8, Interval: time.Millisecond},
		CallTimeout: time.Second,
	}, nil, nil)
}

func TestVerifyPendingTwiceThenSuccessBooksOnce(t *testing.T) {
	store := newMemStore(testOrder("order_1"))
	gw := &scriptGateway{statuses: []ProviderStatus{ProviderActive, ProviderActive, ProviderPaid}}
	booker := newFakeBooker()
	r := newTestReconciler(store, gw, booker, nil, nil)

	appt, err := r.VerifyAndMaterialize(context.Background(), "order_1")
	require.NoError(t, err)
	require.NotNil(t, appt)
	assert.Equal(t, 3, gw.callCount())
	assert.Equal(t, 1, booker.bookCount())
	assert.Equal(t, OrderSuccess, store.status("order_1"))

	again, err := r.VerifyAndMaterialize(context.Background(), "order_1")
	require.NoError(t, err)
	assert.Equal(t, appt.ID, again.ID)
	assert.Equal(t, 1, booker.bookCount())
	assert.Equal(t, 3, gw.callCount(), "materialized orders are not re-polled")
}

func TestVerifyConcurrentDuplicatesBookOnce(t *testing.T) {
	store := newMemStore(testOrder("order_1"))
	gw := &scriptGateway{statuses: []ProviderStatus{ProviderPaid}}
	booker := newFakeBooker()
	r := newTestReconciler(store, gw, booker, nil, nil)

	const n = 10
	ids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			appt, err := r.VerifyAndMaterialize(context.Background(), "order_1")
			if assert.NoError(t, err) {
				ids[i] = appt.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, booker.bookCount())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestVerifyFailedMarksOrder(t *testing.T) {
	store := newMemStore(testOrder("order_1"))
	gw := &scriptGateway{statuses: []ProviderStatus{ProviderActive, ProviderExpired}}
	booker := newFakeBooker()
	r := newTestReconciler(store, gw, booker, nil, nil)

	_, err := r.VerifyAndMaterialize(context.Background(), "order_1")
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, OrderFailed, store.status("order_1"))
	assert.Equal(t, 0, booker.bookCount())

	_, err = r.VerifyAndMaterialize(context.Background(), "order_1")
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, 2, gw.callCount())
}

func TestVerifyExhaustsToPending(t *testing.T) {
	store := newMemStore(testOrder("order_1"))
	gw := &scriptGateway{
		statuses: []ProviderStatus{ProviderActive},
		errs:     []error{errors.New("timeout"), nil, errors.New("502")},
	}
	r := newTestReconciler(store, gw, newFakeBooker(), nil, nil)

	_, err := r.VerifyAndMaterialize(context.Background(), "order_1")
	assert.ErrorIs(t, err, ErrPaymentPending)
	assert.Equal(t, 8, gw.callCount())
	assert.Equal(t, OrderCreated, store.status("order_1"))

	// Still reconcilable later.
	gw.statuses = []ProviderStatus{ProviderPaid}
	appt, err := r.VerifyAndMaterialize(context.Background(), "order_1")
	require.NoError(t, err)
	assert.NotNil(t, appt)
}

func TestVerifySlotLostIsPaidButUnbooked(t *testing.T) {
	store := newMemStore(testOrder("order_1"))
	gw := &scriptGateway{statuses: []ProviderStatus{ProviderPaid}}
	booker := newFakeBooker()
	booker.takeSlot("2025-10-05", "06:00 PM")
	esc := &recordingEscalator{}
	r := newTestReconciler(store, gw, booker, nil, esc)

	_, err := r.VerifyAndMaterialize(context.Background(), "order_1")
	assert.ErrorIs(t, err, ErrPaidButUnbooked)
	assert.Equal(t, OrderNeedsReassignment, store.status("order_1"))
	assert.Len(t, esc.reasons, 1)
	assert.Contains(t, booker.events, EventPaidButUnbooked)

	_, err = r.VerifyAndMaterialize(context.Background(), "order_1")
	assert.ErrorIs(t, err, ErrPaidButUnbooked)
	assert.Equal(t, 1, gw.callCount())
}

type busyLocker struct{}

func (busyLocker) WithOrderLock(context.Context, string, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func TestVerifyInFlightIsPending(t *testing.T) {
	store := newMemStore(testOrder("order_1"))
	gw := &scriptGateway{statuses: []ProviderStatus{ProviderPaid}}
	r := newTestReconciler(store, gw, newFakeBooker(), busyLocker{}, nil)

	_, err := r.VerifyAndMaterialize(context.Background(), "order_1")
	assert.ErrorIs(t, err, ErrPaymentPending)
	assert.Equal(t, 0, gw.callCount())
}

func TestVerifyForCallerChecksOwner(t *testing.T) {
	o := testOrder("order_1")
	store := newMemStore(o)
	gw := &scriptGateway{statuses: []ProviderStatus{ProviderPaid}}
	r := newTestReconciler(store, gw, newFakeBooker(), nil, nil)

	_, err := r.VerifyForCaller(context.Background(), identity.Caller{PatientID: uuid.New()}, "order_1")
	assert.ErrorIs(t, err, ErrNotOrderOwner)

	_, err = r.VerifyForCaller(context.Background(), identity.Caller{PatientID: o.PatientID}, "order_1")
	assert.NoError(t, err)

	_, err = r.VerifyForCaller(context.Background(), identity.Caller{PatientID: o.PatientID}, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSweepReconcilesAndDropsAbandoned(t *testing.T) {
	paid := testOrder("order_paid")
	stale := testOrder("order_stale")
	stale.Booking.TimeSlot = "07:00 PM"
	stale.CreatedAt = time.Now().Add(-48 * time.Hour)

	store := newMemStore(paid, stale)
	gw := &perOrderGateway{statuses: map[string]ProviderStatus{"order_paid": ProviderPaid, "order_stale": ProviderActive}}
	booker := newFakeBooker()
	r := newTestReconciler(store, gw, booker, nil, nil)

	stats, err := NewSweeper(store, r, 24*time.Hour, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Reconciled)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, OrderDropped, store.status("order_stale"))
	assert.Equal(t, 1, booker.bookCount())
}

type perOrderGateway struct {
	statuses map[string]ProviderStatus
}

func (g *perOrderGateway) CreateOrder(context.Context, CreateOrderRequest) (*ProviderOrder, error) {
	return nil, errors.New("not used")
}

func (g *perOrderGateway) GetOrder(_ context.Context, ref string) (*ProviderOrder, error) {
	return &ProviderOrder{OrderID: ref, OrderStatus: g.statuses[ref]}, nil
}

// slowBooker holds a pending placeholder for the order until proceed is
// closed, then fails to finalize and releases it, like a dropped connection
// between reserve and finalize. Later calls book normally.
type slowBooker struct {
	*fakeBooker
	mu       sync.Mutex
	inflight map[string]bool
	reserved chan struct{}
	proceed  chan struct{}
	failed   bool
}

func newSlowBooker() *slowBooker {
	return &slowBooker{
		fakeBooker: newFakeBooker(),
		inflight:   map[string]bool{},
		reserved:   make(chan struct{}),
		proceed:    make(chan struct{}),
	}
}

func (b *slowBooker) Book(ctx context.Context, req appointment.BookingRequest) (*appointment.Appointment, error) {
	b.mu.Lock()
	first := !b.failed
	b.failed = true
	if first {
		b.inflight[req.OrderRef] = true
	}
	b.mu.Unlock()

	if !first {
		return b.fakeBooker.Book(ctx, req)
	}

	close(b.reserved)
	<-b.proceed

	b.mu.Lock()
	delete(b.inflight, req.OrderRef)
	b.mu.Unlock()
	return nil, errors.New("finalize appointment: conn reset")
}

func (b *slowBooker) AppointmentForOrder(ctx context.Context, ref string) (*appointment.Appointment, error) {
	b.mu.Lock()
	busy := b.inflight[ref]
	b.mu.Unlock()
	if busy {
		return nil, appointment.ErrBookingInProgress
	}
	return b.fakeBooker.AppointmentForOrder(ctx, ref)
}

func TestVerifyDuringInFlightBookingStaysPending(t *testing.T) {
	store := newMemStore(testOrder("order_1"))
	gw := &scriptGateway{statuses: []ProviderStatus{ProviderPaid}}
	booker := newSlowBooker()
	r := newTestReconciler(store, gw, booker, nil, nil)

	firstErr := make(chan error, 1)
	go func() {
		_, err := r.VerifyAndMaterialize(context.Background(), "order_1")
		firstErr <- err
	}()
	<-booker.reserved

	appt, err := r.VerifyAndMaterialize(context.Background(), "order_1")
	assert.ErrorIs(t, err, ErrPaymentPending)
	assert.Nil(t, appt)

	o, err := store.GetOrder(context.Background(), "order_1")
	require.NoError(t, err)
	assert.Nil(t, o.AppointmentID, "order must not point at an unfinalized placeholder")

	close(booker.proceed)
	err = <-firstErr
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPaidButUnbooked)

	open, err := store.ListUnreconciled(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "order_1", open[0].Ref)

	stats, err := NewSweeper(store, r, 24*time.Hour, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reconciled)
	assert.Equal(t, 1, booker.bookCount())
	assert.Equal(t, OrderSuccess, store.status("order_1"))
}

func TestVerifyRunsWithoutLockWhenRedisIsDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	store := newMemStore(testOrder("order_1"))
	gw := &scriptGateway{statuses: []ProviderStatus{ProviderPaid}}
	booker := newFakeBooker()
	r := newTestReconciler(store, gw, booker, redisclient.NewOrderLocker(client, time.Minute), nil)

	appt, err := r.VerifyAndMaterialize(context.Background(), "order_1")
	require.NoError(t, err)
	require.NotNil(t, appt)
	assert.Equal(t, 1, gw.callCount())
	assert.Equal(t, 1, booker.bookCount())
}
