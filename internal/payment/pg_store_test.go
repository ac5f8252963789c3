package payment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgStoreMarkStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE payment_orders\s+SET status = \$2`).
		WithArgs("order_1", OrderFailed, []string{"created"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	changed, err := NewPgStore(mock).MarkStatus(context.Background(), "order_1", OrderFailed, OrderCreated)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreCreateOrder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	o := testOrder("order_1")
	o.Fingerprint = "fp"
	mock.ExpectExec(`INSERT INTO payment_orders`).
		WithArgs("order_1", "fp", pgxmock.AnyArg(), "06:00 PM", "initial", o.PatientID,
			"999", "INR", false, OrderCreated, pgxmock.AnyArg(), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewPgStore(mock).CreateOrder(context.Background(), o))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreGetOrderMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM payment_orders\s+WHERE order_ref = \$1`).
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"order_ref"}))

	_, err = NewPgStore(mock).GetOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPgStoreListUnreconciledIncludesReleasedAppointments(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	o := testOrder("order_1")
	booking, err := json.Marshal(o.Booking)
	require.NoError(t, err)
	stale := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`WHERE status IN \('created', 'success'\)\s+AND NOT EXISTS \(\s+SELECT 1 FROM appointments a\s+WHERE a.id = payment_orders.appointment_id\s+AND a.status IN \('confirmed', 'completed'\)`).
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows([]string{"order_ref", "fingerprint", "patient_id", "booking", "status", "payment_session_id", "appointment_id", "created_at", "updated_at"}).
			AddRow("order_1", "fp", o.PatientID, booking, OrderSuccess, "sess", &stale, now, now))

	orders, err := NewPgStore(mock).ListUnreconciled(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, OrderSuccess, orders[0].Status)
	assert.Equal(t, "06:00 PM", orders[0].Booking.TimeSlot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreAttachAppointmentReplacesReleasedLink(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectExec(`OR NOT EXISTS \(\s+SELECT 1 FROM appointments a\s+WHERE a.id = payment_orders.appointment_id\s+AND a.status <> 'cancelled'`).
		WithArgs("order_1", id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, NewPgStore(mock).AttachAppointment(context.Background(), "order_1", id))
	assert.NoError(t, mock.ExpectationsWereMet())
}
