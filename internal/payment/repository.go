package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound   = errors.New("payment order not found")
	ErrPaymentPending  = errors.New("payment verification pending")
	ErrPaymentFailed   = errors.New("payment failed")
	ErrPaidButUnbooked = errors.New("payment succeeded but the slot could not be booked")
	ErrNotOrderOwner   = errors.New("order belongs to another patient")
)

// OrderStore persists PendingPaymentOrders.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, ref string) (*Order, error)
	FindOpenByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*Order, error)

	// MarkStatus moves an order to `to` only from one of `from`. It reports
	// whether a row changed.
	MarkStatus(ctx context.Context, ref string, to OrderStatus, from ...OrderStatus) (bool, error)
	AttachAppointment(ctx context.Context, ref string, appointmentID uuid.UUID) error

	// ListUnreconciled returns created or success orders not backed by a
	// confirmed appointment, including ones pointing at a released row.
	ListUnreconciled(ctx context.Context, limit int) ([]Order, error)
}
