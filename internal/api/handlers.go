package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/appointment"
	"github.com/hackgods/telehealth-slot-engine/internal/identity"
	"github.com/hackgods/telehealth-slot-engine/internal/metrics"
	"github.com/hackgods/telehealth-slot-engine/internal/payment"
	"github.com/hackgods/telehealth-slot-engine/internal/retry"
	"github.com/hackgods/telehealth-slot-engine/internal/slots"
)

const (
	maxBodyBytes    = 64 << 10
	maxWebhookBytes = 1 << 20
)

var validate = validator.New()

// BookingService is the booking coordinator as seen by the HTTP layer.
type BookingService interface {
	Availability(ctx context.Context, date, timezone, tier string) ([]slots.OfferedSlot, error)
	Book(ctx context.Context, req appointment.BookingRequest) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, caller identity.Caller, id uuid.UUID) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, caller identity.Caller, limit, offset int) ([]appointment.Appointment, error)
}

type OrderService interface {
	CreateOrder(ctx context.Context, caller identity.Caller, in payment.CreateOrderInput) (*payment.OrderHandle, error)
}

type PaymentVerifier interface {
	VerifyForCaller(ctx context.Context, caller identity.Caller, orderRef string) (*appointment.Appointment, error)
	Reconcile(ctx context.Context, orderRef string, poll retry.Config) (*appointment.Appointment, error)
}

// webhookPoll asks the provider once per delivery. An order still pending
// is left to the sweep instead of holding the provider's request open.
var webhookPoll = retry.Config{MaxAttempts: 1}

type Handler struct {
	bookings       BookingService
	orders         OrderService
	payments       PaymentVerifier
	webhook        payment.WebhookVerifier
	metrics        *metrics.EngineMetrics
	logger         *zap.Logger
	supportContact string
}

func (h *Handler) availabilityHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := q.Get("date")
	if date == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "date is required")
		return
	}
	tier := q.Get("tier")
	if tier == "" {
		tier = string(slots.TierRegular)
	}

	offered, err := h.bookings.Availability(r.Context(), date, q.Get("timezone"), tier)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AvailabilityResponse{
		Date:     date,
		Timezone: q.Get("timezone"),
		Tier:     tier,
		Slots:    offered,
	})
}

func (h *Handler) createAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	appt, err := h.bookings.Book(r.Context(), appointment.BookingRequest{
		Caller:           CallerFrom(r.Context()),
		Date:             req.Date,
		TimeSlot:         req.TimeSlot,
		ConsultationType: req.ConsultationType,
		Currency:         req.Currency,
		Timezone:         req.Timezone,
		Tier:             req.Tier,
		Intake:           req.Intake.toIntake(),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *Handler) getAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid appointment id")
		return
	}

	appt, err := h.bookings.GetAppointment(r.Context(), CallerFrom(r.Context()), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handler) listAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	list, err := h.bookings.ListAppointments(r.Context(), CallerFrom(r.Context()), limit, offset)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := AppointmentListResponse{
		Appointments: make([]AppointmentResponse, 0, len(list)),
		Limit:        limit,
		Offset:       offset,
	}
	for i := range list {
		resp.Appointments = append(resp.Appointments, toAppointmentResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	handle, err := h.orders.CreateOrder(r.Context(), CallerFrom(r.Context()), payment.CreateOrderInput{
		ConsultationType: req.ConsultationType,
		Date:             req.Date,
		TimeSlot:         req.TimeSlot,
		Currency:         req.Currency,
		Timezone:         req.Timezone,
		Tier:             req.Tier,
		Intake:           req.Intake.toIntake(),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, handle)
}

func (h *Handler) verifyOrderHandler(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "id")

	appt, err := h.payments.VerifyForCaller(r.Context(), CallerFrom(r.Context()), ref)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := toAppointmentResponse(appt)
	writeJSON(w, http.StatusOK, VerifyResponse{
		OrderRef:    ref,
		Status:      "success",
		Appointment: &resp,
	})
}

// webhookHandler acknowledges every delivery it has fully processed,
// including failed payments, so the provider stops redelivering. Only
// infrastructure errors return 5xx.
func (h *Handler) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.metrics.ObserveWebhook("unreadable")
		writeError(w, http.StatusBadRequest, "invalid_payload", "could not read body")
		return
	}

	if err := h.webhook.Verify(r.Header.Get("x-webhook-timestamp"), r.Header.Get("x-webhook-signature"), body); err != nil {
		h.metrics.ObserveWebhook("rejected")
		h.logger.Warn("webhook signature rejected",
			zap.Error(err),
			zap.String("request_id", GetRequestID(r.Context())),
		)
		writeError(w, http.StatusUnauthorized, "invalid_signature", "")
		return
	}

	ev, err := payment.ParseWebhook(body)
	if err != nil {
		h.metrics.ObserveWebhook("malformed")
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	ref := ev.Data.Order.OrderID

	appt, err := h.payments.Reconcile(r.Context(), ref, webhookPoll)
	switch {
	case err == nil:
		h.metrics.ObserveWebhook("success")
		resp := toAppointmentResponse(appt)
		writeJSON(w, http.StatusOK, VerifyResponse{OrderRef: ref, Status: "success", Appointment: &resp})
	case errors.Is(err, payment.ErrPaymentPending):
		h.metrics.ObserveWebhook("pending")
		writeJSON(w, http.StatusAccepted, VerifyResponse{OrderRef: ref, Status: "pending"})
	case errors.Is(err, payment.ErrPaymentFailed):
		h.metrics.ObserveWebhook("failed")
		writeJSON(w, http.StatusOK, VerifyResponse{OrderRef: ref, Status: "failed"})
	case errors.Is(err, payment.ErrPaidButUnbooked):
		h.metrics.ObserveWebhook("paid_but_unbooked")
		writeJSON(w, http.StatusOK, VerifyResponse{OrderRef: ref, Status: "paid_but_unbooked", SupportContact: h.supportContact})
	case errors.Is(err, payment.ErrOrderNotFound):
		h.metrics.ObserveWebhook("unknown_order")
		writeError(w, http.StatusNotFound, "not_found", "unknown order")
	default:
		h.metrics.ObserveWebhook("error")
		h.writeEngineError(w, r, err)
	}
}

// writeEngineError maps engine errors to HTTP responses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *payment.APIError

	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
	case errors.Is(err, appointment.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, payment.ErrPaidButUnbooked):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:          "paid_but_unbooked",
			Details:        "your payment was received but the slot was taken; our support team will reschedule you",
			SupportContact: h.supportContact,
		})
	case errors.Is(err, appointment.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_already_booked", "this slot is already booked, please pick another")
	case errors.Is(err, payment.ErrPaymentPending):
		writeError(w, http.StatusAccepted, "payment_pending", "payment is still being confirmed")
	case errors.Is(err, payment.ErrPaymentFailed):
		writeError(w, http.StatusPaymentRequired, "payment_failed", "payment did not complete, please start checkout again")
	case errors.Is(err, appointment.ErrAppointmentNotFound), errors.Is(err, payment.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointment.ErrForbidden), errors.Is(err, payment.ErrNotOrderOwner):
		writeError(w, http.StatusForbidden, "forbidden", "")
	case errors.As(err, &apiErr):
		h.logger.Error("payment provider error",
			zap.Error(err),
			zap.String("request_id", GetRequestID(r.Context())),
		)
		writeError(w, http.StatusBadGateway, "payment_provider_error", "")
	default:
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("request_id", GetRequestID(r.Context())),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
