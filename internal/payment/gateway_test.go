package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-slot-engine/internal/retry"
)

func TestClientCreateAndGetOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "app-id", r.Header.Get("x-client-id"))
		assert.Equal(t, "app-secret", r.Header.Get("x-client-secret"))
		assert.NotEmpty(t, r.Header.Get("x-api-version"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/pg/orders":
			var req CreateOrderRequest
			if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			assert.Equal(t, "tlh_1", req.OrderID)
			assert.Equal(t, "INR", req.OrderCurrency)
			_ = json.NewEncoder(w).Encode(ProviderOrder{OrderID: req.OrderID, PaymentSessionID: "sess_1", OrderStatus: ProviderActive})
		case r.Method == http.MethodGet && r.URL.Path == "/pg/orders/tlh_1":
			_ = json.NewEncoder(w).Encode(ProviderOrder{OrderID: "tlh_1", OrderStatus: ProviderPaid})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"order not found"}`))
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/pg/", ClientID: "app-id", ClientSecret: "app-secret"})
	require.NoError(t, err)

	created, err := c.CreateOrder(context.Background(), CreateOrderRequest{OrderID: "tlh_1", OrderAmount: 799.2, OrderCurrency: "INR"})
	require.NoError(t, err)
	assert.Equal(t, "sess_1", created.PaymentSessionID)

	got, err := c.GetOrder(context.Background(), "tlh_1")
	require.NoError(t, err)
	assert.Equal(t, retry.StatusSuccess, got.OrderStatus.Outcome())

	_, err = c.GetOrder(context.Background(), "nope")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestProviderStatusOutcome(t *testing.T) {
	assert.Equal(t, retry.StatusSuccess, ProviderStatus("paid").Outcome())
	assert.Equal(t, retry.StatusPending, ProviderActive.Outcome())
	assert.Equal(t, retry.StatusPending, ProviderStatus("SOMETHING_NEW").Outcome())
	for _, s := range []ProviderStatus{ProviderExpired, ProviderTerminated, ProviderFailed, ProviderCancelled} {
		assert.Equal(t, retry.StatusFailure, s.Outcome(), s)
	}
}

func TestWebhookVerifier(t *testing.T) {
	now := time.Date(2025, 10, 5, 12, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	body := []byte(`{"type":"PAYMENT_SUCCESS_WEBHOOK","data":{"order":{"order_id":"tlh_1"}}}`)
	v := WebhookVerifier{Secret: "whsec", MaxSkew: 5 * time.Minute, Now: func() time.Time { return now }}

	require.NoError(t, v.Verify(ts, Sign("whsec", ts, body), body))

	tampered := []byte(`{"type":"PAYMENT_SUCCESS_WEBHOOK","data":{"order":{"order_id":"tlh_2"}}}`)
	assert.ErrorIs(t, v.Verify(ts, Sign("whsec", ts, body), tampered), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(ts, Sign("other", ts, body), body), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify("", "", body), ErrInvalidSignature)

	old := strconv.FormatInt(now.Add(-time.Hour).UnixMilli(), 10)
	assert.ErrorIs(t, v.Verify(old, Sign("whsec", old, body), body), ErrInvalidSignature)

	ev, err := ParseWebhook(body)
	require.NoError(t, err)
	assert.Equal(t, "tlh_1", ev.Data.Order.OrderID)

	_, err = ParseWebhook([]byte(`{"data":{}}`))
	assert.Error(t, err)
}
