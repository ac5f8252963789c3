package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// WebhookVerifier checks the provider signature over the raw payload:
// base64(HMAC-SHA256(secret, timestamp + body)).
type WebhookVerifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v WebhookVerifier) Verify(timestamp, signature string, body []byte) error {
	if v.Secret == "" {
		return fmt.Errorf("%w: secret not configured", ErrInvalidSignature)
	}
	ts := strings.TrimSpace(timestamp)
	sig := strings.TrimSpace(signature)
	if ts == "" || sig == "" {
		return fmt.Errorf("%w: missing timestamp or signature", ErrInvalidSignature)
	}

	if v.MaxSkew > 0 {
		n, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
		}
		// Milliseconds from the provider, seconds from older senders.
		sentAt := time.Unix(n, 0)
		if n > 1e12 {
			sentAt = time.UnixMilli(n)
		}
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		if diff := now().Sub(sentAt); diff > v.MaxSkew || diff < -v.MaxSkew {
			return fmt.Errorf("%w: timestamp skew %s", ErrInvalidSignature, diff)
		}
	}

	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write([]byte(ts))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("%w: mismatch", ErrInvalidSignature)
	}
	return nil
}

// Sign produces the signature Verify expects. Used by tests and the simulator.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type WebhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Order struct {
			OrderID string `json:"order_id"`
		} `json:"order"`
	} `json:"data"`
}

// ParseWebhook extracts the order reference. The payload's own payment
// status is never trusted; callers re-verify through the Gateway.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("decode webhook: %w", err)
	}
	if strings.TrimSpace(ev.Data.Order.OrderID) == "" {
		return ev, errors.New("webhook has no order id")
	}
	return ev, nil
}
