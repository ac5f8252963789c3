package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/logging"
	"github.com/hackgods/telehealth-slot-engine/internal/retry"
)

const defaultAPIVersion = "2023-08-01"

// ProviderStatus is the order status reported by the payment provider.
type ProviderStatus string

const (
	ProviderPaid       ProviderStatus = "PAID"
	ProviderActive     ProviderStatus = "ACTIVE"
	ProviderExpired    ProviderStatus = "EXPIRED"
	ProviderTerminated ProviderStatus = "TERMINATED"
	ProviderFailed     ProviderStatus = "FAILED"
	ProviderCancelled  ProviderStatus = "CANCELLED"
)

// Outcome classifies a provider status. Anything unrecognised is pending.
func (s ProviderStatus) Outcome() retry.Status {
	switch ProviderStatus(strings.ToUpper(string(s))) {
	case ProviderPaid:
		return retry.StatusSuccess
	case ProviderExpired, ProviderTerminated, ProviderFailed, ProviderCancelled:
		return retry.StatusFailure
	}
	return retry.StatusPending
}

// Gateway is the external payment collaborator.
type Gateway interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*ProviderOrder, error)
	GetOrder(ctx context.Context, orderRef string) (*ProviderOrder, error)
}

type Customer struct {
	ID    string `json:"customer_id"`
	Name  string `json:"customer_name,omitempty"`
	Email string `json:"customer_email,omitempty"`
	Phone string `json:"customer_phone"`
}

type OrderMeta struct {
	ReturnURL string `json:"return_url,omitempty"`
}

type CreateOrderRequest struct {
	OrderID       string            `json:"order_id"`
	OrderAmount   float64           `json:"order_amount"`
	OrderCurrency string            `json:"order_currency"`
	Customer      Customer          `json:"customer_details"`
	Meta          OrderMeta         `json:"order_meta"`
	Note          string            `json:"order_note,omitempty"`
	Tags          map[string]string `json:"order_tags,omitempty"`
}

type ProviderOrder struct {
	OrderID          string         `json:"order_id"`
	PaymentSessionID string         `json:"payment_session_id,omitempty"`
	OrderStatus      ProviderStatus `json:"order_status"`
	OrderAmount      float64        `json:"order_amount,omitempty"`
	OrderCurrency    string         `json:"order_currency,omitempty"`
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment provider returned %d: %s", e.StatusCode, e.Body)
}

// Config controls how the provider client behaves.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	APIVersion   string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client talks to the provider's order API.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	apiVersion   string
	httpClient   *http.Client
	logger       *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("payment: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	version := cfg.APIVersion
	if version == "" {
		version = defaultAPIVersion
	}
	return &Client{
		baseURL:      baseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		apiVersion:   version,
		httpClient:   httpClient,
		logger:       logging.OrNop(cfg.Logger),
	}, nil
}

func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*ProviderOrder, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("payment: encode order: %w", err)
	}
	var out ProviderOrder
	if err := c.invoke(ctx, http.MethodPost, "/orders", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetOrder(ctx context.Context, orderRef string) (*ProviderOrder, error) {
	var out ProviderOrder
	if err := c.invoke(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderRef), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) invoke(ctx context.Context, method, path string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("payment: build request: %w", err)
	}
	req.Header.Set("x-client-id", c.clientID)
	req.Header.Set("x-client-secret", c.clientSecret)
	req.Header.Set("x-api-version", c.apiVersion)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payment: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("payment: read response: %w", err)
	}

	c.logger.Debug("payment provider call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("payment: decode response: %w", err)
		}
	}
	return nil
}
