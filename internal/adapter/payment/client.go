package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rl1809/ticket-sale/internal/core/domain"
	"github.com/rl1809/ticket-sale/internal/port"
)

var (
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

const defaultTimeout = 10 * time.Second

type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	MaxRetries  uint64
}

type paymentResponse struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
}

// Client reads payment outcomes from the provider's REST API.
type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	maxRetries uint64
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.AccessToken,
		http:       &http.Client{Timeout: timeout},
		maxRetries: cfg.MaxRetries,
	}
}

func (c *Client) GetStatus(ctx context.Context, paymentID string) (*port.PaymentStatus, error) {
	if paymentID == "" {
		return nil, ErrPaymentNotFound
	}

	var resp paymentResponse
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	err := backoff.Retry(func() error {
		err := c.fetch(ctx, paymentID, &resp)
		if err == nil || errors.Is(err, ErrProviderUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
	if err != nil {
		return nil, err
	}

	status, err := MapStatus(resp.Status)
	if err != nil {
		return nil, fmt.Errorf("payment %s status %q: %w", paymentID, resp.Status, err)
	}

	id := resp.ID
	if id == "" {
		id = paymentID
	}
	return &port.PaymentStatus{
		PaymentID:         id,
		Status:            status,
		ExternalReference: resp.ExternalReference,
	}, nil
}

func (c *Client) fetch(ctx context.Context, paymentID string, out *paymentResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrPaymentNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("payment provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode payment: %w", err)
	}
	return nil
}

// MapStatus folds the provider's payment states onto sale statuses.
func MapStatus(s string) (domain.SaleStatus, error) {
	switch strings.ToLower(s) {
	case "approved":
		return domain.SaleStatusApproved, nil
	case "rejected", "cancelled", "canceled", "expired":
		return domain.SaleStatusRejected, nil
	case "pending", "in_process", "in_mediation", "authorized":
		return domain.SaleStatusPending, nil
	}
	return "", domain.ErrInvalidPaymentStatus
}
