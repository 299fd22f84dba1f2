/**
 * @description
 * This package provides a client for the mobile-money provider's collection and
 * disbursement API. It encapsulates authenticated HTTP requests for deposits
 * (collections from a payer's wallet) and payouts (disbursements to a wallet),
 * request body construction, and response parsing.
 *
 * Every request carries the ledger transaction id as its idempotency key so a
 * retried initiation never charges or pays the wallet twice.
 */
package momoclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultCurrency    = "XAF"
	DefaultCountryCode = "237"
	DefaultTimeout     = 15 * time.Second
)

// Provider-side payment statuses.
const (
	StatusCreated    = "CREATED"
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusSuccessful = "SUCCESSFUL"
	StatusFailed     = "FAILED"
	StatusRejected   = "REJECTED"
	StatusCancelled  = "CANCELLED"
	StatusExpired    = "EXPIRED"
	StatusReversed   = "REVERSED"
	StatusRefunded   = "REFUNDED"
)

// ErrInvalidPhone is returned when a number cannot be turned into an MSISDN.
var ErrInvalidPhone = errors.New("invalid msisdn")

// Client is a client for the mobile-money provider API.
type Client struct {
	BaseURL     string
	APIKey      string
	Currency    string
	CountryCode string
	HTTPClient  *http.Client
}

// NewClient creates a new provider client. A non-positive timeout uses DefaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:      apiKey,
		Currency:    DefaultCurrency,
		CountryCode: DefaultCountryCode,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// PaymentRequest is the payload for both collections and disbursements.
// Amount is in the currency's smallest unit.
type PaymentRequest struct {
	ExternalID  string `json:"external_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	MSISDN      string `json:"msisdn"`
	Carrier     string `json:"carrier"`
	Description string `json:"description,omitempty"`
}

// PaymentResponse is the provider's view of one payment.
type PaymentResponse struct {
	Reference  string `json:"reference"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Message    string `json:"message,omitempty"`
}

// ErrorResponse represents an error from the provider API.
type ErrorResponse struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Code != "" || e.Message != "" {
		return fmt.Sprintf("momo api error (status %d): %s - %s", e.HTTPStatus, e.Code, e.Message)
	}
	return fmt.Sprintf("unknown momo api error (status %d)", e.HTTPStatus)
}

// IsClientError reports whether the provider refused the request itself, as opposed
// to failing to process it. Timeouts and throttling are retryable and excluded.
func (e *ErrorResponse) IsClientError() bool {
	switch e.HTTPStatus {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.HTTPStatus >= 400 && e.HTTPStatus < 500
}

// FormatMSISDN strips formatting from a local or international number and prefixes the
// country calling code when it is missing.
func (c *Client) FormatMSISDN(phone string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(strings.TrimSpace(phone))
	cleaned = strings.TrimPrefix(cleaned, "+")
	cleaned = strings.TrimPrefix(cleaned, "00")
	if cleaned == "" {
		return "", ErrInvalidPhone
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", ErrInvalidPhone
		}
	}

	countryCode := c.CountryCode
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	if !strings.HasPrefix(cleaned, countryCode) {
		cleaned = countryCode + cleaned
	}
	if len(cleaned) < len(countryCode)+8 || len(cleaned) > 15 {
		return "", ErrInvalidPhone
	}
	return cleaned, nil
}

// InitiateDeposit asks the provider to collect funds from the payer's wallet.
func (c *Client) InitiateDeposit(ctx context.Context, req PaymentRequest) (*PaymentResponse, error) {
	return c.doPayment(ctx, "initiate_deposit", "/deposits", req)
}

// GetDeposit fetches the current status of a collection by its external id.
func (c *Client) GetDeposit(ctx context.Context, externalID string) (*PaymentResponse, error) {
	return c.getPayment(ctx, "get_deposit", "/deposits/", externalID)
}

// InitiatePayout asks the provider to pay funds out to a wallet.
func (c *Client) InitiatePayout(ctx context.Context, req PaymentRequest) (*PaymentResponse, error) {
	return c.doPayment(ctx, "initiate_payout", "/payouts", req)
}

// GetPayout fetches the current status of a disbursement by its external id.
func (c *Client) GetPayout(ctx context.Context, externalID string) (*PaymentResponse, error) {
	return c.getPayment(ctx, "get_payout", "/payouts/", externalID)
}

// doPayment is a generic helper function to execute payment initiation requests.
func (c *Client) doPayment(ctx context.Context, op, path string, payload PaymentRequest) (*PaymentResponse, error) {
	if payload.Currency == "" {
		payload.Currency = c.Currency
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.ExternalID)

	return c.do(req, op)
}

func (c *Client) getPayment(ctx context.Context, op, prefix, externalID string) (*PaymentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+prefix+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	return c.do(req, op)
}

func (c *Client) do(req *http.Request, op string) (*PaymentResponse, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{HTTPStatus: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=momo_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return nil, &ErrorResponse{HTTPStatus: resp.StatusCode}
		}
		errResp.HTTPStatus = resp.StatusCode
		log.Printf("level=warn component=momo_client op=%s status=%d code=%q message=%q", op, resp.StatusCode, errResp.Code, errResp.Message)
		return nil, &errResp
	}

	var payment PaymentResponse
	if err := json.Unmarshal(bodyBytes, &payment); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	if strings.TrimSpace(payment.Status) == "" {
		return nil, fmt.Errorf("failed to decode %s response: missing status", op)
	}
	payment.Status = strings.ToUpper(strings.TrimSpace(payment.Status))
	return &payment, nil
}
