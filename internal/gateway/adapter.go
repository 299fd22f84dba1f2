/**
 * @description
 * Package gateway translates ledger intents into mobile-money provider calls and
 * maps provider answers back onto ledger outcomes. It never touches the ledger
 * itself; the caller decides which transition an outcome triggers.
 *
 * Business refusals come back as a non-accepted Initiation with a nil error.
 * Transport failures, 5xx answers and unreadable bodies come back as errors
 * wrapping domain.ErrGatewayUnavailable so the record can stay PENDING.
 *
 * @dependencies
 * - pkg/momoclient: HTTP client for the provider.
 * - github.com/shopspring/decimal: Money values.
 */
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/metrics"
	"github.com/coopbank/ledger-service/pkg/momoclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Supported carriers.
const (
	CarrierMTN    = "MTN"
	CarrierOrange = "ORANGE"
)

// ParseCarrier normalizes a carrier name.
func ParseCarrier(raw string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "MTN", "MTN_MOMO", "MOMO":
		return CarrierMTN, nil
	case "ORANGE", "ORANGE_MONEY", "OM":
		return CarrierOrange, nil
	default:
		return "", domain.ErrInvalidCarrier
	}
}

// ErrPaymentNotFound means the provider has no payment under the transaction id. It
// also wraps domain.ErrGatewayUnavailable, so status checks keep the record PENDING.
var ErrPaymentNotFound = errors.New("provider has no payment for this transaction")

// Initiation is the provider's answer to a deposit or payout request.
type Initiation struct {
	Accepted       bool
	Reference      string
	ProviderStatus string
	Message        string
	MSISDN         string
}

// Poll is the provider's current view of a payment, mapped onto a ledger status.
// Status is PENDING while the provider has not settled.
type Poll struct {
	Status         domain.TransactionStatus
	Reference      string
	ProviderStatus string
	Message        string
}

// Gateway is what the ledger needs from a mobile-money provider.
type Gateway interface {
	InitiateDeposit(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, phone, carrier string) (*Initiation, error)
	InitiatePayout(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, phone, carrier string) (*Initiation, error)
	PollDeposit(ctx context.Context, transactionID uuid.UUID) (*Poll, error)
	PollPayout(ctx context.Context, transactionID uuid.UUID) (*Poll, error)
}

// Provider is the subset of the momoclient API the adapter calls.
type Provider interface {
	FormatMSISDN(phone string) (string, error)
	InitiateDeposit(ctx context.Context, req momoclient.PaymentRequest) (*momoclient.PaymentResponse, error)
	GetDeposit(ctx context.Context, externalID string) (*momoclient.PaymentResponse, error)
	InitiatePayout(ctx context.Context, req momoclient.PaymentRequest) (*momoclient.PaymentResponse, error)
	GetPayout(ctx context.Context, externalID string) (*momoclient.PaymentResponse, error)
}

// Adapter implements Gateway on top of a Provider.
type Adapter struct {
	provider Provider
	metrics  *metrics.Metrics
}

// NewAdapter creates a gateway adapter. m may be nil.
func NewAdapter(provider Provider, m *metrics.Metrics) *Adapter {
	return &Adapter{provider: provider, metrics: m}
}

type paymentKind struct {
	name     string
	initiate func(context.Context, momoclient.PaymentRequest) (*momoclient.PaymentResponse, error)
	get      func(context.Context, string) (*momoclient.PaymentResponse, error)
}

func (a *Adapter) deposits() paymentKind {
	return paymentKind{name: "deposit", initiate: a.provider.InitiateDeposit, get: a.provider.GetDeposit}
}

func (a *Adapter) payouts() paymentKind {
	return paymentKind{name: "payout", initiate: a.provider.InitiatePayout, get: a.provider.GetPayout}
}

// InitiateDeposit asks the provider to collect amount (the payer's total, fee
// included) from the wallet.
func (a *Adapter) InitiateDeposit(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, phone, carrier string) (*Initiation, error) {
	return a.initiate(ctx, a.deposits(), transactionID, amount, phone, carrier)
}

// InitiatePayout asks the provider to pay amount out to the wallet.
func (a *Adapter) InitiatePayout(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, phone, carrier string) (*Initiation, error) {
	return a.initiate(ctx, a.payouts(), transactionID, amount, phone, carrier)
}

// PollDeposit fetches the current provider status of a deposit.
func (a *Adapter) PollDeposit(ctx context.Context, transactionID uuid.UUID) (*Poll, error) {
	return a.poll(ctx, a.deposits(), transactionID)
}

// PollPayout fetches the current provider status of a payout.
func (a *Adapter) PollPayout(ctx context.Context, transactionID uuid.UUID) (*Poll, error) {
	return a.poll(ctx, a.payouts(), transactionID)
}

func (a *Adapter) initiate(ctx context.Context, kind paymentKind, transactionID uuid.UUID, amount decimal.Decimal, phone, carrier string) (*Initiation, error) {
	op := "initiate_" + kind.name
	normalizedCarrier, err := ParseCarrier(carrier)
	if err != nil {
		return nil, err
	}
	msisdn, err := a.provider.FormatMSISDN(phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPhone, err)
	}
	minor, err := MinorUnits(amount)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := kind.initiate(ctx, momoclient.PaymentRequest{
		ExternalID:  transactionID.String(),
		Amount:      minor,
		MSISDN:      msisdn,
		Carrier:     normalizedCarrier,
		Description: fmt.Sprintf("coopbank %s %s", kind.name, transactionID),
	})
	if err != nil {
		var apiErr *momoclient.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.HTTPStatus == 409 {
			// Already initiated under this key: the stored payment is the answer.
			return a.resumeInitiation(ctx, kind, transactionID, msisdn, start)
		}
		if errors.As(err, &apiErr) && apiErr.IsClientError() {
			a.metrics.ObserveGatewayCall(op, "rejected", time.Since(start))
			log.Printf("level=info component=gateway op=%s tx_id=%s outcome=rejected status=%d code=%q", op, transactionID, apiErr.HTTPStatus, apiErr.Code)
			return &Initiation{Accepted: false, Message: rejectionMessage(apiErr), MSISDN: msisdn}, nil
		}
		a.metrics.ObserveGatewayCall(op, "unavailable", time.Since(start))
		log.Printf("level=warn component=gateway op=%s tx_id=%s outcome=unavailable err=%v", op, transactionID, err)
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	initiation := &Initiation{
		Reference:      resp.Reference,
		ProviderStatus: resp.Status,
		Message:        resp.Message,
		MSISDN:         msisdn,
	}
	status, known := MapStatus(resp.Status)
	switch {
	case !known:
		a.metrics.ObserveGatewayCall(op, "unavailable", time.Since(start))
		log.Printf("level=warn component=gateway op=%s tx_id=%s outcome=unavailable provider_status=%q msg=\"unknown provider status\"", op, transactionID, resp.Status)
		return nil, fmt.Errorf("%w: unknown provider status %q", domain.ErrGatewayUnavailable, resp.Status)
	case status == domain.StatusFailed:
		initiation.Accepted = false
		if initiation.Message == "" {
			initiation.Message = "provider declined the request (" + resp.Status + ")"
		}
		a.metrics.ObserveGatewayCall(op, "rejected", time.Since(start))
	default:
		initiation.Accepted = true
		a.metrics.ObserveGatewayCall(op, "accepted", time.Since(start))
	}
	log.Printf("level=info component=gateway op=%s tx_id=%s accepted=%t reference=%s provider_status=%s", op, transactionID, initiation.Accepted, initiation.Reference, initiation.ProviderStatus)
	return initiation, nil
}

func (a *Adapter) resumeInitiation(ctx context.Context, kind paymentKind, transactionID uuid.UUID, msisdn string, start time.Time) (*Initiation, error) {
	op := "initiate_" + kind.name
	p, err := a.poll(ctx, kind, transactionID)
	if err != nil {
		return nil, err
	}
	a.metrics.ObserveGatewayCall(op, "duplicate", time.Since(start))
	return &Initiation{
		Accepted:       p.Status != domain.StatusFailed,
		Reference:      p.Reference,
		ProviderStatus: p.ProviderStatus,
		Message:        p.Message,
		MSISDN:         msisdn,
	}, nil
}

func (a *Adapter) poll(ctx context.Context, kind paymentKind, transactionID uuid.UUID) (*Poll, error) {
	op := "poll_" + kind.name
	start := time.Now()
	resp, err := kind.get(ctx, transactionID.String())
	if err != nil {
		var apiErr *momoclient.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.HTTPStatus == 404 {
			a.metrics.ObserveGatewayCall(op, "not_found", time.Since(start))
			log.Printf("level=warn component=gateway op=%s tx_id=%s outcome=not_found", op, transactionID)
			return nil, fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, ErrPaymentNotFound)
		}
		a.metrics.ObserveGatewayCall(op, "unavailable", time.Since(start))
		log.Printf("level=warn component=gateway op=%s tx_id=%s outcome=unavailable err=%v", op, transactionID, err)
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	status, known := MapStatus(resp.Status)
	if !known {
		a.metrics.ObserveGatewayCall(op, "unavailable", time.Since(start))
		log.Printf("level=warn component=gateway op=%s tx_id=%s provider_status=%q msg=\"unknown provider status\"", op, transactionID, resp.Status)
		return nil, fmt.Errorf("%w: unknown provider status %q", domain.ErrGatewayUnavailable, resp.Status)
	}
	a.metrics.ObserveGatewayCall(op, strings.ToLower(string(status)), time.Since(start))
	return &Poll{
		Status:         status,
		Reference:      resp.Reference,
		ProviderStatus: resp.Status,
		Message:        resp.Message,
	}, nil
}

// MapStatus maps a provider status onto the ledger state machine. The second
// result is false for statuses the adapter does not recognise.
func MapStatus(providerStatus string) (domain.TransactionStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(providerStatus)) {
	case momoclient.StatusSuccessful, "SUCCESS", "COMPLETED":
		return domain.StatusCompleted, true
	case momoclient.StatusFailed, momoclient.StatusRejected, momoclient.StatusCancelled, momoclient.StatusExpired:
		return domain.StatusFailed, true
	case momoclient.StatusReversed, momoclient.StatusRefunded:
		return domain.StatusReversed, true
	case momoclient.StatusCreated, momoclient.StatusPending, momoclient.StatusProcessing:
		return domain.StatusPending, true
	default:
		return "", false
	}
}

// MinorUnits converts a ledger amount to the provider's integer amount. The
// currency has no minor unit, so fractional amounts are refused.
func MinorUnits(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, domain.ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has a fractional part", domain.ErrInvalidAmount, amount)
	}
	return amount.IntPart(), nil
}

func rejectionMessage(apiErr *momoclient.ErrorResponse) string {
	if apiErr.Message != "" {
		return apiErr.Message
	}
	if apiErr.Code != "" {
		return apiErr.Code
	}
	return fmt.Sprintf("provider refused the request (status %d)", apiErr.HTTPStatus)
}
