/**
 * @description
 * This file defines the core domain models for the ledger-service.
 * These structs represent the ledger records and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are `decimal.Decimal` values expressed in the currency's minor unit
 *   (XAF has no subdivision), which avoids floating-point inaccuracies with financial data.
 * - Only status and metadata change after a transaction is created.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType enumerates the kinds of money movement the ledger records.
type TransactionType string

const (
	TransactionTypeTransfer   TransactionType = "TRANSFER"
	TransactionTypeDeposit    TransactionType = "DEPOSIT"
	TransactionTypeWithdrawal TransactionType = "WITHDRAWAL"
)

// ParseTransactionType normalizes user input into a TransactionType.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.ToUpper(strings.TrimSpace(raw))) {
	case TransactionTypeTransfer:
		return TransactionTypeTransfer, nil
	case TransactionTypeDeposit:
		return TransactionTypeDeposit, nil
	case TransactionTypeWithdrawal:
		return TransactionTypeWithdrawal, nil
	default:
		return "", ErrInvalidTransactionType
	}
}

// UsesGateway reports whether the type settles through the mobile-money provider.
func (t TransactionType) UsesGateway() bool {
	return t == TransactionTypeDeposit || t == TransactionTypeWithdrawal
}

// TransactionStatus is a node of the transaction state machine.
type TransactionStatus string

const (
	StatusPending         TransactionStatus = "PENDING"
	StatusPendingApproval TransactionStatus = "PENDING_APPROVAL"
	StatusCompleted       TransactionStatus = "COMPLETED"
	StatusFailed          TransactionStatus = "FAILED"
	StatusReversed        TransactionStatus = "REVERSED"
)

// ParseTransactionStatus accepts the canonical names plus SUCCESS as an alias of COMPLETED.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING":
		return StatusPending, nil
	case "PENDING_APPROVAL":
		return StatusPendingApproval, nil
	case "COMPLETED", "SUCCESS":
		return StatusCompleted, nil
	case "FAILED":
		return StatusFailed, nil
	case "REVERSED":
		return StatusReversed, nil
	default:
		return "", ErrInvalidTransactionStatus
	}
}

// IsTerminal reports whether no further transition may leave this status.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReversed
}

// Well-known metadata keys read or written by the ledger itself. Callers may store
// other keys; the ledger never interprets them.
const (
	MetaProviderReference = "provider_reference"
	MetaProviderStatus    = "provider_status"
	MetaProviderMessage   = "provider_message"
	MetaPayerPhone        = "payer_phone"
	MetaCarrier           = "carrier"
	MetaChargedAmount     = "charged_amount"
	MetaApprovedBy        = "approved_by"
	MetaApprovedAt        = "approved_at"
	MetaRejectedBy        = "rejected_by"
	MetaRejectedAt        = "rejected_at"
	MetaRejectionReason   = "rejection_reason"
	MetaCancelledBy       = "cancelled_by"
	MetaCancelledAt       = "cancelled_at"
	MetaCompletedAt       = "completed_at"
	MetaFailedAt          = "failed_at"
	MetaFailureReason     = "failure_reason"
	MetaReversedAt        = "reversed_at"
	MetaFundsHeldAt       = "funds_held_at"
	MetaFundsReleasedAt   = "funds_released_at"
)

// Transaction represents the central ledger record for any money movement in the system.
// This struct maps directly to the `transactions` table in the database.
type Transaction struct {
	ID                   uuid.UUID         `json:"id"`
	Type                 TransactionType   `json:"type"`
	Status               TransactionStatus `json:"status"`
	Amount               decimal.Decimal   `json:"amount"`
	Fee                  decimal.Decimal   `json:"fee"`
	SourceAccountID      *uuid.UUID        `json:"source_account_id,omitempty"`
	DestinationAccountID *uuid.UUID        `json:"destination_account_id,omitempty"`
	InitiatorID          uuid.UUID         `json:"initiator_id"`
	Description          string            `json:"description"`
	Metadata             map[string]string `json:"metadata"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Meta returns a metadata value or the empty string.
func (t *Transaction) Meta(key string) string {
	if t == nil || t.Metadata == nil {
		return ""
	}
	return t.Metadata[key]
}

// Total is the amount plus fee, i.e. what the paying side is charged.
func (t *Transaction) Total() decimal.Decimal {
	return t.Amount.Add(t.Fee)
}

// Involves reports whether the account is one of the transaction's legs.
func (t *Transaction) Involves(accountID uuid.UUID) bool {
	if t.SourceAccountID != nil && *t.SourceAccountID == accountID {
		return true
	}
	return t.DestinationAccountID != nil && *t.DestinationAccountID == accountID
}

// Validate checks structural invariants that hold for every persisted record.
func (t *Transaction) Validate() error {
	if t.SourceAccountID == nil && t.DestinationAccountID == nil {
		return ErrMissingAccountReference
	}
	if t.Type == TransactionTypeTransfer && (t.SourceAccountID == nil || t.DestinationAccountID == nil) {
		return ErrMissingAccountReference
	}
	if !t.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if t.Fee.IsNegative() {
		return ErrInvalidAmount
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	if t.SourceAccountID != nil {
		id := *t.SourceAccountID
		cp.SourceAccountID = &id
	}
	if t.DestinationAccountID != nil {
		id := *t.DestinationAccountID
		cp.DestinationAccountID = &id
	}
	cp.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// CreateTransferRequest is the DTO for RIB-addressed transfer API requests.
type CreateTransferRequest struct {
	FromAccountRib string          `json:"from_account_rib"`
	ToAccountRib   string          `json:"to_account_rib"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
}

// InternalTransferRequest moves money between two accounts addressed by id.
type InternalTransferRequest struct {
	FromAccountID uuid.UUID       `json:"from_account_id"`
	ToAccountID   uuid.UUID       `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// MobileMoneyRequest is the DTO for deposit and withdrawal initiation.
type MobileMoneyRequest struct {
	AccountID uuid.UUID       `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Phone     string          `json:"phone"`
	Carrier   string          `json:"carrier"`
}

// ConfirmTransactionRequest carries an approver's decision.
type ConfirmTransactionRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// InternalTransferResult holds both accounts after an immediate transfer.
type InternalTransferResult struct {
	From        *Account     `json:"from"`
	To          *Account     `json:"to"`
	Transaction *Transaction `json:"transaction"`
}

// LedgerEntry is the auditable record of one balance mutation.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	AccountID     uuid.UUID       `json:"account_id"`
	Direction     string          `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
}
