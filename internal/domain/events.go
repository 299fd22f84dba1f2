package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys published on the events exchange.
const (
	EventTransactionCompleted        = "transaction.completed"
	EventTransactionRejected         = "transaction.rejected"
	EventTransactionCancelled        = "transaction.cancelled"
	EventTransactionFailed           = "transaction.failed"
	EventTransactionReversed         = "transaction.reversed"
	EventTransactionRequiresApproval = "transaction.requires_approval"
	EventNotificationTransaction     = "notification.transaction"
)

// Routing keys consumed from the events exchange.
const (
	EventDepositStatus = "momo.deposit.status"
	EventPayoutStatus  = "momo.payout.status"
	EventUserCreated   = "user.created"
)

// NotificationKind tells an account owner how a transaction touched them.
type NotificationKind string

const (
	NotificationDebit    NotificationKind = "DEBIT"
	NotificationCredit   NotificationKind = "CREDIT"
	NotificationRejected NotificationKind = "REJECTED"
)

// TransactionEvent is published after a terminal transition or an approval-required creation.
type TransactionEvent struct {
	EventID       uuid.UUID         `json:"event_id"`
	EventType     string            `json:"event_type"`
	TransactionID uuid.UUID         `json:"transaction_id"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	Amount        decimal.Decimal   `json:"amount"`
	Fee           decimal.Decimal   `json:"fee"`
	SourceID      *uuid.UUID        `json:"source_account_id,omitempty"`
	DestinationID *uuid.UUID        `json:"destination_account_id,omitempty"`
	InitiatorID   uuid.UUID         `json:"initiator_id"`
	Reason        string            `json:"reason,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// NotificationEvent is addressed to one affected account owner.
type NotificationEvent struct {
	EventID       uuid.UUID        `json:"event_id"`
	UserID        uuid.UUID        `json:"user_id"`
	AccountID     uuid.UUID        `json:"account_id"`
	TransactionID uuid.UUID        `json:"transaction_id"`
	Kind          NotificationKind `json:"kind"`
	Amount        decimal.Decimal  `json:"amount"`
	Description   string           `json:"description,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// GatewayStatusEvent is relayed from the mobile-money provider's webhook. The
// payload is only a hint; the provider is re-polled before any transition.
type GatewayStatusEvent struct {
	EventID       string    `json:"event_id"`
	TransactionID string    `json:"transaction_id"`
	Reference     string    `json:"reference"`
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// UserCreatedEvent is emitted by the identity service after sign-up.
type UserCreatedEvent struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}
