/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the ledger-service. Two implementations exist:
 * PostgreSQL for production and an in-memory store for tests and local development.
 *
 * Every balance mutation goes through ApplyTransition, which pairs the postings with
 * the status change of the transaction that caused them inside one atomic unit.
 *
 * @dependencies
 * - github.com/google/uuid: Account and transaction identifiers.
 * - github.com/shopspring/decimal: Money values.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultTxTimeout bounds how long an atomic unit may hold row locks.
const DefaultTxTimeout = 10 * time.Second

// ErrStatusConflict is returned when the record exists, is not terminal, but is not in
// one of the statuses the transition starts from.
var ErrStatusConflict = errors.New("transaction status does not allow this transition")

// Repository defines the set of methods for interacting with the ledger.
type Repository interface {
	// Account methods
	CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error)
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindAccountByRoutingNumber(ctx context.Context, routingNumber string) (*domain.Account, error)
	FindAccountsByUserID(ctx context.Context, userID uuid.UUID, page domain.PageRequest) ([]domain.Account, int, error)
	// FindAccounts lists accounts matching the filter, newest first.
	FindAccounts(ctx context.Context, filter domain.AccountFilter) ([]domain.Account, int, error)
	// FindAccountHolders pages through members, newest first, each with all their accounts.
	FindAccountHolders(ctx context.Context, page domain.PageRequest) ([]domain.AccountHolder, int, error)
	// AssignRoutingNumber sets the routing number once and activates the account.
	// It fails with domain.ErrAccountAlreadyOpened when one is already set and with
	// domain.ErrRoutingNumberTaken when another account holds the number.
	AssignRoutingNumber(ctx context.Context, accountID uuid.UUID, routingNumber string) (*domain.Account, error)

	// Transaction methods
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	// AppendTransactionMetadata merges keys into a non-terminal record.
	AppendTransactionMetadata(ctx context.Context, transactionID uuid.UUID, metadata map[string]string) (*domain.Transaction, error)
	ApplyTransition(ctx context.Context, transition Transition) (*TransitionResult, error)
	SumCompletedTransfersSince(ctx context.Context, sourceAccountID uuid.UUID, since time.Time) (decimal.Decimal, error)
	ListLedgerEntries(ctx context.Context, transactionID uuid.UUID) ([]domain.LedgerEntry, error)

	// Reporting methods
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error)
	AggregateTransactions(ctx context.Context, accountIDs []uuid.UUID, since *time.Time) ([]domain.TransactionAggregate, error)
	ListPendingGatewayTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
}

// PostingDirection is the side of a balance mutation.
type PostingDirection string

const (
	PostingDebit  PostingDirection = "DEBIT"
	PostingCredit PostingDirection = "CREDIT"
)

// Posting is one leg of a balance mutation.
type Posting struct {
	AccountID uuid.UUID
	Direction PostingDirection
	Amount    decimal.Decimal
}

// Debit builds a debit posting.
func Debit(accountID uuid.UUID, amount decimal.Decimal) Posting {
	return Posting{AccountID: accountID, Direction: PostingDebit, Amount: amount}
}

// Credit builds a credit posting.
func Credit(accountID uuid.UUID, amount decimal.Decimal) Posting {
	return Posting{AccountID: accountID, Direction: PostingCredit, Amount: amount}
}

// TransferPostings is the atomicTransfer posting set: the source pays amount+fee, the
// destination receives amount and, when feeAccountID is set, the fee sink receives fee.
func TransferPostings(fromID, toID uuid.UUID, amount, fee decimal.Decimal, feeAccountID *uuid.UUID) []Posting {
	postings := []Posting{
		Debit(fromID, amount.Add(fee)),
		Credit(toID, amount),
	}
	if fee.IsPositive() && feeAccountID != nil {
		postings = append(postings, Credit(*feeAccountID, fee))
	}
	return postings
}

// LedgerView reads ledger state from inside an atomic unit, after the involved
// accounts are locked.
type LedgerView interface {
	Account(accountID uuid.UUID) (*domain.Account, bool)
	SumCompletedTransfersSince(ctx context.Context, sourceAccountID uuid.UUID, since time.Time) (decimal.Decimal, error)
}

// GuardFunc may veto a transition after locks are taken and before any posting.
type GuardFunc func(ctx context.Context, view LedgerView, current *domain.Transaction) error

// Transition moves one transaction between statuses together with its postings.
type Transition struct {
	TransactionID uuid.UUID
	From          []domain.TransactionStatus
	To            domain.TransactionStatus
	Postings      []Posting
	Metadata      map[string]string
	// LockAccounts are locked in addition to the posting accounts.
	LockAccounts []uuid.UUID
	Guard        GuardFunc
}

// TransitionResult carries the record and every locked account after commit. On
// failure the Transaction field, when set, is the unchanged current record.
type TransitionResult struct {
	Transaction *domain.Transaction
	Previous    domain.TransactionStatus
	Accounts    map[uuid.UUID]*domain.Account
}

func (t Transition) allows(status domain.TransactionStatus) bool {
	for _, from := range t.From {
		if from == status {
			return true
		}
	}
	return false
}

// lockOrder returns every account the transition touches, deduplicated and sorted,
// which is the order row locks are acquired in.
func (t Transition) lockOrder() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(t.Postings)+len(t.LockAccounts))
	ids := make([]uuid.UUID, 0, len(t.Postings)+len(t.LockAccounts))
	add := func(id uuid.UUID) {
		if id == uuid.Nil {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, p := range t.Postings {
		add(p.AccountID)
	}
	for _, id := range t.LockAccounts {
		add(id)
	}
	sortUUIDs(ids)
	return ids
}

// applyPosting returns the balance after the posting, or ErrInsufficientFunds.
func applyPosting(balance decimal.Decimal, p Posting) (decimal.Decimal, error) {
	if !p.Amount.IsPositive() {
		return balance, domain.ErrInvalidAmount
	}
	switch p.Direction {
	case PostingDebit:
		if balance.LessThan(p.Amount) {
			return balance, domain.ErrInsufficientFunds
		}
		return balance.Sub(p.Amount), nil
	case PostingCredit:
		return balance.Add(p.Amount), nil
	default:
		return balance, errors.New("unknown posting direction")
	}
}
