package domain

import (
	"errors"
	"fmt"
)

// Ledger error taxonomy. Wrap with fmt.Errorf("...: %w") and classify with errors.Is.
var (
	ErrInvalidAmount      = errors.New("amount must be strictly positive")
	ErrNotFound           = errors.New("not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrLimitExceeded      = errors.New("daily transfer limit exceeded")
	ErrAlreadyFinalized   = errors.New("transaction already finalized")
	ErrForbidden          = errors.New("forbidden")
	ErrGatewayRejected    = errors.New("payment provider rejected the request")
	ErrGatewayUnavailable = errors.New("payment provider unavailable")
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

var (
	ErrAccountNotFound     = fmt.Errorf("account %w", ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)
)

// Request validation errors.
var (
	ErrSameAccount              = errors.New("source and destination accounts must differ")
	ErrAccountInactive          = errors.New("account is not active")
	ErrSourceAccountType        = errors.New("transfers must originate from a current account")
	ErrAccountAlreadyOpened     = errors.New("account already has a routing number")
	ErrAccountExists            = errors.New("account of this type already exists for the user")
	ErrRoutingNumberTaken       = errors.New("routing number already assigned")
	ErrInvalidRoutingPrefix     = errors.New("invalid routing prefix")
	ErrInvalidAccountType       = errors.New("invalid account type")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrMissingAccountReference  = errors.New("transaction must reference at least one account")
	ErrNotAwaitingApproval      = errors.New("transaction is not awaiting approval")
	ErrAwaitingApproval         = errors.New("transaction is awaiting approval")
	ErrNotCancellable           = errors.New("transaction was already accepted by the provider and cannot be cancelled")
	ErrInvalidPhone             = errors.New("invalid phone number")
	ErrInvalidCarrier           = errors.New("invalid mobile-money carrier")
	ErrRateLimited              = errors.New("too many requests")
)

// IsValidationError reports whether err is a caller mistake surfaced before any mutation.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount, ErrSameAccount, ErrAccountInactive, ErrSourceAccountType,
		ErrInvalidRoutingPrefix, ErrInvalidAccountType, ErrInvalidTransactionType,
		ErrInvalidTransactionStatus, ErrMissingAccountReference, ErrInvalidPhone, ErrInvalidCarrier,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
