package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/store"
)

// errHoldChanged aborts a unit whose postings were built for a different hold state
// than the one found under the lock.
var errHoldChanged = errors.New("funds hold changed before the transition ran")

// fundsHeld reports whether a withdrawal's amount+fee has already left its source
// balance.
func fundsHeld(tx *domain.Transaction) bool {
	return tx != nil && tx.Type == domain.TransactionTypeWithdrawal && tx.Meta(domain.MetaFundsHeldAt) != ""
}

func holdStateGuard(held bool) store.GuardFunc {
	return func(_ context.Context, _ store.LedgerView, locked *domain.Transaction) error {
		if fundsHeld(locked) != held {
			return errHoldChanged
		}
		return nil
	}
}

func chainGuards(guards ...store.GuardFunc) store.GuardFunc {
	return func(ctx context.Context, view store.LedgerView, locked *domain.Transaction) error {
		for _, guard := range guards {
			if guard == nil {
				continue
			}
			if err := guard(ctx, view, locked); err != nil {
				return err
			}
		}
		return nil
	}
}

// holdFunds debits a PENDING withdrawal's amount+fee before the payout is requested.
// The debit runs under the source account lock, so a second withdrawal or a transfer
// sees the reduced balance and cannot spend the same money.
func (s *Service) holdFunds(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if tx.SourceAccountID == nil {
		return nil, domain.ErrMissingAccountReference
	}
	held, _, err := s.transition(ctx, store.Transition{
		TransactionID: tx.ID,
		From:          pendingOnly,
		To:            domain.StatusPending,
		Postings:      []store.Posting{store.Debit(*tx.SourceAccountID, tx.Total())},
		Metadata:      map[string]string{domain.MetaFundsHeldAt: s.timestamp()},
		Guard:         holdStateGuard(false),
	}, transitionEvents{})
	return held, err
}

// closeTransition moves a non-terminal record to FAILED or REVERSED and returns any
// held funds in the same unit. The postings are rebuilt once when the hold state
// changed between the read and the lock.
func (s *Service) closeTransition(ctx context.Context, t store.Transition, events transitionEvents) (*domain.Transaction, error) {
	guard := t.Guard
	metadata := t.Metadata

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		current, findErr := s.repo.FindTransactionByID(ctx, t.TransactionID)
		if findErr != nil {
			return nil, findErr
		}
		held := fundsHeld(current)

		t.Metadata = make(map[string]string, len(metadata)+1)
		for k, v := range metadata {
			t.Metadata[k] = v
		}
		t.Postings = nil
		if held {
			t.Postings = []store.Posting{store.Credit(*current.SourceAccountID, current.Total())}
			t.Metadata[domain.MetaFundsReleasedAt] = s.timestamp()
		}
		t.Guard = chainGuards(guard, holdStateGuard(held))

		var tx *domain.Transaction
		tx, _, err = s.transition(ctx, t, events)
		if !errors.Is(err, errHoldChanged) {
			return tx, err
		}
	}
	return nil, fmt.Errorf("close transaction %s: %w", t.TransactionID, err)
}
