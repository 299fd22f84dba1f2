package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/store"
	"github.com/google/uuid"
)

var pendingOnly = []domain.TransactionStatus{domain.StatusPending}

// completionPostings is the balance effect of completing tx. Deposits credit the face
// amount (the payer paid the fee on top, outside the ledger); transfers debit amount
// plus fee. A withdrawal's amount plus fee was debited when its funds were held, so
// completion only routes the fee. Collected fees go to the fee account when one is
// configured.
func (s *Service) completionPostings(tx *domain.Transaction) ([]store.Posting, error) {
	switch tx.Type {
	case domain.TransactionTypeTransfer:
		if tx.SourceAccountID == nil || tx.DestinationAccountID == nil {
			return nil, domain.ErrMissingAccountReference
		}
		return store.TransferPostings(*tx.SourceAccountID, *tx.DestinationAccountID, tx.Amount, tx.Fee, s.feeAccountID), nil
	case domain.TransactionTypeDeposit:
		if tx.DestinationAccountID == nil {
			return nil, domain.ErrMissingAccountReference
		}
		postings := []store.Posting{store.Credit(*tx.DestinationAccountID, tx.Amount)}
		return s.withFee(postings, tx), nil
	case domain.TransactionTypeWithdrawal:
		if tx.SourceAccountID == nil {
			return nil, domain.ErrMissingAccountReference
		}
		if fundsHeld(tx) {
			return s.withFee(nil, tx), nil
		}
		postings := []store.Posting{store.Debit(*tx.SourceAccountID, tx.Total())}
		return s.withFee(postings, tx), nil
	default:
		return nil, domain.ErrInvalidTransactionType
	}
}

func (s *Service) withFee(postings []store.Posting, tx *domain.Transaction) []store.Posting {
	if tx.Fee.IsPositive() && s.feeAccountID != nil {
		postings = append(postings, store.Credit(*s.feeAccountID, tx.Fee))
	}
	return postings
}

// dailyLimitGuard re-checks the source account's daily ceiling once the account row
// is locked, so two concurrent transfers cannot both slip under it.
func (s *Service) dailyLimitGuard(ctx context.Context, view store.LedgerView, current *domain.Transaction) error {
	if current.Type != domain.TransactionTypeTransfer || current.SourceAccountID == nil {
		return nil
	}
	spent, err := view.SumCompletedTransfersSince(ctx, *current.SourceAccountID, s.policy.StartOfDay(s.now()))
	if err != nil {
		return fmt.Errorf("sum completed transfers: %w", err)
	}
	return s.policy.CheckDailyLimit(current.Amount, spent)
}

// processPending drives a PENDING record to COMPLETED with its postings. A record
// that is already terminal is returned unchanged together with ErrAlreadyFinalized.
//
// A transfer that fails a business check under the lock is moved to FAILED. A
// withdrawal recorded without a hold whose debit fails stays PENDING for
// reconciliation, since the provider has already paid out.
func (s *Service) processPending(ctx context.Context, txID uuid.UUID, metadata map[string]string) (*domain.Transaction, map[uuid.UUID]*domain.Account, error) {
	current, err := s.repo.FindTransactionByID(ctx, txID)
	if err != nil {
		return nil, nil, err
	}
	if current.Status.IsTerminal() {
		return current, nil, domain.ErrAlreadyFinalized
	}
	if current.Status == domain.StatusPendingApproval {
		return current, nil, domain.ErrAwaitingApproval
	}

	postings, err := s.completionPostings(current)
	if err != nil {
		return current, nil, err
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata[domain.MetaCompletedAt] = s.timestamp()

	tx, accounts, err := s.transition(ctx, store.Transition{
		TransactionID: txID,
		From:          pendingOnly,
		To:            domain.StatusCompleted,
		Postings:      postings,
		Metadata:      metadata,
		Guard:         chainGuards(holdStateGuard(fundsHeld(current)), s.dailyLimitGuard),
	}, transitionEvents{routingKey: domain.EventTransactionCompleted})
	if err == nil {
		return tx, accounts, nil
	}

	switch {
	case errors.Is(err, domain.ErrAlreadyFinalized):
		return tx, nil, err
	case errors.Is(err, store.ErrStatusConflict):
		if tx != nil && tx.Status == domain.StatusPendingApproval {
			return tx, nil, domain.ErrAwaitingApproval
		}
		return tx, nil, err
	case current.Type == domain.TransactionTypeTransfer &&
		(errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrLimitExceeded)):
		failed, failErr := s.failTransition(ctx, txID, pendingOnly, domain.EventTransactionFailed, err.Error(), nil)
		if failErr != nil && !errors.Is(failErr, domain.ErrAlreadyFinalized) {
			log.Printf("level=error component=ledger msg=\"could not fail transfer after rejected completion\" tx_id=%s err=%v", txID, failErr)
			return current, nil, err
		}
		return failed, nil, err
	case current.Type == domain.TransactionTypeWithdrawal && errors.Is(err, domain.ErrInsufficientFunds):
		log.Printf("level=error component=ledger msg=\"payout settled but debit failed; left pending for reconciliation\" tx_id=%s account_id=%s amount=%s err=%v",
			txID, current.SourceAccountID, current.Total(), err)
		return current, nil, err
	default:
		return current, nil, err
	}
}
