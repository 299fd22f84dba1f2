package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/gateway"
	"github.com/coopbank/ledger-service/internal/store"
	"github.com/google/uuid"
)

const cancelledReason = "cancelled by initiator"

// initiationGrace is how long a new gateway record may still have its provider
// call in flight. Cancelling inside it could race the provider's acceptance.
const initiationGrace = time.Minute

var cancellableFrom = []domain.TransactionStatus{domain.StatusPending, domain.StatusPendingApproval}

// ConfirmTransaction records an approver's decision on a high-value transfer.
// Approval moves it to PENDING and completes it through the same path as an
// immediate transfer; rejection fails it with the approver's reason.
func (s *Service) ConfirmTransaction(ctx context.Context, principal domain.Principal, transactionID uuid.UUID, req domain.ConfirmTransactionRequest) (tx *domain.Transaction, err error) {
	defer func() { s.metrics.ObserveOperation("confirm_transaction", err) }()

	if !principal.CanApprove() {
		return nil, domain.ErrForbidden
	}
	current, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return current, domain.ErrAlreadyFinalized
	}
	if current.Status != domain.StatusPendingApproval {
		return current, domain.ErrNotAwaitingApproval
	}

	if !req.Approved {
		return s.rejectApproval(ctx, principal, transactionID, trimmed(req.Reason))
	}

	_, _, err = s.transition(ctx, store.Transition{
		TransactionID: transactionID,
		From:          []domain.TransactionStatus{domain.StatusPendingApproval},
		To:            domain.StatusPending,
		Metadata: map[string]string{
			domain.MetaApprovedBy: principal.UserID.String(),
			domain.MetaApprovedAt: s.timestamp(),
		},
	}, transitionEvents{})
	if err != nil {
		return s.approvalConflict(ctx, transactionID, err)
	}
	log.Printf("level=info component=ledger msg=\"transaction approved\" tx_id=%s approver=%s", transactionID, principal.UserID)

	tx, _, err = s.processPending(ctx, transactionID, nil)
	return tx, err
}

func (s *Service) rejectApproval(ctx context.Context, principal domain.Principal, transactionID uuid.UUID, reason string) (*domain.Transaction, error) {
	if reason == "" {
		reason = "rejected by approver"
	}
	tx, _, err := s.transition(ctx, store.Transition{
		TransactionID: transactionID,
		From:          []domain.TransactionStatus{domain.StatusPendingApproval},
		To:            domain.StatusFailed,
		Metadata: map[string]string{
			domain.MetaRejectedBy:      principal.UserID.String(),
			domain.MetaRejectedAt:      s.timestamp(),
			domain.MetaRejectionReason: reason,
		},
	}, transitionEvents{routingKey: domain.EventTransactionRejected, reason: reason})
	if err != nil {
		return s.approvalConflict(ctx, transactionID, err)
	}
	log.Printf("level=info component=ledger msg=\"transaction rejected\" tx_id=%s approver=%s reason=%q", transactionID, principal.UserID, reason)
	return tx, nil
}

// approvalConflict translates a lost race on a PENDING_APPROVAL record.
func (s *Service) approvalConflict(ctx context.Context, transactionID uuid.UUID, err error) (*domain.Transaction, error) {
	current, findErr := s.repo.FindTransactionByID(ctx, transactionID)
	if findErr != nil {
		return nil, err
	}
	if errors.Is(err, store.ErrStatusConflict) {
		return current, domain.ErrNotAwaitingApproval
	}
	return current, err
}

// CancelTransaction lets the initiator withdraw a transaction that has not settled.
// Mobile-money transactions already accepted by the provider cannot be cancelled,
// and one without a provider reference is cancelled only once the provider reports
// it failed or has no record of it. Funds held for a withdrawal are released.
func (s *Service) CancelTransaction(ctx context.Context, principal domain.Principal, transactionID uuid.UUID) (tx *domain.Transaction, err error) {
	defer func() { s.metrics.ObserveOperation("cancel_transaction", err) }()

	current, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if current.InitiatorID != principal.UserID {
		return nil, domain.ErrForbidden
	}
	if current.Status.IsTerminal() {
		return current, domain.ErrAlreadyFinalized
	}
	if providerAccepted(current) {
		return current, domain.ErrNotCancellable
	}
	if current.Type.UsesGateway() {
		if err := s.confirmProviderDropped(ctx, current); err != nil {
			return current, err
		}
	}

	tx, err = s.closeTransition(ctx, store.Transition{
		TransactionID: transactionID,
		From:          cancellableFrom,
		To:            domain.StatusFailed,
		Metadata: map[string]string{
			domain.MetaCancelledBy:   principal.UserID.String(),
			domain.MetaCancelledAt:   s.timestamp(),
			domain.MetaFailureReason: cancelledReason,
		},
		Guard: func(_ context.Context, _ store.LedgerView, locked *domain.Transaction) error {
			if providerAccepted(locked) {
				return domain.ErrNotCancellable
			}
			return nil
		},
	}, transitionEvents{routingKey: domain.EventTransactionCancelled, reason: cancelledReason})
	if err != nil {
		if tx == nil {
			tx = current
		}
		return tx, fmt.Errorf("cancel transaction %s: %w", transactionID, err)
	}
	log.Printf("level=info component=ledger msg=\"transaction cancelled\" tx_id=%s by=%s", transactionID, principal.UserID)
	return tx, nil
}

// confirmProviderDropped asks the provider about a gateway record that never got a
// reference, typically because its initiation timed out. The record may only be
// cancelled when the provider failed it or never received it.
func (s *Service) confirmProviderDropped(ctx context.Context, tx *domain.Transaction) error {
	if s.now().Sub(tx.CreatedAt) < initiationGrace {
		return fmt.Errorf("%w: initiation may still be in flight", domain.ErrNotCancellable)
	}

	var (
		poll *gateway.Poll
		err  error
	)
	if tx.Type == domain.TransactionTypeDeposit {
		poll, err = s.gateway.PollDeposit(ctx, tx.ID)
	} else {
		poll, err = s.gateway.PollPayout(ctx, tx.ID)
	}
	switch {
	case errors.Is(err, gateway.ErrPaymentNotFound):
		return nil
	case err != nil:
		log.Printf("level=warn component=ledger msg=\"cancel refused; provider outcome unknown\" tx_id=%s err=%v", tx.ID, err)
		return fmt.Errorf("%w: provider outcome unknown: %v", domain.ErrNotCancellable, err)
	case poll.Status == domain.StatusFailed:
		return nil
	default:
		return fmt.Errorf("%w: provider reports %s", domain.ErrNotCancellable, poll.ProviderStatus)
	}
}

func providerAccepted(tx *domain.Transaction) bool {
	return tx.Type.UsesGateway() && tx.Meta(domain.MetaProviderReference) != ""
}
