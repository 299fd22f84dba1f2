package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// transitionEvents names what to publish after a committed transition.
type transitionEvents struct {
	routingKey string
	reason     string
}

// transition runs one atomic unit and, once it has committed, records the metric and
// publishes its events. On ErrAlreadyFinalized the current record is returned with
// the error so callers can decide whether that is a no-op.
func (s *Service) transition(ctx context.Context, t store.Transition, events transitionEvents) (*domain.Transaction, map[uuid.UUID]*domain.Account, error) {
	result, err := s.repo.ApplyTransition(ctx, t)
	if err != nil {
		var current *domain.Transaction
		if result != nil {
			current = result.Transaction
		}
		switch {
		case errors.Is(err, domain.ErrAlreadyFinalized):
			return current, nil, err
		case errors.Is(err, domain.ErrInvariantViolation):
			log.Printf("level=error component=ledger msg=\"transition aborted by invariant check\" tx_id=%s to=%s err=%v", t.TransactionID, t.To, err)
		}
		return current, nil, err
	}

	tx := result.Transaction
	s.metrics.ObserveTransition(tx.Type, result.Previous, tx.Status)
	log.Printf("level=info component=ledger msg=\"transition committed\" tx_id=%s type=%s from=%s to=%s amount=%s fee=%s",
		tx.ID, tx.Type, result.Previous, tx.Status, tx.Amount, tx.Fee)

	if events.routingKey != "" {
		s.publish(events.routingKey, tx, events.reason, result.Accounts)
	}
	return tx, result.Accounts, nil
}

// publish enqueues the transaction event and the per-party notifications.
func (s *Service) publish(routingKey string, tx *domain.Transaction, reason string, accounts map[uuid.UUID]*domain.Account) {
	at := s.now().UTC()
	s.notifier.Enqueue(Message{RoutingKey: routingKey, Body: transactionEvent(routingKey, tx, reason, at)})

	switch routingKey {
	case domain.EventTransactionCompleted:
		if tx.SourceAccountID != nil {
			if owner, ok := accountOwner(accounts, *tx.SourceAccountID); ok {
				s.notifyParty(owner, *tx.SourceAccountID, tx, domain.NotificationDebit, tx.Total(), at)
			}
		}
		if tx.DestinationAccountID != nil {
			if owner, ok := accountOwner(accounts, *tx.DestinationAccountID); ok {
				s.notifyParty(owner, *tx.DestinationAccountID, tx, domain.NotificationCredit, tx.Amount, at)
			}
		}
	case domain.EventTransactionRejected:
		accountID := tx.SourceAccountID
		if accountID == nil {
			accountID = tx.DestinationAccountID
		}
		s.notifyParty(tx.InitiatorID, *accountID, tx, domain.NotificationRejected, tx.Amount, at)
	}
}

func (s *Service) notifyParty(userID, accountID uuid.UUID, tx *domain.Transaction, kind domain.NotificationKind, amount decimal.Decimal, at time.Time) {
	s.notifier.Enqueue(Message{RoutingKey: domain.EventNotificationTransaction, Body: domain.NotificationEvent{
		EventID:       uuid.New(),
		UserID:        userID,
		AccountID:     accountID,
		TransactionID: tx.ID,
		Kind:          kind,
		Amount:        amount,
		Description:   tx.Description,
		OccurredAt:    at,
	}})
}

func accountOwner(accounts map[uuid.UUID]*domain.Account, accountID uuid.UUID) (uuid.UUID, bool) {
	account, ok := accounts[accountID]
	if !ok || account == nil {
		return uuid.Nil, false
	}
	return account.UserID, true
}

// failTransition moves a non-terminal record to FAILED with a reason, releasing any
// funds held for it.
func (s *Service) failTransition(ctx context.Context, txID uuid.UUID, from []domain.TransactionStatus, routingKey, reason string, metadata map[string]string) (*domain.Transaction, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata[domain.MetaFailedAt] = s.timestamp()
	if reason != "" {
		metadata[domain.MetaFailureReason] = reason
	}
	tx, err := s.closeTransition(ctx, store.Transition{
		TransactionID: txID,
		From:          from,
		To:            domain.StatusFailed,
		Metadata:      metadata,
	}, transitionEvents{routingKey: routingKey, reason: reason})
	if err != nil {
		return tx, fmt.Errorf("fail transaction %s: %w", txID, err)
	}
	return tx, nil
}
