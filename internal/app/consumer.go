package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/google/uuid"
)

const consumerTimeout = 15 * time.Second

// GatewayStatusConsumer handles provider callbacks and sign-up events relayed over
// the message bus. A callback is only a hint: the provider is re-polled before any
// transition.
type GatewayStatusConsumer struct {
	service *Service
}

func NewGatewayStatusConsumer(service *Service) *GatewayStatusConsumer {
	return &GatewayStatusConsumer{service: service}
}

// HandleDepositStatus processes a momo.deposit.status message.
func (c *GatewayStatusConsumer) HandleDepositStatus(body []byte) bool {
	return c.handleStatus(body, domain.TransactionTypeDeposit)
}

// HandlePayoutStatus processes a momo.payout.status message.
func (c *GatewayStatusConsumer) HandlePayoutStatus(body []byte) bool {
	return c.handleStatus(body, domain.TransactionTypeWithdrawal)
}

func (c *GatewayStatusConsumer) handleStatus(body []byte, txType domain.TransactionType) bool {
	var event domain.GatewayStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=consumer msg=\"failed to unmarshal gateway status payload\" err=%v", err)
		return true
	}

	transactionID, err := uuid.Parse(strings.TrimSpace(event.TransactionID))
	if err != nil {
		log.Printf("level=warn component=consumer msg=\"gateway status event without a valid transaction id\" event_id=%s reference=%s", event.EventID, event.Reference)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	tx, err := c.service.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Printf("level=warn component=consumer msg=\"no transaction for gateway status; acknowledging\" tx_id=%s", transactionID)
			return true
		}
		log.Printf("level=error component=consumer msg=\"lookup transaction failed\" tx_id=%s err=%v", transactionID, err)
		return false
	}
	if tx.Type != txType {
		log.Printf("level=warn component=consumer msg=\"gateway status for wrong transaction type; acknowledging\" tx_id=%s type=%s expected=%s", transactionID, tx.Type, txType)
		return true
	}

	updated, err := c.service.syncGatewayStatus(ctx, tx)
	if err != nil {
		if errors.Is(err, domain.ErrGatewayUnavailable) {
			log.Printf("level=warn component=consumer msg=\"provider unavailable; requeueing\" tx_id=%s err=%v", transactionID, err)
			return false
		}
		log.Printf("level=error component=consumer msg=\"gateway status processing failed\" tx_id=%s hinted_status=%s err=%v", transactionID, event.Status, err)
		return true
	}
	log.Printf("level=info component=consumer msg=\"gateway status processed\" tx_id=%s hinted_status=%s status=%s", transactionID, event.Status, updated.Status)
	return true
}

// HandleUserCreated provisions the product accounts of a new member.
func (c *GatewayStatusConsumer) HandleUserCreated(body []byte) bool {
	var event domain.UserCreatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=consumer msg=\"failed to unmarshal user.created payload\" err=%v", err)
		return true
	}
	userID, err := uuid.Parse(strings.TrimSpace(event.UserID))
	if err != nil {
		log.Printf("level=warn component=consumer msg=\"user.created without a valid user id\" user_id=%q", event.UserID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	if _, err := c.service.ProvisionAccounts(ctx, userID); err != nil {
		log.Printf("level=error component=consumer msg=\"account provisioning failed\" user_id=%s err=%v", userID, err)
		return false
	}
	return true
}
