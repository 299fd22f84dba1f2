package app

import (
	"context"
	"fmt"
	"log"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	scopeTransfer   = "transfer"
	scopeDeposit    = "deposit"
	scopeWithdrawal = "withdrawal"

	internalTransferDescription = "Internal transfer"
)

// TransferInternal moves money between two accounts addressed by id. Amounts above
// the approval threshold are parked in PENDING_APPROVAL and the accounts are
// returned unchanged.
func (s *Service) TransferInternal(ctx context.Context, principal domain.Principal, req domain.InternalTransferRequest) (result *domain.InternalTransferResult, err error) {
	defer func() { s.metrics.ObserveOperation("transfer_internal", err) }()

	if err := s.policy.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	from, err := s.repo.FindAccountByID(ctx, req.FromAccountID)
	if err != nil {
		return nil, fmt.Errorf("source account: %w", err)
	}
	to, err := s.repo.FindAccountByID(ctx, req.ToAccountID)
	if err != nil {
		return nil, fmt.Errorf("destination account: %w", err)
	}

	tx, accounts, err := s.transfer(ctx, principal, from, to, req.Amount, internalTransferDescription)
	if err != nil {
		return nil, err
	}

	result = &domain.InternalTransferResult{From: from, To: to, Transaction: tx}
	if updated, ok := accounts[from.ID]; ok {
		result.From = updated
	}
	if updated, ok := accounts[to.ID]; ok {
		result.To = updated
	}
	return result, nil
}

// CreateTransfer moves money between two accounts addressed by routing number.
func (s *Service) CreateTransfer(ctx context.Context, principal domain.Principal, req domain.CreateTransferRequest) (tx *domain.Transaction, err error) {
	defer func() { s.metrics.ObserveOperation("create_transfer", err) }()

	if err := s.policy.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	fromRib, toRib := trimmed(req.FromAccountRib), trimmed(req.ToAccountRib)
	if fromRib == "" || toRib == "" {
		return nil, domain.ErrMissingAccountReference
	}
	if fromRib == toRib {
		return nil, domain.ErrSameAccount
	}

	from, err := s.repo.FindAccountByRoutingNumber(ctx, fromRib)
	if err != nil {
		return nil, fmt.Errorf("source account: %w", err)
	}
	to, err := s.repo.FindAccountByRoutingNumber(ctx, toRib)
	if err != nil {
		return nil, fmt.Errorf("destination account: %w", err)
	}

	description := trimmed(req.Description)
	if description == "" {
		description = fmt.Sprintf("Transfer to %s", toRib)
	}
	tx, _, err = s.transfer(ctx, principal, from, to, req.Amount, description)
	return tx, err
}

// transfer runs the checks shared by both transfer entry points, records the
// transaction and, below the approval threshold, completes it immediately. The
// amount has already been validated by the caller.
func (s *Service) transfer(ctx context.Context, principal domain.Principal, from, to *domain.Account, amount decimal.Decimal, description string) (*domain.Transaction, map[uuid.UUID]*domain.Account, error) {
	if from.ID == to.ID {
		return nil, nil, domain.ErrSameAccount
	}
	if err := authorizeAccount(principal, from); err != nil {
		return nil, nil, err
	}
	if from.Type != domain.AccountTypeCurrent {
		return nil, nil, domain.ErrSourceAccountType
	}
	if !from.Active || !to.Active {
		return nil, nil, domain.ErrAccountInactive
	}
	if err := s.checkRateLimit(ctx, scopeTransfer, principal); err != nil {
		return nil, nil, err
	}

	fee := s.policy.ComputeFee(domain.TransactionTypeTransfer, amount)
	if from.Balance.LessThan(amount.Add(fee)) {
		return nil, nil, domain.ErrInsufficientFunds
	}
	spent, err := s.repo.SumCompletedTransfersSince(ctx, from.ID, s.policy.StartOfDay(s.now()))
	if err != nil {
		return nil, nil, fmt.Errorf("sum completed transfers: %w", err)
	}
	if err := s.policy.CheckDailyLimit(amount, spent); err != nil {
		return nil, nil, err
	}

	fromID, toID := from.ID, to.ID
	tx := &domain.Transaction{
		ID:                   uuid.New(),
		Type:                 domain.TransactionTypeTransfer,
		Status:               s.policy.InitialStatus(amount),
		Amount:               amount,
		Fee:                  fee,
		SourceAccountID:      &fromID,
		DestinationAccountID: &toID,
		InitiatorID:          principal.UserID,
		Description:          description,
		Metadata:             map[string]string{},
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, nil, fmt.Errorf("failed to create transaction record: %w", err)
	}
	log.Printf("level=info component=ledger msg=\"transfer recorded\" tx_id=%s from=%s to=%s amount=%s fee=%s status=%s initiator=%s",
		tx.ID, fromID, toID, amount, fee, tx.Status, principal.UserID)

	if tx.Status == domain.StatusPendingApproval {
		s.notifier.Enqueue(Message{
			RoutingKey: domain.EventTransactionRequiresApproval,
			Body:       transactionEvent(domain.EventTransactionRequiresApproval, tx, "amount above approval threshold", s.now().UTC()),
		})
		return tx, nil, nil
	}

	return s.processPending(ctx, tx.ID, nil)
}
