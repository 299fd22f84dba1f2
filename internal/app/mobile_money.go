package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/gateway"
	"github.com/coopbank/ledger-service/internal/store"
	"github.com/google/uuid"
)

// InitiateDeposit records a PENDING deposit and asks the provider to collect
// amount+fee from the payer's wallet. The account is credited only once a status
// check sees the provider settle.
func (s *Service) InitiateDeposit(ctx context.Context, principal domain.Principal, req domain.MobileMoneyRequest) (tx *domain.Transaction, err error) {
	defer func() { s.metrics.ObserveOperation("initiate_deposit", err) }()

	account, carrier, err := s.prepareMobileMoney(ctx, principal, req, scopeDeposit)
	if err != nil {
		return nil, err
	}
	fee := s.policy.ComputeFee(domain.TransactionTypeDeposit, req.Amount)
	charged := req.Amount.Add(fee)

	accountID := account.ID
	tx = &domain.Transaction{
		ID:                   uuid.New(),
		Type:                 domain.TransactionTypeDeposit,
		Status:               domain.StatusPending,
		Amount:               req.Amount,
		Fee:                  fee,
		DestinationAccountID: &accountID,
		InitiatorID:          principal.UserID,
		Description:          fmt.Sprintf("Mobile money deposit via %s", carrier),
		Metadata: map[string]string{
			domain.MetaPayerPhone:    trimmed(req.Phone),
			domain.MetaCarrier:       carrier,
			domain.MetaChargedAmount: charged.String(),
		},
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	initiation, err := s.gateway.InitiateDeposit(ctx, tx.ID, charged, req.Phone, carrier)
	return s.afterInitiation(ctx, tx, initiation, err)
}

// InitiateWithdrawal records a PENDING withdrawal, holds amount+fee on the account
// and only then asks the provider to pay amount out to the wallet. The hold is
// released if the payout fails or is reversed.
func (s *Service) InitiateWithdrawal(ctx context.Context, principal domain.Principal, req domain.MobileMoneyRequest) (tx *domain.Transaction, err error) {
	defer func() { s.metrics.ObserveOperation("initiate_withdrawal", err) }()

	account, carrier, err := s.prepareMobileMoney(ctx, principal, req, scopeWithdrawal)
	if err != nil {
		return nil, err
	}
	fee := s.policy.ComputeFee(domain.TransactionTypeWithdrawal, req.Amount)
	if account.Balance.LessThan(req.Amount.Add(fee)) {
		return nil, domain.ErrInsufficientFunds
	}

	accountID := account.ID
	tx = &domain.Transaction{
		ID:              uuid.New(),
		Type:            domain.TransactionTypeWithdrawal,
		Status:          domain.StatusPending,
		Amount:          req.Amount,
		Fee:             fee,
		SourceAccountID: &accountID,
		InitiatorID:     principal.UserID,
		Description:     fmt.Sprintf("Mobile money withdrawal via %s", carrier),
		Metadata: map[string]string{
			domain.MetaPayerPhone:    trimmed(req.Phone),
			domain.MetaCarrier:       carrier,
			domain.MetaChargedAmount: req.Amount.Add(fee).String(),
		},
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	held, err := s.holdFunds(ctx, tx)
	if err != nil {
		if _, failErr := s.failTransition(ctx, tx.ID, pendingOnly, domain.EventTransactionFailed, err.Error(), nil); failErr != nil {
			log.Printf("level=error component=ledger msg=\"could not fail withdrawal after hold error\" tx_id=%s err=%v", tx.ID, failErr)
		}
		return nil, err
	}

	initiation, err := s.gateway.InitiatePayout(ctx, held.ID, req.Amount, req.Phone, carrier)
	return s.afterInitiation(ctx, held, initiation, err)
}

func (s *Service) prepareMobileMoney(ctx context.Context, principal domain.Principal, req domain.MobileMoneyRequest, scope string) (*domain.Account, string, error) {
	if err := s.policy.ValidateAmount(req.Amount); err != nil {
		return nil, "", err
	}
	if _, err := gateway.MinorUnits(req.Amount); err != nil {
		return nil, "", err
	}
	carrier, err := gateway.ParseCarrier(req.Carrier)
	if err != nil {
		return nil, "", err
	}
	if trimmed(req.Phone) == "" {
		return nil, "", domain.ErrInvalidPhone
	}
	account, err := s.repo.FindAccountByID(ctx, req.AccountID)
	if err != nil {
		return nil, "", err
	}
	if err := authorizeAccount(principal, account); err != nil {
		return nil, "", err
	}
	if !account.Active {
		return nil, "", domain.ErrAccountInactive
	}
	if err := s.checkRateLimit(ctx, scope, principal); err != nil {
		return nil, "", err
	}
	return account, carrier, nil
}

// afterInitiation applies the provider's answer to a freshly created record.
func (s *Service) afterInitiation(ctx context.Context, tx *domain.Transaction, initiation *gateway.Initiation, err error) (*domain.Transaction, error) {
	if err != nil {
		if errors.Is(err, domain.ErrGatewayUnavailable) {
			log.Printf("level=warn component=ledger msg=\"provider unavailable; transaction left pending\" tx_id=%s type=%s err=%v", tx.ID, tx.Type, err)
			return tx, err
		}
		failed, failErr := s.failTransition(ctx, tx.ID, pendingOnly, domain.EventTransactionFailed, err.Error(), nil)
		if failErr != nil {
			log.Printf("level=error component=ledger msg=\"could not fail transaction after initiation error\" tx_id=%s err=%v", tx.ID, failErr)
			return tx, err
		}
		return failed, err
	}

	if !initiation.Accepted {
		meta := map[string]string{domain.MetaProviderMessage: initiation.Message}
		if initiation.ProviderStatus != "" {
			meta[domain.MetaProviderStatus] = initiation.ProviderStatus
		}
		failed, failErr := s.failTransition(ctx, tx.ID, pendingOnly, domain.EventTransactionFailed, initiation.Message, meta)
		if failErr != nil {
			log.Printf("level=error component=ledger msg=\"could not fail rejected transaction\" tx_id=%s err=%v", tx.ID, failErr)
			failed = tx
		}
		return failed, fmt.Errorf("%w: %s", domain.ErrGatewayRejected, initiation.Message)
	}

	meta := map[string]string{
		domain.MetaProviderReference: initiation.Reference,
		domain.MetaProviderStatus:    initiation.ProviderStatus,
	}
	if initiation.MSISDN != "" {
		meta[domain.MetaPayerPhone] = initiation.MSISDN
	}
	updated, err := s.repo.AppendTransactionMetadata(ctx, tx.ID, meta)
	if err != nil {
		// The provider holds the payment under our id; the poller picks it up.
		log.Printf("level=error component=ledger msg=\"could not record provider reference\" tx_id=%s reference=%s err=%v", tx.ID, initiation.Reference, err)
		current, findErr := s.repo.FindTransactionByID(ctx, tx.ID)
		if findErr != nil {
			return tx, nil
		}
		return current, nil
	}
	log.Printf("level=info component=ledger msg=\"provider accepted transaction\" tx_id=%s type=%s reference=%s provider_status=%s",
		tx.ID, tx.Type, initiation.Reference, initiation.ProviderStatus)

	if status, _ := gateway.MapStatus(initiation.ProviderStatus); status == domain.StatusCompleted {
		return s.syncGatewayStatus(ctx, updated)
	}
	return updated, nil
}

// CheckDepositStatus re-polls the provider and applies a settled outcome.
func (s *Service) CheckDepositStatus(ctx context.Context, principal domain.Principal, transactionID uuid.UUID) (*domain.Transaction, error) {
	return s.checkGatewayStatus(ctx, principal, transactionID, domain.TransactionTypeDeposit)
}

// CheckPayoutStatus re-polls the provider and applies a settled outcome.
func (s *Service) CheckPayoutStatus(ctx context.Context, principal domain.Principal, transactionID uuid.UUID) (*domain.Transaction, error) {
	return s.checkGatewayStatus(ctx, principal, transactionID, domain.TransactionTypeWithdrawal)
}

func (s *Service) checkGatewayStatus(ctx context.Context, principal domain.Principal, transactionID uuid.UUID, txType domain.TransactionType) (tx *domain.Transaction, err error) {
	defer func() { s.metrics.ObserveOperation("check_"+string(txType), err) }()

	tx, err = s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Type != txType {
		return nil, fmt.Errorf("%w: %s is a %s", domain.ErrInvalidTransactionType, transactionID, tx.Type)
	}
	if err := s.authorizeTransaction(ctx, principal, tx); err != nil {
		return nil, err
	}
	return s.syncGatewayStatus(ctx, tx)
}

// syncGatewayStatus polls the provider for a PENDING deposit or withdrawal and
// drives the matching transition. Terminal records are returned as they are, so
// repeated checks and duplicate callbacks never post twice.
func (s *Service) syncGatewayStatus(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if tx.Status != domain.StatusPending || !tx.Type.UsesGateway() {
		return tx, nil
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
	if err != nil {
		return tx, err
	}

	meta := map[string]string{domain.MetaProviderStatus: poll.ProviderStatus}
	if poll.Reference != "" {
		meta[domain.MetaProviderReference] = poll.Reference
	}
	if poll.Message != "" {
		meta[domain.MetaProviderMessage] = poll.Message
	}

	switch poll.Status {
	case domain.StatusCompleted:
		completed, _, err := s.processPending(ctx, tx.ID, meta)
		if errors.Is(err, domain.ErrAlreadyFinalized) {
			return s.settledElsewhere(completed, poll), nil
		}
		return completed, err
	case domain.StatusFailed:
		reason := poll.Message
		if reason == "" {
			reason = "provider reported " + poll.ProviderStatus
		}
		failed, err := s.failTransition(ctx, tx.ID, pendingOnly, domain.EventTransactionFailed, reason, meta)
		if errors.Is(err, domain.ErrAlreadyFinalized) {
			return s.settledElsewhere(failed, poll), nil
		}
		return failed, err
	case domain.StatusReversed:
		meta[domain.MetaReversedAt] = s.timestamp()
		reversed, err := s.closeTransition(ctx, store.Transition{
			TransactionID: tx.ID,
			From:          pendingOnly,
			To:            domain.StatusReversed,
			Metadata:      meta,
		}, transitionEvents{routingKey: domain.EventTransactionReversed, reason: poll.Message})
		if errors.Is(err, domain.ErrAlreadyFinalized) {
			return s.settledElsewhere(reversed, poll), nil
		}
		return reversed, err
	default:
		updated, err := s.repo.AppendTransactionMetadata(ctx, tx.ID, meta)
		if errors.Is(err, domain.ErrAlreadyFinalized) {
			return s.repo.FindTransactionByID(ctx, tx.ID)
		}
		return updated, err
	}
}

// settledElsewhere returns the record another path finalized first, warning when
// its outcome disagrees with what the provider now reports.
func (s *Service) settledElsewhere(current *domain.Transaction, poll *gateway.Poll) *domain.Transaction {
	if current != nil && current.Status != poll.Status {
		log.Printf("level=warn component=ledger msg=\"provider outcome disagrees with finalized record; needs reconciliation\" tx_id=%s ledger_status=%s provider_status=%s",
			current.ID, current.Status, poll.ProviderStatus)
	}
	return current
}
