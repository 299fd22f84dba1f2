package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxRoutingAttempts = 5

// ProvisionAccounts creates the inactive product accounts of a new member. Running
// it again for the same user is a no-op.
func (s *Service) ProvisionAccounts(ctx context.Context, userID uuid.UUID) ([]domain.Account, error) {
	if userID == uuid.Nil {
		return nil, errors.New("user id is required")
	}
	created := 0
	for _, accountType := range domain.AllAccountTypes {
		_, err := s.repo.CreateAccount(ctx, &domain.Account{
			ID:      uuid.New(),
			UserID:  userID,
			Type:    accountType,
			Balance: decimal.Zero,
		})
		if err != nil {
			if errors.Is(err, domain.ErrAccountExists) {
				continue
			}
			return nil, fmt.Errorf("provision %s account: %w", accountType, err)
		}
		created++
	}
	if created > 0 {
		log.Printf("level=info component=ledger msg=\"accounts provisioned\" user_id=%s created=%d", userID, created)
	}

	accounts, _, err := s.repo.FindAccountsByUserID(ctx, userID, domain.PageRequest{Page: 1, Limit: domain.MaxPageSize})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// OpenAccount assigns a routing number to the user's account of the given type,
// which activates it. A number that collides with another account is regenerated.
func (s *Service) OpenAccount(ctx context.Context, principal domain.Principal, userID uuid.UUID, accountType domain.AccountType) (account *domain.Account, err error) {
	defer func() { s.metrics.ObserveOperation("open_account", err) }()

	if !principal.IsAdmin() && principal.UserID != userID {
		return nil, domain.ErrForbidden
	}
	target, err := s.findAccountOfType(ctx, userID, accountType)
	if err != nil {
		return nil, err
	}
	if target.IsOpened() {
		return nil, domain.ErrAccountAlreadyOpened
	}

	for attempt := 1; attempt <= maxRoutingAttempts; attempt++ {
		rib, err := domain.GenerateRoutingNumber(s.routingPrefix)
		if err != nil {
			return nil, err
		}
		account, err = s.repo.AssignRoutingNumber(ctx, target.ID, rib)
		if errors.Is(err, domain.ErrRoutingNumberTaken) {
			log.Printf("level=warn component=ledger msg=\"routing number collision; regenerating\" account_id=%s attempt=%d", target.ID, attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Printf("level=info component=ledger msg=\"account opened\" account_id=%s user_id=%s type=%s", account.ID, userID, accountType)
		return account, nil
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", domain.ErrRoutingNumberTaken, maxRoutingAttempts)
}

func (s *Service) findAccountOfType(ctx context.Context, userID uuid.UUID, accountType domain.AccountType) (*domain.Account, error) {
	accounts, _, err := s.repo.FindAccountsByUserID(ctx, userID, domain.PageRequest{Page: 1, Limit: domain.MaxPageSize})
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].Type == accountType {
			return &accounts[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no %s account for user %s", domain.ErrAccountNotFound, accountType, userID)
}

// GetAccount returns an account visible to the principal.
func (s *Service) GetAccount(ctx context.Context, principal domain.Principal, accountID uuid.UUID) (*domain.Account, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := authorizeAccount(principal, account); err != nil {
		return nil, err
	}
	return account, nil
}

// ListAccounts pages through a user's accounts.
func (s *Service) ListAccounts(ctx context.Context, principal domain.Principal, userID uuid.UUID, page domain.PageRequest) (domain.Page[domain.Account], error) {
	if !principal.IsAdmin() && principal.UserID != userID {
		return domain.Page[domain.Account]{}, domain.ErrForbidden
	}
	page = page.Normalize()
	accounts, total, err := s.repo.FindAccountsByUserID(ctx, userID, page)
	if err != nil {
		return domain.Page[domain.Account]{}, err
	}
	return domain.NewPage(accounts, page, total), nil
}

// ListActiveAccounts pages through every opened account. Administrators only.
func (s *Service) ListActiveAccounts(ctx context.Context, principal domain.Principal, page domain.PageRequest) (domain.Page[domain.Account], error) {
	if !principal.IsAdmin() {
		return domain.Page[domain.Account]{}, domain.ErrForbidden
	}
	active := true
	return s.FilterAccounts(ctx, principal, domain.AccountFilter{Active: &active, Page: page})
}

// ListAccountsGroupedByUser pages through members with all of their accounts.
// Administrators only.
func (s *Service) ListAccountsGroupedByUser(ctx context.Context, principal domain.Principal, page domain.PageRequest) (domain.Page[domain.AccountHolder], error) {
	if !principal.IsAdmin() {
		return domain.Page[domain.AccountHolder]{}, domain.ErrForbidden
	}
	page = page.Normalize()
	holders, total, err := s.repo.FindAccountHolders(ctx, page)
	if err != nil {
		return domain.Page[domain.AccountHolder]{}, err
	}
	return domain.NewPage(holders, page, total), nil
}

// FilterAccounts lists accounts by type and active flag. Members only ever see
// their own accounts; administrators may narrow by user or see everyone's.
func (s *Service) FilterAccounts(ctx context.Context, principal domain.Principal, filter domain.AccountFilter) (domain.Page[domain.Account], error) {
	if !principal.IsAdmin() {
		own := principal.UserID
		filter.UserID = &own
	}
	filter.Page = filter.Page.Normalize()
	accounts, total, err := s.repo.FindAccounts(ctx, filter)
	if err != nil {
		return domain.Page[domain.Account]{}, err
	}
	return domain.NewPage(accounts, filter.Page, total), nil
}
