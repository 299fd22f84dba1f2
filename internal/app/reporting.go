package app

import (
	"context"
	"sort"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type transactionPage = domain.Page[domain.Transaction]

// ListTransactions pages through every transaction. Admin only.
func (s *Service) ListTransactions(ctx context.Context, principal domain.Principal, page domain.PageRequest) (transactionPage, error) {
	if !principal.IsAdmin() {
		return transactionPage{}, domain.ErrForbidden
	}
	return s.listPage(ctx, domain.TransactionFilter{Page: page})
}

// ListMyTransactions pages through transactions touching any of the caller's accounts.
func (s *Service) ListMyTransactions(ctx context.Context, principal domain.Principal, page domain.PageRequest) (transactionPage, error) {
	ids, err := s.userAccountIDs(ctx, principal.UserID)
	if err != nil {
		return transactionPage{}, err
	}
	if len(ids) == 0 {
		return domain.NewPage[domain.Transaction](nil, page, 0), nil
	}
	return s.listPage(ctx, domain.TransactionFilter{AccountIDs: ids, Page: page})
}

// ListAccountTransactions pages through one account's transactions. Owner or admin.
func (s *Service) ListAccountTransactions(ctx context.Context, principal domain.Principal, accountID uuid.UUID, page domain.PageRequest) (transactionPage, error) {
	if _, err := s.GetAccount(ctx, principal, accountID); err != nil {
		return transactionPage{}, err
	}
	return s.listPage(ctx, domain.TransactionFilter{AccountIDs: []uuid.UUID{accountID}, Page: page})
}

// ListPendingApproval pages through transfers waiting for an approver.
func (s *Service) ListPendingApproval(ctx context.Context, principal domain.Principal, page domain.PageRequest) (transactionPage, error) {
	if !principal.CanApprove() {
		return transactionPage{}, domain.ErrForbidden
	}
	return s.listPage(ctx, domain.TransactionFilter{Status: domain.StatusPendingApproval, Page: page})
}

// FilterTransactions applies type, status and date filters. Non-admins only see
// their own accounts; asking for someone else's account is forbidden.
func (s *Service) FilterTransactions(ctx context.Context, principal domain.Principal, filter domain.TransactionFilter) (transactionPage, error) {
	if !principal.IsAdmin() {
		own, err := s.userAccountIDs(ctx, principal.UserID)
		if err != nil {
			return transactionPage{}, err
		}
		if len(own) == 0 {
			return domain.NewPage[domain.Transaction](nil, filter.Page, 0), nil
		}
		if len(filter.AccountIDs) == 0 {
			filter.AccountIDs = own
		} else {
			owned := make(map[uuid.UUID]struct{}, len(own))
			for _, id := range own {
				owned[id] = struct{}{}
			}
			for _, id := range filter.AccountIDs {
				if _, ok := owned[id]; !ok {
					return transactionPage{}, domain.ErrForbidden
				}
			}
		}
	}
	return s.listPage(ctx, filter)
}

// GetTransaction returns a transaction visible to the principal.
func (s *Service) GetTransaction(ctx context.Context, principal domain.Principal, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeTransaction(ctx, principal, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// LedgerEntries returns the balance mutations a transaction produced.
func (s *Service) LedgerEntries(ctx context.Context, principal domain.Principal, transactionID uuid.UUID) ([]domain.LedgerEntry, error) {
	if _, err := s.GetTransaction(ctx, principal, transactionID); err != nil {
		return nil, err
	}
	return s.repo.ListLedgerEntries(ctx, transactionID)
}

// FinancialSummary totals a user's completed money in and out. Transfers between
// the user's own accounts count as neither.
func (s *Service) FinancialSummary(ctx context.Context, principal domain.Principal, userID uuid.UUID) (*domain.FinancialSummary, error) {
	if !principal.IsAdmin() && principal.UserID != userID {
		return nil, domain.ErrForbidden
	}
	accounts, _, err := s.repo.FindAccountsByUserID(ctx, userID, domain.PageRequest{Page: 1, Limit: domain.MaxPageSize})
	if err != nil {
		return nil, err
	}
	summary := &domain.FinancialSummary{
		UserID:   userID,
		Income:   decimal.Zero,
		Expenses: decimal.Zero,
		Fees:     decimal.Zero,
		Net:      decimal.Zero,
		Balance:  decimal.Zero,
	}
	if len(accounts) == 0 {
		return summary, nil
	}

	ids := make([]uuid.UUID, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
		summary.Balance = summary.Balance.Add(account.Balance)
	}
	aggregates, err := s.repo.AggregateTransactions(ctx, ids, nil)
	if err != nil {
		return nil, err
	}
	for _, agg := range aggregates {
		if agg.Status != domain.StatusCompleted {
			continue
		}
		switch agg.Direction {
		case domain.DirectionIn:
			summary.Income = summary.Income.Add(agg.Amount)
		case domain.DirectionOut:
			summary.Expenses = summary.Expenses.Add(agg.Amount)
			summary.Fees = summary.Fees.Add(agg.Fees)
		}
	}
	summary.Net = summary.Income.Sub(summary.Expenses).Sub(summary.Fees)
	return summary, nil
}

// AccountStats groups one account's transactions over a period.
func (s *Service) AccountStats(ctx context.Context, principal domain.Principal, accountID uuid.UUID, period domain.StatsPeriod) (*domain.TransactionStats, error) {
	if _, err := s.GetAccount(ctx, principal, accountID); err != nil {
		return nil, err
	}
	return s.stats(ctx, []uuid.UUID{accountID}, period)
}

// MyStats groups the transactions of all the caller's accounts over a period.
func (s *Service) MyStats(ctx context.Context, principal domain.Principal, period domain.StatsPeriod) (*domain.TransactionStats, error) {
	ids, err := s.userAccountIDs(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}
	return s.stats(ctx, ids, period)
}

func (s *Service) stats(ctx context.Context, accountIDs []uuid.UUID, period domain.StatsPeriod) (*domain.TransactionStats, error) {
	since := period.Since(s.now().UTC())
	stats := &domain.TransactionStats{
		Period:      period,
		Since:       since,
		Buckets:     []domain.StatsBucket{},
		TotalAmount: decimal.Zero,
	}
	if len(accountIDs) == 0 {
		return stats, nil
	}
	aggregates, err := s.repo.AggregateTransactions(ctx, accountIDs, &since)
	if err != nil {
		return nil, err
	}

	type key struct {
		txType domain.TransactionType
		status domain.TransactionStatus
	}
	grouped := make(map[key]*domain.StatsBucket)
	for _, agg := range aggregates {
		k := key{agg.Type, agg.Status}
		bucket, ok := grouped[k]
		if !ok {
			bucket = &domain.StatsBucket{Type: agg.Type, Status: agg.Status, Amount: decimal.Zero}
			grouped[k] = bucket
		}
		bucket.Count += agg.Count
		bucket.Amount = bucket.Amount.Add(agg.Amount)
		stats.TotalCount += agg.Count
		stats.TotalAmount = stats.TotalAmount.Add(agg.Amount)
	}
	for _, bucket := range grouped {
		stats.Buckets = append(stats.Buckets, *bucket)
	}
	sort.Slice(stats.Buckets, func(i, j int) bool {
		if stats.Buckets[i].Type != stats.Buckets[j].Type {
			return stats.Buckets[i].Type < stats.Buckets[j].Type
		}
		return stats.Buckets[i].Status < stats.Buckets[j].Status
	})
	return stats, nil
}

func (s *Service) listPage(ctx context.Context, filter domain.TransactionFilter) (transactionPage, error) {
	filter.Page = filter.Page.Normalize()
	items, total, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return transactionPage{}, err
	}
	return domain.NewPage(items, filter.Page, total), nil
}

func (s *Service) userAccountIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	accounts, _, err := s.repo.FindAccountsByUserID(ctx, userID, domain.PageRequest{Page: 1, Limit: domain.MaxPageSize})
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
	}
	return ids, nil
}
