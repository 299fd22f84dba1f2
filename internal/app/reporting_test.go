package app

import (
	"context"
	"errors"
	"testing"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/google/uuid"
)

func TestFinancialSummary(t *testing.T) {
	f := newFixture(t, Options{})
	alice, bob := uuid.New(), uuid.New()
	current := f.openAccount(t, alice, domain.AccountTypeCurrent, 100000)
	savings := f.openAccount(t, alice, domain.AccountTypeSavings, 0)
	bobCurrent := f.openAccount(t, bob, domain.AccountTypeCurrent, 50000)

	transfer := func(p domain.Principal, from, to *domain.Account, amount int64) {
		t.Helper()
		if _, err := f.service.TransferInternal(context.Background(), p, domain.InternalTransferRequest{
			FromAccountID: from.ID, ToAccountID: to.ID, Amount: amountOf(amount),
		}); err != nil {
			t.Fatalf("transfer: %v", err)
		}
	}
	transfer(member(alice), current, bobCurrent, 20000)
	transfer(member(bob), bobCurrent, current, 5000)
	transfer(member(alice), current, savings, 10000)

	deposit, err := f.service.InitiateDeposit(context.Background(), member(alice), depositRequest(savings.ID, 10000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.gateway.setPoll(domain.StatusCompleted, "SUCCESSFUL")
	if _, err := f.service.CheckDepositStatus(context.Background(), member(alice), deposit.ID); err != nil {
		t.Fatalf("check deposit: %v", err)
	}

	summary, err := f.service.FinancialSummary(context.Background(), member(alice), alice)
	if err != nil {
		t.Fatalf("expected summary, got %v", err)
	}
	if !summary.Income.Equal(amountOf(15000)) {
		t.Fatalf("expected income 15000, got %s", summary.Income)
	}
	if !summary.Expenses.Equal(amountOf(20000)) {
		t.Fatalf("expected expenses 20000, got %s", summary.Expenses)
	}
	if !summary.Net.Equal(amountOf(-5000)) {
		t.Fatalf("expected net -5000, got %s", summary.Net)
	}
	if !summary.Balance.Equal(amountOf(95000)) {
		t.Fatalf("expected balance 95000, got %s", summary.Balance)
	}

	if _, err := f.service.FinancialSummary(context.Background(), member(bob), alice); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for another user, got %v", err)
	}
}

func TestListingAndPagination(t *testing.T) {
	f := newFixture(t, Options{})
	alice := uuid.New()
	from := f.openAccount(t, alice, domain.AccountTypeCurrent, 100000)
	to := f.openAccount(t, uuid.New(), domain.AccountTypeCurrent, 0)
	for i := 0; i < 12; i++ {
		if _, err := f.service.TransferInternal(context.Background(), member(alice), domain.InternalTransferRequest{
			FromAccountID: from.ID, ToAccountID: to.ID, Amount: amountOf(100),
		}); err != nil {
			t.Fatalf("transfer: %v", err)
		}
	}

	page, err := f.service.ListMyTransactions(context.Background(), member(alice), domain.PageRequest{Page: 2, Limit: 5})
	if err != nil {
		t.Fatalf("expected listing, got %v", err)
	}
	if page.TotalItems != 12 || page.TotalPages != 3 || page.CurrentPage != 2 || page.RemainingPages != 1 || !page.HasMore {
		t.Fatalf("unexpected page counters: %+v", page)
	}
	if len(page.Data) != 5 {
		t.Fatalf("expected 5 items, got %d", len(page.Data))
	}

	if _, err := f.service.ListTransactions(context.Background(), member(alice), domain.PageRequest{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for member listing all, got %v", err)
	}
	all, err := f.service.ListTransactions(context.Background(), admin(), domain.PageRequest{Limit: 50})
	if err != nil {
		t.Fatalf("expected admin listing, got %v", err)
	}
	if all.ItemsPerPage != domain.MaxPageSize || len(all.Data) != 12 {
		t.Fatalf("expected limit clamped to %d with 12 items, got %d/%d", domain.MaxPageSize, all.ItemsPerPage, len(all.Data))
	}

	if _, err := f.service.ListAccountTransactions(context.Background(), member(uuid.New()), from.ID, domain.PageRequest{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign account, got %v", err)
	}
}

func TestFilterTransactionsRestrictsMembers(t *testing.T) {
	f := newFixture(t, Options{})
	alice, bob := uuid.New(), uuid.New()
	aliceAccount := f.openAccount(t, alice, domain.AccountTypeCurrent, 100000)
	bobAccount := f.openAccount(t, bob, domain.AccountTypeCurrent, 100000)
	carol := f.openAccount(t, uuid.New(), domain.AccountTypeCurrent, 0)

	for _, pair := range []struct {
		owner uuid.UUID
		from  *domain.Account
	}{{alice, aliceAccount}, {bob, bobAccount}} {
		if _, err := f.service.TransferInternal(context.Background(), member(pair.owner), domain.InternalTransferRequest{
			FromAccountID: pair.from.ID, ToAccountID: carol.ID, Amount: amountOf(1000),
		}); err != nil {
			t.Fatalf("transfer: %v", err)
		}
	}

	page, err := f.service.FilterTransactions(context.Background(), member(alice), domain.TransactionFilter{
		Type: domain.TransactionTypeTransfer, Status: domain.StatusCompleted,
	})
	if err != nil {
		t.Fatalf("expected filter to succeed, got %v", err)
	}
	if page.TotalItems != 1 || !page.Data[0].Involves(aliceAccount.ID) {
		t.Fatalf("expected only alice's transfer, got %+v", page.Data)
	}

	_, err = f.service.FilterTransactions(context.Background(), member(alice), domain.TransactionFilter{AccountIDs: []uuid.UUID{bobAccount.ID}})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden when filtering someone else's account, got %v", err)
	}

	page, err = f.service.FilterTransactions(context.Background(), admin(), domain.TransactionFilter{})
	if err != nil || page.TotalItems != 2 {
		t.Fatalf("expected admin to see both transfers, got %d (%v)", page.TotalItems, err)
	}
}

func TestPendingApprovalListingAndStats(t *testing.T) {
	f := newFixture(t, Options{})
	alice := uuid.New()
	from := f.openAccount(t, alice, domain.AccountTypeCurrent, 2000000)
	to := f.openAccount(t, uuid.New(), domain.AccountTypeCurrent, 0)
	highValueTransfer(t, f, alice, from, to, 800000)
	if _, err := f.service.TransferInternal(context.Background(), member(alice), domain.InternalTransferRequest{
		FromAccountID: from.ID, ToAccountID: to.ID, Amount: amountOf(1000),
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if _, err := f.service.ListPendingApproval(context.Background(), member(alice), domain.PageRequest{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for member, got %v", err)
	}
	manager := domain.Principal{UserID: uuid.New(), Role: domain.RoleManager}
	pending, err := f.service.ListPendingApproval(context.Background(), manager, domain.PageRequest{})
	if err != nil {
		t.Fatalf("expected listing, got %v", err)
	}
	if pending.TotalItems != 1 || pending.Data[0].Status != domain.StatusPendingApproval {
		t.Fatalf("expected one pending approval, got %+v", pending.Data)
	}

	stats, err := f.service.AccountStats(context.Background(), member(alice), from.ID, domain.ParseStatsPeriod("week"))
	if err != nil {
		t.Fatalf("expected stats, got %v", err)
	}
	if stats.Period != domain.PeriodWeek || stats.TotalCount != 2 || len(stats.Buckets) != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !stats.TotalAmount.Equal(amountOf(801000)) {
		t.Fatalf("expected total 801000, got %s", stats.TotalAmount)
	}

	mine, err := f.service.MyStats(context.Background(), member(uuid.New()), domain.PeriodDay)
	if err != nil {
		t.Fatalf("expected empty stats, got %v", err)
	}
	if mine.TotalCount != 0 || len(mine.Buckets) != 0 {
		t.Fatalf("expected no buckets for a user without accounts, got %+v", mine)
	}
}

func TestLedgerEntriesVisibleToParties(t *testing.T) {
	f := newFixture(t, Options{})
	alice := uuid.New()
	from := f.openAccount(t, alice, domain.AccountTypeCurrent, 5000)
	to := f.openAccount(t, uuid.New(), domain.AccountTypeCurrent, 0)
	result, err := f.service.TransferInternal(context.Background(), member(alice), domain.InternalTransferRequest{
		FromAccountID: from.ID, ToAccountID: to.ID, Amount: amountOf(1000),
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	entries, err := f.service.LedgerEntries(context.Background(), member(alice), result.Transaction.ID)
	if err != nil {
		t.Fatalf("expected entries, got %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if _, err := f.service.GetTransaction(context.Background(), member(uuid.New()), result.Transaction.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a stranger, got %v", err)
	}
}
