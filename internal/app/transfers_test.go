package app

import (
	"context"
	"errors"
	"testing"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/google/uuid"
)

func TestTransferInternalCompletesImmediately(t *testing.T) {
	f := newFixture(t, Options{})
	alice, bob := uuid.New(), uuid.New()
	from := f.openAccount(t, alice, domain.AccountTypeCurrent, 100000)
	to := f.openAccount(t, bob, domain.AccountTypeSavings, 0)

	result, err := f.service.TransferInternal(context.Background(), member(alice), domain.InternalTransferRequest{
		FromAccountID: from.ID, ToAccountID: to.ID, Amount: amountOf(30000),
	})
	if err != nil {
		t.Fatalf("expected transfer to succeed, got %v", err)
	}
	if result.Transaction.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", result.Transaction.Status)
	}
	if !result.From.Balance.Equal(amountOf(70000)) || !result.To.Balance.Equal(amountOf(30000)) {
		t.Fatalf("expected balances 70000/30000, got %s/%s", result.From.Balance, result.To.Balance)
	}
	expectBalance(t, f, from.ID, 70000)
	expectBalance(t, f, to.ID, 30000)

	if got := f.sink.count(domain.EventTransactionCompleted); got != 1 {
		t.Fatalf("expected 1 completed event, got %d", got)
	}
	notes := f.sink.notifications()
	if len(notes) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notes))
	}
	for _, note := range notes {
		switch note.UserID {
		case alice:
			if note.Kind != domain.NotificationDebit {
				t.Fatalf("expected DEBIT for sender, got %s", note.Kind)
			}
		case bob:
			if note.Kind != domain.NotificationCredit {
				t.Fatalf("expected CREDIT for recipient, got %s", note.Kind)
			}
		default:
			t.Fatalf("unexpected notification recipient %s", note.UserID)
		}
	}

	entries, err := f.repo.ListLedgerEntries(context.Background(), result.Transaction.ID)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
}

func TestTransferValidation(t *testing.T) {
	alice := uuid.New()

	tests := []struct {
		name     string
		setup    func(t *testing.T, f *fixture) (from, to *domain.Account)
		amount   int64
		caller   domain.Principal
		expected error
	}{
		{
			name: "zero amount",
			setup: func(t *testing.T, f *fixture) (*domain.Account, *domain.Account) {
				return f.openAccount(t, alice, domain.AccountTypeCurrent, 1000), f.openAccount(t, uuid.New(), domain.AccountTypeCurrent, 0)
			},
			amount:   0,
			caller:   member(alice),
			expected: domain.ErrInvalidAmount,
		},
		{
			name: "same account",
			setup: func(t *testing.T, f *fixture) (*domain.Account, *domain.Account) {
				a := f.openAccount(t, alice, domain.AccountTypeCurrent, 1000)
				return a, a
			},
			amount:   100,
			caller:   member(alice),
			expected: domain.ErrSameAccount,
		},
		{
			name: "source owned by someone else",
			setup: func(t *testing.T, f *fixture) (*domain.Account, *domain.Account) {
				return f.openAccount(t, uuid.New(), domain.AccountTypeCurrent, 1000), f.openAccount(t, alice, domain.AccountTypeCurrent, 0)
			},
			amount:   100,
			caller:   member(alice),
			expected: domain.ErrForbidden,
		},
		{
			name: "savings source",
			setup: func(t *testing.T, f *fixture) (*domain.Account, *domain.Account) {
				return f.openAccount(t, alice, domain.AccountTypeSavings, 1000), f.openAccount(t, uuid.New(), domain.AccountTypeCurrent, 0)
			},
			amount:   100,
			caller:   member(alice),
			expected: domain.ErrSourceAccountType,
		},
		{
			name: "inactive destination",
			setup: func(t *testing.T, f *fixture) (*domain.Account, *domain.Account) {
				to, err := f.repo.CreateAccount(context.Background(), &domain.Account{UserID: uuid.New(), Type: domain.AccountTypeCurrent})
				if err != nil {
					t.Fatalf("seed account: %v", err)
				}
				return f.openAccount(t, alice, domain.AccountTypeCurrent, 1000), to
			},
			amount:   100,
			caller:   member(alice),
			expected: domain.ErrAccountInactive,
		},
		{
			name: "insufficient funds",
			setup: func(t *testing.T, f *fixture) (*domain.Account, *domain.Account) {
				return f.openAccount(t, alice, domain.AccountTypeCurrent, 1000), f.openAccount(t, uuid.New(), domain.AccountTypeCurrent, 0)
			},
			amount:   5000,
			caller:   member(alice),
			expected: domain.ErrInsufficientFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			from, to := tt.setup(t, f)

			_, err := f.service.TransferInternal(context.Background(), tt.caller, domain.InternalTransferRequest{
				FromAccountID: from.ID, ToAccountID: to.ID, Amount: amountOf(tt.amount),
			})
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}

			_, total, err := f.repo.ListTransactions(context.Background(), domain.TransactionFilter{})
			if err != nil {
				t.Fatalf("list transactions: %v", err)
			}
			if total != 0 {
				t.Fatalf("expected no transaction to be recorded, got %d", total)
			}
			if !f.balance(t, from.ID).Equal(from.Balance) {
				t.Fatalf("expected source balance untouched")
			}
		})
	}
}

func TestTransferAmountCheckedBeforeAccounts(t *testing.T) {
	alice := uuid.New()
	missing := uuid.New()

	tests := []struct {
		name     string
		transfer func(f *fixture, known *domain.Account) error
	}{
		{
			name: "zero amount to unknown account",
			transfer: func(f *fixture, known *domain.Account) error {
				_, err := f.service.TransferInternal(context.Background(), member(alice), domain.InternalTransferRequest{
					FromAccountID: known.ID, ToAccountID: missing, Amount: amountOf(0),
				})
				return err
			},
		},
		{
			name: "negative amount from unknown account",
			transfer: func(f *fixture, known *domain.Account) error {
				_, err := f.service.TransferInternal(context.Background(), member(alice), domain.InternalTransferRequest{
					FromAccountID: missing, ToAccountID: known.ID, Amount: amountOf(-10),
				})
				return err
			},
		},
		{
			name: "zero amount to unknown routing number",
			transfer: func(f *fixture, known *domain.Account) error {
				_, err := f.service.CreateTransfer(context.Background(), member(alice), domain.CreateTransferRequest{
					FromAccountRib: *known.RoutingNumber, ToAccountRib: "10005000010000000000000", Amount: amountOf(0),
				})
				return err
			},
		},
		{
			name: "zero amount between the same routing number",
			transfer: func(f *fixture, known *domain.Account) error {
				_, err := f.service.CreateTransfer(context.Background(), member(alice), domain.CreateTransferRequest{
					FromAccountRib: *known.RoutingNumber, ToAccountRib: *known.RoutingNumber, Amount: amountOf(0),
				})
				return err
			},
		},
		{
			name: "negative amount with empty routing numbers",
			transfer: func(f *fixture, known *domain.Account) error {
				_, err := f.service.CreateTransfer(context.Background(), member(alice), domain.CreateTransferRequest{Amount: amountOf(-1)})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			known := f.openAccount(t, alice, domain.AccountTypeCurrent, 1000)
			if err := tt.transfer(f, known); !errors.Is(err, domain.ErrInvalidAmount) {
				t.Fatalf("expected ErrInvalidAmount, got %v", err)
			}
		})
	}
}

func TestTransferDailyLimit(t *testing.T) {
	f := newFixture(t, Options{})
	alice := uuid.New()
	from := f.openAccount(t, alice, domain.AccountTypeCurrent, 3000000)
	to := f.openAccount(t, uuid.New(), domain.AccountTypeCurrent, 0)

	transfer := func(amount int64) error {
		_, err := f.service.TransferInternal(context.Background(), member(alice), domain.InternalTransferRequest{
			FromAccountID: from.ID, ToAccountID: to.ID, Amount: amountOf(amount),
		})
		return err
	}

	for _, amount := range []int64{400000, 400000, 400000, 400000, 300000} {
		if err := transfer(amount); err != nil {
			t.Fatalf("expected transfer of %d to succeed, got %v", amount, err)
		}
	}
	expectBalance(t, f, from.ID, 1100000)

	if err := transfer(200000); !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded at 1.9M + 200k, got %v", err)
	}
	expectBalance(t, f, from.ID, 1100000)

	if err := transfer(100000); err != nil {
		t.Fatalf("expected transfer reaching the ceiling exactly to succeed, got %v", err)
	}
	expectBalance(t, f, from.ID, 1000000)
}

func TestCreateTransferByRoutingNumber(t *testing.T) {
	f := newFixture(t, Options{})
	alice := uuid.New()
	from := f.openAccount(t, alice, domain.AccountTypeCurrent, 50000)
	to := f.openAccount(t, uuid.New(), domain.AccountTypeCurrent, 1000)

	tx, err := f.service.CreateTransfer(context.Background(), member(alice), domain.CreateTransferRequest{
		FromAccountRib: *from.RoutingNumber,
		ToAccountRib:   *to.RoutingNumber,
		Amount:         amountOf(20000),
	})
	if err != nil {
		t.Fatalf("expected transfer to succeed, got %v", err)
	}
	if tx.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", tx.Status)
	}
	if tx.Description == "" {
		t.Fatalf("expected a default description")
	}
	expectBalance(t, f, from.ID, 30000)
	expectBalance(t, f, to.ID, 21000)

	_, err = f.service.CreateTransfer(context.Background(), member(alice), domain.CreateTransferRequest{
		FromAccountRib: *from.RoutingNumber,
		ToAccountRib:   "1000500001999999999999",
		Amount:         amountOf(100),
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown routing number, got %v", err)
	}
}

func TestTransferCreditsFeeAccount(t *testing.T) {
	f := newFixture(t, Options{})
	feeAccount := f.openAccount(t, uuid.New(), domain.AccountTypeCooperative, 0)
	feeID := feeAccount.ID
	f.service.feeAccountID = &feeID
	f.service.policy.TransferFeeRate = amountOf(1).Div(amountOf(100))

	alice := uuid.New()
	from := f.openAccount(t, alice, domain.AccountTypeCurrent, 20000)
	to := f.openAccount(t, uuid.New(), domain.AccountTypeCurrent, 0)

	result, err := f.service.TransferInternal(context.Background(), member(alice), domain.InternalTransferRequest{
		FromAccountID: from.ID, ToAccountID: to.ID, Amount: amountOf(10000),
	})
	if err != nil {
		t.Fatalf("expected transfer to succeed, got %v", err)
	}
	if !result.Transaction.Fee.Equal(amountOf(100)) {
		t.Fatalf("expected fee 100, got %s", result.Transaction.Fee)
	}
	expectBalance(t, f, from.ID, 9900)
	expectBalance(t, f, to.ID, 10000)
	expectBalance(t, f, feeAccount.ID, 100)
}
