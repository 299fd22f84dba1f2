package app

import (
	"context"
	"errors"
	"testing"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/policy"
	"github.com/coopbank/ledger-service/internal/store"
	"github.com/google/uuid"
)

func TestProvisionAccountsIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	userID := uuid.New()

	first, err := f.service.ProvisionAccounts(context.Background(), userID)
	if err != nil {
		t.Fatalf("expected provisioning to succeed, got %v", err)
	}
	if len(first) != len(domain.AllAccountTypes) {
		t.Fatalf("expected %d accounts, got %d", len(domain.AllAccountTypes), len(first))
	}
	for _, account := range first {
		if account.Active || account.IsOpened() {
			t.Fatalf("expected provisioned accounts to be unopened, got %+v", account)
		}
	}

	second, err := f.service.ProvisionAccounts(context.Background(), userID)
	if err != nil {
		t.Fatalf("expected second provisioning to succeed, got %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("expected no duplicate accounts, got %d", len(second))
	}
}

func TestOpenAccountAssignsRoutingNumberOnce(t *testing.T) {
	f := newFixture(t, Options{})
	userID := uuid.New()
	if _, err := f.service.ProvisionAccounts(context.Background(), userID); err != nil {
		t.Fatalf("provision: %v", err)
	}

	opened, err := f.service.OpenAccount(context.Background(), member(userID), userID, domain.AccountTypeCurrent)
	if err != nil {
		t.Fatalf("expected account to open, got %v", err)
	}
	if !opened.Active || !opened.IsOpened() {
		t.Fatalf("expected an active account with a routing number, got %+v", opened)
	}
	if !domain.ValidRoutingNumber(*opened.RoutingNumber) {
		t.Fatalf("expected a valid routing number, got %s", *opened.RoutingNumber)
	}

	_, err = f.service.OpenAccount(context.Background(), member(userID), userID, domain.AccountTypeCurrent)
	if !errors.Is(err, domain.ErrAccountAlreadyOpened) {
		t.Fatalf("expected ErrAccountAlreadyOpened, got %v", err)
	}
	if _, err := f.service.OpenAccount(context.Background(), member(uuid.New()), userID, domain.AccountTypeSavings); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for another user, got %v", err)
	}
}

type collidingRepo struct {
	*store.MemoryRepository
	collisions int
}

func (r *collidingRepo) AssignRoutingNumber(ctx context.Context, accountID uuid.UUID, routingNumber string) (*domain.Account, error) {
	if r.collisions > 0 {
		r.collisions--
		return nil, domain.ErrRoutingNumberTaken
	}
	return r.MemoryRepository.AssignRoutingNumber(ctx, accountID, routingNumber)
}

func TestOpenAccountRetriesOnCollision(t *testing.T) {
	tests := []struct {
		name       string
		collisions int
		wantErr    error
	}{
		{name: "two collisions", collisions: 2, wantErr: nil},
		{name: "always colliding", collisions: maxRoutingAttempts, wantErr: domain.ErrRoutingNumberTaken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &collidingRepo{MemoryRepository: store.NewMemoryRepository(), collisions: tt.collisions}
			svc := NewService(repo, policy.Default(), &gatewayStub{}, nil, Options{RoutingPrefix: testPrefix})
			userID := uuid.New()
			if _, err := svc.ProvisionAccounts(context.Background(), userID); err != nil {
				t.Fatalf("provision: %v", err)
			}

			_, err := svc.OpenAccount(context.Background(), member(userID), userID, domain.AccountTypeSavings)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestListAccounts(t *testing.T) {
	f := newFixture(t, Options{})
	userID := uuid.New()
	if _, err := f.service.ProvisionAccounts(context.Background(), userID); err != nil {
		t.Fatalf("provision: %v", err)
	}

	page, err := f.service.ListAccounts(context.Background(), member(userID), userID, domain.PageRequest{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("expected listing, got %v", err)
	}
	if page.TotalItems != len(domain.AllAccountTypes) || len(page.Data) != 2 || !page.HasMore {
		t.Fatalf("unexpected page: %+v", page)
	}
	if _, err := f.service.ListAccounts(context.Background(), member(uuid.New()), userID, domain.PageRequest{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.service.GetAccount(context.Background(), member(uuid.New()), page.Data[0].ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden on foreign account, got %v", err)
	}
}

func TestAdminAccountListings(t *testing.T) {
	f := newFixture(t, Options{})
	alice, bob := uuid.New(), uuid.New()
	for _, userID := range []uuid.UUID{alice, bob} {
		if _, err := f.service.ProvisionAccounts(context.Background(), userID); err != nil {
			t.Fatalf("provision: %v", err)
		}
		if _, err := f.service.OpenAccount(context.Background(), member(userID), userID, domain.AccountTypeCurrent); err != nil {
			t.Fatalf("open: %v", err)
		}
	}
	perUser := len(domain.AllAccountTypes)

	if _, err := f.service.ListActiveAccounts(context.Background(), member(alice), domain.PageRequest{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a member, got %v", err)
	}
	active, err := f.service.ListActiveAccounts(context.Background(), admin(), domain.PageRequest{})
	if err != nil {
		t.Fatalf("expected active listing to succeed, got %v", err)
	}
	if active.TotalItems != 2 {
		t.Fatalf("expected 2 active accounts, got %d", active.TotalItems)
	}
	for _, account := range active.Data {
		if !account.Active {
			t.Fatalf("expected only active accounts, got %+v", account)
		}
	}

	if _, err := f.service.ListAccountsGroupedByUser(context.Background(), member(alice), domain.PageRequest{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a member, got %v", err)
	}
	grouped, err := f.service.ListAccountsGroupedByUser(context.Background(), admin(), domain.PageRequest{Page: 1, Limit: 1})
	if err != nil {
		t.Fatalf("expected grouped listing to succeed, got %v", err)
	}
	if grouped.TotalItems != 2 || grouped.TotalPages != 2 || len(grouped.Data) != 1 {
		t.Fatalf("expected one of two holders on the first page, got %+v", grouped)
	}
	if got := len(grouped.Data[0].Accounts); got != perUser {
		t.Fatalf("expected %d accounts for the holder, got %d", perUser, got)
	}
	for _, account := range grouped.Data[0].Accounts {
		if account.UserID != grouped.Data[0].UserID {
			t.Fatalf("expected accounts of %s only, got one of %s", grouped.Data[0].UserID, account.UserID)
		}
	}
}

func TestFilterAccounts(t *testing.T) {
	f := newFixture(t, Options{})
	alice, bob := uuid.New(), uuid.New()
	for _, userID := range []uuid.UUID{alice, bob} {
		if _, err := f.service.ProvisionAccounts(context.Background(), userID); err != nil {
			t.Fatalf("provision: %v", err)
		}
		if _, err := f.service.OpenAccount(context.Background(), member(userID), userID, domain.AccountTypeCurrent); err != nil {
			t.Fatalf("open: %v", err)
		}
	}
	perUser := len(domain.AllAccountTypes)
	current := domain.AccountTypeCurrent
	yes, no := true, false

	tests := []struct {
		name      string
		principal domain.Principal
		filter    domain.AccountFilter
		want      int
	}{
		{name: "member sees own accounts only", principal: member(alice), filter: domain.AccountFilter{}, want: perUser},
		{name: "member cannot widen to another user", principal: member(alice), filter: domain.AccountFilter{UserID: &bob}, want: perUser},
		{name: "member by type", principal: member(alice), filter: domain.AccountFilter{Type: &current}, want: 1},
		{name: "member inactive", principal: member(alice), filter: domain.AccountFilter{Active: &no}, want: perUser - 1},
		{name: "admin by type", principal: admin(), filter: domain.AccountFilter{Type: &current}, want: 2},
		{name: "admin active for one user", principal: admin(), filter: domain.AccountFilter{UserID: &bob, Active: &yes}, want: 1},
		{name: "admin everything", principal: admin(), filter: domain.AccountFilter{}, want: 2 * perUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := f.service.FilterAccounts(context.Background(), tt.principal, tt.filter)
			if err != nil {
				t.Fatalf("expected filter to succeed, got %v", err)
			}
			if page.TotalItems != tt.want {
				t.Fatalf("expected %d accounts, got %d", tt.want, page.TotalItems)
			}
			if !tt.principal.IsAdmin() {
				for _, account := range page.Data {
					if account.UserID != tt.principal.UserID {
						t.Fatalf("expected only the member's accounts, got one of %s", account.UserID)
					}
				}
			}
		})
	}
}
