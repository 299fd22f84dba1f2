package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/gateway"
	"github.com/coopbank/ledger-service/internal/policy"
	"github.com/coopbank/ledger-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var testPrefix = domain.RoutingPrefix{BankCode: "10005", BranchCode: "00001"}

type gatewayStub struct {
	gateway.Gateway

	mu         sync.Mutex
	initiation *gateway.Initiation
	initErr    error
	poll       *gateway.Poll
	pollErr    error
	initiated  []decimal.Decimal
	pollCalls  int
}

func (g *gatewayStub) initiate(amount decimal.Decimal) (*gateway.Initiation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiated = append(g.initiated, amount)
	if g.initErr != nil {
		return nil, g.initErr
	}
	if g.initiation == nil {
		return &gateway.Initiation{Accepted: true, Reference: "ref-" + uuid.NewString()[:8], ProviderStatus: "PENDING"}, nil
	}
	cp := *g.initiation
	return &cp, nil
}

func (g *gatewayStub) InitiateDeposit(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, phone, carrier string) (*gateway.Initiation, error) {
	return g.initiate(amount)
}

func (g *gatewayStub) InitiatePayout(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, phone, carrier string) (*gateway.Initiation, error) {
	return g.initiate(amount)
}

func (g *gatewayStub) pollOnce() (*gateway.Poll, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pollCalls++
	if g.pollErr != nil {
		return nil, g.pollErr
	}
	if g.poll == nil {
		return &gateway.Poll{Status: domain.StatusPending, ProviderStatus: "PENDING"}, nil
	}
	cp := *g.poll
	return &cp, nil
}

func (g *gatewayStub) PollDeposit(ctx context.Context, transactionID uuid.UUID) (*gateway.Poll, error) {
	return g.pollOnce()
}

func (g *gatewayStub) PollPayout(ctx context.Context, transactionID uuid.UUID) (*gateway.Poll, error) {
	return g.pollOnce()
}

func (g *gatewayStub) setPoll(status domain.TransactionStatus, providerStatus string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.poll = &gateway.Poll{Status: status, ProviderStatus: providerStatus, Reference: "ref-poll"}
}

func (g *gatewayStub) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pollCalls
}

type recordingSink struct {
	mu       sync.Mutex
	messages []Message
}

func (r *recordingSink) Enqueue(msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return true
}

func (r *recordingSink) count(routingKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, msg := range r.messages {
		if msg.RoutingKey == routingKey {
			n++
		}
	}
	return n
}

func (r *recordingSink) notifications() []domain.NotificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.NotificationEvent
	for _, msg := range r.messages {
		if event, ok := msg.Body.(domain.NotificationEvent); ok {
			out = append(out, event)
		}
	}
	return out
}

type fixture struct {
	service *Service
	repo    *store.MemoryRepository
	gateway *gatewayStub
	sink    *recordingSink
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	gw := &gatewayStub{}
	sink := &recordingSink{}
	if opts.RoutingPrefix == (domain.RoutingPrefix{}) {
		opts.RoutingPrefix = testPrefix
	}
	svc := NewService(repo, policy.Default(), gw, sink, opts)
	return &fixture{service: svc, repo: repo, gateway: gw, sink: sink}
}

// openAccount seeds an active account with a routing number.
func (f *fixture) openAccount(t *testing.T, userID uuid.UUID, accountType domain.AccountType, balance int64) *domain.Account {
	t.Helper()
	rib, err := domain.GenerateRoutingNumber(testPrefix)
	if err != nil {
		t.Fatalf("generate routing number: %v", err)
	}
	account, err := f.repo.CreateAccount(context.Background(), &domain.Account{
		UserID:        userID,
		Type:          accountType,
		Balance:       decimal.NewFromInt(balance),
		Active:        true,
		RoutingNumber: &rib,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account
}

func (f *fixture) balance(t *testing.T, accountID uuid.UUID) decimal.Decimal {
	t.Helper()
	account, err := f.repo.FindAccountByID(context.Background(), accountID)
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	return account.Balance
}

func (f *fixture) transaction(t *testing.T, id uuid.UUID) *domain.Transaction {
	t.Helper()
	tx, err := f.repo.FindTransactionByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find transaction: %v", err)
	}
	return tx
}

func member(id uuid.UUID) domain.Principal {
	return domain.Principal{UserID: id, Role: domain.RoleMember}
}

func admin() domain.Principal {
	return domain.Principal{UserID: uuid.New(), Role: domain.RoleAdmin}
}

func amountOf(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func expectBalance(t *testing.T, f *fixture, accountID uuid.UUID, want int64) {
	t.Helper()
	if got := f.balance(t, accountID); !got.Equal(amountOf(want)) {
		t.Fatalf("expected balance %d, got %s", want, got)
	}
}

type limiterStub struct {
	count int
	err   error
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if l.err != nil {
		return 0, 0, l.err
	}
	l.count++
	return l.count, 30, nil
}

func TestCheckRateLimit(t *testing.T) {
	user := member(uuid.New())

	tests := []struct {
		name    string
		limiter *limiterStub
		calls   int
		wantErr error
	}{
		{name: "under limit", limiter: &limiterStub{}, calls: 2, wantErr: nil},
		{name: "over limit", limiter: &limiterStub{}, calls: 3, wantErr: domain.ErrRateLimited},
		{name: "limiter down fails open", limiter: &limiterStub{err: errors.New("redis: connection refused")}, calls: 5, wantErr: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{RateLimit: RateLimit{Limit: 2, Window: time.Minute}})
			f.service.SetRateLimiter(tt.limiter)

			var err error
			for i := 0; i < tt.calls; i++ {
				err = f.service.checkRateLimit(context.Background(), scopeTransfer, user)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTransferIsRateLimited(t *testing.T) {
	f := newFixture(t, Options{RateLimit: RateLimit{Limit: 1, Window: time.Minute}})
	f.service.SetRateLimiter(&limiterStub{count: 1})
	alice := uuid.New()
	from := f.openAccount(t, alice, domain.AccountTypeCurrent, 10000)
	to := f.openAccount(t, uuid.New(), domain.AccountTypeCurrent, 0)

	_, err := f.service.TransferInternal(context.Background(), member(alice), domain.InternalTransferRequest{
		FromAccountID: from.ID, ToAccountID: to.ID, Amount: amountOf(100),
	})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	expectBalance(t, f, from.ID, 10000)
}

func TestAuthorizeTransactionAllowsPartiesOnly(t *testing.T) {
	f := newFixture(t, Options{})
	alice, bob := uuid.New(), uuid.New()
	from := f.openAccount(t, alice, domain.AccountTypeCurrent, 10000)
	to := f.openAccount(t, bob, domain.AccountTypeSavings, 0)

	tx, err := f.service.CreateTransfer(context.Background(), member(alice), domain.CreateTransferRequest{
		FromAccountRib: *from.RoutingNumber, ToAccountRib: *to.RoutingNumber, Amount: amountOf(1000),
	})
	if err != nil {
		t.Fatalf("expected transfer to succeed, got %v", err)
	}

	for _, p := range []domain.Principal{member(alice), member(bob), admin()} {
		if err := f.service.authorizeTransaction(context.Background(), p, tx); err != nil {
			t.Fatalf("expected %s to see the transaction, got %v", p.UserID, err)
		}
	}
	if err := f.service.authorizeTransaction(context.Background(), member(uuid.New()), tx); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a stranger, got %v", err)
	}
}
