package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coopbank/ledger-service/internal/app"
	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/gateway"
	"github.com/coopbank/ledger-service/internal/metrics"
	"github.com/coopbank/ledger-service/internal/policy"
	"github.com/coopbank/ledger-service/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const testSecret = "test-secret"

var testPrefix = domain.RoutingPrefix{BankCode: "10005", BranchCode: "00001"}

type gatewayStub struct {
	gateway.Gateway
	initErr error
}

func (g *gatewayStub) InitiateDeposit(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, phone, carrier string) (*gateway.Initiation, error) {
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &gateway.Initiation{Accepted: true, Reference: "ref-1", ProviderStatus: "PENDING"}, nil
}

func (g *gatewayStub) PollDeposit(ctx context.Context, transactionID uuid.UUID) (*gateway.Poll, error) {
	return &gateway.Poll{Status: domain.StatusPending, ProviderStatus: "PENDING"}, nil
}

type testServer struct {
	handler http.Handler
	repo    *store.MemoryRepository
	gateway *gatewayStub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := store.NewMemoryRepository()
	gw := &gatewayStub{}
	svc := app.NewService(repo, policy.Default(), gw, nil, app.Options{RoutingPrefix: testPrefix})
	reg := prometheus.NewRegistry()
	handler := Routes(NewHandlers(svc), AuthMiddleware(AuthConfig{Secret: testSecret}), metrics.New(reg), reg)
	return &testServer{handler: handler, repo: repo, gateway: gw}
}

func (s *testServer) seedAccount(t *testing.T, userID uuid.UUID, balance int64) *domain.Account {
	t.Helper()
	rib, err := domain.GenerateRoutingNumber(testPrefix)
	if err != nil {
		t.Fatalf("generate routing number: %v", err)
	}
	account, err := s.repo.CreateAccount(context.Background(), &domain.Account{
		UserID:        userID,
		Type:          domain.AccountTypeCurrent,
		Balance:       decimal.NewFromInt(balance),
		Active:        true,
		RoutingNumber: &rib,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func tokenFor(t *testing.T, userID uuid.UUID, role domain.Role) string {
	return signToken(t, jwt.MapClaims{"sub": userID.String(), "role": string(role)})
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeTransaction(t *testing.T, rec *httptest.ResponseRecorder) domain.Transaction {
	t.Helper()
	var tx domain.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &tx); err != nil {
		t.Fatalf("decode transaction: %v (%s)", err, rec.Body.String())
	}
	return tx
}

func TestHealthAndAuthentication(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "healthy" {
		t.Fatalf("expected healthy, got %d %q", rec.Code, rec.Body.String())
	}

	if rec := s.do(t, http.MethodGet, "/accounts/me", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/accounts/me", "garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a malformed token, got %d", rec.Code)
	}
}

func TestInternalTransferEndpoint(t *testing.T) {
	s := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()
	from := s.seedAccount(t, alice, 10000)
	to := s.seedAccount(t, bob, 0)

	body := map[string]interface{}{"from_account_id": from.ID, "to_account_id": to.ID, "amount": 2500}
	rec := s.do(t, http.MethodPost, "/accounts/transfer", tokenFor(t, alice, domain.RoleMember), body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var result domain.InternalTransferResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Transaction.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", result.Transaction.Status)
	}
	if !result.From.Balance.Equal(decimal.NewFromInt(7500)) || !result.To.Balance.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("unexpected balances: from=%s to=%s", result.From.Balance, result.To.Balance)
	}

	tests := []struct {
		name  string
		token string
		body  interface{}
		want  int
	}{
		{
			name:  "insufficient funds",
			token: tokenFor(t, alice, domain.RoleMember),
			body:  map[string]interface{}{"from_account_id": from.ID, "to_account_id": to.ID, "amount": 1000000},
			want:  http.StatusPaymentRequired,
		},
		{
			name:  "invalid amount",
			token: tokenFor(t, alice, domain.RoleMember),
			body:  map[string]interface{}{"from_account_id": from.ID, "to_account_id": to.ID, "amount": -5},
			want:  http.StatusBadRequest,
		},
		{
			name:  "someone else's account",
			token: tokenFor(t, bob, domain.RoleMember),
			body:  map[string]interface{}{"from_account_id": from.ID, "to_account_id": to.ID, "amount": 10},
			want:  http.StatusForbidden,
		},
		{
			name:  "unknown field",
			token: tokenFor(t, alice, domain.RoleMember),
			body:  map[string]interface{}{"from": from.ID},
			want:  http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := s.do(t, http.MethodPost, "/accounts/transfer", tt.token, tt.body); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHighValueTransferApprovalFlow(t *testing.T) {
	s := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()
	from := s.seedAccount(t, alice, 1000000)
	to := s.seedAccount(t, bob, 0)
	aliceToken := tokenFor(t, alice, domain.RoleMember)

	body := map[string]interface{}{"from_account_rib": *from.RoutingNumber, "to_account_rib": *to.RoutingNumber, "amount": 600000}
	rec := s.do(t, http.MethodPost, "/transactions/transfer", aliceToken, body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	tx := decodeTransaction(t, rec)
	if tx.Status != domain.StatusPendingApproval {
		t.Fatalf("expected PENDING_APPROVAL, got %s", tx.Status)
	}

	confirmPath := fmt.Sprintf("/transactions/%s/confirm", tx.ID)
	if rec := s.do(t, http.MethodPatch, confirmPath, aliceToken, map[string]bool{"approved": true}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a member, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/transactions/pending-approval", aliceToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 listing approvals as a member, got %d", rec.Code)
	}

	adminToken := tokenFor(t, uuid.New(), domain.RoleAdmin)
	rec = s.do(t, http.MethodPatch, confirmPath, adminToken, map[string]bool{"approved": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeTransaction(t, rec).Status; got != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}

	if rec := s.do(t, http.MethodPatch, confirmPath, adminToken, map[string]bool{"approved": true}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on a second confirmation, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPatch, fmt.Sprintf("/transactions/%s/cancel", tx.ID), aliceToken, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 cancelling a completed transfer, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/transactions/%s/entries", tx.ID), aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []domain.LedgerEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
}

func TestDepositEndpoint(t *testing.T) {
	s := newTestServer(t)
	alice := uuid.New()
	account := s.seedAccount(t, alice, 0)
	token := tokenFor(t, alice, domain.RoleMember)
	path := fmt.Sprintf("/accounts/%s/deposit", account.ID)
	body := map[string]interface{}{"amount": "10000", "phone": "670000000", "carrier": "MTN"}

	rec := s.do(t, http.MethodPost, path, token, body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	tx := decodeTransaction(t, rec)
	if tx.Status != domain.StatusPending || !tx.Fee.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected a PENDING deposit with fee 150, got %s fee=%s", tx.Status, tx.Fee)
	}

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/transactions/%s/deposit-status", tx.ID), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, fmt.Sprintf("/transactions/%s/payout-status", tx.ID), token, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 checking a deposit as a payout, got %d", rec.Code)
	}

	s.gateway.initErr = fmt.Errorf("%w: connection reset", domain.ErrGatewayUnavailable)
	rec = s.do(t, http.MethodPost, path, token, body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 while the provider is down, got %d", rec.Code)
	}
	if got := decodeTransaction(t, rec).Status; got != domain.StatusPending {
		t.Fatalf("expected PENDING, got %s", got)
	}

	s.gateway.initErr = fmt.Errorf("%w: bad msisdn", domain.ErrGatewayRejected)
	if rec := s.do(t, http.MethodPost, path, token, body); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on a provider rejection, got %d", rec.Code)
	}

	body["carrier"] = "pigeon"
	if rec := s.do(t, http.MethodPost, path, token, body); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown carrier, got %d", rec.Code)
	}
}

func TestAccountAndReportingEndpoints(t *testing.T) {
	s := newTestServer(t)
	alice := uuid.New()
	token := tokenFor(t, alice, domain.RoleMember)

	rec := s.do(t, http.MethodPost, fmt.Sprintf("/accounts/user/%s/provision", alice), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, fmt.Sprintf("/accounts/user/%s/open", alice), token, map[string]string{"type": "courant"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, fmt.Sprintf("/accounts/user/%s/open", alice), token, map[string]string{"type": "courant"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 opening twice, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, fmt.Sprintf("/accounts/user/%s/open", uuid.New()), token, map[string]string{"type": "savings"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/accounts/me?limit=2", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page domain.Page[domain.Account]
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Data) != 2 || page.TotalItems != len(domain.AllAccountTypes) || !page.HasMore {
		t.Fatalf("unexpected page: %+v", page)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "all transactions as member", path: "/transactions", want: http.StatusForbidden},
		{name: "my transactions", path: "/transactions/my-transactions", want: http.StatusOK},
		{name: "filter", path: "/transactions/filter?type=transfer&status=success&startDate=2026-01-01", want: http.StatusOK},
		{name: "filter bad type", path: "/transactions/filter?type=loan", want: http.StatusBadRequest},
		{name: "filter bad date", path: "/transactions/filter?startDate=yesterday", want: http.StatusBadRequest},
		{name: "summary", path: "/transactions/summary", want: http.StatusOK},
		{name: "stats", path: "/transactions/stats/my-stats?period=week", want: http.StatusOK},
		{name: "bad page", path: "/transactions/my-transactions?page=x", want: http.StatusBadRequest},
		{name: "bad id", path: "/transactions/not-a-uuid", want: http.StatusBadRequest},
		{name: "unknown transaction", path: "/transactions/" + uuid.NewString(), want: http.StatusNotFound},
		{name: "active accounts as member", path: "/accounts/active", want: http.StatusForbidden},
		{name: "grouped accounts as member", path: "/accounts/grouped", want: http.StatusForbidden},
		{name: "filter accounts", path: "/accounts/filter?type=courant&isActive=true", want: http.StatusOK},
		{name: "filter accounts bad type", path: "/accounts/filter?type=loan", want: http.StatusBadRequest},
		{name: "filter accounts bad flag", path: "/accounts/filter?isActive=maybe", want: http.StatusBadRequest},
		{name: "filter accounts bad user", path: "/accounts/filter?userId=bob", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := s.do(t, http.MethodGet, tt.path, token, nil); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAccountListingEndpoints(t *testing.T) {
	s := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()
	aliceToken := tokenFor(t, alice, domain.RoleMember)
	adminToken := tokenFor(t, uuid.New(), domain.RoleAdmin)
	for _, userID := range []uuid.UUID{alice, bob} {
		if rec := s.do(t, http.MethodPost, fmt.Sprintf("/accounts/user/%s/provision", userID), adminToken, nil); rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	}
	if rec := s.do(t, http.MethodPost, fmt.Sprintf("/accounts/user/%s/open", alice), aliceToken, map[string]string{"type": "current"}); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodGet, "/accounts/active", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var active domain.Page[domain.Account]
	if err := json.Unmarshal(rec.Body.Bytes(), &active); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if active.TotalItems != 1 || active.Data[0].UserID != alice {
		t.Fatalf("expected alice's opened account only, got %+v", active)
	}

	rec = s.do(t, http.MethodGet, "/accounts/grouped", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var grouped domain.Page[domain.AccountHolder]
	if err := json.Unmarshal(rec.Body.Bytes(), &grouped); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if grouped.TotalItems != 2 {
		t.Fatalf("expected 2 holders, got %+v", grouped)
	}
	for _, holder := range grouped.Data {
		if len(holder.Accounts) != len(domain.AllAccountTypes) {
			t.Fatalf("expected %d accounts for %s, got %d", len(domain.AllAccountTypes), holder.UserID, len(holder.Accounts))
		}
	}

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/accounts/filter?userId=%s", bob), aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var filtered domain.Page[domain.Account]
	if err := json.Unmarshal(rec.Body.Bytes(), &filtered); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	for _, account := range filtered.Data {
		if account.UserID != alice {
			t.Fatalf("expected a member to see only their own accounts, got one of %s", account.UserID)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health", "", nil)

	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `coopbank_ledger_http_requests_total{code="200",method="GET",route="/health"}`) {
		t.Fatalf("expected /health to be counted, got:\n%s", rec.Body.String())
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidAmount, http.StatusBadRequest},
		{domain.ErrTransactionNotFound, http.StatusNotFound},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrInsufficientFunds, http.StatusPaymentRequired},
		{domain.ErrLimitExceeded, http.StatusUnprocessableEntity},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("wrapped: %w", domain.ErrAlreadyFinalized), http.StatusConflict},
		{domain.ErrNotCancellable, http.StatusConflict},
		{domain.ErrGatewayRejected, http.StatusBadGateway},
		{domain.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{domain.ErrInvariantViolation, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.want {
			t.Fatalf("expected %d for %v, got %d", tt.want, tt.err, got)
		}
	}
}
