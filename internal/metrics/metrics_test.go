package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestResultClassifiesWrappedErrors(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("debit: %w", domain.ErrInsufficientFunds), "insufficient_funds"},
		{domain.ErrTransactionNotFound, "not_found"},
		{fmt.Errorf("post: %w", domain.ErrInvariantViolation), "invariant_violation"},
		{domain.ErrSameAccount, "invalid"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := Result(tt.err); got != tt.want {
			t.Fatalf("Result(%v): expected %q, got %q", tt.err, tt.want, got)
		}
	}
}

func TestObserveOperationCountsInvariantViolations(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveOperation("transfer_internal", nil)
	m.ObserveOperation("transfer_internal", fmt.Errorf("wrap: %w", domain.ErrInvariantViolation))

	if got := testutil.ToFloat64(m.operationsTotal.WithLabelValues("transfer_internal", "ok")); got != 1 {
		t.Fatalf("expected 1 ok operation, got %v", got)
	}
	if got := testutil.ToFloat64(m.invariantViolations); got != 1 {
		t.Fatalf("expected 1 invariant violation, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTransition(domain.TransactionTypeTransfer, domain.StatusPending, domain.StatusCompleted)
	m.ObserveOperation("x", nil)
	m.ObserveGatewayCall("deposit", "accepted", time.Millisecond)
	m.ObserveNotifierEvent("transaction.completed", "published")
	m.SetNotifierQueueDepth(3)
	m.ObservePollerRun(2, nil)
	m.ObserveHTTPRequest("GET", "/health", 200, time.Millisecond)
}

func TestPollerRunCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObservePollerRun(3, nil)
	m.ObservePollerRun(0, errors.New("db down"))

	if got := testutil.ToFloat64(m.pollerCheckedTotal); got != 3 {
		t.Fatalf("expected 3 checked, got %v", got)
	}
	if got := testutil.ToFloat64(m.pollerRunsTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed run, got %v", got)
	}
}
