package app

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRateLimitKeysSeparateScopesAndWindows(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, " coopbank:test: ")
	at := time.Date(2026, 3, 14, 10, 30, 45, 0, time.UTC)
	w := windowAt(at, time.Minute)

	if got, want := limiter.key(scopeWithdrawal, "u-1", w), "coopbank:test:{u-1}:withdrawal:1773484200000"; got != want {
		t.Fatalf("expected key %q, got %q", want, got)
	}
	if limiter.key(scopeTransfer, "u-1", w) == limiter.key(scopeWithdrawal, "u-1", w) {
		t.Fatal("expected transfer and withdrawal to use separate counters")
	}
	next := windowAt(at.Add(time.Minute), time.Minute)
	if limiter.key(scopeDeposit, "u-1", w) == limiter.key(scopeDeposit, "u-1", next) {
		t.Fatal("expected consecutive windows to use separate counters")
	}
	if got := NewRedisRateLimiter(nil, "").prefix; got != defaultRateLimitPrefix {
		t.Fatalf("expected default prefix, got %q", got)
	}
}

func TestRateWindowRetryAfter(t *testing.T) {
	start := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		at   time.Time
		want int
	}{
		{name: "window start", at: start, want: 60},
		{name: "mid window rounds up", at: start.Add(30*time.Second + time.Millisecond), want: 30},
		{name: "last instant", at: start.Add(time.Minute - time.Millisecond), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := windowAt(tt.at, time.Minute)
			if !w.start.Equal(start) {
				t.Fatalf("expected window start %s, got %s", start, w.start)
			}
			if got := w.retryAfter(tt.at); got != tt.want {
				t.Fatalf("expected retry after %d, got %d", tt.want, got)
			}
		})
	}
}

func TestConsumeRateLimitRejectsUnknownScope(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { client.Close() })
	limiter := NewRedisRateLimiter(client, "")

	if _, _, err := limiter.ConsumeRateLimit(context.Background(), "loan", "u-1", 5, time.Minute); err == nil {
		t.Fatal("expected an error for a scope that is not a money-movement type")
	}
	count, retry, err := limiter.ConsumeRateLimit(context.Background(), scopeTransfer, "u-1", 0, time.Minute)
	if err != nil || count != 0 || retry != 0 {
		t.Fatalf("expected a disabled limit to skip redis, got count=%d retry=%d err=%v", count, retry, err)
	}
}
