package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementWindowScript counts one initiation in the window bucket named by KEYS[1].
// The bucket expires one window after it closes, so a late INCR never revives it.
var incrementWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIREAT", KEYS[1], ARGV[1])
end
return current
`)

const defaultRateLimitPrefix = "coopbank:ledger:rate_limit"

// moneyMovementScopes are the initiation kinds that get their own counters. A
// member who hits the transfer limit can still withdraw.
var moneyMovementScopes = map[string]bool{
	scopeTransfer:   true,
	scopeDeposit:    true,
	scopeWithdrawal: true,
}

// RedisRateLimiter counts money-movement initiations per member in window-aligned
// buckets shared by every ledger replica. Keys look like
//
//	coopbank:ledger:rate_limit:{<user id>}:withdrawal:<window start, unix ms>
//
// The hash tag keeps one member's buckets on one cluster slot.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix, now: time.Now}
}

// rateWindow is the fixed window an instant falls into.
type rateWindow struct {
	start time.Time
	end   time.Time
}

func windowAt(at time.Time, window time.Duration) rateWindow {
	start := at.Truncate(window)
	return rateWindow{start: start, end: start.Add(window)}
}

// retryAfter rounds the rest of the window up to whole seconds, never below one.
func (w rateWindow) retryAfter(at time.Time) int {
	remaining := w.end.Sub(at)
	seconds := int((remaining + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

func (r *RedisRateLimiter) key(scope, userID string, w rateWindow) string {
	return fmt.Sprintf("%s:{%s}:%s:%d", r.prefix, userID, scope, w.start.UnixMilli())
}

// ConsumeRateLimit records one initiation of the given scope by userID and returns
// the count in the current window. Unknown scopes are an error so a typo cannot
// silently share or skip a counter.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, userID string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope = strings.TrimSpace(scope)
	if !moneyMovementScopes[scope] {
		return 0, 0, fmt.Errorf("rate limit scope %q is not a money-movement type", scope)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, 0, nil
	}
	if window < time.Second {
		window = time.Second
	}

	now := r.now()
	w := windowAt(now, window)
	expireAt := w.end.Add(window).UnixMilli()

	current, err := incrementWindowScript.Run(ctx, r.client, []string{r.key(scope, userID, w)}, expireAt).Int64()
	if err != nil {
		return 0, 0, fmt.Errorf("consume %s rate limit: %w", scope, err)
	}
	return int(current), w.retryAfter(now), nil
}
