/**
 * @description
 * This file contains the core business logic for the ledger-service. The `Service`
 * struct orchestrates all money movement operations, coordinating between the ledger
 * repository, the fee and limit policy, the mobile-money gateway and the notifier.
 *
 * Key features:
 * - Implements the main use cases: internal and RIB-addressed transfers, mobile-money
 *   deposits and withdrawals, high-value approvals and cancellation.
 * - Drives every status change through the repository's single atomic unit.
 * - Publishes events only after the unit that caused them has committed.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store, internal/policy, internal/gateway: domain models,
 *   data access, pricing rules and the provider adapter.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/gateway"
	"github.com/coopbank/ledger-service/internal/metrics"
	"github.com/coopbank/ledger-service/internal/policy"
	"github.com/coopbank/ledger-service/internal/store"
	"github.com/google/uuid"
)

// RateLimiter counts money-movement initiations per scope and member in fixed windows.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimit bounds money-movement initiations per user. Limit <= 0 disables it.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// Options carries the optional collaborators of a Service.
type Options struct {
	// FeeCollectionAccountID receives collected fees when set.
	FeeCollectionAccountID *uuid.UUID
	RoutingPrefix          domain.RoutingPrefix
	RateLimit              RateLimit
	Metrics                *metrics.Metrics
	Clock                  func() time.Time
}

// Service provides the core business logic for the ledger.
type Service struct {
	repo          store.Repository
	policy        policy.Policy
	gateway       gateway.Gateway
	notifier      EventSink
	limiter       RateLimiter
	rateLimit     RateLimit
	feeAccountID  *uuid.UUID
	routingPrefix domain.RoutingPrefix
	metrics       *metrics.Metrics
	now           func() time.Time
}

// NewService creates a new ledger service instance. notifier may be nil.
func NewService(repo store.Repository, pol policy.Policy, gw gateway.Gateway, notifier EventSink, opts Options) *Service {
	if notifier == nil {
		notifier = discardSink{}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:          repo,
		policy:        pol,
		gateway:       gw,
		notifier:      notifier,
		rateLimit:     opts.RateLimit,
		feeAccountID:  opts.FeeCollectionAccountID,
		routingPrefix: opts.RoutingPrefix,
		metrics:       opts.Metrics,
		now:           now,
	}
}

// SetRateLimiter enables distributed rate limiting of money-movement initiations.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// Policy exposes the active fee and limit policy.
func (s *Service) Policy() policy.Policy {
	return s.policy
}

// checkRateLimit fails open when the limiter itself is unavailable.
func (s *Service) checkRateLimit(ctx context.Context, scope string, principal domain.Principal) error {
	if s.limiter == nil || s.rateLimit.Limit <= 0 || s.rateLimit.Window <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, scope, principal.UserID.String(), s.rateLimit.Limit, s.rateLimit.Window)
	if err != nil {
		log.Printf("level=warn component=ledger msg=\"rate limiter unavailable; allowing request\" scope=%s user_id=%s err=%v", scope, principal.UserID, err)
		return nil
	}
	if count > s.rateLimit.Limit {
		log.Printf("level=info component=ledger msg=\"rate limit exceeded\" scope=%s user_id=%s count=%d retry_after=%d", scope, principal.UserID, count, retryAfter)
		return fmt.Errorf("%w: retry after %ds", domain.ErrRateLimited, retryAfter)
	}
	return nil
}

// authorizeAccount allows the account owner and admins.
func authorizeAccount(principal domain.Principal, account *domain.Account) error {
	if principal.IsAdmin() || account.UserID == principal.UserID {
		return nil
	}
	return domain.ErrForbidden
}

// authorizeTransaction allows the initiator, the owner of either leg and admins.
func (s *Service) authorizeTransaction(ctx context.Context, principal domain.Principal, tx *domain.Transaction) error {
	if principal.IsAdmin() || tx.InitiatorID == principal.UserID {
		return nil
	}
	for _, id := range []*uuid.UUID{tx.SourceAccountID, tx.DestinationAccountID} {
		if id == nil {
			continue
		}
		account, err := s.repo.FindAccountByID(ctx, *id)
		if err != nil {
			return err
		}
		if account.UserID == principal.UserID {
			return nil
		}
	}
	return domain.ErrForbidden
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func trimmed(value string) string {
	return strings.TrimSpace(value)
}
