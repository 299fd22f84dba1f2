/**
 * @description
 * Cron-driven re-poll of mobile-money transactions the provider has not settled yet.
 * Deposits and withdrawals that stay PENDING longer than the minimum age are checked
 * against the provider the same way a client status check is.
 */
package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/robfig/cron/v3"
)

const (
	DefaultPollSchedule = "@every 1m"
	DefaultPollMinAge   = 2 * time.Minute
	defaultPollBatch    = 50
	pollRunTimeout      = 50 * time.Second
)

// PollerConfig controls which records the poller picks up.
type PollerConfig struct {
	Schedule  string
	MinAge    time.Duration
	BatchSize int
}

// PendingPoller re-polls PENDING gateway transactions on a schedule.
type PendingPoller struct {
	service *Service
	cron    *cron.Cron
	config  PollerConfig
}

// NewPendingPoller creates a poller; call Start to schedule it.
func NewPendingPoller(service *Service, cfg PollerConfig) *PendingPoller {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultPollSchedule
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = DefaultPollMinAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultPollBatch
	}
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(log.Default())),
		cron.SkipIfStillRunning(cron.PrintfLogger(log.Default())),
	))
	return &PendingPoller{service: service, cron: c, config: cfg}
}

// Start registers the job and starts the scheduler.
func (p *PendingPoller) Start() error {
	if _, err := p.cron.AddFunc(p.config.Schedule, p.run); err != nil {
		log.Printf("level=error component=poller msg=\"failed to schedule pending poll job\" schedule=%q err=%v", p.config.Schedule, err)
		return err
	}
	log.Printf("level=info component=poller msg=\"scheduled pending poll job\" schedule=%q min_age=%s", p.config.Schedule, p.config.MinAge)
	p.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once a running job finishes.
func (p *PendingPoller) Stop() context.Context {
	return p.cron.Stop()
}

func (p *PendingPoller) run() {
	ctx, cancel := context.WithTimeout(context.Background(), pollRunTimeout)
	defer cancel()
	if _, err := p.RunOnce(ctx); err != nil {
		log.Printf("level=warn component=poller msg=\"pending poll run finished with errors\" err=%v", err)
	}
}

// RunOnce checks one batch of stale PENDING deposits and withdrawals. It returns
// how many records were checked and the first non-transient error.
func (p *PendingPoller) RunOnce(ctx context.Context) (checked int, err error) {
	s := p.service
	defer func() { s.metrics.ObservePollerRun(checked, err) }()

	cutoff := s.now().Add(-p.config.MinAge)
	pending, err := s.repo.ListPendingGatewayTransactions(ctx, cutoff, p.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var firstErr error
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		tx := &pending[i]
		checked++
		updated, syncErr := s.syncGatewayStatus(ctx, tx)
		switch {
		case syncErr == nil:
			if updated != nil && updated.Status != tx.Status {
				log.Printf("level=info component=poller msg=\"pending transaction settled\" tx_id=%s type=%s status=%s", tx.ID, tx.Type, updated.Status)
			}
		case errors.Is(syncErr, domain.ErrGatewayUnavailable):
			log.Printf("level=warn component=poller msg=\"provider unavailable; will retry\" tx_id=%s err=%v", tx.ID, syncErr)
		default:
			log.Printf("level=error component=poller msg=\"pending transaction check failed\" tx_id=%s type=%s err=%v", tx.ID, tx.Type, syncErr)
			if firstErr == nil {
				firstErr = syncErr
			}
		}
	}
	return checked, firstErr
}
