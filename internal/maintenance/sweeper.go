// Package maintenance runs periodic housekeeping for order sessions.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/orderledger/internal/clock"
	"github.com/smallbiznis/orderledger/internal/config"
	"github.com/smallbiznis/orderledger/internal/lock"
	obsmetrics "github.com/smallbiznis/orderledger/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/orderledger/internal/ordersession/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	sweepLockKey = "orderledger:maintenance:reservation_sweep"
	// maxSweepPasses bounds one run when a backlog spans several batches.
	maxSweepPasses = 10

	sweepOutcomeOK        = "ok"
	sweepOutcomeError     = "error"
	sweepOutcomeLocked    = "locked"
	sweepOutcomeLockError = "lock_error"
)

// Locker serializes runs across replicas.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Sessions   orderdomain.Service
	Clock      clock.Clock
	Locker     *lock.Locker                   `optional:"true"`
	Settlement *config.SettlementConfigHolder `optional:"true"`
	Metrics    *obsmetrics.SettlementMetrics  `optional:"true"`
}

// Sweeper releases points held by checkout sessions that expired unpaid.
type Sweeper struct {
	log        *zap.Logger
	sessions   orderdomain.Service
	clock      clock.Clock
	locker     Locker
	settlement *config.SettlementConfigHolder
	metrics    *obsmetrics.SettlementMetrics
}

func New(p Params) *Sweeper {
	settlement := p.Settlement
	if settlement == nil {
		settlement = config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())
	}
	s := &Sweeper{
		log:        p.Log.Named("maintenance.sweeper"),
		sessions:   p.Sessions,
		clock:      p.Clock,
		settlement: settlement,
		metrics:    p.Metrics,
	}
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s
}

// RunOnce sweeps expired reservations in batches. When another replica holds
// the sweep lock the run is skipped and an empty result is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (*orderdomain.SweepResult, error) {
	cfg := s.settlement.Get()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, sweepLockKey, cfg.SweepInterval)
		if err != nil {
			s.metrics.IncSweepRun(sweepOutcomeLockError)
			return nil, err
		}
		if !ok {
			s.metrics.IncSweepRun(sweepOutcomeLocked)
			s.log.Debug("reservation sweep held by another replica")
			return &orderdomain.SweepResult{}, nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
				s.log.Warn("release sweep lock failed", zap.Error(err))
			}
		}()
	}

	total := &orderdomain.SweepResult{}
	var runErr error
	for pass := 0; pass < maxSweepPasses; pass++ {
		res, err := s.sessions.SweepExpiredReservations(ctx, s.clock.Now(), cfg.SweepBatchSize)
		if res != nil {
			total.Scanned += res.Scanned
			total.Released += res.Released
			total.Skipped += res.Skipped
		}
		if err != nil {
			runErr = err
			break
		}
		if res.Scanned < cfg.SweepBatchSize || res.Released == 0 {
			break
		}
	}

	s.metrics.AddSweepReleased(total.Released)
	if runErr != nil {
		s.metrics.IncSweepRun(sweepOutcomeError)
		return total, runErr
	}
	s.metrics.IncSweepRun(sweepOutcomeOK)
	return total, nil
}

// RunForever sweeps immediately and then every SweepInterval until ctx ends.
func (s *Sweeper) RunForever(ctx context.Context) {
	interval := s.settlement.Get().SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		runCtx, cancel := context.WithTimeout(ctx, interval)
		res, err := s.RunOnce(runCtx)
		cancel()
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			s.log.Warn("reservation sweep failed", zap.Error(err))
		case res != nil && res.Released > 0:
			s.log.Info("reservation sweep finished",
				zap.Int("scanned", res.Scanned),
				zap.Int("released", res.Released),
				zap.Int("skipped", res.Skipped),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
