package queue

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/orderledger/internal/config"
)

// RetryPolicy is the exponential schedule applied to transient failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
}

func PolicyFrom(cfg config.SettlementConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		Multiplier: cfg.Multiplier,
	}
}

// NextDelay returns the wait before the next attempt once attempts have run.
// It reports false when the retry budget is spent.
func (p RetryPolicy) NextDelay(attempts int) (time.Duration, bool) {
	if attempts < 1 || attempts > p.MaxRetries {
		return 0, false
	}
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.BaseDelay
	schedule.Multiplier = p.Multiplier
	schedule.RandomizationFactor = 0
	schedule.MaxInterval = p.BaseDelay << p.MaxRetries

	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = schedule.NextBackOff()
	}
	return delay, true
}
