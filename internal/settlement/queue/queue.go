package queue

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/clock"
	"github.com/smallbiznis/orderledger/internal/config"
	obsmetrics "github.com/smallbiznis/orderledger/internal/observability/metrics"
	"github.com/smallbiznis/orderledger/internal/settlement/domain"
	webhookdomain "github.com/smallbiznis/orderledger/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxFailureReason = 500

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       webhookdomain.Repository
	Processor  domain.Processor
	Clock      clock.Clock
	Settlement *config.SettlementConfigHolder `optional:"true"`
	Metrics    *obsmetrics.SettlementMetrics  `optional:"true"`
}

// Queue runs settlement on a worker pool. Intake pushes fresh events onto a
// buffered channel and a poller picks up retries and anything the channel
// dropped. Every attempt first takes the event lease.
type Queue struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       webhookdomain.Repository
	processor  domain.Processor
	clock      clock.Clock
	settlement *config.SettlementConfigHolder
	metrics    *obsmetrics.SettlementMetrics

	jobs chan snowflake.ID

	mu      sync.Mutex
	running context.Context
	timers  map[snowflake.ID]*time.Timer
}

func New(p Params) *Queue {
	settlement := p.Settlement
	if settlement == nil {
		settlement = config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())
	}
	size := settlement.Get().QueueSize
	if size <= 0 {
		size = config.DefaultSettlementConfig().QueueSize
	}
	return &Queue{
		db:         p.DB,
		log:        p.Log.Named("settlement.queue"),
		repo:       p.Repo,
		processor:  p.Processor,
		clock:      p.Clock,
		settlement: settlement,
		metrics:    p.Metrics,
		jobs:       make(chan snowflake.ID, size),
		timers:     map[snowflake.ID]*time.Timer{},
	}
}

// Enqueue never blocks. A full channel leaves the event to the poller.
func (q *Queue) Enqueue(id snowflake.ID) {
	select {
	case q.jobs <- id:
		q.metrics.SetQueueDepth(len(q.jobs))
	default:
		q.metrics.IncQueueOverflow()
		q.log.Warn("settlement queue full, deferring to poller", zap.String("event_id", id.String()))
	}
}

// Run starts the workers and the poller and blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	cfg := q.settlement.Get()
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	q.mu.Lock()
	q.running = ctx
	q.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.poll(ctx)
	}()

	q.log.Info("settlement queue started", zap.Int("workers", workers))
	<-ctx.Done()
	wg.Wait()
	q.stopTimers()
	q.log.Info("settlement queue stopped")
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.jobs:
			q.metrics.SetQueueDepth(len(q.jobs))
			if err := q.Handle(ctx, id); err != nil {
				q.log.Error("settlement attempt not recorded", zap.String("event_id", id.String()), zap.Error(err))
			}
		}
	}
}

func (q *Queue) poll(ctx context.Context) {
	interval := q.settlement.Get().PollInterval
	if interval <= 0 {
		interval = config.DefaultSettlementConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := q.PollOnce(ctx); err != nil && ctx.Err() == nil {
			q.log.Warn("settlement poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce enqueues failed events whose retry is due and received events
// older than the configured grace period.
func (q *Queue) PollOnce(ctx context.Context) (int, error) {
	cfg := q.settlement.Get()
	now := q.clock.Now()
	ids, err := q.repo.ListDue(ctx, q.db, now, now.Add(-cfg.ReceivedGrace), cfg.PollBatchSize)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		q.Enqueue(id)
	}
	return len(ids), nil
}

// Handle runs one settlement attempt for the event if its lease can be taken.
func (q *Queue) Handle(ctx context.Context, id snowflake.ID) error {
	cfg := q.settlement.Get()
	now := q.clock.Now()
	claimed, err := q.repo.ClaimLease(ctx, q.db, id, now, now.Add(cfg.LeaseTTL))
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	event, err := q.repo.FindByID(ctx, q.db, id)
	if err != nil {
		return err
	}
	if event == nil {
		return webhookdomain.ErrEventNotFound
	}

	log := q.log.With(
		zap.String("event_id", id.String()),
		zap.String("provider", event.Provider),
		zap.Int("attempt", event.AttemptCount),
	)

	started := time.Now()
	result, procErr := q.processor.Process(ctx, event)
	q.metrics.ObserveDuration(event.Provider, time.Since(started))
	finished := q.clock.Now()

	if procErr == nil {
		status := webhookdomain.StatusProcessed
		label := obsmetrics.SettlementResultProcessed
		switch result.Outcome {
		case domain.OutcomeDuplicate:
			status = webhookdomain.StatusDuplicate
			label = obsmetrics.SettlementResultDuplicate
		case domain.OutcomeNoAction:
			label = obsmetrics.SettlementResultNoAction
		}
		q.metrics.IncAttempt(event.Provider, label)
		return q.repo.MarkDone(ctx, q.db, id, status, finished)
	}

	update := webhookdomain.FailureUpdate{Reason: failureReason(procErr)}
	if domain.IsPermanent(procErr) {
		log.Warn("settlement failed permanently", zap.Error(procErr))
		q.metrics.IncAttempt(event.Provider, obsmetrics.SettlementResultFailed)
		return q.repo.MarkFailed(ctx, q.db, id, update, finished)
	}

	delay, ok := PolicyFrom(cfg).NextDelay(event.AttemptCount)
	if !ok {
		log.Error("settlement retries exhausted", zap.Error(procErr))
		q.metrics.IncAttempt(event.Provider, obsmetrics.SettlementResultFailed)
		return q.repo.MarkFailed(ctx, q.db, id, update, finished)
	}

	next := finished.Add(delay)
	update.NextRetryAt = &next
	log.Warn("settlement attempt failed, retry scheduled", zap.Duration("delay", delay), zap.Error(procErr))
	q.metrics.IncAttempt(event.Provider, obsmetrics.SettlementResultRetry)
	q.metrics.IncRetryScheduled(event.AttemptCount)
	if err := q.repo.MarkFailed(ctx, q.db, id, update, finished); err != nil {
		return err
	}
	q.scheduleRetry(id, delay)
	return nil
}

// scheduleRetry re-enqueues the event when its delay passes. The poller
// covers the same event if the process stops first.
func (q *Queue) scheduleRetry(id snowflake.ID, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running == nil || q.running.Err() != nil {
		return
	}
	if existing, ok := q.timers[id]; ok {
		existing.Stop()
	}
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, id)
		q.mu.Unlock()
		q.Enqueue(id)
	})
}

func (q *Queue) stopTimers() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
}

func failureReason(err error) string {
	reason := err.Error()
	if len(reason) > maxFailureReason {
		reason = reason[:maxFailureReason]
	}
	return reason
}

var _ webhookdomain.Enqueuer = (*Queue)(nil)
