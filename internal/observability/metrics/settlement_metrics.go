package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SettlementResultProcessed = "processed"
	SettlementResultNoAction  = "no_action"
	SettlementResultDuplicate = "duplicate"
	SettlementResultRetry     = "retry"
	SettlementResultFailed    = "failed"
	SettlementResultSkipped   = "skipped"
)

const (
	NotificationFallbackChannel    = "channel"
	NotificationFallbackCredential = "credential"
)

// SettlementMetrics captures settlement queue health.
type SettlementMetrics struct {
	attempts         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	retriesScheduled *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	queueDropped     prometheus.Counter
	notifyFallbacks  *prometheus.CounterVec
	sweepReleased    prometheus.Counter
	sweepRuns        *prometheus.CounterVec
	providerPolls    *prometheus.CounterVec
	logsSampledOut   *prometheus.CounterVec
}

var (
	settlementMetricsOnce sync.Once
	settlementMetrics     *SettlementMetrics
)

// Settlement returns the singleton settlement metrics registry.
func Settlement() *SettlementMetrics {
	return SettlementWithConfig(Config{})
}

// SettlementWithConfig returns the singleton settlement metrics registry using config labels.
func SettlementWithConfig(cfg Config) *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementMetrics = NewSettlementMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return settlementMetrics
}

// ResetSettlementMetricsForTest resets the settlement metrics singleton for tests.
func ResetSettlementMetricsForTest() {
	settlementMetricsOnce = sync.Once{}
	settlementMetrics = nil
}

func NewSettlementMetrics(registerer prometheus.Registerer, cfg Config) *SettlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "orderledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "orderledger_settlement_attempts_total",
		Help:        "Settlement attempts by provider and result.",
		ConstLabels: constLabels,
	}, []string{"provider", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "orderledger_settlement_duration_seconds",
		Help:        "Settlement attempt latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"provider"})
	retriesScheduled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "orderledger_settlement_retries_scheduled_total",
		Help:        "Settlement retries scheduled by attempt number.",
		ConstLabels: constLabels,
	}, []string{"attempt"})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "orderledger_settlement_queue_depth",
		Help:        "Events buffered for immediate settlement.",
		ConstLabels: constLabels,
	})
	queueDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "orderledger_settlement_queue_overflow_total",
		Help:        "Fast-path enqueues deferred to the poller because the buffer was full.",
		ConstLabels: constLabels,
	})
	notifyFallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "orderledger_notification_fallbacks_total",
		Help:        "Notification deliveries that needed an alternate channel or credential.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	sweepReleased := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "orderledger_reservation_sweep_released_total",
		Help:        "Expired points reservations released by the sweep.",
		ConstLabels: constLabels,
	})
	sweepRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "orderledger_reservation_sweep_runs_total",
		Help:        "Sweep runs by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	providerPolls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "orderledger_provider_status_polls_total",
		Help:        "Provider status endpoint polls by provider and outcome.",
		ConstLabels: constLabels,
	}, []string{"provider", "outcome"})
	logsSampledOut := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "orderledger_log_entries_sampled_out_total",
		Help:        "Log entries dropped by the logger sampler.",
		ConstLabels: constLabels,
	}, []string{"level"})

	registerer.MustRegister(
		attempts,
		duration,
		retriesScheduled,
		queueDepth,
		queueDropped,
		notifyFallbacks,
		sweepReleased,
		sweepRuns,
		providerPolls,
		logsSampledOut,
	)

	return &SettlementMetrics{
		attempts:         attempts,
		duration:         duration,
		retriesScheduled: retriesScheduled,
		queueDepth:       queueDepth,
		queueDropped:     queueDropped,
		notifyFallbacks:  notifyFallbacks,
		sweepReleased:    sweepReleased,
		sweepRuns:        sweepRuns,
		providerPolls:    providerPolls,
		logsSampledOut:   logsSampledOut,
	}
}

func (m *SettlementMetrics) IncAttempt(provider, result string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(provider, result).Inc()
}

func (m *SettlementMetrics) ObserveDuration(provider string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *SettlementMetrics) IncRetryScheduled(attempt int) {
	if m == nil || m.retriesScheduled == nil {
		return
	}
	m.retriesScheduled.WithLabelValues(attemptLabel(attempt)).Inc()
}

func (m *SettlementMetrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *SettlementMetrics) IncQueueOverflow() {
	if m == nil || m.queueDropped == nil {
		return
	}
	m.queueDropped.Inc()
}

func (m *SettlementMetrics) IncNotificationFallback(kind string) {
	if m == nil || m.notifyFallbacks == nil {
		return
	}
	m.notifyFallbacks.WithLabelValues(kind).Inc()
}

func (m *SettlementMetrics) AddSweepReleased(count int) {
	if m == nil || m.sweepReleased == nil || count <= 0 {
		return
	}
	m.sweepReleased.Add(float64(count))
}

func (m *SettlementMetrics) IncSweepRun(outcome string) {
	if m == nil || m.sweepRuns == nil {
		return
	}
	m.sweepRuns.WithLabelValues(outcome).Inc()
}

func (m *SettlementMetrics) IncProviderPoll(provider, outcome string) {
	if m == nil || m.providerPolls == nil {
		return
	}
	m.providerPolls.WithLabelValues(provider, outcome).Inc()
}

func (m *SettlementMetrics) IncLogSampledOut(level string) {
	if m == nil || m.logsSampledOut == nil {
		return
	}
	m.logsSampledOut.WithLabelValues(level).Inc()
}

func attemptLabel(v int) string {
	if v >= 10 {
		return "10+"
	}
	return strconv.Itoa(v)
}
