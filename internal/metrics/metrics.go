// Package metrics exposes the orchestrator's Prometheus collectors,
// generalising internal/app/metrics/metrics.go's
// package-level-vars-plus-init-registration shape from HTTP/function/
// automation counters to breaker state, lock contention, queue depth,
// supervisor attempt duration, and per-session health score.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/resilience"
)

// Registry holds every orchestrator collector, kept distinct from the
// global prometheus.DefaultRegisterer so tests can build a throwaway
// instance.
var Registry = prometheus.NewRegistry()

var (
	lockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "lock",
			Name:      "contention_total",
			Help:      "Count of Acquire calls that found the lock already held.",
		},
		[]string{"resource"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "supervisor",
			Name:      "active_sessions",
			Help:      "Current count of non-terminal sessions per tenant.",
		},
		[]string{"tenant_id"},
	)

	attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "supervisor",
			Name:      "attempt_duration_seconds",
			Help:      "Wall-clock duration of one Supervise call, by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~13min
		},
		[]string{"outcome"},
	)

	healthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "session",
			Name:      "health_score",
			Help:      "Session health_score(), by type and priority.",
		},
		[]string{"session_type", "priority"},
	)
)

func init() {
	Registry.MustRegister(
		lockContention,
		queueDepth,
		attemptDuration,
		healthScore,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordLockContention records a BUSY response from lock.Service.Acquire.
func RecordLockContention(resource string) {
	lockContention.WithLabelValues(resource).Inc()
}

// SetQueueDepth records tenantID's current active-session count.
func SetQueueDepth(tenantID string, depth int) {
	queueDepth.WithLabelValues(tenantID).Set(float64(depth))
}

// ObserveSupervisorAttempt records one Supervise call's duration and
// terminal outcome (e.g. "completed", "failed", "timeout", "requeued",
// "no_agent", "busy", "noop").
func ObserveSupervisorAttempt(outcome string, duration time.Duration) {
	attemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveHealthScore records a session's health_score() after a commit.
func ObserveHealthScore(sessionType, priority string, score float64) {
	healthScore.WithLabelValues(sessionType, priority).Set(score)
}

// BreakerCollector is a prometheus.Collector that scrapes a registered
// set of circuit breakers on demand rather than being pushed to,
// avoiding the need for a polling goroutine per breaker.
type BreakerCollector struct {
	breakers map[string]*resilience.CircuitBreaker

	state *prometheus.Desc
	fails *prometheus.Desc
	reqs  *prometheus.Desc
}

// NewBreakerCollector builds an empty BreakerCollector; register each
// pipeline's breaker with Register before handing it to a registry.
func NewBreakerCollector() *BreakerCollector {
	return &BreakerCollector{
		breakers: make(map[string]*resilience.CircuitBreaker),
		state: prometheus.NewDesc(
			"orchestrator_breaker_state",
			"Circuit breaker state: 0=closed, 1=half-open, 2=open.",
			[]string{"name"}, nil,
		),
		fails: prometheus.NewDesc(
			"orchestrator_breaker_consecutive_failures",
			"Consecutive failures recorded by the breaker's current generation.",
			[]string{"name"}, nil,
		),
		reqs: prometheus.NewDesc(
			"orchestrator_breaker_requests_total",
			"Requests recorded by the breaker's current generation.",
			[]string{"name"}, nil,
		),
	}
}

// Register adds b (identified by name) to the set this collector scrapes.
func (c *BreakerCollector) Register(name string, b *resilience.CircuitBreaker) {
	c.breakers[name] = b
}

// RegisterPipeline registers p's breaker under p's resource key, a no-op
// if p has no breaker configured.
func (c *BreakerCollector) RegisterPipeline(p *resilience.Pipeline) {
	if b := p.Breaker(); b != nil {
		c.Register(p.ResourceKey(), b)
	}
}

func (c *BreakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.fails
	ch <- c.reqs
}

func (c *BreakerCollector) Collect(ch chan<- prometheus.Metric) {
	for name, b := range c.breakers {
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, breakerStateValue(b.State()), name)
		counts := b.Counts()
		ch <- prometheus.MustNewConstMetric(c.fails, prometheus.GaugeValue, float64(counts.ConsecutiveFailures), name)
		ch <- prometheus.MustNewConstMetric(c.reqs, prometheus.CounterValue, float64(counts.Requests), name)
	}
}

func breakerStateValue(s resilience.State) float64 {
	switch s {
	case resilience.StateClosed:
		return 0
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	default:
		return -1
	}
}
