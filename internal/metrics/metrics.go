// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors used across lendbot. All methods are safe on
// a nil receiver so components can run without instrumentation.
type Metrics struct {
	allocationRuns     *prometheus.CounterVec
	allocationDuration prometheus.Histogram
	allocationRounds   prometheus.Histogram
	simulatorCalls     *prometheus.CounterVec
	queueOps           *prometheus.CounterVec
	earningsComputed   *prometheus.CounterVec
	syncRuns           *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

var (
	once     sync.Once
	registry *Metrics
)

// Default returns the singleton registered with the default Prometheus
// registerer.
func Default() *Metrics {
	once.Do(func() {
		registry = New(prometheus.DefaultRegisterer)
	})
	return registry
}

// New builds a Metrics and registers its collectors with reg. A nil reg
// leaves the collectors unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		allocationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lendbot_allocation_runs_total",
			Help: "Allocation runs by outcome (computed, none).",
		}, []string{"outcome"}),
		allocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendbot_allocation_duration_seconds",
			Help:    "Wall time of one allocation run.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		allocationRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendbot_allocation_rounds",
			Help:    "Rounds completed before the allocator stopped.",
			Buckets: prometheus.LinearBuckets(0, 5, 11),
		}),
		simulatorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lendbot_simulator_calls_total",
			Help: "Market simulator calls by result (ok, unusable).",
		}, []string{"result"}),
		queueOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lendbot_queue_operations_total",
			Help: "Pending queue operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		earningsComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lendbot_earnings_computed_total",
			Help: "Earnings calculations by outcome (annualized, zero_time).",
		}, []string{"outcome"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lendbot_sync_runs_total",
			Help: "Subgraph sync stage runs by stage and outcome.",
		}, []string{"stage", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lendbot_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lendbot_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.allocationRuns,
			m.allocationDuration,
			m.allocationRounds,
			m.simulatorCalls,
			m.queueOps,
			m.earningsComputed,
			m.syncRuns,
			m.httpRequests,
			m.httpDuration,
		)
	}
	return m
}

func (m *Metrics) ObserveAllocation(computed bool, rounds int, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "none"
	if computed {
		outcome = "computed"
	}
	m.allocationRuns.WithLabelValues(outcome).Inc()
	m.allocationDuration.Observe(elapsed.Seconds())
	if computed {
		m.allocationRounds.Observe(float64(rounds))
	}
}

func (m *Metrics) ObserveSimulation(ok bool) {
	if m == nil {
		return
	}
	result := "unusable"
	if ok {
		result = "ok"
	}
	m.simulatorCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveQueueOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	m.queueOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveEarnings(annualized bool) {
	if m == nil {
		return
	}
	outcome := "zero_time"
	if annualized {
		outcome = "annualized"
	}
	m.earningsComputed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSync(stage string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.syncRuns.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) ObserveHTTP(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
