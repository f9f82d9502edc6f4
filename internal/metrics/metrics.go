package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 熔断器状态到 gauge 值的映射
const (
	breakerClosedValue   = 0
	breakerOpenValue     = 1
	breakerHalfOpenValue = 2
)

// Metrics holds Prometheus metrics for the saga orchestrator.
type Metrics struct {
	SagasByStatus    *prometheus.GaugeVec
	StepsExecuted    *prometheus.CounterVec
	Compensations    *prometheus.CounterVec
	StepCalls        *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	OutboxPublished  prometheus.Counter
	OutboxErrors     prometheus.Counter
	OutboxFlagged    prometheus.Counter
	OutboxLagSeconds prometheus.Gauge
	IdempotencyHits  prometheus.Counter
	gatherer         prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagasByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "saga_instances",
			Help: "Current number of saga instances by status.",
		}, []string{"status"}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_steps_executed_total",
			Help: "Total forward step executions by result.",
		}, []string{"result"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total compensation executions by result.",
		}, []string{"result"}),
		StepCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_calls_total",
			Help: "Total protected dependency calls by outcome.",
		}, []string{"dependency", "result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "saga_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half_open).",
		}, []string{"dependency"}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_outbox_published_total",
			Help: "Total outbox events published to the bus.",
		}),
		OutboxErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_outbox_publish_errors_total",
			Help: "Total outbox publish failures.",
		}),
		OutboxFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_outbox_flagged_total",
			Help: "Total outbox events flagged for operator attention.",
		}),
		OutboxLagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saga_outbox_lag_seconds",
			Help: "Age of the oldest unpublished outbox event in seconds.",
		}),
		IdempotencyHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_idempotency_hits_total",
			Help: "Total requests answered from the idempotency store.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagasByStatus,
		m.StepsExecuted,
		m.Compensations,
		m.StepCalls,
		m.BreakerState,
		m.OutboxPublished,
		m.OutboxErrors,
		m.OutboxFlagged,
		m.OutboxLagSeconds,
		m.IdempotencyHits,
	)

	return m
}

// SetBreakerState maps a breaker state name onto the gauge.
func (m *Metrics) SetBreakerState(dependency, state string) {
	var v float64
	switch state {
	case "OPEN":
		v = breakerOpenValue
	case "HALF_OPEN":
		v = breakerHalfOpenValue
	default:
		v = breakerClosedValue
	}
	m.BreakerState.WithLabelValues(dependency).Set(v)
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gather is a test helper returning the raw metric families.
func (m *Metrics) Gather() (map[string]bool, error) {
	if m.gatherer == nil {
		return nil, fmt.Errorf("no gatherer configured")
	}
	families, err := m.gatherer.Gather()
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names, nil
}
