package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsUpdates(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SagasByStatus.WithLabelValues("RUNNING").Set(4)
	m.StepsExecuted.WithLabelValues("success").Inc()
	m.Compensations.WithLabelValues("failure").Inc()
	m.StepCalls.WithLabelValues("payment", "transient").Add(2)
	m.OutboxPublished.Inc()
	m.OutboxLagSeconds.Set(1.5)
	m.IdempotencyHits.Inc()

	if got := testutil.ToFloat64(m.SagasByStatus.WithLabelValues("RUNNING")); got != 4 {
		t.Fatalf("saga_instances mismatch: got %v want 4", got)
	}
	if got := testutil.ToFloat64(m.StepsExecuted.WithLabelValues("success")); got != 1 {
		t.Fatalf("saga_steps_executed_total mismatch: got %v want 1", got)
	}
	if got := testutil.ToFloat64(m.StepCalls.WithLabelValues("payment", "transient")); got != 2 {
		t.Fatalf("saga_step_calls_total mismatch: got %v want 2", got)
	}
	if got := testutil.ToFloat64(m.OutboxLagSeconds); got != 1.5 {
		t.Fatalf("saga_outbox_lag_seconds mismatch: got %v want 1.5", got)
	}
}

func TestSetBreakerState(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetBreakerState("payment", "OPEN")
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("payment")); got != 1 {
		t.Fatalf("expected gauge 1 for OPEN, got %v", got)
	}

	m.SetBreakerState("payment", "HALF_OPEN")
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("payment")); got != 2 {
		t.Fatalf("expected gauge 2 for HALF_OPEN, got %v", got)
	}

	m.SetBreakerState("payment", "CLOSED")
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("payment")); got != 0 {
		t.Fatalf("expected gauge 0 for CLOSED, got %v", got)
	}
}

func TestGatherNames(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.OutboxPublished.Inc()
	m.SetBreakerState("payment", "CLOSED")

	names, err := m.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, want := range []string{
		"saga_outbox_published_total",
		"saga_circuit_breaker_state",
	} {
		if !names[want] {
			t.Fatalf("expected metric %s registered, got %v", want, names)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.OutboxPublished.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "saga_outbox_published_total 1") {
		t.Fatalf("expected counter in output, got:\n%s", rec.Body.String())
	}
}
