package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.InstanceGenerated("group")
	m.TemplateDeactivated("end_date")
	m.GenerationFailed()
	m.Conflict("reconcile")
	m.Reconciled(true)
	m.ObserveTick(time.Second)
	m.ObserveHTTP("GET", "/ledgers", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.InstanceGenerated("single_obligation")
	m.InstanceGenerated("single_obligation")
	m.Conflict("process_template")
	m.Reconciled(false)

	if got := testutil.ToFloat64(m.instancesGenerated.WithLabelValues("single_obligation")); got != 2 {
		t.Errorf("instances_generated_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.conflicts.WithLabelValues("process_template")); got != 1 {
		t.Errorf("conflicts_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.reconciliations.WithLabelValues("false")); got != 1 {
		t.Errorf("reconciliations_total = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTP("POST", "/obligations", 201, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `debts_http_requests_total{method="POST",route="/obligations",status="201"} 1`) {
		t.Fatalf("missing http counter in exposition:\n%s", body)
	}
}
