package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	a := NewMetrics("chemdata")
	b := NewMetrics("chemdata")

	a.RecordCall("pubchem", "success", 12)
	a.RecordCall("pubchem", "success", 30)
	b.RecordCall("pubchem", "success", 1)

	if got := testutil.ToFloat64(a.CallsTotal.WithLabelValues("pubchem", "success")); got != 2 {
		t.Fatalf("a calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(b.CallsTotal.WithLabelValues("pubchem", "success")); got != 1 {
		t.Fatalf("b calls = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCall("svc", "success", 1)
	m.RecordAttempt("svc", false)
	m.SetBreakerState("svc", 1)
	m.RecordCacheRequest("hit")
	m.RecordCacheWrite(true)
	m.RecordCacheError("read")
	m.RecordCheckpointSave("parse", true, 3)
	m.RecordBatchItem("enrich", "error")
	m.AddBatchInFlight("enrich", 1)
	m.AddRowsSkipped(4)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have nil registry")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics("chemdata")
	m.SetBreakerState("pubmed", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `chemdata_breaker_state{service="pubmed"} 1`) {
		t.Fatalf("breaker gauge missing from output")
	}
}
