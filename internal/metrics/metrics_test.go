package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	m.CacheResyncsTotal.Inc()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather after inc failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation("RULE_MATCH")
	m.RecordEvaluation("RULE_MATCH")
	m.RecordEvaluation("DEFAULT")

	ruleCount := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("RULE_MATCH"))
	defaultCount := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("DEFAULT"))

	if ruleCount != 2 {
		t.Fatalf("expected RULE_MATCH count 2, got %v", ruleCount)
	}
	if defaultCount != 1 {
		t.Fatalf("expected DEFAULT count 1, got %v", defaultCount)
	}
}

func TestSetCacheSize(t *testing.T) {
	m := New()

	m.SetCacheSize("env-1", 5)
	val := testutil.ToFloat64(m.CacheSize.WithLabelValues("env-1"))
	if val != 5 {
		t.Fatalf("expected cache size 5, got %v", val)
	}
}

func TestCounters(t *testing.T) {
	m := New()

	m.IncCacheResyncs()
	m.IncCacheResyncs()
	m.IncCacheChanges()
	m.IncAuthFailures()
	m.IncAnalyticsDrops()

	if v := testutil.ToFloat64(m.CacheResyncsTotal); v != 2 {
		t.Fatalf("expected resyncs 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.CacheChangesTotal); v != 1 {
		t.Fatalf("expected changes 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.AuthFailuresTotal); v != 1 {
		t.Fatalf("expected auth failures 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.AnalyticsDropsTotal); v != 1 {
		t.Fatalf("expected analytics drops 1, got %v", v)
	}
}

func TestHTTPMiddlewareRecordsRoutePattern(t *testing.T) {
	m := New()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/environments/{env}/flags/{key}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := m.HTTPMiddleware(mux)
	req := httptest.NewRequest(http.MethodGet, "/v1/environments/env-1/flags/new-ui", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	count := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(
		http.MethodGet, "GET /v1/environments/{env}/flags/{key}", "200"))
	if count != 1 {
		t.Fatalf("expected request count 1 for route pattern, got %v", count)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.RecordEvaluation("DEFAULT")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "flagwire_flag_evaluations_total") {
		t.Fatalf("expected evaluations metric in output, got: %s", body)
	}
}
