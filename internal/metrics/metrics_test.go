package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/govexport/internal/version"
)

func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelsOf(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

// sample finds the metric in family name whose labels include want.
func sample(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) *dto.Metric {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
outer:
	for _, m := range f.GetMetric() {
		got := labelsOf(m)
		for k, v := range want {
			if got[k] != v {
				continue outer
			}
		}
		return m
	}
	t.Fatalf("metric %q has no sample with labels %v", name, want)
	return nil
}

func TestHandler_ServesOpenMetrics(t *testing.T) {
	m := New()
	m.IncHttpPanic()

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	req.Header.Set("Accept", "application/openmetrics-text")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "openmetrics") {
		t.Fatalf("content-type = %q", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"http_panic_total", "go_goroutines", "process_cpu_seconds_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("scrape missing %s", name)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncExpired()
	if v := sample(t, b.reg, "govexport_approvals_expired_total", nil).GetCounter().GetValue(); v != 0 {
		t.Fatalf("second registry saw %v", v)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := true
	m.SetBuildInfoFromVersion("govexport", "server", &version.Info{
		Version:   "1.2.3",
		Commit:    "abc123",
		BuildDate: "2026-06-01",
		GoVersion: "go1.25",
		VCSDirty:  &dirty,
	})
	s := sample(t, m.reg, "build_info", map[string]string{"version": "1.2.3", "vcs_dirty": "true"})
	if s.GetGauge().GetValue() != 1 {
		t.Fatalf("build_info = %v", s.GetGauge().GetValue())
	}

	m2 := New()
	m2.SetBuildInfoFromVersion("govexport", "server", &version.Info{Version: "dev"})
	sample(t, m2.reg, "build_info", map[string]string{"vcs_dirty": "unknown"})
}

func TestGovernanceMetrics(t *testing.T) {
	m := New()
	m.ObserveTransition("approve", "ok")
	m.ObserveTransition("approve", "ok")
	m.ObserveTransition("approve", "INVALID_STATUS")
	m.ObserveBundle(1500*time.Millisecond, 1<<20)
	m.IncChainBroken()
	m.IncExpired()
	m.IncExpired()
	m.IncAuthFailure("expired")

	if v := sample(t, m.reg, "govexport_request_actions_total", map[string]string{"action": "approve", "outcome": "ok"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("approve ok = %v, want 2", v)
	}
	if v := sample(t, m.reg, "govexport_request_actions_total", map[string]string{"outcome": "INVALID_STATUS"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("approve INVALID_STATUS = %v, want 1", v)
	}
	h := sample(t, m.reg, "govexport_bundle_build_duration_seconds", nil).GetHistogram()
	if h.GetSampleCount() != 1 || h.GetSampleSum() != 1.5 {
		t.Errorf("bundle duration count=%d sum=%v", h.GetSampleCount(), h.GetSampleSum())
	}
	if s := sample(t, m.reg, "govexport_bundle_size_bytes", nil).GetHistogram().GetSampleSum(); s != 1<<20 {
		t.Errorf("bundle size sum = %v", s)
	}
	if v := sample(t, m.reg, "govexport_audit_chain_verification_failures_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("chain broken = %v", v)
	}
	if v := sample(t, m.reg, "govexport_approvals_expired_total", nil).GetCounter().GetValue(); v != 2 {
		t.Errorf("expired = %v", v)
	}
	sample(t, m.reg, "govexport_auth_failures_total", map[string]string{"reason": "expired"})
}

func TestSweepMetrics(t *testing.T) {
	m := New()
	m.IncSweepRuns()
	m.IncSweepRuns()
	m.IncSweepErrors()
	m.SetSweepLastSuccess(1780304400)

	if v := sample(t, m.reg, "govexport_expiry_sweeps_total", nil).GetCounter().GetValue(); v != 2 {
		t.Errorf("runs = %v", v)
	}
	if v := sample(t, m.reg, "govexport_expiry_sweep_errors_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("errors = %v", v)
	}
	if v := sample(t, m.reg, "govexport_expiry_sweep_last_success_timestamp_seconds", nil).GetGauge().GetValue(); v != 1780304400 {
		t.Errorf("last success = %v", v)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if v := sample(t, m.reg, "profiling_active", nil).GetGauge().GetValue(); v != 1 {
		t.Fatalf("active = %v", v)
	}
	m.SetProfilingActive(false)
	if v := sample(t, m.reg, "profiling_active", nil).GetGauge().GetValue(); v != 0 {
		t.Fatalf("inactive = %v", v)
	}
}

func TestMiddleware_ChiRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/exports/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/exports/"+id, http.NoBody))
	}

	s := sample(t, m.reg, "http_requests_total", map[string]string{"route": "/v1/exports/{id}", "status": "200", "method": "GET"})
	if s.GetCounter().GetValue() != 3 {
		t.Fatalf("requests = %v, want 3", s.GetCounter().GetValue())
	}
	if n := len(gatherMetric(t, m.reg, "http_requests_total").GetMetric()); n != 1 {
		t.Fatalf("series = %d, want 1", n)
	}
	size := sample(t, m.reg, "http_response_size_bytes", nil).GetHistogram().GetSampleSum()
	if size != 15 {
		t.Fatalf("response bytes = %v, want 15", size)
	}
}

func TestMiddleware_UnmatchedAndStatusDefaults(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/custom/path", http.NoBody))

	sample(t, m.reg, "http_requests_total", map[string]string{"route": "unmatched", "status": "200"})
}

func TestMiddleware_ErrorCounter(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusOK, false},
		{http.StatusForbidden, false},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		m := New()
		h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.code)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", http.NoBody))

		f := gatherMetric(t, m.reg, "http_errors_total")
		got := f != nil && len(f.GetMetric()) > 0
		if got != tt.want {
			t.Errorf("status %d: error counted = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestMiddleware_InflightReturnsToZero(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = sample(t, m.reg, "http_inflight_requests", nil).GetGauge().GetValue()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if during != 1 {
		t.Fatalf("inflight during = %v", during)
	}
	if v := sample(t, m.reg, "http_inflight_requests", nil).GetGauge().GetValue(); v != 0 {
		t.Fatalf("inflight after = %v", v)
	}
}

func TestRecorder_FirstStatusWins(t *testing.T) {
	rec := &recorder{ResponseWriter: httptest.NewRecorder()}
	_, _ = rec.Write([]byte("x"))
	rec.WriteHeader(http.StatusTeapot)
	if rec.status != http.StatusOK || rec.n != 1 {
		t.Fatalf("status=%d n=%d", rec.status, rec.n)
	}
}

func TestTraceExemplar(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")

	sampled := trace.ContextWithSpanContext(t.Context(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
	}))
	if ex := traceExemplar(sampled); ex["trace_id"] != tid.String() {
		t.Fatalf("exemplar = %v", ex)
	}

	unsampled := trace.ContextWithSpanContext(t.Context(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid,
	}))
	if ex := traceExemplar(unsampled); ex != nil {
		t.Fatalf("unsampled exemplar = %v", ex)
	}
	if ex := traceExemplar(t.Context()); ex != nil {
		t.Fatalf("no-trace exemplar = %v", ex)
	}
}
