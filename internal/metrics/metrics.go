// Package metrics owns the Prometheus registry: HTTP server metrics plus
// export governance counters.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/govexport/internal/version"
)

const namespace = "govexport"

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight    prometheus.Gauge
	reqTotal    *prometheus.CounterVec
	reqDur      *prometheus.HistogramVec
	respBytes   *prometheus.HistogramVec
	errorsTotal *prometheus.CounterVec
	panics      prometheus.Counter

	buildInfo         *prometheus.GaugeVec
	ratelimitDenied   prometheus.Counter
	ratelimitCapacity prometheus.Counter
	profilingActive   prometheus.Gauge

	transitions    *prometheus.CounterVec
	bundleDuration prometheus.Histogram
	bundleBytes    prometheus.Histogram
	chainBroken    prometheus.Counter
	expired        prometheus.Counter
	authFailures   *prometheus.CounterVec

	sweepRuns        prometheus.Counter
	sweepErrors      prometheus.Counter
	sweepLastSuccess prometheus.Gauge
}

// New returns a fresh registry with Go and process collectors. HTTP labels
// are method, route pattern and status only.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		ratelimitCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Times the rate limiter ran out of tracking capacity",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or not (0)",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_actions_total",
			Help:      "Export request actions by action and outcome (ok or error code)",
		}, []string{"action", "outcome"}),
		bundleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bundle_build_duration_seconds",
			Help:      "Time to build an export archive",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		bundleBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bundle_size_bytes",
			Help:      "Size of built export archives",
			Buckets:   prometheus.ExponentialBuckets(4096, 4, 10),
		}),
		chainBroken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_chain_verification_failures_total",
			Help:      "Audit chain verifications that found a broken link",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_expired_total",
			Help:      "Approved requests whose download window closed",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected bearer tokens by reason",
		}, []string{"reason"}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweeps_total",
			Help:      "Expiry sweep runs",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweep_errors_total",
			Help:      "Expiry sweep runs that failed",
		}),
		sweepLastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "expiry_sweep_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful expiry sweep",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.panics,
		m.buildInfo,
		m.ratelimitDenied,
		m.ratelimitCapacity,
		m.profilingActive,
		m.transitions,
		m.bundleDuration,
		m.bundleBytes,
		m.chainBroken,
		m.expired,
		m.authFailures,
		m.sweepRuns,
		m.sweepErrors,
		m.sweepLastSuccess,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// SetBuildInfoFromVersion is called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncHttpPanic()         { m.panics.Inc() }
func (m *ServerMetrics) IncRateLimitDenied()   { m.ratelimitDenied.Inc() }
func (m *ServerMetrics) IncRateLimitCapacity() { m.ratelimitCapacity.Inc() }

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
		return
	}
	m.profilingActive.Set(0)
}

// gate metrics

func (m *ServerMetrics) ObserveTransition(action, outcome string) {
	m.transitions.WithLabelValues(action, outcome).Inc()
}

func (m *ServerMetrics) ObserveBundle(d time.Duration, size int64) {
	m.bundleDuration.Observe(d.Seconds())
	m.bundleBytes.Observe(float64(size))
}

func (m *ServerMetrics) IncChainBroken() { m.chainBroken.Inc() }
func (m *ServerMetrics) IncExpired()     { m.expired.Inc() }

// IncAuthFailure counts a rejected token; reason is a fixed small set.
func (m *ServerMetrics) IncAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

// sweep metrics

func (m *ServerMetrics) IncSweepRuns()   { m.sweepRuns.Inc() }
func (m *ServerMetrics) IncSweepErrors() { m.sweepErrors.Inc() }
func (m *ServerMetrics) SetSweepLastSuccess(unixSeconds float64) {
	m.sweepLastSuccess.Set(unixSeconds)
}
