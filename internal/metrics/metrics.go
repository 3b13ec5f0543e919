// Package metrics is the control plane's Prometheus registry and HTTP
// instrumentation middleware. Adapted from internal/app/metrics/metrics.go:
// Registry/Handler/InstrumentHandler/statusRecorder/canonicalPath are kept
// verbatim in shape; the per-domain observation-hook gauges (CCIP, VRF,
// gasbank, confidential-compute, datastream) are dropped — nothing in
// this control plane's SPEC_FULL scope dispatches against those
// concerns — and replaced with fleet-domain gauges: wave progress,
// droplet population by state, and account pool saturation.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the control plane's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleetctl",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	// DropletsByState reports the fleet's current population per
	// lifecycle state, sampled by internal/scalealerts and read by
	// /metrics scrapers for fleet-wide dashboards.
	DropletsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetctl",
			Subsystem: "fleet",
			Name:      "droplets_by_state",
			Help:      "Current droplet count per lifecycle state.",
		},
		[]string{"state"},
	)

	// AccountUtilization reports each cloud account's current/cap ratio.
	AccountUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetctl",
			Subsystem: "accounts",
			Name:      "utilization_ratio",
			Help:      "Current/cap ratio per cloud-provider account.",
		},
		[]string{"account_id", "region"},
	)

	// RolloutWaveErrorRate reports the most recently evaluated error rate
	// for a rollout's active wave.
	RolloutWaveErrorRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetctl",
			Subsystem: "fleetupdate",
			Name:      "wave_error_rate",
			Help:      "Most recently evaluated error rate for a rollout's active wave.",
		},
		[]string{"rollout_id", "wave"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		DropletsByState,
		AccountUtilization,
		RolloutWaveErrorRate,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	return "/" + parts[0]
}
