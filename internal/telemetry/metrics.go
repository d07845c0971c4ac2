// Package telemetry provides logging and metrics for the vastctl client.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics collects Prometheus metrics for API calls and status waits.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec   // method, route, code
	requestDuration *prometheus.HistogramVec // method, route
	retriesTotal    *prometheus.CounterVec   // route
	pollFetches     *prometheus.CounterVec   // target
	waitsTotal      *prometheus.CounterVec   // target, outcome
	instances       *prometheus.GaugeVec     // status
}

// NewMetrics creates a Metrics collector with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vastctl_api_requests_total",
			Help: "Total marketplace API requests",
		}, []string{"method", "route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vastctl_api_request_duration_seconds",
			Help:    "Marketplace API request duration",
			Buckets: defaultBuckets,
		}, []string{"method", "route"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vastctl_api_retries_total",
			Help: "Requests retried after a transient failure",
		}, []string{"route"}),
		pollFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vastctl_poll_fetches_total",
			Help: "Instance status fetches made while waiting",
		}, []string{"target"}),
		waitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vastctl_waits_total",
			Help: "Completed instance status waits by outcome",
		}, []string{"target", "outcome"}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vastctl_instances",
			Help: "Instances owned by the account by status, as of the last listing",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.retriesTotal,
		m.pollFetches,
		m.waitsTotal,
		m.instances,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest records a completed API request. A zero code means the
// request failed before a response was received.
func (m *Metrics) RecordRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.requestsTotal.WithLabelValues(method, route, label).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRetry records a retried request.
func (m *Metrics) RecordRetry(route string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(route).Inc()
}

// RecordPollFetch records one status fetch made by a wait.
func (m *Metrics) RecordPollFetch(target string) {
	if m == nil {
		return
	}
	m.pollFetches.WithLabelValues(target).Inc()
}

// RecordWait records the outcome of a wait.
func (m *Metrics) RecordWait(target, outcome string) {
	if m == nil {
		return
	}
	m.waitsTotal.WithLabelValues(target, outcome).Inc()
}

// SetInstanceCounts replaces the per-status instance gauge.
func (m *Metrics) SetInstanceCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.instances.Reset()
	for status, n := range counts {
		if status == "" {
			status = "unknown"
		}
		m.instances.WithLabelValues(status).Set(float64(n))
	}
}

// Handler returns an HTTP handler that serves the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the metrics in text exposition format to path, for
// pickup by a node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
