// Package metrics holds the prometheus collectors the importer reports through
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects import pipeline telemetry. A nil *Metrics is a no-op
type Metrics struct {
	phaseSeconds *prometheus.HistogramVec
	reportBytes  *prometheus.CounterVec
	apiCalls     *prometheus.CounterVec
	throttles    *prometheus.CounterVec
	degradations *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
}

// New registers collectors on registerer (default registerer when nil).
// Re-registration returns the collectors that already exist
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	phaseSeconds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adlake_phase_duration_seconds",
		Help:    "Time spent per report lifecycle phase.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"phase"})
	reportBytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adlake_report_bytes_total",
		Help: "Bytes received per report group and phase.",
	}, []string{"report", "phase"})
	apiCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adlake_api_batch_items_total",
		Help: "Batch sub-operations by phase and response code.",
	}, []string{"phase", "code"})
	throttles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adlake_throttle_events_total",
		Help: "Throttle signals by source (status or utilization).",
	}, []string{"source"})
	degradations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adlake_page_size_degradations_total",
		Help: "Page size step-downs per report.",
	}, []string{"report"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adlake_queue_items_total",
		Help: "Queue item outcomes.",
	}, []string{"outcome"})

	return &Metrics{
		phaseSeconds: registerHistogramVec(registerer, phaseSeconds),
		reportBytes:  registerCounterVec(registerer, reportBytes),
		apiCalls:     registerCounterVec(registerer, apiCalls),
		throttles:    registerCounterVec(registerer, throttles),
		degradations: registerCounterVec(registerer, degradations),
		outcomes:     registerCounterVec(registerer, outcomes),
	}
}

// Handler serves the default gatherer
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific gatherer (tests, custom registries)
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObservePhase records how long a phase took
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil || m.phaseSeconds == nil {
		return
	}
	m.phaseSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

// AddBytes counts payload bytes for a report group
func (m *Metrics) AddBytes(report, phase string, n int) {
	if m == nil || m.reportBytes == nil || n <= 0 {
		return
	}
	m.reportBytes.WithLabelValues(report, phase).Add(float64(n))
}

// IncAPI counts one batch sub-operation response
func (m *Metrics) IncAPI(phase string, code int) {
	if m == nil || m.apiCalls == nil {
		return
	}
	m.apiCalls.WithLabelValues(phase, strconv.Itoa(code)).Inc()
}

// IncThrottle counts a throttle signal
func (m *Metrics) IncThrottle(source string) {
	if m == nil || m.throttles == nil {
		return
	}
	m.throttles.WithLabelValues(source).Inc()
}

// IncDegradation counts a page size step-down
func (m *Metrics) IncDegradation(report string) {
	if m == nil || m.degradations == nil {
		return
	}
	m.degradations.WithLabelValues(report).Inc()
}

// IncOutcome counts a queue item outcome
func (m *Metrics) IncOutcome(outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogramVec(registerer prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := registerer.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}
