package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for tree operations. A Metrics built
// from a disabled config, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	// Remote calls
	remoteCalls    *prometheus.CounterVec
	remoteErrors   *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec

	// Local tree
	invalidations      prometheus.Counter
	validationFailures *prometheus.CounterVec
	ruleEvaluations    *prometheus.CounterVec
	ruleErrors         *prometheus.CounterVec

	// Server side
	activeSessions prometheus.Gauge
	requestsServed *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total number of calls made to the remote authority",
			},
			[]string{"op"},
		),
		remoteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_call_errors_total",
				Help:      "Total number of failed remote calls by error class",
			},
			[]string{"op", "class"},
		),
		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Duration of remote calls in seconds",
				Buckets:   buckets,
			},
			[]string{"op"},
		),

		invalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cell_invalidations_total",
				Help:      "Total number of cached cell values cleared by a dependency change",
			},
		),
		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Total number of writes rejected by local validation",
			},
			[]string{"constraint"},
		),
		ruleEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_evaluations_total",
				Help:      "Total number of derivation and constraint rule evaluations",
			},
			[]string{"kind"},
		),

		ruleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_errors_total",
				Help:      "Total number of rule evaluations that failed",
			},
			[]string{"kind"},
		),

		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "server_active_sessions",
				Help:      "Current number of connected protocol sessions",
			},
		),
		requestsServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "server_requests_total",
				Help:      "Total number of protocol requests served by status",
			},
			[]string{"op", "status"},
		),
	}

	registry.MustRegister(
		m.remoteCalls,
		m.remoteErrors,
		m.remoteDuration,
		m.invalidations,
		m.validationFailures,
		m.ruleEvaluations,
		m.ruleErrors,
		m.activeSessions,
		m.requestsServed,
	)

	return m, nil
}

// Remote call metrics

// RecordRemoteCall records a completed remote call.
func (m *Metrics) RecordRemoteCall(op string, duration time.Duration) {
	if m == nil || m.remoteCalls == nil {
		return
	}
	m.remoteCalls.WithLabelValues(op).Inc()
	m.remoteDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRemoteError records a failed remote call.
func (m *Metrics) RecordRemoteError(op, class string) {
	if m == nil || m.remoteErrors == nil {
		return
	}
	m.remoteErrors.WithLabelValues(op, class).Inc()
}

// Local tree metrics

// RecordInvalidation counts a cleared cell cache.
func (m *Metrics) RecordInvalidation() {
	if m == nil || m.invalidations == nil {
		return
	}
	m.invalidations.Inc()
}

// RecordValidationFailure counts a rejected write.
func (m *Metrics) RecordValidationFailure(constraint string) {
	if m == nil || m.validationFailures == nil {
		return
	}
	if constraint == "" {
		constraint = "unknown"
	}
	m.validationFailures.WithLabelValues(constraint).Inc()
}

// RecordRuleEvaluation counts one rule evaluation of the given kind
// (value, range, allowed_values, availability).
func (m *Metrics) RecordRuleEvaluation(kind string) {
	if m == nil || m.ruleEvaluations == nil {
		return
	}
	m.ruleEvaluations.WithLabelValues(kind).Inc()
}

// RecordRuleError counts a rule of the given kind that failed to evaluate.
func (m *Metrics) RecordRuleError(kind string) {
	if m == nil || m.ruleErrors == nil {
		return
	}
	m.ruleErrors.WithLabelValues(kind).Inc()
}

// Server metrics

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Dec()
}

// RecordRequestServed counts a request handled by a protocol server.
func (m *Metrics) RecordRequestServed(op, status string) {
	if m == nil || m.requestsServed == nil {
		return
	}
	m.requestsServed.WithLabelValues(op, status).Inc()
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Sample returns the value of a counter or gauge, or the observation count
// of a histogram, summed over the series whose labels include labels. name
// is given without the namespace prefix.
func (m *Metrics) Sample(name string, labels map[string]string) float64 {
	if m == nil || m.registry == nil {
		return 0
	}
	if m.config.Namespace != "" {
		name = m.config.Namespace + "_" + name
	}
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	series:
		for _, metric := range family.GetMetric() {
			have := make(map[string]string, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue series
				}
			}
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics on the
// configured listen address. It is a no-op when metrics are disabled or no
// address is configured.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if m == nil || !m.config.Enabled || m.config.Listen == "" {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("metrics server: %w", err)
	case <-time.After(50 * time.Millisecond):
	}
	return server, nil
}
