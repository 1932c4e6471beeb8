package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for papersync.
//
// Every recording method is safe on a nil receiver and on a disabled
// instance, so callers never need to guard.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Diff metrics
	pendingCreations *prometheus.GaugeVec

	// Installer metrics
	resourcesCreated    *prometheus.CounterVec
	resourcesRolledBack *prometheus.CounterVec
	rollbackFailures    *prometheus.CounterVec

	// Gateway metrics
	gatewayCalls     *prometheus.CounterVec
	gatewayDuration  *prometheus.HistogramVec
	gatewaySlowCalls *prometheus.CounterVec
	gatewayErrors    *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	runBuckets := cfg.RunBuckets
	if len(runBuckets) == 0 {
		runBuckets = prometheus.DefBuckets
	}
	gatewayBuckets := cfg.GatewayBuckets
	if len(gatewayBuckets) == 0 {
		gatewayBuckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of reconciliation runs started",
			},
			[]string{"operation"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of reconciliation runs completed",
			},
			[]string{"operation", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of reconciliation runs in seconds",
				Buckets:   runBuckets,
			},
			[]string{"operation", "status"},
		),

		pendingCreations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_creations",
				Help:      "Resources missing from the remote system as of the last diff",
			},
			[]string{"kind"},
		),

		resourcesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_created_total",
				Help:      "Total number of taxonomy resources created",
			},
			[]string{"kind"},
		),
		resourcesRolledBack: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_rolled_back_total",
				Help:      "Total number of created resources deleted during rollback",
			},
			[]string{"kind"},
		),
		rollbackFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_failures_total",
				Help:      "Total number of rollback deletions that failed",
			},
			[]string{"kind"},
		),

		gatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_calls_total",
				Help:      "Total number of remote gateway calls",
			},
			[]string{"kind", "operation"},
		),
		gatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Duration of remote gateway calls in seconds",
				Buckets:   gatewayBuckets,
			},
			[]string{"kind", "operation"},
		),
		gatewaySlowCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_slow_calls_total",
				Help:      "Total number of gateway calls at or above the slow call threshold of their kind",
			},
			[]string{"kind", "operation"},
		),
		gatewayErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_errors_total",
				Help:      "Total number of failed remote gateway calls",
			},
			[]string{"kind", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of runs in the applying state",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.pendingCreations,
		m.resourcesCreated,
		m.resourcesRolledBack,
		m.rollbackFailures,
		m.gatewayCalls,
		m.gatewayDuration,
		m.gatewaySlowCalls,
		m.gatewayErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(operation string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(operation).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(operation, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(operation, status).Inc()
	m.runDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Diff Metrics

// SetPendingCreations records how many resources of a kind are missing remotely.
func (m *Metrics) SetPendingCreations(kind string, count int) {
	if !m.enabled() {
		return
	}
	m.pendingCreations.WithLabelValues(kind).Set(float64(count))
}

// Installer Metrics

// RecordResourceCreated counts a successful creation.
func (m *Metrics) RecordResourceCreated(kind string) {
	if !m.enabled() {
		return
	}
	m.resourcesCreated.WithLabelValues(kind).Inc()
}

// RecordRollback counts a rollback deletion attempt.
func (m *Metrics) RecordRollback(kind string, err error) {
	if !m.enabled() {
		return
	}
	if err != nil {
		m.rollbackFailures.WithLabelValues(kind).Inc()
		return
	}
	m.resourcesRolledBack.WithLabelValues(kind).Inc()
}

// Gateway Metrics

// RecordGatewayCall records a gateway call with its duration and reports
// whether the call reached the slow call threshold of kind. Slow calls are
// reported even when collection is disabled.
func (m *Metrics) RecordGatewayCall(kind, operation string, duration time.Duration) (slow bool) {
	if m == nil {
		return false
	}
	threshold := m.config.SlowCallThreshold(kind)
	slow = threshold > 0 && duration >= threshold
	if !m.enabled() {
		return slow
	}
	m.gatewayCalls.WithLabelValues(kind, operation).Inc()
	m.gatewayDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
	if slow {
		m.gatewaySlowCalls.WithLabelValues(kind, operation).Inc()
	}
	return slow
}

// RecordGatewayError records a failed gateway call.
func (m *Metrics) RecordGatewayError(kind, operation string) {
	if !m.enabled() {
		return
	}
	m.gatewayErrors.WithLabelValues(kind, operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the registry the collectors are registered with, or nil
// when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}

// StopMetricsServer shuts down the metrics endpoint if it is running.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
