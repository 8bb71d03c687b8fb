package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for dodos builds. A nil *Metrics and
// one created with metrics disabled are both valid no-op collectors.
type Metrics struct {
	config MetricsConfig

	// Build metrics
	buildsStarted   prometheus.Counter
	buildsCompleted *prometheus.CounterVec
	buildDuration   *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec

	// Fetch metrics
	fetches              *prometheus.CounterVec
	fetchDuration        prometheus.Histogram
	cacheHits            prometheus.Counter
	bytesDownloaded      prometheus.Counter
	verificationFailures prometheus.Counter
	fetchRetries         prometheus.Counter

	// Assembly metrics
	operationsApplied *prometheus.CounterVec
	plannedPackages   prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec

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

		buildsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_started_total",
			Help:      "Total number of builds started",
		}),
		buildsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_completed_total",
			Help:      "Total number of builds completed by terminal status",
		}, []string{"status"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Duration of builds in seconds",
			Buckets:   buckets,
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of build stages in seconds",
			Buckets:   buckets,
		}, []string{"stage", "result"}),

		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_fetches_total",
			Help:      "Total number of artifact fetches by result",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "artifact_fetch_duration_seconds",
			Help:      "Duration of artifact downloads including verification",
			Buckets:   buckets,
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Artifacts served from the content-addressed cache",
		}),
		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downloaded_total",
			Help:      "Bytes received from package sources",
		}),
		verificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_failures_total",
			Help:      "Downloads rejected for digest or size mismatch",
		}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Download attempts retried after a transient failure",
		}),

		operationsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_applied_total",
			Help:      "Transaction operations applied to staging roots by kind",
		}, []string{"kind"}),
		plannedPackages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "planned_packages",
			Help:      "Number of packages in the most recent plan",
		}),

		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_class_total",
			Help:      "Total number of errors by error class and stage",
		}, []string{"class", "stage"}),
	}

	registry.MustRegister(
		m.buildsStarted,
		m.buildsCompleted,
		m.buildDuration,
		m.stageDuration,
		m.fetches,
		m.fetchDuration,
		m.cacheHits,
		m.bytesDownloaded,
		m.verificationFailures,
		m.fetchRetries,
		m.operationsApplied,
		m.plannedPackages,
		m.errorsByClass,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Build Metrics

// RecordBuildStarted increments the counter for started builds.
func (m *Metrics) RecordBuildStarted() {
	if !m.enabled() {
		return
	}
	m.buildsStarted.Inc()
}

// RecordBuildCompleted records a finished build with its status and duration.
func (m *Metrics) RecordBuildCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.buildsCompleted.WithLabelValues(status).Inc()
	m.buildDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStage records the duration of a pipeline stage.
func (m *Metrics) RecordStage(stage string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stageDuration.WithLabelValues(stage, result).Observe(duration.Seconds())
}

// SetPlannedPackages sets the size of the current plan.
func (m *Metrics) SetPlannedPackages(n int) {
	if !m.enabled() {
		return
	}
	m.plannedPackages.Set(float64(n))
}

// Fetch Metrics

// RecordFetch records a completed download attempt sequence.
func (m *Metrics) RecordFetch(result string, bytes int64, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.fetches.WithLabelValues(result).Inc()
	m.fetchDuration.Observe(duration.Seconds())
	if bytes > 0 {
		m.bytesDownloaded.Add(float64(bytes))
	}
}

// RecordCacheHit records an artifact served from cache.
func (m *Metrics) RecordCacheHit() {
	if !m.enabled() {
		return
	}
	m.cacheHits.Inc()
	m.fetches.WithLabelValues("cached").Inc()
}

// RecordVerificationFailure records a rejected download.
func (m *Metrics) RecordVerificationFailure() {
	if !m.enabled() {
		return
	}
	m.verificationFailures.Inc()
}

// RecordFetchRetry records a retried download attempt.
func (m *Metrics) RecordFetchRetry() {
	if !m.enabled() {
		return
	}
	m.fetchRetries.Inc()
}

// Assembly Metrics

// RecordOperation records an operation applied to a staging root.
func (m *Metrics) RecordOperation(kind string) {
	if !m.enabled() {
		return
	}
	m.operationsApplied.WithLabelValues(kind).Inc()
}

// Error Metrics

// RecordError records an error by class and the stage it occurred in.
func (m *Metrics) RecordError(errorClass, stage string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, stage).Inc()
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

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// WriteTextfile writes the current metrics in the node exporter textfile
// format, for one-shot builds that exit before they could be scraped.
func (m *Metrics) WriteTextfile(path string) error {
	if !m.enabled() || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// StartMetricsServer serves metrics until ctx is cancelled. Used by
// long-running watch mode.
func (m *Metrics) StartMetricsServer(ctx context.Context, log zerolog.Logger) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	return nil
}
