package telemetry

import (
	"fmt"
	"io"
	"time"
)

// Config configures the telemetry of the builder.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig selects the log level and output.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error or fatal.
	Level string

	// Format is console or json.
	Format string

	// Writer receives the log. Nil means stderr.
	Writer io.Writer

	// Caller adds file:line to every entry.
	Caller bool
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	// Exporter is otlp, stdout or none. Empty means none.
	Exporter string

	// Endpoint is the OTLP gRPC collector address, host:port.
	Endpoint string

	// SamplingRate is the share of builds traced, 0 to 1.
	SamplingRate float64

	// Insecure disables TLS towards the collector.
	Insecure bool

	ExportTimeout time.Duration
}

// Enabled reports whether spans are exported.
func (c TracingConfig) Enabled() bool {
	return c.Exporter != "" && c.Exporter != "none"
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path over HTTP in watch mode. Empty disables
	// the endpoint; metrics can still go to a textfile.
	ListenAddress string
	Path          string

	Namespace string

	// Buckets are the latency histogram buckets in seconds.
	Buckets []float64
}

// DefaultConfig returns console logging at info, no tracing and enabled
// metrics without an HTTP endpoint.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "dodos-builder",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			Insecure:      true,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "dodos",
			// Stages range from milliseconds (resolve) to minutes (fetch).
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp exporter needs an endpoint")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	return nil
}
