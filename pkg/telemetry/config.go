package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration of a papersync process.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Instance identifies the Paperless-ngx instance runs are applied to.
	// It is attached to every span as paperless.instance.
	Instance string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path.
	Output string

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP collector endpoint, e.g. "localhost:4317".
	Endpoint string

	SamplingRate  float64
	ExportTimeout time.Duration

	// Insecure disables TLS for the OTLP connection.
	Insecure bool
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// RunBuckets are the run duration buckets in seconds. A run covers a
	// full diff plus every creation and can take minutes.
	RunBuckets []float64

	// GatewayBuckets are the buckets of single Paperless API calls.
	GatewayBuckets []float64

	// SlowGatewayCall is the duration from which a gateway call counts as
	// slow and is logged. Zero disables slow call tracking.
	SlowGatewayCall time.Duration

	// Gateway overrides gateway call settings per resource kind, keyed by
	// the kind identifier (tag, document_type, storage_path, custom_field).
	Gateway map[string]GatewayMetricsConfig
}

// GatewayMetricsConfig tunes gateway call metrics of one resource kind.
type GatewayMetricsConfig struct {
	// SlowCall replaces SlowGatewayCall for the kind. Zero keeps the default.
	SlowCall time.Duration
}

// SlowCallThreshold returns the slow call threshold of kind.
func (c MetricsConfig) SlowCallThreshold(kind string) time.Duration {
	if override, ok := c.Gateway[kind]; ok && override.SlowCall > 0 {
		return override.SlowCall
	}
	return c.SlowGatewayCall
}

// EventsConfig configures the run event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize is the size of the async delivery buffer.
	BufferSize int

	// EnableAsync delivers events from a background goroutine. The CLI
	// records events synchronously so a run's history is complete when
	// the run returns.
	EnableAsync bool
}

// DefaultConfig returns the configuration of a plain CLI run: console logs
// at info, no tracing and no metrics endpoint.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "papersync",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			ListenAddress:   ":9090",
			Path:            "/metrics",
			Namespace:       "papersync",
			RunBuckets:      []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			GatewayBuckets:  []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			SlowGatewayCall: 2 * time.Second,
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
		},
	}
}

// DevelopmentConfig is DefaultConfig with debug logs that carry the caller.
// The CLI uses it for --verbose.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{
		"otlp": true, "stdout": true, "none": true,
	}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if err := c.Metrics.validate(); err != nil {
		return err
	}

	if c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}

func (c MetricsConfig) validate() error {
	if c.Enabled && c.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	for name, buckets := range map[string][]float64{"run": c.RunBuckets, "gateway": c.GatewayBuckets} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				return fmt.Errorf("%s buckets must be strictly increasing", name)
			}
		}
	}
	if c.SlowGatewayCall < 0 {
		return fmt.Errorf("slow gateway call threshold must not be negative")
	}
	for kind, g := range c.Gateway {
		if g.SlowCall < 0 {
			return fmt.Errorf("slow gateway call threshold of %s must not be negative", kind)
		}
	}
	return nil
}
