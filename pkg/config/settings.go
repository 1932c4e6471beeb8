package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/papersync/papersync/pkg/telemetry"
)

// Settings is the application configuration of the papersync CLI.
type Settings struct {
	Paperless PaperlessSettings `yaml:"paperless"`

	// Definitions is a definitions directory or a single definition file.
	Definitions string `yaml:"definitions" validate:"required"`

	// Country and Domain select the definition to apply.
	Country string `yaml:"country"`
	Domain  string `yaml:"domain"`

	// HistoryDB is the SQLite run history path. Empty disables history.
	HistoryDB string `yaml:"history_db"`

	// PoliciesDir holds additional .rego files. Empty uses built-in rules only.
	PoliciesDir string `yaml:"policies_dir"`

	// DisablePolicies turns the policy gate off entirely.
	DisablePolicies bool `yaml:"disable_policies"`

	// DisabledPolicies switches single policies off by name, built-in or
	// loaded from PoliciesDir.
	DisabledPolicies []string `yaml:"disabled_policies" validate:"dive,required"`

	Log     LogSettings     `yaml:"log"`
	Metrics MetricsSettings `yaml:"metrics"`
	Tracing TracingSettings `yaml:"tracing"`
}

// PaperlessSettings configures the remote API client.
type PaperlessSettings struct {
	URL               string        `yaml:"url" validate:"omitempty,url"`
	Token             string        `yaml:"token"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	PageSize          int           `yaml:"page_size" validate:"gte=1,lte=1000"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	MaxRetries        int           `yaml:"max_retries" validate:"gte=-1,lte=10"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"required_if=Enabled true"`

	// SlowGatewayCall is the duration from which Paperless API calls are
	// logged and counted as slow. Zero turns slow call tracking off.
	SlowGatewayCall time.Duration `yaml:"slow_gateway_call" validate:"gte=0"`

	// Gateway overrides SlowGatewayCall per resource kind.
	Gateway map[string]GatewayMetricSettings `yaml:"gateway" validate:"dive,keys,oneof=tag document_type storage_path custom_field,endkeys"`
}

// GatewayMetricSettings tunes gateway metrics of one resource kind.
type GatewayMetricSettings struct {
	SlowCall time.Duration `yaml:"slow_call" validate:"gte=0"`
}

// TracingSettings configures OpenTelemetry export.
type TracingSettings struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Paperless: PaperlessSettings{
			Timeout:           30 * time.Second,
			PageSize:          100,
			RequestsPerSecond: 10,
			MaxRetries:        3,
		},
		Definitions: "definitions",
		HistoryDB:   "papersync.db",
		Log: LogSettings{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsSettings{
			Address:         ":9090",
			SlowGatewayCall: 2 * time.Second,
		},
		Tracing: TracingSettings{
			Exporter: "none",
		},
	}
}

// LoadOptions controls LoadSettings.
type LoadOptions struct {
	// File is an optional YAML settings file. A missing file is an error
	// only when Required is set.
	File     string
	Required bool

	// EnvFile is loaded into the process environment without overriding
	// variables that are already set. Empty means ".env"; a missing file is
	// ignored.
	EnvFile string

	// Getenv reads the environment. Defaults to os.Getenv.
	Getenv func(string) string
}

// LoadSettings resolves settings from defaults, the YAML file, the .env file
// and the environment, in that order. Flags are applied by the caller,
// followed by Validate.
func LoadSettings(opts LoadOptions) (*Settings, error) {
	s := DefaultSettings()

	if opts.File != "" {
		content, err := os.ReadFile(opts.File)
		switch {
		case err == nil:
			decoder := yaml.NewDecoder(bytes.NewReader(content))
			decoder.KnownFields(true)
			if err := decoder.Decode(s); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to parse settings %s: %w", opts.File, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !opts.Required:
		default:
			return nil, fmt.Errorf("failed to read settings %s: %w", opts.File, err)
		}
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := s.applyEnv(getenv); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	var errs []error
	parse := func(name string, fn func(string) error) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			if err := fn(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}

	str("PAPERLESS_URL", &s.Paperless.URL)
	str("PAPERLESS_TOKEN", &s.Paperless.Token)
	parse("PAPERLESS_TIMEOUT", func(v string) (err error) {
		s.Paperless.Timeout, err = time.ParseDuration(v)
		return err
	})
	parse("PAPERLESS_PAGE_SIZE", func(v string) (err error) {
		s.Paperless.PageSize, err = strconv.Atoi(v)
		return err
	})
	parse("PAPERLESS_RPS", func(v string) (err error) {
		s.Paperless.RequestsPerSecond, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("PAPERLESS_MAX_RETRIES", func(v string) (err error) {
		s.Paperless.MaxRetries, err = strconv.Atoi(v)
		return err
	})

	str("PAPERSYNC_DEFINITIONS", &s.Definitions)
	str("PAPERSYNC_COUNTRY", &s.Country)
	str("PAPERSYNC_DOMAIN", &s.Domain)
	str("PAPERSYNC_DB", &s.HistoryDB)
	str("PAPERSYNC_POLICIES", &s.PoliciesDir)
	parse("PAPERSYNC_DISABLE_POLICIES", func(v string) (err error) {
		s.DisablePolicies, err = strconv.ParseBool(v)
		return err
	})
	if v := strings.TrimSpace(getenv("PAPERSYNC_DISABLED_POLICIES")); v != "" {
		s.DisabledPolicies = splitList(v)
	}

	str("LOG_LEVEL", &s.Log.Level)
	str("LOG_FORMAT", &s.Log.Format)
	str("PAPERSYNC_METRICS_ADDR", &s.Metrics.Address)
	parse("PAPERSYNC_METRICS", func(v string) (err error) {
		s.Metrics.Enabled, err = strconv.ParseBool(v)
		return err
	})
	parse("PAPERSYNC_SLOW_GATEWAY_CALL", func(v string) (err error) {
		s.Metrics.SlowGatewayCall, err = time.ParseDuration(v)
		return err
	})
	str("PAPERSYNC_TRACING_EXPORTER", &s.Tracing.Exporter)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &s.Tracing.Endpoint)

	return errors.Join(errs...)
}

// splitList splits a comma separated list, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

var settingsValidator = validator.New()

// Validate checks the settings that every command needs.
func (s *Settings) Validate() error {
	s.Log.Level = strings.ToLower(s.Log.Level)
	s.Log.Format = strings.ToLower(s.Log.Format)
	s.Tracing.Exporter = strings.ToLower(s.Tracing.Exporter)
	if err := settingsValidator.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// ValidateRemote additionally checks what commands talking to Paperless need.
func (s *Settings) ValidateRemote() error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := settingsValidator.Var(s.Paperless.URL, "required,url"); err != nil {
		return fmt.Errorf("paperless URL (PAPERLESS_URL) is required and must be a URL")
	}
	if strings.TrimSpace(s.Paperless.Token) == "" {
		return fmt.Errorf("paperless API token (PAPERLESS_TOKEN) is required")
	}
	return nil
}

// TelemetryConfig maps the settings onto a telemetry configuration. A debug
// or trace log level starts from telemetry.DevelopmentConfig.
func (s *Settings) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if s.Log.Level == "debug" || s.Log.Level == "trace" {
		cfg = telemetry.DevelopmentConfig()
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	if u, err := url.Parse(s.Paperless.URL); err == nil {
		cfg.Instance = u.Host
	}
	cfg.Logging.Level = s.Log.Level
	cfg.Logging.Format = s.Log.Format
	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Metrics.Address
	cfg.Metrics.SlowGatewayCall = s.Metrics.SlowGatewayCall
	if len(s.Metrics.Gateway) > 0 {
		cfg.Metrics.Gateway = make(map[string]telemetry.GatewayMetricsConfig, len(s.Metrics.Gateway))
		for kind, g := range s.Metrics.Gateway {
			cfg.Metrics.Gateway[kind] = telemetry.GatewayMetricsConfig{SlowCall: g.SlowCall}
		}
	}
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Enabled = s.Tracing.Exporter != "none"
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	return cfg
}
