package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func noEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := LoadSettings(LoadOptions{EnvFile: noEnvFile(t), Getenv: envMap(nil)})
	require.NoError(t, err)

	assert.Equal(t, DefaultSettings(), s)
	assert.NoError(t, s.Validate())
	assert.Error(t, s.ValidateRemote(), "URL and token have no default")
}

func TestLoadSettings_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "papersync.yaml", `
paperless:
  url: https://file.example
  token: from-file
  timeout: 5s
  page_size: 50
definitions: ./defs
country: de
domain: household
log:
  level: debug
disabled_policies:
  - bulk-creation
metrics:
  slow_gateway_call: 1s
  gateway:
    storage_path:
      slow_call: 4s
`)

	s, err := LoadSettings(LoadOptions{
		File:    file,
		EnvFile: noEnvFile(t),
		Getenv: envMap(map[string]string{
			"PAPERLESS_TOKEN":   "from-env",
			"PAPERSYNC_DOMAIN":  "business",
			"PAPERLESS_RPS":     "2.5",
			"PAPERSYNC_METRICS": "true",
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, "https://file.example", s.Paperless.URL)
	assert.Equal(t, "from-env", s.Paperless.Token)
	assert.Equal(t, 5*time.Second, s.Paperless.Timeout)
	assert.Equal(t, 50, s.Paperless.PageSize)
	assert.Equal(t, 2.5, s.Paperless.RequestsPerSecond)
	assert.Equal(t, "./defs", s.Definitions)
	assert.Equal(t, "de", s.Country)
	assert.Equal(t, "business", s.Domain)
	assert.Equal(t, "debug", s.Log.Level)
	assert.True(t, s.Metrics.Enabled)
	assert.Equal(t, []string{"bulk-creation"}, s.DisabledPolicies)
	assert.Equal(t, time.Second, s.Metrics.SlowGatewayCall)
	assert.Equal(t, 4*time.Second, s.Metrics.Gateway["storage_path"].SlowCall)
	assert.NoError(t, s.ValidateRemote())
}

func TestLoadSettings_DisabledPoliciesFromEnv(t *testing.T) {
	s, err := LoadSettings(LoadOptions{
		EnvFile: noEnvFile(t),
		Getenv: envMap(map[string]string{
			"PAPERSYNC_DISABLED_POLICIES": " bulk-creation, ,select-options ",
			"PAPERSYNC_SLOW_GATEWAY_CALL": "750ms",
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bulk-creation", "select-options"}, s.DisabledPolicies)
	assert.Equal(t, 750*time.Millisecond, s.Metrics.SlowGatewayCall)
}

func TestLoadSettings_DotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "PAPERSYNC_COUNTRY=from-dotenv\n")
	t.Setenv("PAPERSYNC_COUNTRY", "from-env")

	s, err := LoadSettings(LoadOptions{EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, "from-env", s.Country)
}

func TestLoadSettings_DotEnvFillsGaps(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "PAPERLESS_URL=https://dotenv.example\n")
	// Registers the restore; godotenv only fills variables that are unset.
	t.Setenv("PAPERLESS_URL", "")
	require.NoError(t, os.Unsetenv("PAPERLESS_URL"))

	s, err := LoadSettings(LoadOptions{EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, "https://dotenv.example", s.Paperless.URL)
}

func TestLoadSettings_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing required file", func(t *testing.T) {
		_, err := LoadSettings(LoadOptions{
			File:     filepath.Join(dir, "missing.yaml"),
			Required: true,
			EnvFile:  noEnvFile(t),
			Getenv:   envMap(nil),
		})
		assert.Error(t, err)
	})

	t.Run("missing optional file", func(t *testing.T) {
		_, err := LoadSettings(LoadOptions{
			File:    filepath.Join(dir, "missing.yaml"),
			EnvFile: noEnvFile(t),
			Getenv:  envMap(nil),
		})
		assert.NoError(t, err)
	})

	t.Run("unknown key", func(t *testing.T) {
		file := writeFile(t, dir, "typo.yaml", "paperles:\n  url: x\n")
		_, err := LoadSettings(LoadOptions{File: file, EnvFile: noEnvFile(t), Getenv: envMap(nil)})
		assert.Error(t, err)
	})

	t.Run("bad env values", func(t *testing.T) {
		_, err := LoadSettings(LoadOptions{
			EnvFile: noEnvFile(t),
			Getenv: envMap(map[string]string{
				"PAPERLESS_TIMEOUT":   "soon",
				"PAPERLESS_PAGE_SIZE": "many",
			}),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PAPERLESS_TIMEOUT")
		assert.Contains(t, err.Error(), "PAPERLESS_PAGE_SIZE")
	})
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Settings) {}},
		{name: "upper case level", mutate: func(s *Settings) { s.Log.Level = "DEBUG" }},
		{name: "bad level", mutate: func(s *Settings) { s.Log.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(s *Settings) { s.Log.Format = "xml" }, wantErr: true},
		{name: "page size", mutate: func(s *Settings) { s.Paperless.PageSize = 0 }, wantErr: true},
		{name: "bad url", mutate: func(s *Settings) { s.Paperless.URL = "not a url" }, wantErr: true},
		{name: "otlp needs endpoint", mutate: func(s *Settings) { s.Tracing.Exporter = "otlp" }, wantErr: true},
		{name: "no definitions", mutate: func(s *Settings) { s.Definitions = "" }, wantErr: true},
		{name: "empty disabled policy", mutate: func(s *Settings) { s.DisabledPolicies = []string{""} }, wantErr: true},
		{name: "gateway override", mutate: func(s *Settings) {
			s.Metrics.Gateway = map[string]GatewayMetricSettings{"custom_field": {SlowCall: time.Second}}
		}},
		{name: "gateway override of unknown kind", mutate: func(s *Settings) {
			s.Metrics.Gateway = map[string]GatewayMetricSettings{"correspondent": {SlowCall: time.Second}}
		}, wantErr: true},
		{name: "negative slow call", mutate: func(s *Settings) { s.Metrics.SlowGatewayCall = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTelemetryConfig(t *testing.T) {
	s := DefaultSettings()
	s.Log.Format = "json"
	s.Tracing.Exporter = "stdout"
	s.Metrics.Enabled = true

	cfg := s.TelemetryConfig("1.4.0")
	assert.Equal(t, "1.4.0", cfg.ServiceVersion)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Metrics.SlowGatewayCall)
	assert.False(t, cfg.Logging.EnableCaller)
	assert.NoError(t, cfg.Validate())
}

func TestTelemetryConfig_DebugUsesDevelopmentConfig(t *testing.T) {
	s := DefaultSettings()
	s.Log.Level = "debug"
	s.Paperless.URL = "https://paperless.example:8000"
	s.Metrics.Gateway = map[string]GatewayMetricSettings{"storage_path": {SlowCall: 5 * time.Second}}

	cfg := s.TelemetryConfig("")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.EnableCaller)
	assert.Equal(t, "paperless.example:8000", cfg.Instance)
	assert.Equal(t, 5*time.Second, cfg.Metrics.SlowCallThreshold("storage_path"))
	assert.Equal(t, 2*time.Second, cfg.Metrics.SlowCallThreshold("tag"))
	assert.NoError(t, cfg.Validate())
}
