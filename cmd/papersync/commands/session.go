package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/papersync/papersync/pkg/config"
	"github.com/papersync/papersync/pkg/gateway/paperless"
	"github.com/papersync/papersync/pkg/policy"
	"github.com/papersync/papersync/pkg/stores"
	"github.com/papersync/papersync/pkg/telemetry"
)

// session holds the resolved settings and telemetry of one command.
type session struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
}

// openSession loads settings, applies the global flags and starts
// telemetry. remote additionally requires the Paperless URL and token.
// The returned context carries the telemetry.
func openSession(ctx context.Context, remote bool) (*session, context.Context, error) {
	settings, err := config.LoadSettings(config.LoadOptions{
		File:     configPath,
		Required: configPath != "",
	})
	if err != nil {
		return nil, ctx, err
	}
	applyFlags(settings)

	validate := settings.Validate
	if remote {
		validate = settings.ValidateRemote
	}
	if err := validate(); err != nil {
		return nil, ctx, err
	}

	tel, err := telemetry.NewTelemetry(settings.TelemetryConfig(buildVersion))
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, ctx, fmt.Errorf("failed to start metrics server: %w", err)
	}

	return &session{settings: settings, tel: tel}, tel.WithContext(ctx), nil
}

// applyFlags overrides settings with explicitly passed global flags.
func applyFlags(s *config.Settings) {
	if countryFlag != "" {
		s.Country = countryFlag
	}
	if domainFlag != "" {
		s.Domain = domainFlag
	}
	if definitionsFlag != "" {
		s.Definitions = definitionsFlag
	}
	if verbose {
		s.Log.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

// selectDefinition reloads the catalog and picks the configured scope.
func (s *session) selectDefinition() (*config.LoadedDefinition, error) {
	catalog, err := config.LoadCatalog(s.settings.Definitions)
	if err != nil {
		return nil, err
	}
	return catalog.Select(s.settings.Country, s.settings.Domain)
}

func (s *session) gateway() (*paperless.Gateway, error) {
	p := s.settings.Paperless
	return paperless.New(paperless.Options{
		BaseURL:           p.URL,
		Token:             p.Token,
		Timeout:           p.Timeout,
		PageSize:          p.PageSize,
		RequestsPerSecond: p.RequestsPerSecond,
		MaxRetries:        p.MaxRetries,
	})
}

// policyEngine returns nil when policies are disabled.
func (s *session) policyEngine(ctx context.Context) (*policy.Engine, error) {
	if s.settings.DisablePolicies {
		return nil, nil
	}

	pe, err := policy.NewEngine(log.Logger.With().Str("component", "policy").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if s.settings.PoliciesDir != "" {
		if err := pe.LoadPolicies(ctx, []string{s.settings.PoliciesDir}); err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", s.settings.PoliciesDir, err)
		}
	}
	for _, name := range s.settings.DisabledPolicies {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("disabled_policies: %w", err)
		}
	}
	return pe, nil
}

// history returns nil when run history is disabled.
func (s *session) history(ctx context.Context) (*stores.SQLiteStore, error) {
	if s.settings.HistoryDB == "" {
		return nil, nil
	}
	store, err := stores.Open(ctx, s.settings.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history %s: %w", s.settings.HistoryDB, err)
	}
	return store, nil
}

// newRunner wires the gateway, policy engine and history store of the
// session. The returned close function releases the store.
func (s *session) newRunner(ctx context.Context) (*runner, func(), error) {
	gw, err := s.gateway()
	if err != nil {
		return nil, nil, err
	}
	pe, err := s.policyEngine(ctx)
	if err != nil {
		return nil, nil, err
	}
	store, err := s.history(ctx)
	if err != nil {
		return nil, nil, err
	}

	r := &runner{gateway: gw}
	if pe != nil {
		r.policy = pe
	}
	closeFn := func() {}
	if store != nil {
		r.store = store
		closeFn = func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close run history")
			}
		}
	}
	return r, closeFn, nil
}
