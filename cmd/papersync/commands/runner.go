package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/papersync/papersync/pkg/config"
	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/stores"
	"github.com/papersync/papersync/pkg/taxonomy"
	"github.com/papersync/papersync/pkg/telemetry"
)

const (
	operationInstall = "install"
	operationUpdate  = "update"
)

// runner applies definitions through an orchestrator and records every run
// in the history store. Runs through one runner never overlap.
type runner struct {
	gateway engine.Gateway
	policy  engine.DiffPolicy
	store   stores.Store
	out     io.Writer

	mu sync.Mutex
}

func (r *runner) writer() io.Writer {
	if r.out == nil {
		return os.Stdout
	}
	return r.out
}

// run executes one install or update of loaded. The result is nil only when
// the run could not be recorded before it started.
func (r *runner) run(ctx context.Context, operation string, loaded *config.LoadedDefinition, opts engine.UpdateOptions) (*taxonomy.UpdateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def := loaded.Definition
	runID := uuid.NewString()
	logger := telemetry.FromContext(ctx).NewComponentLogger("cli").
		WithRunID(runID).
		WithScope(def.Country(), def.Domain())

	if r.store != nil {
		r.checkVersion(ctx, def, logger)

		err := r.store.CreateRun(ctx, &stores.Run{
			ID:        runID,
			Operation: operation,
			Country:   def.Country(),
			Domain:    def.Domain(),
			Version:   def.Version().String(),
			Source:    loaded.Source,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
		defer r.recordEvents(ctx, runID, logger)()
	}

	orchOpts := []engine.OrchestratorOption{
		engine.WithRunIDGenerator(func() string { return runID }),
	}
	if r.policy != nil {
		orchOpts = append(orchOpts, engine.WithPolicy(r.policy))
	}
	orch := engine.NewOrchestrator(r.gateway, orchOpts...)

	var (
		result *taxonomy.UpdateResult
		err    error
	)
	if operation == operationInstall {
		result, err = orch.Install(ctx, def)
	} else {
		result, err = orch.Update(ctx, def, opts)
	}

	if r.store != nil {
		status := engine.StatusOf(result.HasChanges, err)
		if cerr := r.store.CompleteRun(context.WithoutCancel(ctx), runID, status, result); cerr != nil {
			logger.WithError(cerr).Warn("failed to record run outcome")
		}
	}
	return result, err
}

// checkVersion warns when def is older than the last version applied
// successfully to the same scope.
func (r *runner) checkVersion(ctx context.Context, def *taxonomy.Definition, logger *telemetry.Logger) {
	last, err := r.store.LastSuccessfulRun(ctx, def.Country(), def.Domain())
	if errors.Is(err, stores.ErrNotFound) {
		return
	}
	if err != nil {
		logger.WithError(err).Warn("failed to read run history")
		return
	}

	previous, err := semver.NewVersion(last.Version)
	if err != nil {
		logger.WithField("version", last.Version).Debug("recorded version is not semver")
		return
	}
	if def.Version().LessThan(previous) {
		pterm.Warning.WithWriter(r.writer()).Printfln(
			"%s is older than version %s applied by run %s on %s",
			def, previous, last.ID, last.StartedAt.Local().Format("2006-01-02 15:04"))
	}
}

// recordEvents appends the events of runID to the history store until the
// returned function is called.
func (r *runner) recordEvents(ctx context.Context, runID string, logger *telemetry.Logger) (stop func()) {
	events := telemetry.EventsFromContext(ctx)
	storeCtx := context.WithoutCancel(ctx)

	return events.Subscribe(func(ev telemetry.Event) {
		details := "{}"
		if len(ev.Data) > 0 {
			if b, err := json.Marshal(ev.Data); err == nil {
				details = string(b)
			}
		}
		err := r.store.AppendEvent(storeCtx, &stores.Event{
			RunID:      ev.RunID,
			Type:       ev.Type,
			Level:      ev.Level,
			Kind:       ev.Kind,
			NaturalKey: ev.NaturalKey,
			Message:    ev.Message,
			Details:    details,
			Timestamp:  ev.Timestamp,
		})
		if err != nil {
			logger.WithError(err).WithField("event", ev.Type).Debug("failed to record event")
		}
	}, telemetry.FilterByRunID(runID))
}
