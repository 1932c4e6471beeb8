package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/papersync/papersync/pkg/taxonomy"
	"github.com/papersync/papersync/pkg/telemetry"
)

// UpdateOptions tunes an Update call.
type UpdateOptions struct {
	// AutoApprove approves changes to resources that already exist remotely.
	// Only missing resources are diffed today and additive creation never
	// needs approval, so the flag does not change behavior yet.
	AutoApprove bool
}

// Orchestrator runs the install and update entry points over a Planner and
// an Installer. It is Idle until an apply starts and returns to Idle when
// the apply, including any rollback, has finished.
type Orchestrator struct {
	planner   *Planner
	installer *Installer
	policy    DiffPolicy
	newRunID  func() string

	mu    sync.Mutex
	state State
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithPolicy evaluates every non-empty diff against p before applying it.
func WithPolicy(p DiffPolicy) OrchestratorOption {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithRunIDGenerator replaces the UUID run ID generator.
func WithRunIDGenerator(fn func() string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.newRunID = fn
	}
}

// NewOrchestrator creates an orchestrator reading and writing through gw.
func NewOrchestrator(gw Gateway, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		planner:   NewPlanner(gw),
		installer: NewInstaller(gw),
		newRunID:  func() string { return uuid.New().String() },
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// DetectChanges computes the diff of def against the remote taxonomy
// without writing anything.
func (o *Orchestrator) DetectChanges(ctx context.Context, def *taxonomy.Definition) (*taxonomy.Diff, error) {
	return o.planner.DetectChanges(ctx, def)
}

// Install populates the remote taxonomy with everything def declares that
// is missing. It is intended for a first-time install and applies the diff
// unconditionally.
func (o *Orchestrator) Install(ctx context.Context, def *taxonomy.Definition) (*taxonomy.UpdateResult, error) {
	return o.run(ctx, "install", def, UpdateOptions{AutoApprove: true})
}

// Update applies whatever def declares that is missing remotely. When
// nothing is missing it returns a zero-count success without a single
// gateway write.
func (o *Orchestrator) Update(ctx context.Context, def *taxonomy.Definition, opts UpdateOptions) (*taxonomy.UpdateResult, error) {
	return o.run(ctx, "update", def, opts)
}

// run always returns a non-nil result, also alongside an error.
func (o *Orchestrator) run(ctx context.Context, operation string, def *taxonomy.Definition, opts UpdateOptions) (result *taxonomy.UpdateResult, err error) {
	runID := o.newRunID()
	scope := "<none>"
	if def != nil {
		scope = def.String()
	}

	ctx = telemetry.WithRunContext(ctx, runID, operation, scope)
	logger := telemetry.FromContext(ctx).NewComponentLogger("orchestrator")
	if def != nil {
		logger = logger.WithScope(def.Country(), def.Domain())
	}

	defer func() {
		if result == nil {
			result = &taxonomy.UpdateResult{}
		}
		result.RunID = runID
		if err != nil {
			result.Success = false
			if result.Error == "" {
				result.Error = err.Error()
			}
		}
		status := StatusOf(result.HasChanges, err)
		telemetry.EndRunContext(ctx, string(status), result.Applied.Total(), err)

		entry := logger.WithField("status", status).WithField("applied", result.Applied.String())
		if err != nil {
			entry.WithError(err).Error(operation + " failed")
			return
		}
		entry.Info(operation + " finished")
	}()

	diff, err := o.planner.DetectChanges(ctx, def)
	if err != nil {
		return nil, err
	}
	_ = telemetry.EventsFromContext(ctx).PublishDiffComputed(runID, pendingByKind(diff))

	if !diff.HasChanges && operation == "update" {
		logger.Info("remote taxonomy already up to date")
		return taxonomy.NoChanges(), nil
	}

	if diff.HasChanges {
		if err := o.checkPolicy(ctx, runID, def, diff); err != nil {
			return &taxonomy.UpdateResult{HasChanges: true}, err
		}
	}

	logger.WithField("auto_approve", opts.AutoApprove).
		Infof("applying %d missing resource(s)", diff.Len())
	return o.apply(ctx, diff)
}

func (o *Orchestrator) apply(ctx context.Context, diff *taxonomy.Diff) (*taxonomy.UpdateResult, error) {
	o.mu.Lock()
	if o.state == StateApplying {
		o.mu.Unlock()
		return &taxonomy.UpdateResult{HasChanges: diff.HasChanges}, ErrApplyInProgress
	}
	o.state = StateApplying
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
	}()

	return o.installer.Apply(ctx, diff)
}

func (o *Orchestrator) checkPolicy(ctx context.Context, runID string, def *taxonomy.Definition, diff *taxonomy.Diff) error {
	if o.policy == nil {
		return nil
	}

	logger := telemetry.FromContext(ctx).NewComponentLogger("policy")
	events := telemetry.EventsFromContext(ctx)

	decision, err := o.policy.EvaluateDiff(ctx, def, diff)
	if err != nil {
		return NewPermanentError("policy evaluation failed", fmt.Errorf("evaluate diff: %w", err)).
			WithCode(ErrCodeInternal)
	}
	if decision == nil {
		return nil
	}

	for _, w := range decision.Warnings {
		logger.WithField("policy", w.Policy).Warn(w.Message)
		_ = events.PublishPolicyResult(runID, w.Policy, w.Message, false)
	}
	for _, d := range decision.Denials {
		logger.WithField("policy", d.Policy).Error(d.Message)
		_ = events.PublishPolicyResult(runID, d.Policy, d.Message, true)
	}

	if !decision.Allowed() {
		return NewPolicyViolationError(decision.Reasons())
	}
	return nil
}

func pendingByKind(diff *taxonomy.Diff) map[string]int {
	out := make(map[string]int, 4)
	for _, kind := range taxonomy.Kinds() {
		out[string(kind)] = len(diff.ForKind(kind))
	}
	return out
}
