package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/taxonomy"
)

// Engine evaluates Rego policies against computed diffs. It implements
// engine.DiffPolicy.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	builtinPolicies []Policy
	disabled        map[string]bool
}

var _ engine.DiffPolicy = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           inmem.New(),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
		disabled:        make(map[string]bool),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateDiff evaluates every enabled policy against diff, computed for def.
// An evaluation error aborts the whole decision.
func (e *Engine) EvaluateDiff(ctx context.Context, def *taxonomy.Definition, diff *taxonomy.Diff) (*engine.PolicyDecision, error) {
	return e.Evaluate(ctx, NewInput(def, diff))
}

// Evaluate runs every enabled policy against an arbitrary input document.
func (e *Engine) Evaluate(ctx context.Context, input any) (*engine.PolicyDecision, error) {
	doc, err := toDocument(input)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &engine.PolicyDecision{}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		denies, warns, err := e.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		if cp.policy.Severity.Blocking() {
			decision.Denials = append(decision.Denials, denies...)
		} else {
			decision.Warnings = append(decision.Warnings, denies...)
		}
		decision.Warnings = append(decision.Warnings, warns...)
	}

	e.logger.Debug().
		Int("denials", len(decision.Denials)).
		Int("warnings", len(decision.Warnings)).
		Msg("Policies evaluated")

	return decision, nil
}

// toDocument converts input to the plain JSON shape Rego evaluates against.
func toDocument(input any) (any, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

// LoadPolicies loads policy files and compiles them. Nothing is replaced
// unless every policy compiles.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles policies and adds them to the engine, replacing user
// policies of the same name. Built-in policies cannot be replaced.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileUserPolicies(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.install(compiled)

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// evaluatePolicy evaluates a single compiled policy and returns its deny and
// warn findings.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, doc any) (denies, warns []engine.PolicyFinding, err error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		pkg, ok := result.Expressions[0].Value.(map[string]interface{})
		if !ok {
			continue
		}
		denies = append(denies, findings(cp.policy, pkg["deny"])...)
		warns = append(warns, findings(cp.policy, pkg["warn"])...)
	}

	return denies, warns, nil
}

// findings converts a deny or warn set into findings. Entries are either
// strings or objects with a message field.
func findings(policy *Policy, set interface{}) []engine.PolicyFinding {
	items, ok := set.([]interface{})
	if !ok {
		return nil
	}

	out := make([]engine.PolicyFinding, 0, len(items))
	for _, item := range items {
		out = append(out, engine.PolicyFinding{
			Policy:  policy.Name,
			Message: findingMessage(item),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Message < out[j].Message })
	return out
}

func findingMessage(result interface{}) string {
	switch v := result.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			if res, ok := v["resource"].(string); ok && res != "" {
				return fmt.Sprintf("%s (resource %s)", msg, res)
			}
			return msg
		}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(raw)
}

// compile parses a policy and prepares a query for its package document.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy has no name")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies. Only NewEngine calls it.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		p := e.builtinPolicies[i]
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}

	e.logger.Debug().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReplaceUserPolicies swaps every non-built-in policy for policies. It is
// the reload function handed to Loader.Watch.
func (e *Engine) ReplaceUserPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileUserPolicies(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	e.install(compiled)
	return nil
}

// compileUserPolicies compiles user supplied policies. Names must be unique
// and must not shadow a built-in policy.
func (e *Engine) compileUserPolicies(ctx context.Context, policies []Policy) ([]*compiledPolicy, error) {
	builtin := make(map[string]bool, len(e.builtinPolicies))
	for _, p := range e.builtinPolicies {
		builtin[p.Name] = true
	}

	seen := make(map[string]bool, len(policies))
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		p := policies[i]
		if builtin[p.Name] {
			return nil, fmt.Errorf("policy %s: name is reserved by a built-in policy", p.Name)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("policy %s: defined more than once", p.Name)
		}
		seen[p.Name] = true
		p.Builtin = false

		cp, err := e.compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}
	return compiled, nil
}

// install adds compiled policies, keeping names disabled through
// DisablePolicy switched off. Callers hold e.mu.
func (e *Engine) install(compiled []*compiledPolicy) {
	for _, cp := range compiled {
		if e.disabled[cp.policy.Name] {
			cp.policy.Enabled = false
		}
		e.policies[cp.policy.Name] = cp
	}
}

// DisablePolicy switches a loaded policy off. The policy stays off when
// user policies are reloaded.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = false
	e.disabled[name] = true
	e.logger.Info().Str("policy", name).Msg("Policy disabled")

	return nil
}
