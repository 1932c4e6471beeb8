package policy

import (
	"time"

	"github.com/papersync/papersync/pkg/taxonomy"
)

// Severity represents the severity level of a policy.
type Severity string

const (
	// SeverityInfo findings are informational only.
	SeverityInfo Severity = "info"

	// SeverityWarning findings are reported but never block a run.
	SeverityWarning Severity = "warning"

	// SeverityError findings block the run.
	SeverityError Severity = "error"

	// SeverityCritical findings block the run.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether deny results of a policy with this severity
// abort the run. Anything below error is downgraded to a warning.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a Rego policy module.
type Policy struct {
	// Name is the unique identifier for the policy.
	Name string `json:"name"`

	// Description explains what the policy checks.
	Description string `json:"description"`

	// Rego is the policy source. Its package must define deny and/or warn
	// as sets of strings or {"message": ...} objects.
	Rego string `json:"rego"`

	// Severity decides whether deny results block the run.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with papersync.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy information.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document every policy sees as `input`.
type Input struct {
	Definition DefinitionInput   `json:"definition"`
	Diff       *taxonomy.Diff    `json:"diff"`
	Counts     taxonomy.Counts   `json:"counts"`
	Total      int               `json:"total"`
	Context    EvaluationContext `json:"context"`
}

// DefinitionInput is the policy view of a taxonomy.Definition.
type DefinitionInput struct {
	Country   string                     `json:"country"`
	Domain    string                     `json:"domain"`
	Version   string                     `json:"version"`
	Resources []taxonomy.DesiredResource `json:"resources"`
}

// EvaluationContext carries facts about the evaluation itself.
type EvaluationContext struct {
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds the policy input for diff computed against def.
func NewInput(def *taxonomy.Definition, diff *taxonomy.Diff) *Input {
	in := &Input{
		Diff:    diff,
		Context: EvaluationContext{Timestamp: time.Now().UTC()},
	}
	if def != nil {
		in.Definition = DefinitionInput{
			Country:   def.Country(),
			Domain:    def.Domain(),
			Resources: def.Resources(),
		}
		if v := def.Version(); v != nil {
			in.Definition.Version = v.String()
		}
	}
	if diff != nil {
		in.Counts = diff.Counts()
		in.Total = diff.Len()
	}
	return in
}
