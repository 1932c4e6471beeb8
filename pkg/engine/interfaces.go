package engine

import (
	"context"
	"fmt"

	"github.com/papersync/papersync/pkg/taxonomy"
)

// ResourceCollection is the remote list/create/delete surface for one
// resource kind.
type ResourceCollection interface {
	// List returns the complete remote inventory of the collection. Any
	// pagination is handled by the implementation.
	List(ctx context.Context) ([]taxonomy.RemoteResource, error)

	// Create creates res remotely and returns it with its remote-assigned ID.
	Create(ctx context.Context, res taxonomy.DesiredResource) (taxonomy.RemoteResource, error)

	// Delete removes the resource with the given remote ID. It is only
	// called during rollback.
	Delete(ctx context.Context, id int64) error
}

// Gateway is the capability interface over the remote document-management
// service. The engine never talks to the service any other way.
type Gateway interface {
	Tags() ResourceCollection
	DocumentTypes() ResourceCollection
	StoragePaths() ResourceCollection
	CustomFields() ResourceCollection
}

// CollectionFor returns the collection of gw serving kind.
func CollectionFor(gw Gateway, kind taxonomy.Kind) (ResourceCollection, error) {
	switch kind {
	case taxonomy.KindTag:
		return gw.Tags(), nil
	case taxonomy.KindDocumentType:
		return gw.DocumentTypes(), nil
	case taxonomy.KindStoragePath:
		return gw.StoragePaths(), nil
	case taxonomy.KindCustomField:
		return gw.CustomFields(), nil
	default:
		return nil, NewPermanentError(fmt.Sprintf("no collection for kind %q", kind), nil).
			WithCode(ErrCodeValidation)
	}
}

// DiffPolicy decides whether a computed diff may be applied.
type DiffPolicy interface {
	// EvaluateDiff inspects diff, computed for def, before any write.
	EvaluateDiff(ctx context.Context, def *taxonomy.Definition, diff *taxonomy.Diff) (*PolicyDecision, error)
}

// PolicyDecision is the outcome of a DiffPolicy evaluation.
type PolicyDecision struct {
	// Denials abort the run before any write.
	Denials []PolicyFinding `json:"denials,omitempty"`

	// Warnings are reported but do not block.
	Warnings []PolicyFinding `json:"warnings,omitempty"`
}

// Allowed reports whether no policy denied the diff.
func (d *PolicyDecision) Allowed() bool {
	return d == nil || len(d.Denials) == 0
}

// Reasons returns the denial messages.
func (d *PolicyDecision) Reasons() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.Denials))
	for _, f := range d.Denials {
		out = append(out, f.String())
	}
	return out
}

// PolicyFinding is one deny or warn result.
type PolicyFinding struct {
	// Policy names the rule or module that produced the finding.
	Policy string `json:"policy"`

	// Message is the human-readable explanation.
	Message string `json:"message"`
}

func (f PolicyFinding) String() string {
	if f.Policy == "" {
		return f.Message
	}
	return f.Policy + ": " + f.Message
}
