package taxonomy

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Definition is an immutable, versioned snapshot of the desired taxonomy for
// one country/jurisdiction and domain.
type Definition struct {
	country   string
	domain    string
	version   *semver.Version
	resources []DesiredResource
}

// NewDefinition validates and builds a definition. Resources keep their
// declaration order. Two resources of the same kind with matching natural
// keys are rejected.
func NewDefinition(country, domain, version string, resources ...DesiredResource) (*Definition, error) {
	country = strings.ToLower(strings.TrimSpace(country))
	domain = strings.ToLower(strings.TrimSpace(domain))
	if country == "" {
		return nil, fmt.Errorf("definition country is required")
	}
	if domain == "" {
		return nil, fmt.Errorf("definition domain is required")
	}

	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return nil, fmt.Errorf("definition %s/%s: invalid version %q: %w", country, domain, version, err)
	}

	seen := make(map[Kind]map[string]struct{}, len(applyOrder))
	for i, res := range resources {
		if res.IsZero() {
			return nil, fmt.Errorf("definition %s/%s: resource %d was not constructed", country, domain, i)
		}
		keys, ok := seen[res.Kind()]
		if !ok {
			keys = make(map[string]struct{})
			seen[res.Kind()] = keys
		}
		if _, dup := keys[res.MatchKey()]; dup {
			return nil, fmt.Errorf("definition %s/%s: duplicate %s", country, domain, res)
		}
		keys[res.MatchKey()] = struct{}{}
	}

	return &Definition{
		country:   country,
		domain:    domain,
		version:   v,
		resources: append([]DesiredResource(nil), resources...),
	}, nil
}

// Country returns the lower-cased country/jurisdiction code.
func (d *Definition) Country() string { return d.country }

// Domain returns the lower-cased domain (e.g. "private", "business").
func (d *Definition) Domain() string { return d.domain }

// Version returns the semantic version of the definition.
func (d *Definition) Version() *semver.Version { return d.version }

// Len returns the number of desired resources.
func (d *Definition) Len() int { return len(d.resources) }

// Resources returns a copy of all desired resources in declaration order.
func (d *Definition) Resources() []DesiredResource {
	return append([]DesiredResource(nil), d.resources...)
}

// OfKind returns the desired resources of one kind in declaration order.
func (d *Definition) OfKind(kind Kind) []DesiredResource {
	var out []DesiredResource
	for _, res := range d.resources {
		if res.Kind() == kind {
			out = append(out, res)
		}
	}
	return out
}

// Extend returns a new definition with base's resources declared first and
// d's resources after them. Resources of d whose natural key is already
// declared by base are dropped. Country, domain and version come from d.
func (d *Definition) Extend(base *Definition) *Definition {
	if base == nil {
		return d
	}

	declared := make(map[Kind]map[string]struct{}, len(applyOrder))
	merged := make([]DesiredResource, 0, len(base.resources)+len(d.resources))
	for _, res := range base.resources {
		if declared[res.Kind()] == nil {
			declared[res.Kind()] = make(map[string]struct{})
		}
		declared[res.Kind()][res.MatchKey()] = struct{}{}
		merged = append(merged, res)
	}
	for _, res := range d.resources {
		if _, dup := declared[res.Kind()][res.MatchKey()]; dup {
			continue
		}
		merged = append(merged, res)
	}

	return &Definition{
		country:   d.country,
		domain:    d.domain,
		version:   d.version,
		resources: merged,
	}
}

// String returns "country/domain@version".
func (d *Definition) String() string {
	return fmt.Sprintf("%s/%s@%s", d.country, d.domain, d.version)
}
