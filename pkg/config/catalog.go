package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Supported definition formats.
const (
	FormatCUE  = "cue"
	FormatYAML = "yaml"
)

// CommonDomain is merged into every other domain of the same country.
const CommonDomain = "common"

func formatOf(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, true
	case ".yaml", ".yml", ".json":
		return FormatYAML, true
	default:
		return "", false
	}
}

// IsDefinitionFile reports whether path has a supported extension.
func IsDefinitionFile(path string) bool {
	_, ok := formatOf(path)
	return ok
}

// LoadDefinition loads and validates a single definition file.
func LoadDefinition(path string) (*LoadedDefinition, error) {
	return loadDefinition(NewDefinitionParser(), path)
}

func loadDefinition(parser *DefinitionParser, path string) (*LoadedDefinition, error) {
	file, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	def, err := file.ToDefinition()
	if err != nil {
		return nil, &LoadError{Errors: []ValidationError{{File: path, Message: err.Error(), Severity: "error"}}}
	}
	format, _ := formatOf(path)
	return &LoadedDefinition{
		Definition:  def,
		Description: file.Description,
		Source:      path,
		Format:      format,
		ParsedAt:    time.Now(),
	}, nil
}

// Catalog is the set of definitions found in a definitions directory.
type Catalog struct {
	entries []*LoadedDefinition
}

// LoadCatalog loads every definition file below dir. All files are read
// before an error is returned, so one run reports every broken file. Two
// files declaring the same country and domain are an error.
func LoadCatalog(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat definitions directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		def, err := LoadDefinition(dir)
		if err != nil {
			return nil, err
		}
		return NewCatalog(def)
	}

	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsDefinitionFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(paths)

	parser := NewDefinitionParser()
	var (
		loaded   []*LoadedDefinition
		problems []ValidationError
	)
	for _, path := range paths {
		def, err := loadDefinition(parser, path)
		if err != nil {
			var loadErr *LoadError
			if errors.As(err, &loadErr) {
				problems = append(problems, loadErr.Errors...)
				continue
			}
			return nil, err
		}
		loaded = append(loaded, def)
	}
	if len(problems) > 0 {
		return nil, &LoadError{Errors: problems}
	}

	return NewCatalog(loaded...)
}

// NewCatalog builds a catalog from already loaded definitions.
func NewCatalog(defs ...*LoadedDefinition) (*Catalog, error) {
	seen := make(map[string]string, len(defs))
	for _, def := range defs {
		key := scopeKey(def.Definition.Country(), def.Definition.Domain())
		if other, dup := seen[key]; dup {
			return nil, fmt.Errorf("%s and %s both define %s", other, def.Source, key)
		}
		seen[key] = def.Source
	}
	return &Catalog{entries: append([]*LoadedDefinition(nil), defs...)}, nil
}

// Entries returns every loaded definition in source order.
func (c *Catalog) Entries() []*LoadedDefinition {
	return append([]*LoadedDefinition(nil), c.entries...)
}

// Len returns the number of definitions.
func (c *Catalog) Len() int { return len(c.entries) }

// Scopes lists the available "country/domain" pairs, sorted.
func (c *Catalog) Scopes() []string {
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, scopeKey(e.Definition.Country(), e.Definition.Domain()))
	}
	sort.Strings(out)
	return out
}

// Select returns the definition for country and domain, with the country's
// common definition merged in first. Matching is case-insensitive. An empty
// country or domain matches when the catalog holds exactly one candidate.
func (c *Catalog) Select(country, domain string) (*LoadedDefinition, error) {
	country = strings.ToLower(strings.TrimSpace(country))
	domain = strings.ToLower(strings.TrimSpace(domain))

	var matches []*LoadedDefinition
	for _, e := range c.entries {
		if country != "" && e.Definition.Country() != country {
			continue
		}
		if domain != "" && e.Definition.Domain() != domain {
			continue
		}
		if domain == "" && e.Definition.Domain() == CommonDomain {
			continue
		}
		matches = append(matches, e)
	}

	want := scopeKey(orAny(country), orAny(domain))
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no definition for %s (available: %s)", want, strings.Join(c.Scopes(), ", "))
	case 1:
	default:
		found := make([]string, 0, len(matches))
		for _, m := range matches {
			found = append(found, scopeKey(m.Definition.Country(), m.Definition.Domain()))
		}
		return nil, fmt.Errorf("%s is ambiguous, matches %s", want, strings.Join(found, ", "))
	}

	selected := matches[0]
	if selected.Definition.Domain() == CommonDomain {
		return selected, nil
	}
	common := c.find(selected.Definition.Country(), CommonDomain)
	if common == nil {
		return selected, nil
	}

	merged := *selected
	merged.Definition = selected.Definition.Extend(common.Definition)
	merged.Source = common.Source + " + " + selected.Source
	return &merged, nil
}

func (c *Catalog) find(country, domain string) *LoadedDefinition {
	for _, e := range c.entries {
		if e.Definition.Country() == country && e.Definition.Domain() == domain {
			return e
		}
	}
	return nil
}

func scopeKey(country, domain string) string {
	return country + "/" + domain
}

func orAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}
