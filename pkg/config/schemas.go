package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaTaxonomy is the name of the built-in definition file schema.
const SchemaTaxonomy = "taxonomy"

// SchemaRegistry manages CUE schemas for validation. Every value it hands
// out belongs to the registry's CUE context, so parsers that unify against
// its schemas must compile their input with Context().
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaTaxonomy, builtinTaxonomySchema); err != nil {
		panic(err)
	}
	return sr
}

// Context returns the CUE context the schemas were compiled in.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles schema and registers it under name. When the
// schema declares #Root, data is validated against that definition.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves the root definition of a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	if !ok {
		return cue.Value{}, false
	}
	if root := val.LookupPath(cue.ParsePath("#Root")); root.Exists() {
		return root, true
	}
	return val, true
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	_, err := sr.Unify(schemaName, data)
	return err
}

// Unify encodes data, unifies it with the named schema and checks that the
// result is concrete.
func (sr *SchemaRegistry) Unify(schemaName string, data interface{}) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinTaxonomySchema mirrors DefinitionFile. Definitions are closed, so
// misspelled keys are reported instead of silently ignored.
const builtinTaxonomySchema = `
#Identifier: =~"^[A-Za-z][A-Za-z0-9_-]*$"

#Root: #Taxonomy

#Taxonomy: {
	// country or jurisdiction code
	country: #Identifier

	// life domain, e.g. "household" or "business"; "common" is merged into
	// every other domain of the same country
	domain: #Identifier

	// semantic version of the definition
	version: =~"^v?[0-9]+\\.[0-9]+\\.[0-9]+([-+].*)?$"

	description?: string

	tags?: [...#Tag]
	document_types?: [...#DocumentType]
	storage_paths?: [...#StoragePath]
	custom_fields?: [...#CustomField]
}

#Name: string & =~"\\S"

#Tag: {
	name:   #Name
	color?: =~"^#[0-9a-fA-F]{6}$"
}

#DocumentType: {
	name: #Name
}

#StoragePath: {
	path:    string & =~"^[^/\\\\]" & !~"(^|/)\\.\\.(/|$)"
	name?:   string
	parent?: string
}

#DataType: "string" | "longtext" | "url" | "date" | "boolean" | "integer" |
	"float" | "monetary" | "documentlink" | "select"

#CustomField: {
	name:      #Name
	data_type: #DataType
	options?: [...#Name]
	if data_type == "select" {
		options: [_, ...]
	}
}
`
