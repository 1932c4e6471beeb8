package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/papersync/papersync/pkg/taxonomy"
)

// DefinitionFile is the on-disk shape of a taxonomy definition. The same
// struct is decoded from YAML and from CUE.
type DefinitionFile struct {
	// Country is the country or jurisdiction code (e.g. "de").
	Country string `json:"country" yaml:"country" validate:"required"`

	// Domain is the life domain the taxonomy covers (e.g. "household").
	Domain string `json:"domain" yaml:"domain" validate:"required"`

	// Version is the semantic version of the definition.
	Version string `json:"version" yaml:"version" validate:"required"`

	// Description is free text shown by the CLI.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Tags          []TagSpec          `json:"tags,omitempty" yaml:"tags,omitempty" validate:"dive"`
	DocumentTypes []DocumentTypeSpec `json:"document_types,omitempty" yaml:"document_types,omitempty" validate:"dive"`
	StoragePaths  []StoragePathSpec  `json:"storage_paths,omitempty" yaml:"storage_paths,omitempty" validate:"dive"`
	CustomFields  []CustomFieldSpec  `json:"custom_fields,omitempty" yaml:"custom_fields,omitempty" validate:"dive"`
}

// TagSpec declares a tag.
type TagSpec struct {
	Name  string `json:"name" yaml:"name" validate:"required"`
	Color string `json:"color,omitempty" yaml:"color,omitempty"`
}

// DocumentTypeSpec declares a document type.
type DocumentTypeSpec struct {
	Name string `json:"name" yaml:"name" validate:"required"`
}

// StoragePathSpec declares a storage path.
type StoragePathSpec struct {
	// Path is the relative storage path; it is the natural key.
	Path string `json:"path" yaml:"path" validate:"required"`

	// Name defaults to the last path segment.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Parent optionally names the path this one is nested under.
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`
}

// CustomFieldSpec declares a custom field.
type CustomFieldSpec struct {
	Name     string   `json:"name" yaml:"name" validate:"required"`
	DataType string   `json:"data_type" yaml:"data_type" validate:"required"`
	Options  []string `json:"options,omitempty" yaml:"options,omitempty"`
}

// ToDefinition builds the immutable taxonomy definition. Resources are
// declared kind by kind in apply order, each kind keeping file order.
func (f *DefinitionFile) ToDefinition() (*taxonomy.Definition, error) {
	resources := make([]taxonomy.DesiredResource, 0,
		len(f.Tags)+len(f.DocumentTypes)+len(f.StoragePaths)+len(f.CustomFields))

	for i, spec := range f.Tags {
		res, err := taxonomy.NewTag(spec.Name, spec.Color)
		if err != nil {
			return nil, fmt.Errorf("tags[%d]: %w", i, err)
		}
		resources = append(resources, res)
	}
	for i, spec := range f.DocumentTypes {
		res, err := taxonomy.NewDocumentType(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("document_types[%d]: %w", i, err)
		}
		resources = append(resources, res)
	}
	for i, spec := range f.StoragePaths {
		res, err := taxonomy.NewStoragePath(spec.Path, spec.Name, spec.Parent)
		if err != nil {
			return nil, fmt.Errorf("storage_paths[%d]: %w", i, err)
		}
		resources = append(resources, res)
	}
	for i, spec := range f.CustomFields {
		res, err := taxonomy.NewCustomField(spec.Name, taxonomy.FieldDataType(spec.DataType), spec.Options...)
		if err != nil {
			return nil, fmt.Errorf("custom_fields[%d]: %w", i, err)
		}
		resources = append(resources, res)
	}

	return taxonomy.NewDefinition(f.Country, f.Domain, f.Version, resources...)
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g. "tags[2].name").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError collects every problem found while loading one or more
// definition files.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "definition load failed"
	case 1:
		return e.Errors[0].String()
	}
	lines := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		lines = append(lines, "  "+ve.String())
	}
	return fmt.Sprintf("%d definition errors:\n%s", len(e.Errors), strings.Join(lines, "\n"))
}

// LoadedDefinition is a definition together with where it came from.
type LoadedDefinition struct {
	Definition  *taxonomy.Definition
	Description string
	Source      string
	Format      string
	ParsedAt    time.Time
}
