package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefinitionParser decodes definition files written in CUE or YAML. Both
// formats are checked against the built-in #Taxonomy schema before they are
// decoded into a DefinitionFile.
type DefinitionParser struct {
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate

	// cue.Context is not safe for concurrent use.
	mu sync.Mutex
}

// NewDefinitionParser creates a new parser.
func NewDefinitionParser() *DefinitionParser {
	return &DefinitionParser{
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
	}
}

// GetSchemaRegistry returns the schema registry.
func (dp *DefinitionParser) GetSchemaRegistry() *SchemaRegistry {
	return dp.schemaRegistry
}

// ParseCUE parses CUE content. filename is only used in error positions.
func (dp *DefinitionParser) ParseCUE(content []byte, filename string) (*DefinitionFile, error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	val := dp.schemaRegistry.Context().CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(filename, err)}
	}

	schema, ok := dp.schemaRegistry.GetSchema(SchemaTaxonomy)
	if !ok {
		return nil, fmt.Errorf("schema %s not registered", SchemaTaxonomy)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(filename, err)}
	}

	var file DefinitionFile
	if err := unified.Decode(&file); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(filename, err)}
	}
	return dp.check(&file, filename)
}

// ParseYAML parses YAML content. Unknown keys are rejected.
func (dp *DefinitionParser) ParseYAML(content []byte, filename string) (*DefinitionFile, error) {
	var file DefinitionFile
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &LoadError{Errors: []ValidationError{{File: filename, Message: "file is empty", Severity: "error"}}}
		}
		return nil, &LoadError{Errors: convertYAMLError(filename, err)}
	}

	dp.mu.Lock()
	_, err := dp.schemaRegistry.Unify(SchemaTaxonomy, &file)
	dp.mu.Unlock()
	if err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(filename, err)}
	}
	return dp.check(&file, filename)
}

// ParseInline parses inline CUE content.
func (dp *DefinitionParser) ParseInline(content string) (*DefinitionFile, error) {
	return dp.ParseCUE([]byte(content), "inline")
}

// ParseFile parses a definition file, picking the format from its extension.
func (dp *DefinitionParser) ParseFile(path string) (*DefinitionFile, error) {
	format, ok := formatOf(path)
	if !ok {
		return nil, fmt.Errorf("%s: unsupported definition format", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition %s: %w", path, err)
	}
	if format == FormatCUE {
		return dp.ParseCUE(content, path)
	}
	return dp.ParseYAML(content, path)
}

// check runs struct validation; the schema already covers most rules, this
// catches what a caller-built DefinitionFile could still get wrong.
func (dp *DefinitionParser) check(file *DefinitionFile, filename string) (*DefinitionFile, error) {
	if err := dp.validator.Struct(file); err != nil {
		return nil, &LoadError{Errors: convertValidatorErrors(filename, err)}
	}
	return file, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(filename string, err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:     filename,
			Path:     strings.Join(e.Path(), "."),
			Message:  strings.TrimSpace(cueerrors.Details(e, nil)),
			Severity: "error",
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			if f := pos[0].Filename(); f != "" && f != SchemaTaxonomy+".cue" {
				ve.File = f
				ve.Line = pos[0].Line()
				ve.Column = pos[0].Column()
			}
		}
		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{
			File:     filename,
			Message:  err.Error(),
			Severity: "error",
		})
	}
	return validationErrors
}

func convertYAMLError(filename string, err error) []ValidationError {
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		out := make([]ValidationError, 0, len(typeErr.Errors))
		for _, msg := range typeErr.Errors {
			out = append(out, ValidationError{File: filename, Message: msg, Severity: "error"})
		}
		return out
	}
	return []ValidationError{{File: filename, Message: err.Error(), Severity: "error"}}
}

func convertValidatorErrors(filename string, err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{File: filename, Message: err.Error(), Severity: "error"}}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			File:     filename,
			Path:     fe.Namespace(),
			Message:  fmt.Sprintf("failed on the %q rule", fe.Tag()),
			Severity: "error",
		})
	}
	return out
}
