package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papersync/papersync/pkg/taxonomy"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func catalogDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "de/common.yaml", `
country: de
domain: common
version: 1.0.0
tags:
  - name: Financial
  - name: Important
`)
	writeFile(t, dir, "de/household.cue", `
country: "de"
domain:  "household"
version: "2.1.0"
tags: [{name: "financial"}, {name: "Insurance"}]
document_types: [{name: "Invoice"}]
`)
	writeFile(t, dir, "de/business.yaml", `
country: de
domain: business
version: 0.3.0
document_types:
  - name: Payslip
`)
	writeFile(t, dir, "at/household.yaml", `
country: at
domain: household
version: 1.0.0
tags:
  - name: Haushalt
`)
	writeFile(t, dir, "README.md", "not a definition")
	writeFile(t, dir, ".git/config.yaml", "ignored: true")
	return dir
}

func TestLoadCatalog(t *testing.T) {
	catalog, err := LoadCatalog(catalogDir(t))
	require.NoError(t, err)

	assert.Equal(t, 4, catalog.Len())
	assert.Equal(t, []string{"at/household", "de/business", "de/common", "de/household"}, catalog.Scopes())
}

func TestCatalogSelect_MergesCommon(t *testing.T) {
	catalog, err := LoadCatalog(catalogDir(t))
	require.NoError(t, err)

	selected, err := catalog.Select("DE", "Household")
	require.NoError(t, err)

	def := selected.Definition
	assert.Equal(t, "de", def.Country())
	assert.Equal(t, "household", def.Domain())
	assert.Equal(t, "2.1.0", def.Version().String(), "version comes from the specific domain")
	assert.Contains(t, selected.Source, "common.yaml")
	assert.Contains(t, selected.Source, "household.cue")

	var tags []string
	for _, res := range def.OfKind(taxonomy.KindTag) {
		tags = append(tags, res.NaturalKey())
	}
	assert.Equal(t, []string{"Financial", "Important", "Insurance"}, tags,
		"common tags come first and the case-insensitive duplicate is dropped")
	assert.Len(t, def.OfKind(taxonomy.KindDocumentType), 1)
}

func TestCatalogSelect_WithoutCommon(t *testing.T) {
	catalog, err := LoadCatalog(catalogDir(t))
	require.NoError(t, err)

	selected, err := catalog.Select("at", "household")
	require.NoError(t, err)
	assert.Equal(t, 1, selected.Definition.Len())
}

func TestCatalogSelect_Errors(t *testing.T) {
	catalog, err := LoadCatalog(catalogDir(t))
	require.NoError(t, err)

	_, err = catalog.Select("fr", "household")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no definition for fr/household")
	assert.Contains(t, err.Error(), "de/household")

	_, err = catalog.Select("de", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = catalog.Select("", "household")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestCatalogSelect_SingleCandidate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "only.yaml", "country: ch\ndomain: household\nversion: 1.0.0\ntags:\n  - name: Steuern\n")

	catalog, err := LoadCatalog(dir)
	require.NoError(t, err)

	selected, err := catalog.Select("", "")
	require.NoError(t, err)
	assert.Equal(t, "ch", selected.Definition.Country())
}

func TestLoadCatalog_ReportsEveryBrokenFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "country: de\ndomain: a\n")
	writeFile(t, dir, "b.cue", `country: "de", domain: "b", version: "1.0.0", tags: [{name: ""}]`)
	writeFile(t, dir, "c.yaml", "country: de\ndomain: c\nversion: 1.0.0\n")

	_, err := LoadCatalog(dir)
	require.Error(t, err)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)

	files := map[string]bool{}
	for _, ve := range loadErr.Errors {
		files[filepath.Base(ve.File)] = true
	}
	assert.True(t, files["a.yaml"])
	assert.True(t, files["b.cue"])
	assert.False(t, files["c.yaml"])
}

func TestLoadCatalog_DuplicateScope(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.yaml", "country: de\ndomain: household\nversion: 1.0.0\n")
	writeFile(t, dir, "two.yaml", "country: DE\ndomain: household\nversion: 1.1.0\n")

	_, err := LoadCatalog(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both define de/household")
}

func TestLoadCatalog_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "household.yaml", householdYAML)

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Equal(t, 1, catalog.Len())
	assert.Equal(t, FormatYAML, catalog.Entries()[0].Format)
}

func TestLoadDefinition_InvalidSemantics(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", `
country: de
domain: household
version: 1.0.0
custom_fields:
  - name: Amount
    data_type: monetary
    options: [a]
`)
	_, err := LoadDefinition(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only valid for select fields")
}
