package engine_test

import (
	"testing"

	"github.com/papersync/papersync/pkg/taxonomy"
)

func must(t *testing.T) func(taxonomy.DesiredResource, error) taxonomy.DesiredResource {
	t.Helper()
	return func(res taxonomy.DesiredResource, err error) taxonomy.DesiredResource {
		t.Helper()
		if err != nil {
			t.Fatalf("building resource: %v", err)
		}
		return res
	}
}

// householdDefinition declares 5 tags, 3 document types, 2 storage paths
// and 3 custom fields.
func householdDefinition(t *testing.T) *taxonomy.Definition {
	t.Helper()
	resources := []taxonomy.DesiredResource{
		must(t)(taxonomy.NewTag("Financial", "#1f77b4")),
		must(t)(taxonomy.NewTag("Insurance", "#ff7f0e")),
		must(t)(taxonomy.NewTag("Health", "")),
		must(t)(taxonomy.NewTag("Taxes", "")),
		must(t)(taxonomy.NewTag("Vehicle", "")),
		must(t)(taxonomy.NewDocumentType("Invoice")),
		must(t)(taxonomy.NewDocumentType("Contract")),
		must(t)(taxonomy.NewDocumentType("Tax Assessment")),
		must(t)(taxonomy.NewStoragePath("finance/invoices", "", "")),
		must(t)(taxonomy.NewStoragePath("finance/taxes", "", "")),
		must(t)(taxonomy.NewCustomField("Amount", taxonomy.FieldMonetary)),
		must(t)(taxonomy.NewCustomField("Due Date", taxonomy.FieldDate)),
		must(t)(taxonomy.NewCustomField("Status", taxonomy.FieldSelect, "open", "paid")),
	}
	def, err := taxonomy.NewDefinition("de", "household", "1.0.0", resources...)
	if err != nil {
		t.Fatalf("NewDefinition() error = %v", err)
	}
	return def
}

func naturalKeys(resources []taxonomy.DesiredResource) []string {
	out := make([]string, 0, len(resources))
	for _, r := range resources {
		out = append(out, r.NaturalKey())
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
