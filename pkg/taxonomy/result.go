package taxonomy

import "fmt"

// Counts holds one counter per resource kind.
type Counts struct {
	Tags          int `json:"tags"`
	DocumentTypes int `json:"document_types"`
	StoragePaths  int `json:"storage_paths"`
	CustomFields  int `json:"custom_fields"`
}

// Inc increments the counter of kind.
func (c *Counts) Inc(kind Kind) {
	switch kind {
	case KindTag:
		c.Tags++
	case KindDocumentType:
		c.DocumentTypes++
	case KindStoragePath:
		c.StoragePaths++
	case KindCustomField:
		c.CustomFields++
	}
}

// Get returns the counter of kind.
func (c Counts) Get(kind Kind) int {
	switch kind {
	case KindTag:
		return c.Tags
	case KindDocumentType:
		return c.DocumentTypes
	case KindStoragePath:
		return c.StoragePaths
	case KindCustomField:
		return c.CustomFields
	default:
		return 0
	}
}

// Total returns the sum of all counters.
func (c Counts) Total() int {
	return c.Tags + c.DocumentTypes + c.StoragePaths + c.CustomFields
}

// IsZero reports whether every counter is zero.
func (c Counts) IsZero() bool {
	return c.Total() == 0
}

// String implements fmt.Stringer.
func (c Counts) String() string {
	return fmt.Sprintf("tags=%d document_types=%d storage_paths=%d custom_fields=%d",
		c.Tags, c.DocumentTypes, c.StoragePaths, c.CustomFields)
}

// CreatedResourceRecord is one ledger entry: a resource created during the
// current apply run. It only lives for the duration of that run.
type CreatedResourceRecord struct {
	Kind       Kind   `json:"kind"`
	ID         int64  `json:"id"`
	NaturalKey string `json:"natural_key"`
}

// String implements fmt.Stringer.
func (r CreatedResourceRecord) String() string {
	return fmt.Sprintf("%s %q (id=%d)", r.Kind.Label(), r.NaturalKey, r.ID)
}

// UpdateResult is the outcome of one install or update call.
type UpdateResult struct {
	// RunID identifies the install or update call that produced the result.
	RunID string `json:"run_id,omitempty"`

	// Success is true when every missing resource was created.
	Success bool `json:"success"`

	// HasChanges reports whether the diff the call acted on was non-empty.
	HasChanges bool `json:"has_changes"`

	// Applied counts the resources created and kept by this call.
	// It is zero after a rollback.
	Applied Counts `json:"applied"`

	// RolledBack is the number of resources deleted by rollback.
	RolledBack int `json:"rolled_back,omitempty"`

	// Orphans lists resources created by this call that rollback could not
	// delete. They need manual cleanup.
	Orphans []CreatedResourceRecord `json:"orphans,omitempty"`

	// Error describes the failure, empty on success.
	Error string `json:"error,omitempty"`
}

// NoChanges returns the successful zero-count result of an empty diff.
func NoChanges() *UpdateResult {
	return &UpdateResult{Success: true}
}
