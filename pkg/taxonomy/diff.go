package taxonomy

import "time"

// Diff lists the desired resources that do not yet exist remotely, bucketed
// by kind. Each bucket keeps the definition's declaration order.
type Diff struct {
	NewTags          []DesiredResource `json:"new_tags"`
	NewDocumentTypes []DesiredResource `json:"new_document_types"`
	NewStoragePaths  []DesiredResource `json:"new_storage_paths"`
	NewCustomFields  []DesiredResource `json:"new_custom_fields"`

	// HasChanges is true iff at least one bucket is non-empty.
	HasChanges bool `json:"has_changes"`

	// ComputedAt is when the remote inventory was read.
	ComputedAt time.Time `json:"computed_at"`
}

// NewDiff builds a diff from per-kind buckets and derives HasChanges.
func NewDiff(buckets map[Kind][]DesiredResource, computedAt time.Time) *Diff {
	d := &Diff{
		NewTags:          buckets[KindTag],
		NewDocumentTypes: buckets[KindDocumentType],
		NewStoragePaths:  buckets[KindStoragePath],
		NewCustomFields:  buckets[KindCustomField],
		ComputedAt:       computedAt,
	}
	d.HasChanges = d.Len() > 0
	return d
}

// ForKind returns the bucket of one kind.
func (d *Diff) ForKind(kind Kind) []DesiredResource {
	switch kind {
	case KindTag:
		return d.NewTags
	case KindDocumentType:
		return d.NewDocumentTypes
	case KindStoragePath:
		return d.NewStoragePaths
	case KindCustomField:
		return d.NewCustomFields
	default:
		return nil
	}
}

// Resources returns all missing resources in apply order.
func (d *Diff) Resources() []DesiredResource {
	out := make([]DesiredResource, 0, d.Len())
	for _, kind := range applyOrder {
		out = append(out, d.ForKind(kind)...)
	}
	return out
}

// Counts returns the number of missing resources per kind.
func (d *Diff) Counts() Counts {
	return Counts{
		Tags:          len(d.NewTags),
		DocumentTypes: len(d.NewDocumentTypes),
		StoragePaths:  len(d.NewStoragePaths),
		CustomFields:  len(d.NewCustomFields),
	}
}

// Len returns the total number of missing resources.
func (d *Diff) Len() int {
	return d.Counts().Total()
}
