package taxonomy

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// FieldDataType is the data type of a custom field.
type FieldDataType string

const (
	FieldString       FieldDataType = "string"
	FieldLongText     FieldDataType = "longtext"
	FieldURL          FieldDataType = "url"
	FieldDate         FieldDataType = "date"
	FieldBoolean      FieldDataType = "boolean"
	FieldInteger      FieldDataType = "integer"
	FieldFloat        FieldDataType = "float"
	FieldMonetary     FieldDataType = "monetary"
	FieldDocumentLink FieldDataType = "documentlink"
	FieldSelect       FieldDataType = "select"
)

// Maximum lengths accepted by the remote service.
const (
	MaxNameLength = 128
	MaxPathLength = 512
)

// TagAttributes carries the payload needed to create a tag.
type TagAttributes struct {
	// Color is the display color as "#rrggbb". Empty lets the remote pick one.
	Color string `json:"color,omitempty" validate:"omitempty,hexcolor"`
}

// DocumentTypeAttributes carries the payload needed to create a document type.
// Document types have no attributes beyond their name.
type DocumentTypeAttributes struct{}

// StoragePathAttributes carries the payload needed to create a storage path.
type StoragePathAttributes struct {
	// Name is the display name of the storage path.
	Name string `json:"name" validate:"required,max=128"`

	// Parent is the normalized path this storage path is nested under, if any.
	Parent string `json:"parent,omitempty"`
}

// CustomFieldAttributes carries the payload needed to create a custom field.
type CustomFieldAttributes struct {
	// DataType is the remote data type of the field.
	DataType FieldDataType `json:"data_type" validate:"required,oneof=string longtext url date boolean integer float monetary documentlink select"`

	// Options lists the choices of a select field, in display order.
	Options []string `json:"options,omitempty" validate:"required_if=DataType select,unique,dive,required"`
}

// validate is shared by all constructors; validator.Validate caches struct
// metadata and is safe for concurrent use.
var validate = validator.New()

// DesiredResource is one entry of a taxonomy definition: a kind, the natural
// key used for existence checks and the kind-specific attributes needed to
// create it. Values are immutable and only built through the New* constructors.
type DesiredResource struct {
	kind       Kind
	naturalKey string
	name       string
	attributes any
}

// NewTag creates a desired tag. The natural key is the trimmed name.
func NewTag(name, color string) (DesiredResource, error) {
	attrs := TagAttributes{Color: strings.ToLower(strings.TrimSpace(color))}
	return newNamedResource(KindTag, name, attrs)
}

// NewDocumentType creates a desired document type.
func NewDocumentType(name string) (DesiredResource, error) {
	return newNamedResource(KindDocumentType, name, DocumentTypeAttributes{})
}

// NewCustomField creates a desired custom field. Options are only allowed,
// and then required, for select fields.
func NewCustomField(name string, dataType FieldDataType, options ...string) (DesiredResource, error) {
	trimmed := make([]string, 0, len(options))
	for _, opt := range options {
		trimmed = append(trimmed, strings.TrimSpace(opt))
	}
	if len(trimmed) == 0 {
		trimmed = nil
	}

	attrs := CustomFieldAttributes{
		DataType: FieldDataType(strings.ToLower(strings.TrimSpace(string(dataType)))),
		Options:  trimmed,
	}
	if attrs.DataType != FieldSelect && len(attrs.Options) > 0 {
		return DesiredResource{}, fmt.Errorf("custom field %q: options are only valid for select fields", name)
	}

	return newNamedResource(KindCustomField, name, attrs)
}

// NewStoragePath creates a desired storage path. The natural key is the
// normalized path. An empty name defaults to the last path segment.
func NewStoragePath(path, name, parent string) (DesiredResource, error) {
	normalized := NormalizePath(path)
	if normalized == "" {
		return DesiredResource{}, fmt.Errorf("storage path %q: path is required", path)
	}
	if strings.HasPrefix(strings.TrimSpace(path), "/") {
		return DesiredResource{}, fmt.Errorf("storage path %q: must be relative", path)
	}
	if utf8.RuneCountInString(normalized) > MaxPathLength {
		return DesiredResource{}, fmt.Errorf("storage path %q: longer than %d characters", path, MaxPathLength)
	}
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return DesiredResource{}, fmt.Errorf("storage path %q: must not contain '..'", path)
		}
	}

	parent = NormalizePath(parent)
	if parent != "" && !strings.HasPrefix(normalized, parent+"/") {
		return DesiredResource{}, fmt.Errorf("storage path %q: not nested under parent %q", path, parent)
	}

	name = NormalizeName(name)
	if name == "" {
		name = normalized[strings.LastIndex(normalized, "/")+1:]
	}

	attrs := StoragePathAttributes{Name: name, Parent: parent}
	if err := validate.Struct(attrs); err != nil {
		return DesiredResource{}, fmt.Errorf("storage path %q: %w", path, err)
	}

	return DesiredResource{
		kind:       KindStoragePath,
		naturalKey: normalized,
		name:       name,
		attributes: attrs,
	}, nil
}

func newNamedResource(kind Kind, name string, attrs any) (DesiredResource, error) {
	name = NormalizeName(name)
	if name == "" {
		return DesiredResource{}, fmt.Errorf("%s: name is required", kind.Label())
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return DesiredResource{}, fmt.Errorf("%s %q: name longer than %d characters", kind.Label(), name, MaxNameLength)
	}
	if err := validate.Struct(attrs); err != nil {
		return DesiredResource{}, fmt.Errorf("%s %q: %w", kind.Label(), name, err)
	}

	return DesiredResource{
		kind:       kind,
		naturalKey: name,
		name:       name,
		attributes: attrs,
	}, nil
}

// Kind returns the resource kind.
func (r DesiredResource) Kind() Kind { return r.kind }

// NaturalKey returns the key used for existence comparison.
func (r DesiredResource) NaturalKey() string { return r.naturalKey }

// MatchKey returns the comparable form of the natural key.
func (r DesiredResource) MatchKey() string { return MatchKey(r.kind, r.naturalKey) }

// Name returns the display name sent to the remote service.
func (r DesiredResource) Name() string { return r.name }

// IsZero reports whether r was not built by a constructor.
func (r DesiredResource) IsZero() bool { return r.kind == "" }

// TagAttributes returns the tag payload; ok is false for other kinds.
func (r DesiredResource) TagAttributes() (attrs TagAttributes, ok bool) {
	attrs, ok = r.attributes.(TagAttributes)
	return attrs, ok
}

// StoragePathAttributes returns the storage path payload; ok is false for other kinds.
func (r DesiredResource) StoragePathAttributes() (attrs StoragePathAttributes, ok bool) {
	attrs, ok = r.attributes.(StoragePathAttributes)
	return attrs, ok
}

// CustomFieldAttributes returns the custom field payload; ok is false for other kinds.
func (r DesiredResource) CustomFieldAttributes() (attrs CustomFieldAttributes, ok bool) {
	attrs, ok = r.attributes.(CustomFieldAttributes)
	if ok && attrs.Options != nil {
		attrs.Options = append([]string(nil), attrs.Options...)
	}
	return attrs, ok
}

// String implements fmt.Stringer.
func (r DesiredResource) String() string {
	return fmt.Sprintf("%s %q", r.kind.Label(), r.naturalKey)
}

// MarshalJSON renders the resource for diff output and policy input.
func (r DesiredResource) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind       Kind   `json:"kind"`
		NaturalKey string `json:"natural_key"`
		Name       string `json:"name"`
		Attributes any    `json:"attributes"`
	}{
		Kind:       r.kind,
		NaturalKey: r.naturalKey,
		Name:       r.name,
		Attributes: r.attributes,
	})
}

// RemoteResource is a resource as reported by a gateway list or create call.
// The ID is assigned by the remote service.
type RemoteResource struct {
	Kind       Kind   `json:"kind"`
	ID         int64  `json:"id"`
	NaturalKey string `json:"natural_key"`
	Name       string `json:"name,omitempty"`
}

// MatchKey returns the comparable form of the natural key.
func (r RemoteResource) MatchKey() string { return MatchKey(r.Kind, r.NaturalKey) }

// String implements fmt.Stringer.
func (r RemoteResource) String() string {
	return fmt.Sprintf("%s %q (id=%d)", r.Kind.Label(), r.NaturalKey, r.ID)
}
