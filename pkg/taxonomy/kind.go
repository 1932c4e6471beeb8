package taxonomy

import (
	"fmt"
	"strings"
)

// Kind identifies one of the fixed resource categories of a taxonomy.
type Kind string

const (
	// KindTag is a document tag with a display color.
	KindTag Kind = "tag"

	// KindDocumentType is a document type (invoice, contract, ...).
	KindDocumentType Kind = "document_type"

	// KindStoragePath is a storage path template.
	KindStoragePath Kind = "storage_path"

	// KindCustomField is a typed custom field definition.
	KindCustomField Kind = "custom_field"
)

// applyOrder is the order in which kinds are created. Custom fields go last:
// they are the most likely to be rejected by the remote validation.
var applyOrder = [...]Kind{KindTag, KindDocumentType, KindStoragePath, KindCustomField}

// Kinds returns all kinds in apply order.
func Kinds() []Kind {
	kinds := make([]Kind, len(applyOrder))
	copy(kinds, applyOrder[:])
	return kinds
}

// ParseKind parses a kind from its string form. It accepts the canonical
// identifiers as well as the hyphenated and plural spellings used on the CLI.
func ParseKind(s string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.TrimSuffix(normalized, "s")

	for _, k := range applyOrder {
		if string(k) == normalized {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind: %q", s)
}

// Validate checks if the kind is one of the known resource categories.
func (k Kind) Validate() error {
	switch k {
	case KindTag, KindDocumentType, KindStoragePath, KindCustomField:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}

// Label returns a human-readable label for log and error messages.
func (k Kind) Label() string {
	return strings.ReplaceAll(string(k), "_", " ")
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}
