package taxonomy

import (
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeName trims surrounding whitespace from a resource name.
// The result keeps its case; it is the form sent to the remote service.
func NormalizeName(name string) string {
	return strings.TrimSpace(name)
}

// NormalizePath returns the canonical form of a storage path: backslashes are
// turned into slashes, empty and "." segments are dropped and the result has
// no leading or trailing slash.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(strings.TrimSpace(path), `\`, "/")

	segments := strings.Split(path, "/")
	kept := segments[:0]
	for _, segment := range segments {
		if segment == "" || segment == "." {
			continue
		}
		kept = append(kept, segment)
	}

	return strings.Join(kept, "/")
}

// MatchKey returns the comparable form of a natural key for the given kind.
// Names are case folded; storage paths are compared on their normalized form.
func MatchKey(kind Kind, naturalKey string) string {
	if kind == KindStoragePath {
		return NormalizePath(naturalKey)
	}
	return cases.Fold().String(NormalizeName(naturalKey))
}
