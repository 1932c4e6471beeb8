// Package taxonomy defines the data model shared by the reconciliation engine,
// the remote gateways and the definition loaders.
//
// A taxonomy is the set of tags, document types, storage paths and custom
// fields used to classify documents in the remote document-management service.
// The desired taxonomy is described by a Definition: an immutable, versioned
// catalog of DesiredResource values scoped to one country and domain.
//
// # Natural keys
//
// Existence is decided by natural key, never by remote id:
//
//   - Tag, DocumentType and CustomField match on their name, case-insensitively.
//   - StoragePath matches on the normalized path string, exactly.
//
// Use MatchKey to obtain the comparable form of a natural key.
//
// # Construction
//
// DesiredResource values are only built through the kind-specific constructors
// (NewTag, NewDocumentType, NewStoragePath, NewCustomField), which validate the
// kind's attributes up front. A DesiredResource that exists is valid.
package taxonomy
