// Package engine reconciles a declared taxonomy with the taxonomy held by a
// remote document-management service.
//
// # Overview
//
// The engine has three parts, each usable on its own:
//
//  1. Planner - reads the remote inventory and computes a taxonomy.Diff of
//     the desired resources that do not exist yet. It never writes.
//  2. Installer - creates the resources of a diff one at a time and rolls
//     back everything it created in the run if any creation fails.
//  3. Orchestrator - the install and update entry points over both, with an
//     optional policy gate and Idle/Applying state tracking.
//
// All remote access goes through the Gateway interface. The production
// implementation lives in pkg/gateway/paperless; pkg/gateway/memory is an
// in-process implementation for tests.
//
// # Matching
//
// A desired resource exists remotely when a remote resource of the same
// kind has a matching natural key: names compare case-insensitively, storage
// paths compare exactly after normalization.
//
// # Apply and Rollback
//
// Creation order is tags, document types, storage paths, custom fields, each
// in declaration order. Every successful creation is appended to a Ledger.
// On the first failure nothing further is created; the ledger is replayed in
// reverse and each entry deleted. A failed delete does not stop the
// remaining ones. The returned *RollbackError wraps the creation failure,
// lists every resource left behind, and its message contains "rolled back".
//
// Cancellation stops the apply before the next creation. Rollback runs on a
// context detached from the caller's cancellation and always completes.
//
// # Error Classification
//
// Errors are classified for retry decisions:
//
//   - Transient: temporary failures that may succeed on retry
//   - Throttled: rate limiting that requires backoff
//   - Conflict: resource conflicts, for example a duplicate name
//   - Permanent: non-recoverable errors
//
// Domain codes identify the failure point: GATEWAY_UNAVAILABLE for a failed
// inventory read, CREATION_FAILED and ROLLBACK_PARTIAL_FAILURE for apply,
// POLICY_VIOLATION for a denied diff.
//
//	result, err := orch.Update(ctx, def, engine.UpdateOptions{})
//	switch {
//	case engine.IsGatewayUnavailable(err):
//	    // nothing was written
//	case engine.IsRolledBack(err):
//	    // result.Orphans lists what needs manual cleanup
//	}
//
// # Telemetry
//
// The engine reads logger, tracer, metrics and the event publisher from the
// context (see pkg/telemetry) and runs silently without them.
package engine
