// Package stores persists papersync run history in SQLite.
//
// Every install or update records a run row with its scope, definition
// version, outcome and applied counts, the events published while it
// executed, and any resources rollback could not delete. The history feeds
// "papersync history" and the version check that warns when a definition
// is older than the last one applied to the same scope.
package stores
