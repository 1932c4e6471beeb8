// Package policy gates taxonomy installs with Open Policy Agent (OPA) Rego
// policies.
//
// Engine implements engine.DiffPolicy: before the installer writes anything,
// every enabled policy is evaluated against a document describing the
// definition and the computed diff:
//
//	{
//	  "definition": {"country": "de", "domain": "household", "version": "1.2.0", "resources": [...]},
//	  "diff": {"new_tags": [...], "new_document_types": [...], "new_storage_paths": [...], "new_custom_fields": [...]},
//	  "counts": {"tags": 2, "document_types": 0, "storage_paths": 1, "custom_fields": 0},
//	  "total": 3,
//	  "context": {"timestamp": "..."}
//	}
//
// A policy's package may define deny and warn sets. Entries are strings or
// objects with a "message" and an optional "resource". Deny results of
// policies with severity error or critical block the run; deny results of
// lower severities and all warn results are reported only.
//
//	package papersync.custom
//
//	import rego.v1
//
//	# severity: error
//	deny contains msg if {
//	    some tag in input.diff.new_tags
//	    startswith(tag.name, "tmp")
//	    msg := sprintf("tag %q looks temporary", [tag.name])
//	}
//
// # Built-in policies
//
//   - name-limits: names up to 128 characters, storage paths up to 512
//   - storage-path-safety: relative storage paths without ".." segments
//   - select-options: select options that differ only in case (warning)
//   - bulk-creation: more than 100 creations in one run (warning)
//
// Loader reads .rego diff policies from a directory. Each file must declare a
// package below papersync and define deny or warn; the file name becomes the
// policy name and may not reuse a built-in name. Loader.Watch reloads the
// directory with fsnotify and hands the set to Engine.ReplaceUserPolicies.
package policy
