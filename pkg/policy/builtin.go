package policy

import (
	"time"
)

// BulkCreationThreshold is the number of pending creations above which the
// bulk-creation policy warns.
const BulkCreationThreshold = 100

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		nameLimitsPolicy(),
		storagePathSafetyPolicy(),
		selectOptionsPolicy(),
		bulkCreationPolicy(),
	}
}

func builtin(p Policy) Policy {
	now := time.Now()
	p.Enabled = true
	p.Builtin = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return p
}

// nameLimitsPolicy mirrors the column limits Paperless-ngx enforces.
func nameLimitsPolicy() Policy {
	return builtin(Policy{
		Name:        "name-limits",
		Description: "Names must fit in 128 characters and storage paths in 512",
		Severity:    SeverityError,
		Tags:        []string{"limits"},
		Rego: `package papersync.limits

import rego.v1

diff_keys := ["new_tags", "new_document_types", "new_storage_paths", "new_custom_fields"]

pending contains res if {
	some key in diff_keys
	items := object.get(input.diff, key, [])
	is_array(items)
	some res in items
}

deny contains violation if {
	some res in pending
	count(res.name) > 128
	violation := {
		"message": sprintf("%s %q: name is longer than 128 characters", [res.kind, res.name]),
		"resource": res.natural_key,
	}
}

deny contains violation if {
	some res in pending
	res.kind == "storage_path"
	count(res.natural_key) > 512
	violation := {
		"message": sprintf("storage path %q is longer than 512 characters", [res.natural_key]),
		"resource": res.natural_key,
	}
}
`,
	})
}

// storagePathSafetyPolicy rejects storage paths that escape the media root.
func storagePathSafetyPolicy() Policy {
	return builtin(Policy{
		Name:        "storage-path-safety",
		Description: "Storage paths must be relative and must not contain '..' segments",
		Severity:    SeverityError,
		Tags:        []string{"storage"},
		Rego: `package papersync.storage

import rego.v1

new_paths := object.get(input.diff, "new_storage_paths", [])

deny contains msg if {
	is_array(new_paths)
	some res in new_paths
	startswith(res.natural_key, "/")
	msg := sprintf("storage path %q must be relative", [res.natural_key])
}

deny contains msg if {
	is_array(new_paths)
	some res in new_paths
	some segment in split(res.natural_key, "/")
	segment == ".."
	msg := sprintf("storage path %q must not contain '..'", [res.natural_key])
}
`,
	})
}

// selectOptionsPolicy flags select fields whose options differ only in case.
func selectOptionsPolicy() Policy {
	return builtin(Policy{
		Name:        "select-options",
		Description: "Select custom field options should be distinct ignoring case",
		Severity:    SeverityWarning,
		Tags:        []string{"custom-fields"},
		Rego: `package papersync.fields

import rego.v1

new_fields := object.get(input.diff, "new_custom_fields", [])

deny contains msg if {
	is_array(new_fields)
	some res in new_fields
	res.attributes.data_type == "select"
	options := res.attributes.options
	lowered := {lower(o) | some o in options}
	count(lowered) < count(options)
	msg := sprintf("custom field %q has select options that differ only in case", [res.natural_key])
}
`,
	})
}

// bulkCreationPolicy warns before unusually large installs.
func bulkCreationPolicy() Policy {
	return builtin(Policy{
		Name:        "bulk-creation",
		Description: "Warns when a single run would create more than 100 resources",
		Severity:    SeverityWarning,
		Tags:        []string{"limits"},
		Rego: `package papersync.volume

import rego.v1

warn contains msg if {
	input.total > 100
	msg := sprintf("run would create %d resources for %s/%s", [input.total, input.definition.country, input.definition.domain])
}
`,
	})
}
