// Package config loads taxonomy definitions and application settings for
// papersync.
//
// # Definitions
//
// A definition file declares one country and domain, a semantic version and
// the tags, document types, storage paths and custom fields that must exist
// in Paperless-ngx. Files are written in CUE or YAML; both are checked
// against the built-in #Taxonomy schema before they are turned into a
// taxonomy.Definition:
//
//	country: "de"
//	domain:  "household"
//	version: "1.2.0"
//
//	tags: [
//	    {name: "Financial", color: "#a6cee3"},
//	    {name: "Insurance"},
//	]
//	storage_paths: [
//	    {path: "finance/invoices", name: "Invoices"},
//	]
//	custom_fields: [
//	    {name: "Status", data_type: "select", options: ["open", "paid"]},
//	]
//
// LoadCatalog reads a whole definitions directory and reports every broken
// file at once. Catalog.Select picks the definition for a country and domain
// and merges the country's "common" domain in front of it, so shared tags
// are declared once.
//
// # Settings
//
// Settings are resolved from, lowest precedence first: DefaultSettings, a
// YAML settings file, a .env file (never overriding the environment), the
// environment and finally command-line flags applied by the caller.
//
//	s, err := config.LoadSettings(config.LoadOptions{File: "papersync.yaml"})
//	if err != nil {
//	    return err
//	}
//	if err := s.ValidateRemote(); err != nil {
//	    return err
//	}
package config
