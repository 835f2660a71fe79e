// Package model contains the in-memory representation of playbook
// definitions and supporting types used by the conductor orchestrator.
//
// A playbook is typically loaded from a YAML document (or markdown with a
// YAML frontmatter) into the structures defined here and in the `graph`
// sub-package. The root model package aggregates those building blocks so
// that they can be referenced from other parts of the code base with a
// single import.
package model
