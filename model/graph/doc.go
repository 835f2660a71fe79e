// Package graph turns a playbook's parsed step list into a validated
// dependency graph. Building is a pure transformation: it rejects duplicate
// ids, unknown dependency references and cycles, and precomputes adjacency
// both ways so the scheduler's readiness checks stay constant-time.
package graph
