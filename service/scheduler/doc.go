// Package scheduler advances playbook runs: it evaluates graph readiness,
// claims and dispatches ready steps within the concurrency budget, cascades
// failures to dependents and settles run terminal status. All state lives in
// the run and step stores, so the loop can restart from nothing.
package scheduler
