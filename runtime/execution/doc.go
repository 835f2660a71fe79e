// Package execution holds the durable run-time records of the orchestrator:
// the versioned Run record and the per-step StepInstance with its guarded
// status transitions. Everything here round-trips through JSON so the
// scheduler can be rebuilt entirely from the run state store after restart.
package execution
