package execution

// Dispatch is the queue payload handing one claimed step phase to the
// lifecycle controller. It deliberately carries only identity: the
// controller re-reads the authoritative records before launching, so a
// stale or replayed message is detected by status and phase mismatch.
type Dispatch struct {
	RunID  string `json:"runId"`
	StepID string `json:"stepId"`
	Phase  int    `json:"phase"`
}
