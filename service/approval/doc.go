// Package approval implements the human-in-the-loop gate. Steps whose
// definition carries an approval mode are paused in awaiting_approval until
// a decision is recorded; the decision's resolution is appended to the step
// and the ephemeral request is destroyed.
package approval
