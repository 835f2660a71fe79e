// Package policy provides a simple, optional per-step execution policy that
// can be attached to the orchestrator via context. It is deliberately
// decoupled from the rest of conductor so that using it is entirely opt-in –
// services that do not embed the Policy in their context keep the default
// "auto" behaviour.
package policy

import (
	"context"
	"strings"
)

// Execution modes recognised by the controller.
const (
	ModeAsk  = "ask"  // ask before every step launch
	ModeAuto = "auto" // launch automatically (default)
	ModeDeny = "deny" // block every launch
)

// AskFunc is invoked when Mode==ask. Returning true approves the launch,
// false rejects it. Implementations may mutate the policy (for example,
// switching to ModeAuto after the first approval).
type AskFunc func(
	ctx context.Context,
	stepID string,
	input map[string]interface{}, // assembled step input – may be nil
	p *Policy,
) bool

// Policy represents launch constraints for the current process.
//
//   - Mode controls the high-level behaviour (ask / auto / deny).
//   - AllowList, BlockList filter by step id regardless of Mode.
//   - Ask is only used when Mode==ask.
//
// A nil *Policy means "launch everything automatically" and is therefore the
// zero-cost default.
type Policy struct {
	Mode      string   // ask / auto / deny      (default = auto)
	AllowList []string // whitelist (empty => all)
	BlockList []string // blacklist
	Ask       AskFunc  // used only when Mode==ask
}

// Config represents the declarative, serialisable part of a Policy.
type Config struct {
	Mode      string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	AllowList []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	BlockList []string `json:"block,omitempty" yaml:"block,omitempty"`
}

// ToConfig converts a runtime Policy into a persistable Config.
func ToConfig(p *Policy) *Config {
	if p == nil {
		return nil
	}
	return &Config{
		Mode:      p.Mode,
		AllowList: append([]string(nil), p.AllowList...),
		BlockList: append([]string(nil), p.BlockList...),
	}
}

// FromConfig converts a stored Config back to a runtime Policy (without
// AskFunc).
func FromConfig(c *Config) *Policy {
	if c == nil {
		return nil
	}
	return &Policy{
		Mode:      c.Mode,
		AllowList: append([]string(nil), c.AllowList...),
		BlockList: append([]string(nil), c.BlockList...),
	}
}

// IsAllowed evaluates AllowList / BlockList. Both lists match by exact,
// case-insensitive comparison of the step id.
func (p *Policy) IsAllowed(stepID string) bool {
	if p == nil {
		return true
	}

	normalized := strings.ToLower(stepID)

	// BlockList has priority.
	for _, b := range p.BlockList {
		if normalized == strings.ToLower(b) {
			return false
		}
	}

	if len(p.AllowList) == 0 {
		return true
	}
	for _, a := range p.AllowList {
		if normalized == strings.ToLower(a) {
			return true
		}
	}
	return false
}

// Approve reports whether the policy lets the step launch: the lists are
// consulted first, then the mode.
func (p *Policy) Approve(ctx context.Context, stepID string, input map[string]interface{}) bool {
	if p == nil {
		return true
	}
	if !p.IsAllowed(stepID) {
		return false
	}
	switch p.Mode {
	case ModeDeny:
		return false
	case ModeAsk:
		if p.Ask == nil {
			return false
		}
		return p.Ask(ctx, stepID, input, p)
	default:
		return true
	}
}

type ctxKeyT struct{}

var ctxKey ctxKeyT

// WithPolicy embeds policy in ctx.
func WithPolicy(ctx context.Context, p *Policy) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey, p)
}

// FromContext extracts the policy, or nil when the context carries none.
func FromContext(ctx context.Context) *Policy {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKey).(*Policy); ok {
		return v
	}
	return nil
}
