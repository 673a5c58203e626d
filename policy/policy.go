// Package policy carries the supervision policy of an engine run: how
// aggressively the supervisor intervenes and how much work it may dispatch
// per cycle. The policy is optional and can be attached to a context for
// call-scoped overrides; a nil *Policy means the configured default applies.
package policy

import (
	"context"
)

// Mode selects how aggressively the supervisor intervenes.
type Mode string

// Supervision modes recognised by the supervisor.
const (
	// ModePassive only observes and raises alerts.
	ModePassive Mode = "passive"
	// ModeActive additionally dispatches ready work and sweeps retries.
	ModeActive Mode = "active"
	// ModeIntelligent additionally scales experts and adapts the scheduler.
	ModeIntelligent Mode = "intelligent"
)

// Dispatches reports whether the mode allows dispatching work.
func (m Mode) Dispatches() bool {
	return m == ModeActive || m == ModeIntelligent
}

// Optimizes reports whether the mode allows scaling and scheduler
// adaptation.
func (m Mode) Optimizes() bool {
	return m == ModeIntelligent
}

// Policy represents the supervision settings for an engine run.
type Policy struct {
	Mode Mode `json:"mode,omitempty" yaml:"mode,omitempty"`

	// MaxConcurrentExecutions bounds supervisor-driven dispatch fan-out;
	// 0 means the configured default.
	MaxConcurrentExecutions int `json:"maxConcurrentExecutions,omitempty" yaml:"maxConcurrentExecutions,omitempty"`
}

// Dispatches reports whether the policy allows dispatching work.
func (p *Policy) Dispatches() bool {
	return p != nil && p.Mode.Dispatches()
}

// Optimizes reports whether the policy allows scaling and scheduler
// adaptation.
func (p *Policy) Optimizes() bool {
	return p != nil && p.Mode.Optimizes()
}

// Clone returns a copy, nil-safe.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	ret := *p
	return &ret
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

// FromContext extracts the policy or nil.
func FromContext(ctx context.Context) *Policy {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKey).(*Policy); ok {
		return v
	}
	return nil
}
