package verdict

import (
	"time"

	"github.com/concord-ai/concord/internal/types"
)

// WaiverStatus is the lifecycle state of a waiver.
type WaiverStatus string

const (
	WaiverActive     WaiverStatus = "ACTIVE"
	WaiverExpired    WaiverStatus = "EXPIRED"
	WaiverRevoked    WaiverStatus = "REVOKED"
	WaiverSuperseded WaiverStatus = "SUPERSEDED"
)

// ScopeContext is the triggering context of a blocking verdict: the market,
// industry, and organization size the proposal applies to. A waiver only
// excuses a block when its scope covers every dimension of this context.
type ScopeContext struct {
	Market   string `json:"market,omitempty" yaml:"market,omitempty"`
	Industry string `json:"industry,omitempty" yaml:"industry,omitempty"`
	Size     string `json:"size,omitempty" yaml:"size,omitempty"`
}

// WaiverScope restricts where a waiver applies. An empty list for a dimension
// means the waiver is unrestricted in that dimension.
type WaiverScope struct {
	Markets    []string `json:"markets,omitempty" yaml:"markets,omitempty"`
	Industries []string `json:"industries,omitempty" yaml:"industries,omitempty"`
	Sizes      []string `json:"sizes,omitempty" yaml:"sizes,omitempty"`
}

// Covers reports whether the scope is a superset of the triggering context.
// Partial coverage (a dimension restricted to values not including the
// context's) does not count: the block stands.
func (s WaiverScope) Covers(ctx ScopeContext) bool {
	return dimensionCovers(s.Markets, ctx.Market) &&
		dimensionCovers(s.Industries, ctx.Industry) &&
		dimensionCovers(s.Sizes, ctx.Size)
}

func dimensionCovers(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == value {
			return true
		}
	}
	return false
}

// Waiver is a time-bounded, scope-restricted exception permitting an
// otherwise-blocking Tier1 verdict to pass. Waivers are created by explicit
// authorization outside the engine and only consumed here.
type Waiver struct {
	ID        types.ID     `json:"id" yaml:"id"`
	Scope     WaiverScope  `json:"scope" yaml:"scope"`
	ExpiresAt time.Time    `json:"expires_at" yaml:"expires_at"`
	Status    WaiverStatus `json:"status" yaml:"status"`

	// EvaluatorID optionally pins the waiver to one evaluator's blocks.
	// Empty means the waiver applies to any Tier1 block within scope.
	EvaluatorID string `json:"evaluator_id,omitempty" yaml:"evaluator_id,omitempty"`
}

// ActiveAt reports whether the waiver can excuse a block at the given time.
func (w Waiver) ActiveAt(now time.Time) bool {
	return w.Status == WaiverActive && now.Before(w.ExpiresAt)
}

// Excuses reports whether this waiver excuses a block from the given
// evaluator in the given triggering context at the given time.
func (w Waiver) Excuses(evaluatorID string, ctx ScopeContext, now time.Time) bool {
	if !w.ActiveAt(now) {
		return false
	}
	if w.EvaluatorID != "" && w.EvaluatorID != evaluatorID {
		return false
	}
	return w.Scope.Covers(ctx)
}
