package verdict

import "fmt"

// Tier classifies how much weight an evaluator's BLOCK carries. Tiers are
// assigned at configuration time and constant for a session.
type Tier int

const (
	// Tier1 evaluators are non-compensatory: their BLOCK cannot be outvoted,
	// only excused by a scope-covering active waiver.
	Tier1 Tier = 1

	// Tier2 evaluators require an explicit tradeoff to proceed past their
	// objections.
	Tier2 Tier = 2

	// Tier3 evaluators are advisory only.
	Tier3 Tier = 3
)

// Valid reports whether the tier is one of the three defined values.
func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier3
}

// String returns a human-readable representation of the tier.
func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	case Tier3:
		return "tier3"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses a tier from its configuration spelling.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "tier1", "1":
		return Tier1, nil
	case "tier2", "2":
		return Tier2, nil
	case "tier3", "3":
		return Tier3, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// TierMap assigns a tier to each evaluator identity. Evaluators absent from
// the map are treated as advisory (Tier3).
type TierMap map[string]Tier

// TierOf returns the tier for an evaluator, defaulting to Tier3.
func (m TierMap) TierOf(evaluatorID string) Tier {
	if t, ok := m[evaluatorID]; ok && t.Valid() {
		return t
	}
	return Tier3
}
