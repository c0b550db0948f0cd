// Package verdict defines the structured judgment model consumed and produced
// by the negotiation engine: proposals under review, evaluator verdicts,
// evaluator tiers, and waivers that can excuse otherwise-blocking verdicts.
package verdict

import (
	"fmt"
	"time"
)

// Rating is the ordinal judgment an evaluator renders on a proposal.
type Rating string

const (
	// RatingBlock means the evaluator rejects the proposal outright.
	RatingBlock Rating = "BLOCK"

	// RatingWarn means the evaluator accepts only with reservations.
	RatingWarn Rating = "WARN"

	// RatingAccept means the evaluator accepts the proposal as-is.
	RatingAccept Rating = "ACCEPT"

	// RatingEndorse means the evaluator actively recommends the proposal.
	RatingEndorse Rating = "ENDORSE"
)

// Valid reports whether the rating is one of the four defined values.
func (r Rating) Valid() bool {
	switch r {
	case RatingBlock, RatingWarn, RatingAccept, RatingEndorse:
		return true
	default:
		return false
	}
}

// Positive reports whether the rating counts toward the convergence
// proportion (ACCEPT or ENDORSE).
func (r Rating) Positive() bool {
	return r == RatingAccept || r == RatingEndorse
}

// String returns the string representation of the rating.
func (r Rating) String() string {
	return string(r)
}

// Verdict is one evaluator's judgment of one proposal revision. Verdicts are
// created once per evaluator per round, never mutated, and retained on the
// session transcript for audit.
type Verdict struct {
	// EvaluatorID identifies the evaluator that produced this verdict.
	EvaluatorID string `json:"evaluator_id" yaml:"evaluator_id"`

	// Rating is the ordinal judgment.
	Rating Rating `json:"rating" yaml:"rating"`

	// Confidence is the evaluator's self-reported confidence, 0-100.
	Confidence int `json:"confidence" yaml:"confidence"`

	// Rationale is the evaluator's stated reason for the rating. The engine
	// treats it as opaque text; it is carried for audit and escalation output.
	Rationale string `json:"rationale,omitempty" yaml:"rationale,omitempty"`

	// Evidence holds references backing the rationale.
	Evidence []string `json:"evidence,omitempty" yaml:"evidence,omitempty"`

	// Claims holds factual assertions keyed by claim name. Two verdicts that
	// assert different values for the same claim are contradictory and are
	// routed to fact resolution.
	Claims map[string]string `json:"claims,omitempty" yaml:"claims,omitempty"`

	// Round is the negotiation round this verdict was produced in.
	Round int `json:"round" yaml:"round"`

	// CreatedAt is when the verdict was recorded.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Validate checks structural validity of a verdict before it enters the
// verdict set.
func (v Verdict) Validate() error {
	if v.EvaluatorID == "" {
		return fmt.Errorf("verdict missing evaluator id")
	}
	if !v.Rating.Valid() {
		return fmt.Errorf("verdict from %s has invalid rating %q", v.EvaluatorID, v.Rating)
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return fmt.Errorf("verdict from %s has confidence %d outside [0,100]", v.EvaluatorID, v.Confidence)
	}
	return nil
}

// Set is an immutable snapshot of all verdicts collected in one round.
type Set []Verdict

// ByEvaluator returns the verdict for the given evaluator, if present.
func (s Set) ByEvaluator(id string) (Verdict, bool) {
	for _, v := range s {
		if v.EvaluatorID == id {
			return v, true
		}
	}
	return Verdict{}, false
}

// CountRating returns the number of verdicts carrying the given rating.
func (s Set) CountRating(r Rating) int {
	n := 0
	for _, v := range s {
		if v.Rating == r {
			n++
		}
	}
	return n
}
