// Package tension tracks adversarial back-and-forth between evaluator pairs
// and bounds it: each conflict class gets a hard round ceiling, stalled pairs
// are escalated as loops, and values conflicts skip iteration entirely.
package tension

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/concord-ai/concord/internal/types"
	"github.com/concord-ai/concord/internal/verdict"
)

// ConflictClass configures how one kind of disagreement is resolved.
type ConflictClass struct {
	// Name identifies the class in config and escalation records.
	Name string `mapstructure:"name" yaml:"name"`

	// MaxRounds is the ceiling K on challenge/response rounds for a pair in
	// this class before an agree-to-disagree escalation. Default: 3.
	MaxRounds int `mapstructure:"max_rounds" yaml:"max_rounds"`

	// ValuesConflict marks disagreements that iteration cannot resolve
	// (e.g. legally permissible vs ethically blocked); the first occurrence
	// escalates without any rounds.
	ValuesConflict bool `mapstructure:"values_conflict" yaml:"values_conflict"`
}

// Config holds tension resolver configuration.
type Config struct {
	// Classes is the set of known conflict classes.
	Classes []ConflictClass `mapstructure:"classes" yaml:"classes"`

	// DefaultClass names the class applied to pairs without an assignment.
	DefaultClass string `mapstructure:"default_class" yaml:"default_class"`

	// PairClasses maps "evaluatorA|evaluatorB" (order-insensitive) to a
	// class name.
	PairClasses map[string]string `mapstructure:"pair_classes" yaml:"pair_classes"`
}

// DefaultConfig returns a configuration with a single general class.
func DefaultConfig() Config {
	return Config{
		Classes: []ConflictClass{
			{Name: "general", MaxRounds: 3},
		},
		DefaultClass: "general",
	}
}

// PairKey canonicalizes an unordered evaluator pair.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Tension is an active disagreement that has rounds remaining; the engine
// should run another round so the challenged side can respond.
type Tension struct {
	Pair  [2]string
	Class string
	// Round is the pair's iteration count, monotonically non-decreasing
	// within the session.
	Round int
	A, B  verdict.Verdict
}

// Escalation is a terminal record for a pair the protocol gave up on. It
// carries both sides' quantified positions for the escalation output.
type Escalation struct {
	Pair      [2]string
	Class     string
	Code      types.ErrorCode
	Reason    string
	Rounds    int
	PositionA verdict.Verdict
	PositionB verdict.Verdict
}

// Contradiction flags two evaluators asserting incompatible values for the
// same factual claim. The engine routes these to a single fact-resolution
// attempt before treating them as fatal.
type Contradiction struct {
	Pair   [2]string
	Claim  string
	ValueA string
	ValueB string
}

// Outcome is the result of observing one round's verdict set.
type Outcome struct {
	Tensions       []Tension
	Escalations    []Escalation
	Contradictions []Contradiction
}

// MustEscalate reports whether any pair has exhausted its protocol.
func (o Outcome) MustEscalate() bool {
	return len(o.Escalations) > 0
}

// Resolver tracks pairwise iteration counters for one session. Counters only
// grow; they reset only by constructing a new Resolver at session start.
type Resolver struct {
	config  Config
	classes map[string]ConflictClass
	logger  *slog.Logger

	counters    map[string]int
	lastRatings map[string][2]verdict.Rating
	stallRounds map[string]int
}

// Option is a functional option for configuring a Resolver.
type Option func(*Resolver)

// WithLogger configures the resolver to use the specified structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a Resolver for one session.
func New(config Config, opts ...Option) (*Resolver, error) {
	if len(config.Classes) == 0 {
		config = DefaultConfig()
	}

	classes := make(map[string]ConflictClass, len(config.Classes))
	for _, c := range config.Classes {
		if c.Name == "" {
			return nil, fmt.Errorf("conflict class with empty name")
		}
		if c.MaxRounds <= 0 {
			c.MaxRounds = 3
		}
		classes[c.Name] = c
	}

	if config.DefaultClass == "" {
		config.DefaultClass = config.Classes[0].Name
	}
	if _, ok := classes[config.DefaultClass]; !ok {
		return nil, fmt.Errorf("default class %q is not defined", config.DefaultClass)
	}
	for pair, class := range config.PairClasses {
		if _, ok := classes[class]; !ok {
			return nil, fmt.Errorf("pair %q references undefined class %q", pair, class)
		}
	}

	r := &Resolver{
		config:      config,
		classes:     classes,
		logger:      slog.Default(),
		counters:    make(map[string]int),
		lastRatings: make(map[string][2]verdict.Rating),
		stallRounds: make(map[string]int),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Rounds returns the iteration counter for an evaluator pair.
func (r *Resolver) Rounds(a, b string) int {
	return r.counters[PairKey(a, b)]
}

// Observe ingests one round's verdict set, updates pairwise counters, and
// classifies every conflicting pair as an active tension, an escalation, or
// a contradiction.
//
// A pair conflicts when its ratings pull in strongly opposite directions
// (BLOCK against ACCEPT/ENDORSE, or WARN against ENDORSE). A pair whose
// ratings are unchanged across 2 consecutive conflicting rounds is escalated
// as a loop immediately, regardless of remaining rounds in its class.
func (r *Resolver) Observe(set verdict.Set) Outcome {
	var out Outcome

	for i := 0; i < len(set); i++ {
		for j := i + 1; j < len(set); j++ {
			a, b := set[i], set[j]

			out.Contradictions = append(out.Contradictions, contradictions(a, b)...)

			if !conflicting(a.Rating, b.Rating) {
				// No live conflict: clear stall tracking so a later
				// re-emerging conflict starts fresh.
				key := PairKey(a.EvaluatorID, b.EvaluatorID)
				delete(r.lastRatings, key)
				delete(r.stallRounds, key)
				continue
			}

			r.observePair(a, b, &out)
		}
	}

	return out
}

func (r *Resolver) observePair(a, b verdict.Verdict, out *Outcome) {
	key := PairKey(a.EvaluatorID, b.EvaluatorID)
	pair := [2]string{a.EvaluatorID, b.EvaluatorID}
	class := r.classFor(a.EvaluatorID, b.EvaluatorID)

	if class.ValuesConflict {
		r.logger.Warn("values conflict, escalating without iteration",
			"pair", key,
			"class", class.Name,
		)
		out.Escalations = append(out.Escalations, Escalation{
			Pair:      pair,
			Class:     class.Name,
			Code:      types.CONTRADICTION_DETECTED,
			Reason:    fmt.Sprintf("values conflict (%s): not resolvable by iteration", class.Name),
			Rounds:    r.counters[key],
			PositionA: a,
			PositionB: b,
		})
		return
	}

	r.counters[key]++
	round := r.counters[key]

	ratings := [2]verdict.Rating{a.Rating, b.Rating}
	if a.EvaluatorID > b.EvaluatorID {
		ratings = [2]verdict.Rating{b.Rating, a.Rating}
	}
	if prev, seen := r.lastRatings[key]; seen && prev == ratings {
		r.stallRounds[key]++
	} else {
		r.stallRounds[key] = 0
	}
	r.lastRatings[key] = ratings

	if r.stallRounds[key] >= 1 {
		// Unchanged across 2 consecutive rounds: the pair is looping.
		r.logger.Warn("loop detected, forcing escalation",
			"pair", key,
			"rounds", round,
		)
		out.Escalations = append(out.Escalations, Escalation{
			Pair:      pair,
			Class:     class.Name,
			Code:      types.LOOP_DETECTED,
			Reason:    "ratings unchanged across 2 consecutive rounds",
			Rounds:    round,
			PositionA: a,
			PositionB: b,
		})
		return
	}

	if round > class.MaxRounds {
		out.Escalations = append(out.Escalations, Escalation{
			Pair:      pair,
			Class:     class.Name,
			Code:      types.LOOP_DETECTED,
			Reason:    fmt.Sprintf("agree to disagree after %d rounds (ceiling %d)", round, class.MaxRounds),
			Rounds:    round,
			PositionA: a,
			PositionB: b,
		})
		return
	}

	out.Tensions = append(out.Tensions, Tension{
		Pair:  pair,
		Class: class.Name,
		Round: round,
		A:     a,
		B:     b,
	})
}

// classFor resolves the conflict class for a pair, falling back to the
// default class.
func (r *Resolver) classFor(a, b string) ConflictClass {
	if name, ok := r.config.PairClasses[PairKey(a, b)]; ok {
		return r.classes[name]
	}
	return r.classes[r.config.DefaultClass]
}

// conflicting reports whether two ratings pull in strongly opposite
// directions.
func conflicting(a, b verdict.Rating) bool {
	return polarity(a)*polarity(b) < 0 && abs(polarity(a)-polarity(b)) >= 3
}

func polarity(r verdict.Rating) int {
	switch r {
	case verdict.RatingBlock:
		return -2
	case verdict.RatingWarn:
		return -1
	case verdict.RatingAccept:
		return 1
	case verdict.RatingEndorse:
		return 2
	default:
		return 0
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// contradictions returns the incompatible factual claims between two
// verdicts.
func contradictions(a, b verdict.Verdict) []Contradiction {
	if len(a.Claims) == 0 || len(b.Claims) == 0 {
		return nil
	}

	var found []Contradiction
	for claim, va := range a.Claims {
		vb, ok := b.Claims[claim]
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(va), strings.TrimSpace(vb)) {
			found = append(found, Contradiction{
				Pair:   [2]string{a.EvaluatorID, b.EvaluatorID},
				Claim:  claim,
				ValueA: va,
				ValueB: vb,
			})
		}
	}
	return found
}
