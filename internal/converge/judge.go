// Package converge applies the tiered decision rule over a round's verdict
// set: Tier1 blocks are non-compensatory unless excused by a scope-covering
// active waiver, excessive unmitigated warnings or a thin approval margin
// prevent convergence, and layered advisory signals flag sessions that need
// decomposition or more evidence.
package converge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/concord-ai/concord/internal/verdict"
)

// Status is the terminal decision for a round.
type Status string

const (
	Converged    Status = "CONVERGED"
	NotConverged Status = "NOT_CONVERGED"
)

// AdvisoryKind labels a non-terminal signal layered onto the decision.
type AdvisoryKind string

const (
	// AdvisoryComplexityOverload signals the caller to request manual
	// decomposition: too many engaged evaluators over too many rounds.
	AdvisoryComplexityOverload AdvisoryKind = "complexity_overload"

	// AdvisoryLowConfidenceCascade signals that more evidence is required
	// before re-judging: too many evaluators report low confidence.
	AdvisoryLowConfidenceCascade AdvisoryKind = "low_confidence_cascade"

	// AdvisoryBudgetExhausted signals that the verdict set was produced on
	// partial evidence because call budgets ran out mid-stage.
	AdvisoryBudgetExhausted AdvisoryKind = "budget_exhausted"
)

// Advisory is a layered signal, never a separate terminal state.
type Advisory struct {
	Kind   AdvisoryKind
	Detail string
}

// Config holds judge configuration.
type Config struct {
	// MaxWarns is the maximum unmitigated WARN count among Tier2/Tier3
	// evaluators before convergence is denied. Default: 2.
	MaxWarns int `mapstructure:"max_warns" yaml:"max_warns"`

	// ApprovalThreshold is the minimum proportion of ACCEPT+ENDORSE among
	// engaged evaluators. Default: 0.60.
	ApprovalThreshold float64 `mapstructure:"approval_threshold" yaml:"approval_threshold"`

	// ComplexityEvaluators and ComplexityRounds gate the complexity overload
	// advisory: both must be exceeded. Defaults: 7 and 20.
	ComplexityEvaluators int `mapstructure:"complexity_evaluators" yaml:"complexity_evaluators"`
	ComplexityRounds     int `mapstructure:"complexity_rounds" yaml:"complexity_rounds"`

	// LowConfidenceCount evaluators below LowConfidenceFloor trigger the
	// low-confidence cascade advisory. Defaults: 3 and 40.
	LowConfidenceCount int `mapstructure:"low_confidence_count" yaml:"low_confidence_count"`
	LowConfidenceFloor int `mapstructure:"low_confidence_floor" yaml:"low_confidence_floor"`

	// BudgetConfidencePenalty is subtracted from every verdict's confidence
	// for the cascade check when budgets were exhausted mid-stage, since
	// those verdicts rest on partial evidence. Default: 15.
	BudgetConfidencePenalty int `mapstructure:"budget_confidence_penalty" yaml:"budget_confidence_penalty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWarns:                2,
		ApprovalThreshold:       0.60,
		ComplexityEvaluators:    7,
		ComplexityRounds:        20,
		LowConfidenceCount:      3,
		LowConfidenceFloor:      40,
		BudgetConfidencePenalty: 15,
	}
}

// Input is everything the judge consumes for one decision.
type Input struct {
	// Verdicts is the full verdict set for the round.
	Verdicts verdict.Set

	// Tiers assigns each evaluator its tier; absent entries are advisory.
	Tiers verdict.TierMap

	// Waivers are the waivers available to excuse Tier1 blocks.
	Waivers []verdict.Waiver

	// Trigger is the proposal's triggering context checked against waiver
	// scopes.
	Trigger verdict.ScopeContext

	// AcceptedMitigations marks evaluators whose WARN carries an accepted
	// mitigation; those warnings do not count against MaxWarns.
	AcceptedMitigations map[string]bool

	// Round is the current negotiation round number.
	Round int

	// BudgetExhausted is set when the governor stopped admitting calls
	// mid-stage and the verdict set rests on partial evidence.
	BudgetExhausted bool
}

// Decision is the judge's output for one round.
type Decision struct {
	Status     Status
	Reason     string
	BlockedBy  []string
	Advisories []Advisory
}

// Judge applies the tiered decision rule. It is stateless; one instance can
// serve many sessions.
type Judge struct {
	config Config
	logger *slog.Logger

	now func() time.Time
}

// Option is a functional option for configuring a Judge.
type Option func(*Judge)

// WithLogger configures the judge to use the specified structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Judge) {
		j.logger = logger
	}
}

// New creates a Judge with the given configuration.
func New(config Config, opts ...Option) *Judge {
	defaults := DefaultConfig()
	if config.MaxWarns <= 0 {
		config.MaxWarns = defaults.MaxWarns
	}
	if config.ApprovalThreshold <= 0 || config.ApprovalThreshold > 1 {
		config.ApprovalThreshold = defaults.ApprovalThreshold
	}
	if config.ComplexityEvaluators <= 0 {
		config.ComplexityEvaluators = defaults.ComplexityEvaluators
	}
	if config.ComplexityRounds <= 0 {
		config.ComplexityRounds = defaults.ComplexityRounds
	}
	if config.LowConfidenceCount <= 0 {
		config.LowConfidenceCount = defaults.LowConfidenceCount
	}
	if config.LowConfidenceFloor <= 0 {
		config.LowConfidenceFloor = defaults.LowConfidenceFloor
	}
	if config.BudgetConfidencePenalty <= 0 {
		config.BudgetConfidencePenalty = defaults.BudgetConfidencePenalty
	}

	j := &Judge{
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(j)
	}

	return j
}

// Decide applies the decision order:
//
//  1. Any Tier1 BLOCK not covered by an active, scope-covering waiver denies
//     convergence and cannot be offset by other ratings.
//  2. Unmitigated WARNs among Tier2/Tier3 evaluators beyond MaxWarns deny
//     convergence.
//  3. An ACCEPT+ENDORSE proportion below ApprovalThreshold denies
//     convergence; an empty verdict set counts as zero approval.
//  4. Otherwise the round converged.
//
// Advisory signals are layered onto whichever status results; they are never
// terminal states of their own.
func (j *Judge) Decide(in Input) Decision {
	advisories := j.advisories(in)

	if blocked := j.unwaivedTier1Blocks(in); len(blocked) > 0 {
		return Decision{
			Status:     NotConverged,
			Reason:     fmt.Sprintf("non-compensatory: Tier1 block by %v without covering waiver", blocked),
			BlockedBy:  blocked,
			Advisories: advisories,
		}
	}

	if warns := j.unmitigatedWarns(in); warns > j.config.MaxWarns {
		return Decision{
			Status:     NotConverged,
			Reason:     fmt.Sprintf("%d unmitigated warnings exceed the maximum of %d", warns, j.config.MaxWarns),
			Advisories: advisories,
		}
	}

	if len(in.Verdicts) == 0 {
		// Zero verdicts means zero approval; a round where every engaged
		// evaluator was stopped before judging cannot converge.
		return Decision{
			Status:     NotConverged,
			Reason:     "no verdicts to judge: every engaged evaluator was stopped before producing one",
			Advisories: advisories,
		}
	}

	positive := 0
	for _, v := range in.Verdicts {
		if v.Rating.Positive() {
			positive++
		}
	}
	proportion := float64(positive) / float64(len(in.Verdicts))
	if proportion < j.config.ApprovalThreshold {
		return Decision{
			Status: NotConverged,
			Reason: fmt.Sprintf("approval proportion %.0f%% below threshold %.0f%%",
				proportion*100, j.config.ApprovalThreshold*100),
			Advisories: advisories,
		}
	}

	return Decision{
		Status:     Converged,
		Reason:     "all convergence criteria satisfied",
		Advisories: advisories,
	}
}

// unwaivedTier1Blocks returns the Tier1 evaluators whose BLOCK no active
// waiver covers. Partial scope coverage counts as no coverage.
func (j *Judge) unwaivedTier1Blocks(in Input) []string {
	now := j.now()
	var blocked []string

	for _, v := range in.Verdicts {
		if v.Rating != verdict.RatingBlock {
			continue
		}
		if in.Tiers.TierOf(v.EvaluatorID) != verdict.Tier1 {
			continue
		}

		excused := false
		for _, w := range in.Waivers {
			if w.Excuses(v.EvaluatorID, in.Trigger, now) {
				j.logger.Info("tier1 block excused by waiver",
					"evaluator", v.EvaluatorID,
					"waiver", w.ID,
				)
				excused = true
				break
			}
		}
		if !excused {
			blocked = append(blocked, v.EvaluatorID)
		}
	}

	return blocked
}

// unmitigatedWarns counts WARNs among Tier2/Tier3 evaluators without an
// accepted mitigation.
func (j *Judge) unmitigatedWarns(in Input) int {
	warns := 0
	for _, v := range in.Verdicts {
		if v.Rating != verdict.RatingWarn {
			continue
		}
		if in.Tiers.TierOf(v.EvaluatorID) == verdict.Tier1 {
			continue
		}
		if in.AcceptedMitigations[v.EvaluatorID] {
			continue
		}
		warns++
	}
	return warns
}

func (j *Judge) advisories(in Input) []Advisory {
	var out []Advisory

	if in.BudgetExhausted {
		out = append(out, Advisory{
			Kind:   AdvisoryBudgetExhausted,
			Detail: "verdicts rest on partial evidence; call budgets ran out mid-stage",
		})
	}

	if len(in.Verdicts) > j.config.ComplexityEvaluators && in.Round > j.config.ComplexityRounds {
		out = append(out, Advisory{
			Kind: AdvisoryComplexityOverload,
			Detail: fmt.Sprintf("%d evaluators over %d rounds; request manual decomposition",
				len(in.Verdicts), in.Round),
		})
	}

	lowConfidence := 0
	for _, v := range in.Verdicts {
		confidence := v.Confidence
		if in.BudgetExhausted {
			confidence -= j.config.BudgetConfidencePenalty
		}
		if confidence < j.config.LowConfidenceFloor {
			lowConfidence++
		}
	}
	if lowConfidence >= j.config.LowConfidenceCount {
		out = append(out, Advisory{
			Kind: AdvisoryLowConfidenceCascade,
			Detail: fmt.Sprintf("%d evaluators below confidence %d; gather more evidence before re-judging",
				lowConfidence, j.config.LowConfidenceFloor),
		})
	}

	return out
}
