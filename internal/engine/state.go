package engine

import (
	"time"

	"github.com/concord-ai/concord/internal/converge"
	"github.com/concord-ai/concord/internal/tension"
	"github.com/concord-ai/concord/internal/types"
	"github.com/concord-ai/concord/internal/verdict"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusConverged Status = "CONVERGED"
	StatusEscalated Status = "ESCALATED"
)

// Event is one transcript entry: a stage execution with its outcome.
type Event struct {
	Stage StageName `json:"stage"`
	Round int       `json:"round"`
	Note  string    `json:"note,omitempty"`
	Err   string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Metrics aggregates counters over one run.
type Metrics struct {
	Rounds        int           `json:"rounds"`
	StageVisits   int           `json:"stage_visits"`
	CallsAdmitted int64         `json:"calls_admitted"`
	CallsDenied   int64         `json:"calls_denied"`
	Duration      time.Duration `json:"duration"`
}

// State is the full negotiation state owned by the engine. Handlers never see
// it directly; they read through a View and write through a Delta.
type State struct {
	SessionID          types.ID
	Proposal           verdict.Proposal
	Round              int
	Verdicts           verdict.Set
	History            []verdict.Set
	Tensions           []tension.Tension
	Escalations        []tension.Escalation
	Contradictions     []tension.Contradiction
	Facts              map[string]string
	FactResolutionUsed bool
	Decision           *converge.Decision
	BudgetExhausted    bool
	Status             Status
	Reason             string
	Transcript         []Event
	Metrics            Metrics
}

// Delta is a stage's proposed state change. Nil or zero fields leave the
// corresponding state untouched; the engine merges the whole delta after the
// handler returns successfully, never partially.
type Delta struct {
	// Proposal replaces the current proposal revision when non-nil.
	Proposal *verdict.Proposal

	// Round replaces the round counter when non-nil.
	Round *int

	// Verdicts replaces the round's verdict set when non-nil. Every applied
	// set is also appended to the retained per-round history.
	Verdicts verdict.Set

	// Tensions replaces the active tensions when non-nil; pass an empty
	// non-nil slice to clear them.
	Tensions []tension.Tension

	// Escalations are appended to the accumulated escalation records.
	Escalations []tension.Escalation

	// Contradictions replaces the open contradictions when non-nil.
	Contradictions []tension.Contradiction

	// FactsResolved entries are merged into the resolved fact ledger.
	FactsResolved map[string]string

	// MarkFactResolutionUsed records that the single fact-resolution attempt
	// has been spent.
	MarkFactResolutionUsed bool

	// Decision replaces the latest convergence decision when non-nil.
	Decision *converge.Decision

	// BudgetExhausted replaces the budget flag when non-nil.
	BudgetExhausted *bool

	// Status sets the terminal status when non-nil.
	Status *Status

	// Reason sets the human-readable outcome reason when non-empty.
	Reason string

	// Note is recorded on the transcript entry for this stage.
	Note string
}

func (s *State) apply(d Delta) {
	if d.Proposal != nil {
		s.Proposal = *d.Proposal
	}
	if d.Round != nil {
		s.Round = *d.Round
	}
	if d.Verdicts != nil {
		s.Verdicts = d.Verdicts
		s.History = append(s.History, d.Verdicts)
	}
	if d.Tensions != nil {
		s.Tensions = d.Tensions
	}
	s.Escalations = append(s.Escalations, d.Escalations...)
	if d.Contradictions != nil {
		s.Contradictions = d.Contradictions
	}
	if len(d.FactsResolved) > 0 {
		if s.Facts == nil {
			s.Facts = make(map[string]string, len(d.FactsResolved))
		}
		for claim, value := range d.FactsResolved {
			s.Facts[claim] = value
		}
	}
	if d.MarkFactResolutionUsed {
		s.FactResolutionUsed = true
	}
	if d.Decision != nil {
		s.Decision = d.Decision
	}
	if d.BudgetExhausted != nil {
		s.BudgetExhausted = *d.BudgetExhausted
	}
	if d.Status != nil {
		s.Status = *d.Status
	}
	if d.Reason != "" {
		s.Reason = d.Reason
	}
}

// View is a read-only snapshot of state handed to handlers. Slice and map
// accessors return copies so a handler cannot reach back into engine state.
type View struct {
	s *State
}

func newView(s *State) View { return View{s: s} }

func (v View) SessionID() types.ID        { return v.s.SessionID }
func (v View) Proposal() verdict.Proposal { return v.s.Proposal }
func (v View) Round() int                 { return v.s.Round }
func (v View) BudgetExhausted() bool      { return v.s.BudgetExhausted }
func (v View) FactResolutionUsed() bool   { return v.s.FactResolutionUsed }
func (v View) Reason() string             { return v.s.Reason }

func (v View) Verdicts() verdict.Set {
	out := make(verdict.Set, len(v.s.Verdicts))
	copy(out, v.s.Verdicts)
	return out
}

func (v View) Tensions() []tension.Tension {
	out := make([]tension.Tension, len(v.s.Tensions))
	copy(out, v.s.Tensions)
	return out
}

func (v View) Escalations() []tension.Escalation {
	out := make([]tension.Escalation, len(v.s.Escalations))
	copy(out, v.s.Escalations)
	return out
}

func (v View) Contradictions() []tension.Contradiction {
	out := make([]tension.Contradiction, len(v.s.Contradictions))
	copy(out, v.s.Contradictions)
	return out
}

// Decision returns the latest convergence decision, if any stage produced one.
func (v View) Decision() (converge.Decision, bool) {
	if v.s.Decision == nil {
		return converge.Decision{}, false
	}
	return *v.s.Decision, true
}
