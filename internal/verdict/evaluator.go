package verdict

import "context"

// Caller issues an external call on behalf of an evaluator. Implementations
// route the call through the governance stack (cache, budgets, breaker); the
// evaluator never talks to a provider directly.
type Caller interface {
	// Call executes one governed external call in the given category.
	// Returns an admission, circuit, or provider error on failure.
	Call(ctx context.Context, category string, request map[string]any) (any, error)
}

// Environment is the per-round context handed to each evaluator alongside
// the proposal.
type Environment struct {
	// Round is the current negotiation round, starting at 1.
	Round int

	// Scope is the triggering context used for waiver coverage checks.
	Scope ScopeContext

	// Calls routes the evaluator's external calls through governance.
	// May be nil for evaluators that need no external data.
	Calls Caller

	// BudgetExhausted is set when the governor stopped admitting calls in
	// some category mid-stage; evaluators should prefer cached or partial
	// evidence over failing.
	BudgetExhausted bool
}

// Evaluator is the external collaborator contract: it judges a proposal and
// returns a structured verdict. Implementations must be side-effect-free with
// respect to engine state, though they may issue external calls through the
// Caller they are handed.
type Evaluator interface {
	// ID returns the stable evaluator identity used for tiering, budgets,
	// and pairwise tension tracking.
	ID() string

	// Evaluate judges the proposal and returns a verdict for this round.
	Evaluate(ctx context.Context, proposal Proposal, env Environment) (Verdict, error)
}
