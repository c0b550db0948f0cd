package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/concord-ai/concord/internal/breaker"
	"github.com/concord-ai/concord/internal/cache"
	"github.com/concord-ai/concord/internal/converge"
	"github.com/concord-ai/concord/internal/governor"
	"github.com/concord-ai/concord/internal/tension"
	"github.com/concord-ai/concord/internal/types"
	"github.com/concord-ai/concord/internal/verdict"
)

// Built-in negotiation stages.
const (
	StageEvaluate     StageName = "evaluate"
	StageTension      StageName = "tension"
	StageResolveFacts StageName = "resolve_facts"
	StageConverge     StageName = "converge"
	StageRevise       StageName = "revise"
	StageFinalize     StageName = "finalize"
	StageEscalate     StageName = "escalate"
)

// Reviser produces the next proposal revision after a round that did not
// converge. External collaborator: the engine only carries its output.
type Reviser interface {
	Revise(ctx context.Context, proposal verdict.Proposal, decision converge.Decision, verdicts verdict.Set) (verdict.Proposal, error)
}

// FactResolver settles one contradictory factual claim. External collaborator
// consulted at most once per run; an error means the contradiction stands and
// the run escalates.
type FactResolver interface {
	Resolve(ctx context.Context, c tension.Contradiction) (string, error)
}

// NegotiationInput is everything one run needs.
type NegotiationInput struct {
	Proposal            verdict.Proposal
	Evaluators          []verdict.Evaluator
	Tiers               verdict.TierMap
	Waivers             []verdict.Waiver
	Trigger             verdict.ScopeContext
	AcceptedMitigations map[string]bool
}

// NegotiationResult is the typed outcome of a run. Escalated results always
// carry a human-readable reason, and the escalation records hold the full
// quantified positions of the conflicting parties.
type NegotiationResult struct {
	Status   Status
	Reason   string
	Verdicts verdict.Set

	// VerdictHistory retains every round's full verdict set in order, so
	// superseded rounds stay available for audit.
	VerdictHistory []verdict.Set

	Decision    *converge.Decision
	Escalations []tension.Escalation
	Facts       map[string]string
	Transcript  []Event
	Metrics     Metrics
}

// NegotiatorConfig holds the protocol knobs for the built-in pipeline.
type NegotiatorConfig struct {
	// MaxRounds is the hard round ceiling per run. Default: 8.
	MaxRounds int `mapstructure:"max_rounds" yaml:"max_rounds"`

	// Tension configures conflict classes and pair assignments.
	Tension tension.Config `mapstructure:"tension" yaml:"tension"`

	// Converge configures the convergence judge.
	Converge converge.Config `mapstructure:"converge" yaml:"converge"`
}

// Negotiator wires the built-in pipeline: parallel evaluation through the
// governance stack, tension observation, convergence judgment, and a bounded
// revise loop. One Negotiator serves many runs; each run gets its own
// governor session and tension resolver.
type Negotiator struct {
	governor *governor.Governor
	cache    *cache.ResultCache
	failover *breaker.FailoverManager
	judge    *converge.Judge
	reviser  Reviser
	facts    FactResolver
	config   NegotiatorConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NegotiatorOption is a functional option for configuring a Negotiator.
type NegotiatorOption func(*Negotiator)

// WithCache gives evaluator calls a shared result cache.
func WithCache(c *cache.ResultCache) NegotiatorOption {
	return func(n *Negotiator) {
		n.cache = c
	}
}

// WithFailover routes evaluator external calls through the breaker-protected
// provider pool. Without it, evaluators get no Caller and must judge on the
// proposal alone.
func WithFailover(fm *breaker.FailoverManager) NegotiatorOption {
	return func(n *Negotiator) {
		n.failover = fm
	}
}

// WithReviser enables the revise loop. Without one, a non-converged round
// escalates immediately.
func WithReviser(r Reviser) NegotiatorOption {
	return func(n *Negotiator) {
		n.reviser = r
	}
}

// WithFactResolver enables the single fact-resolution attempt for
// contradictory claims.
func WithFactResolver(fr FactResolver) NegotiatorOption {
	return func(n *Negotiator) {
		n.facts = fr
	}
}

// WithNegotiatorLogger configures the negotiator to use the specified
// structured logger.
func WithNegotiatorLogger(logger *slog.Logger) NegotiatorOption {
	return func(n *Negotiator) {
		n.logger = logger
	}
}

// WithNegotiatorTracer configures per-stage OpenTelemetry spans.
func WithNegotiatorTracer(tracer trace.Tracer) NegotiatorOption {
	return func(n *Negotiator) {
		n.tracer = tracer
	}
}

// NewNegotiator creates a Negotiator over the given governor.
func NewNegotiator(g *governor.Governor, config NegotiatorConfig, opts ...NegotiatorOption) (*Negotiator, error) {
	if g == nil {
		return nil, fmt.Errorf("governor cannot be nil")
	}
	if config.MaxRounds <= 0 {
		config.MaxRounds = 8
	}

	n := &Negotiator{
		governor: g,
		judge:    converge.New(config.Converge),
		config:   config,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n, nil
}

// Run executes one full negotiation and returns its typed outcome. Budget
// exhaustion, open circuits, loops, and contradictions all surface here as
// structured results, never as a silently truncated verdict set.
func (n *Negotiator) Run(ctx context.Context, input NegotiationInput) (NegotiationResult, error) {
	if err := validateInput(input); err != nil {
		return NegotiationResult{}, err
	}

	resolver, err := tension.New(n.config.Tension, tension.WithLogger(n.logger))
	if err != nil {
		return NegotiationResult{}, types.WrapError(types.CONFIG_VALIDATION_FAILED, "tension configuration rejected", err)
	}

	session := n.governor.NewSession()
	r := &run{
		n:        n,
		input:    input,
		session:  session,
		resolver: resolver,
	}

	engine, err := New(r.graph(),
		WithLogger(n.logger),
		withOptionalTracer(n.tracer),
		WithMaxStageVisits(n.config.MaxRounds*8),
	)
	if err != nil {
		return NegotiationResult{}, err
	}

	start := time.Now()
	final, runErr := engine.Run(ctx, State{
		SessionID: session.ID(),
		Proposal:  input.Proposal,
		Round:     1,
	})

	admitted, denied := session.Stats()
	final.Metrics.CallsAdmitted = admitted
	final.Metrics.CallsDenied = denied
	final.Metrics.Duration = time.Since(start)

	n.logger.Info("negotiation finished",
		"session", session.ID(),
		"status", final.Status,
		"rounds", final.Metrics.Rounds,
		"calls_admitted", admitted,
		"calls_denied", denied,
	)

	return NegotiationResult{
		Status:         final.Status,
		Reason:         final.Reason,
		Verdicts:       final.Verdicts,
		VerdictHistory: final.History,
		Decision:       final.Decision,
		Escalations:    final.Escalations,
		Facts:          final.Facts,
		Transcript:     final.Transcript,
		Metrics:        final.Metrics,
	}, runErr
}

func withOptionalTracer(t trace.Tracer) Option {
	if t == nil {
		return func(*Engine) {}
	}
	return WithTracer(t)
}

func validateInput(input NegotiationInput) error {
	if len(input.Evaluators) == 0 {
		return types.NewError(types.SESSION_INVALID, "negotiation requires at least one evaluator")
	}
	seen := make(map[string]bool, len(input.Evaluators))
	for _, ev := range input.Evaluators {
		id := ev.ID()
		if id == "" {
			return types.NewError(types.SESSION_INVALID, "evaluator with empty id")
		}
		if seen[id] {
			return types.NewError(types.SESSION_INVALID, fmt.Sprintf("duplicate evaluator id %s", id))
		}
		seen[id] = true
	}
	return nil
}

// run holds the per-session collaborators the stage handlers close over.
type run struct {
	n        *Negotiator
	input    NegotiationInput
	session  *governor.Session
	resolver *tension.Resolver
}

func (r *run) graph() *Graph {
	g := NewGraph(StageEvaluate, StageEscalate)
	// Registration cannot fail here: names are non-empty constants and each
	// is registered once.
	_ = g.Register(StageEvaluate, r.evaluate, StageTension)
	_ = g.Register(StageTension, r.tension, StageConverge, StageResolveFacts, StageEscalate)
	_ = g.Register(StageResolveFacts, r.resolveFacts, StageConverge, StageEscalate)
	_ = g.Register(StageConverge, r.converge, StageFinalize, StageRevise)
	_ = g.Register(StageRevise, r.revise, StageEvaluate, StageEscalate)
	_ = g.Terminal(StageFinalize, r.finalize)
	_ = g.Terminal(StageEscalate, r.escalate)
	return g
}

// evaluate runs all engaged evaluators concurrently with no shared mutable
// state between them. An evaluator stopped by admission denial is skipped and
// the round proceeds on partial results with the budget flag set; any other
// evaluator error fails the stage.
func (r *run) evaluate(ctx context.Context, view View) (Delta, StageName, error) {
	proposal := view.Proposal()
	env := verdict.Environment{
		Round:           view.Round(),
		Scope:           r.input.Trigger,
		BudgetExhausted: view.BudgetExhausted(),
	}

	var mu sync.Mutex
	verdicts := make(verdict.Set, 0, len(r.input.Evaluators))
	exhausted := view.BudgetExhausted()

	g, gctx := errgroup.WithContext(ctx)
	for _, ev := range r.input.Evaluators {
		ev := ev
		evEnv := env
		if r.n.failover != nil {
			evEnv.Calls = governor.NewGovernedCaller(r.n.governor, r.session, ev.ID(), r.n.cache, r.n.failover)
		}

		g.Go(func() error {
			v, err := ev.Evaluate(gctx, proposal, evEnv)
			if err != nil {
				if types.IsAdmissionDenied(err) {
					r.n.logger.Warn("evaluator stopped by admission denial, proceeding on partial results",
						"evaluator", ev.ID(),
						"round", env.Round,
						"error", err,
					)
					mu.Lock()
					exhausted = true
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("evaluator %s: %w", ev.ID(), err)
			}

			v.EvaluatorID = ev.ID()
			v.Round = env.Round
			if v.CreatedAt.IsZero() {
				v.CreatedAt = time.Now()
			}
			if err := v.Validate(); err != nil {
				return err
			}

			mu.Lock()
			verdicts = append(verdicts, v)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Delta{}, "", err
	}

	// Deterministic ordering for the transcript and pairwise observation.
	sort.Slice(verdicts, func(i, j int) bool {
		return verdicts[i].EvaluatorID < verdicts[j].EvaluatorID
	})

	if r.session.Denied() {
		exhausted = true
	}

	return Delta{
		Verdicts:        verdicts,
		BudgetExhausted: &exhausted,
		Note:            fmt.Sprintf("collected %d of %d verdicts", len(verdicts), len(r.input.Evaluators)),
	}, StageTension, nil
}

// tension observes the round's verdict set and routes: forced escalations go
// straight to the escalation stage, fresh contradictions get the single
// fact-resolution attempt, everything else proceeds to judgment.
func (r *run) tension(ctx context.Context, view View) (Delta, StageName, error) {
	out := r.resolver.Observe(view.Verdicts())

	delta := Delta{
		Tensions:       out.Tensions,
		Escalations:    out.Escalations,
		Contradictions: out.Contradictions,
		Note:           fmt.Sprintf("%d tensions, %d escalations, %d contradictions", len(out.Tensions), len(out.Escalations), len(out.Contradictions)),
	}

	if out.MustEscalate() {
		delta.Reason = out.Escalations[0].Reason
		return delta, StageEscalate, nil
	}

	if len(out.Contradictions) > 0 {
		if !view.FactResolutionUsed() && r.n.facts != nil {
			return delta, StageResolveFacts, nil
		}
		delta.Escalations = append(delta.Escalations, r.contradictionEscalations(view, out.Contradictions)...)
		delta.Reason = fmt.Sprintf("unresolved contradiction on claim %q between %s and %s",
			out.Contradictions[0].Claim, out.Contradictions[0].Pair[0], out.Contradictions[0].Pair[1])
		return delta, StageEscalate, nil
	}

	return delta, StageConverge, nil
}

// resolveFacts spends the run's single fact-resolution attempt. Every open
// contradiction must settle; a resolver error makes the contradiction fatal.
func (r *run) resolveFacts(ctx context.Context, view View) (Delta, StageName, error) {
	contradictions := view.Contradictions()
	resolved := make(map[string]string, len(contradictions))

	for _, c := range contradictions {
		value, err := r.n.facts.Resolve(ctx, c)
		if err != nil {
			delta := Delta{
				MarkFactResolutionUsed: true,
				Escalations:            r.contradictionEscalations(view, contradictions),
				Reason: fmt.Sprintf("fact resolution failed for claim %q: %v",
					c.Claim, err),
			}
			return delta, StageEscalate, nil
		}
		resolved[c.Claim] = value
		r.n.logger.Info("contradictory claim settled",
			"claim", c.Claim,
			"value", value,
			"pair", c.Pair,
		)
	}

	return Delta{
		FactsResolved:          resolved,
		MarkFactResolutionUsed: true,
		Contradictions:         []tension.Contradiction{},
		Note:                   fmt.Sprintf("settled %d contradictory claims", len(resolved)),
	}, StageConverge, nil
}

func (r *run) contradictionEscalations(view View, contradictions []tension.Contradiction) []tension.Escalation {
	verdicts := view.Verdicts()
	out := make([]tension.Escalation, 0, len(contradictions))
	for _, c := range contradictions {
		a, _ := verdicts.ByEvaluator(c.Pair[0])
		b, _ := verdicts.ByEvaluator(c.Pair[1])
		out = append(out, tension.Escalation{
			Pair: c.Pair,
			Code: types.CONTRADICTION_DETECTED,
			Reason: fmt.Sprintf("claim %q asserted as %q by %s and %q by %s",
				c.Claim, c.ValueA, c.Pair[0], c.ValueB, c.Pair[1]),
			Rounds:    view.Round(),
			PositionA: a,
			PositionB: b,
		})
	}
	return out
}

func (r *run) converge(ctx context.Context, view View) (Delta, StageName, error) {
	decision := r.n.judge.Decide(converge.Input{
		Verdicts:            view.Verdicts(),
		Tiers:               r.input.Tiers,
		Waivers:             r.input.Waivers,
		Trigger:             r.input.Trigger,
		AcceptedMitigations: r.input.AcceptedMitigations,
		Round:               view.Round(),
		BudgetExhausted:     view.BudgetExhausted(),
	})

	delta := Delta{
		Decision: &decision,
		Note:     fmt.Sprintf("%s: %s", decision.Status, decision.Reason),
	}
	if decision.Status == converge.Converged {
		return delta, StageFinalize, nil
	}
	return delta, StageRevise, nil
}

// revise advances the round or gives up: the hard ceiling and the absence of
// a revision path both escalate with the judge's denial as the reason.
func (r *run) revise(ctx context.Context, view View) (Delta, StageName, error) {
	decision, _ := view.Decision()

	if view.Round() >= r.n.config.MaxRounds {
		return Delta{
			Reason: fmt.Sprintf("round ceiling %d reached without convergence: %s",
				r.n.config.MaxRounds, decision.Reason),
		}, StageEscalate, nil
	}

	if r.n.reviser == nil {
		return Delta{
			Reason: fmt.Sprintf("not converged and no revision path: %s", decision.Reason),
		}, StageEscalate, nil
	}

	next, err := r.n.reviser.Revise(ctx, view.Proposal(), decision, view.Verdicts())
	if err != nil {
		return Delta{}, "", fmt.Errorf("reviser: %w", err)
	}

	round := view.Round() + 1
	return Delta{
		Proposal: &next,
		Round:    &round,
		Tensions: []tension.Tension{},
		Note:     fmt.Sprintf("revision %d produced, starting round %d", next.Revision, round),
	}, StageEvaluate, nil
}

func (r *run) finalize(ctx context.Context, view View) (Delta, StageName, error) {
	status := StatusConverged
	return Delta{
		Status: &status,
		Reason: "converged",
		Note:   "negotiation converged",
	}, "", nil
}

func (r *run) escalate(ctx context.Context, view View) (Delta, StageName, error) {
	status := StatusEscalated
	reason := view.Reason()
	if reason == "" {
		if escalations := view.Escalations(); len(escalations) > 0 {
			reason = escalations[0].Reason
		} else if decision, ok := view.Decision(); ok {
			reason = decision.Reason
		} else {
			reason = "escalated"
		}
	}
	return Delta{
		Status: &status,
		Reason: reason,
		Note:   "negotiation escalated: " + reason,
	}, "", nil
}
