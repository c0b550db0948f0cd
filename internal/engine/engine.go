package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/concord-ai/concord/internal/types"
)

// Engine runs a validated stage graph over negotiation state. Stage-to-stage
// control flow is strictly sequential; only the work inside a stage may be
// parallel.
type Engine struct {
	graph          *Graph
	logger         *slog.Logger
	tracer         trace.Tracer
	maxStageVisits int
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLogger configures the engine to use the specified structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTracer configures the engine to emit an OpenTelemetry span per stage
// execution.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithMaxStageVisits bounds total stage executions per run. The ceiling is a
// backstop behind the protocol-level round limits; hitting it escalates the
// run rather than looping.
func WithMaxStageVisits(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxStageVisits = n
		}
	}
}

// New creates an Engine over the given graph. The graph is validated once
// here; Run assumes it is sound.
func New(graph *Graph, opts ...Option) (*Engine, error) {
	if graph == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stage graph: %w", err)
	}

	e := &Engine{
		graph:          graph,
		logger:         slog.Default(),
		tracer:         noop.NewTracerProvider().Tracer("concord/engine"),
		maxStageVisits: 256,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Run executes the graph from its start stage until a terminal stage returns.
// The returned state always carries a terminal status and a transcript; a
// non-nil error additionally means the run could not complete cleanly (the
// escalation stage itself failed, or the context was cancelled).
func (e *Engine) Run(ctx context.Context, initial State) (State, error) {
	state := initial
	state.Status = StatusRunning
	if state.Round == 0 {
		state.Round = 1
	}

	current := e.graph.start
	ceilingForced := false
	for {
		if err := ctx.Err(); err != nil {
			state.Status = StatusEscalated
			if state.Reason == "" {
				state.Reason = "run cancelled"
			}
			return state, err
		}

		state.Metrics.StageVisits++
		if !ceilingForced && state.Metrics.StageVisits > e.maxStageVisits {
			err := types.NewError(types.LOOP_DETECTED, fmt.Sprintf(
				"stage visit ceiling %d reached at stage %s", e.maxStageVisits, current))
			if current == e.graph.escalation {
				state.Status = StatusEscalated
				return state, err
			}
			e.logger.Error("stage visit ceiling reached, forcing escalation",
				"stage", current,
				"ceiling", e.maxStageVisits,
			)
			ceilingForced = true
			state.Reason = err.Message
			current = e.graph.escalation
			continue
		}

		st, ok := e.graph.stages[current]
		if !ok {
			state.Status = StatusEscalated
			return state, types.NewError(types.STAGE_NOT_FOUND, fmt.Sprintf("stage %s is not registered", current))
		}

		delta, next, err := e.runStage(ctx, st, &state)

		event := Event{Stage: current, Round: state.Round, At: time.Now()}
		if err != nil {
			event.Err = err.Error()
			state.Transcript = append(state.Transcript, event)

			wrapped := types.WrapError(types.STAGE_HANDLER_FAILED,
				fmt.Sprintf("stage %s failed", current), err)
			if current == e.graph.escalation {
				// Nowhere left to route.
				state.Status = StatusEscalated
				return state, wrapped
			}
			e.logger.Error("stage handler failed, routing to escalation",
				"stage", current,
				"error", err,
			)
			state.Reason = wrapped.Error()
			current = e.graph.escalation
			continue
		}

		state.apply(delta)
		event.Round = state.Round
		event.Note = delta.Note
		state.Transcript = append(state.Transcript, event)

		if st.terminal {
			if state.Status == StatusRunning {
				state.Status = StatusEscalated
			}
			state.Metrics.Rounds = state.Round
			return state, nil
		}

		if !st.successors[next] {
			e.logger.Error("stage returned inadmissible successor, routing to escalation",
				"stage", current,
				"next", next,
			)
			state.Reason = types.NewError(types.STAGE_ROUTE_INVALID, fmt.Sprintf(
				"stage %s routed to inadmissible successor %s", current, next)).Error()
			current = e.graph.escalation
			continue
		}
		current = next
	}
}

func (e *Engine) runStage(ctx context.Context, st *stage, state *State) (Delta, StageName, error) {
	ctx, span := e.tracer.Start(ctx, "stage."+string(st.name),
		trace.WithAttributes(
			attribute.String("concord.stage", string(st.name)),
			attribute.Int("concord.round", state.Round),
		),
	)
	defer span.End()

	e.logger.Debug("executing stage", "stage", st.name, "round", state.Round)

	delta, next, err := st.handler(ctx, newView(state))
	if err != nil {
		span.RecordError(err)
		return Delta{}, "", err
	}
	span.SetAttributes(attribute.String("concord.next_stage", string(next)))
	return delta, next, nil
}
