package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-ai/concord/internal/types"
)

func noteHandler(note string, next StageName) Handler {
	return func(ctx context.Context, view View) (Delta, StageName, error) {
		return Delta{Note: note}, next, nil
	}
}

func terminalHandler(status Status) Handler {
	return func(ctx context.Context, view View) (Delta, StageName, error) {
		return Delta{Status: &status}, "", nil
	}
}

func newLinearGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph("first", "esc")
	require.NoError(t, g.Register("first", noteHandler("one", "second"), "second"))
	require.NoError(t, g.Register("second", noteHandler("two", "done"), "done"))
	require.NoError(t, g.Terminal("done", terminalHandler(StatusConverged)))
	require.NoError(t, g.Terminal("esc", terminalHandler(StatusEscalated)))
	return g
}

func TestGraph_Validate(t *testing.T) {
	g := NewGraph("missing", "esc")
	require.NoError(t, g.Terminal("esc", terminalHandler(StatusEscalated)))
	assert.Error(t, g.Validate(), "unregistered start stage")

	g = NewGraph("a", "esc")
	require.NoError(t, g.Register("a", noteHandler("", "esc"), "esc"))
	require.NoError(t, g.Register("esc", noteHandler("", "a"), "a"))
	assert.Error(t, g.Validate(), "non-terminal escalation stage")

	g = NewGraph("a", "esc")
	require.NoError(t, g.Register("a", noteHandler("", "ghost"), "ghost"))
	require.NoError(t, g.Terminal("esc", terminalHandler(StatusEscalated)))
	assert.Error(t, g.Validate(), "unregistered successor")

	g = NewGraph("a", "esc")
	require.NoError(t, g.Terminal("a", terminalHandler(StatusConverged)))
	assert.Error(t, g.Register("a", noteHandler("", ""), ""), "duplicate registration")
}

func TestEngine_RunLinearGraph(t *testing.T) {
	e, err := New(newLinearGraph(t))
	require.NoError(t, err)

	final, err := e.Run(context.Background(), State{})
	require.NoError(t, err)

	assert.Equal(t, StatusConverged, final.Status)
	require.Len(t, final.Transcript, 3)
	assert.Equal(t, StageName("first"), final.Transcript[0].Stage)
	assert.Equal(t, "one", final.Transcript[0].Note)
	assert.Equal(t, StageName("done"), final.Transcript[2].Stage)
	assert.Equal(t, 3, final.Metrics.StageVisits)
}

func TestEngine_HandlerFailureRoutesToEscalation(t *testing.T) {
	g := NewGraph("boom", "esc")
	require.NoError(t, g.Register("boom", func(ctx context.Context, view View) (Delta, StageName, error) {
		return Delta{}, "", errors.New("handler exploded")
	}, "esc"))
	require.NoError(t, g.Terminal("esc", terminalHandler(StatusEscalated)))

	e, err := New(g)
	require.NoError(t, err)

	final, err := e.Run(context.Background(), State{})
	require.NoError(t, err, "handler failure is a routed outcome, not a run error")

	assert.Equal(t, StatusEscalated, final.Status)
	assert.Contains(t, final.Reason, "stage boom failed")
	require.Len(t, final.Transcript, 2)
	assert.Contains(t, final.Transcript[0].Err, "handler exploded")
}

func TestEngine_EscalationHandlerFailureReturnsError(t *testing.T) {
	g := NewGraph("boom", "esc")
	require.NoError(t, g.Register("boom", func(ctx context.Context, view View) (Delta, StageName, error) {
		return Delta{}, "", errors.New("first failure")
	}, "esc"))
	require.NoError(t, g.Terminal("esc", func(ctx context.Context, view View) (Delta, StageName, error) {
		return Delta{}, "", errors.New("escalation also failed")
	}))

	e, err := New(g)
	require.NoError(t, err)

	final, err := e.Run(context.Background(), State{})
	require.Error(t, err)
	assert.Equal(t, types.STAGE_HANDLER_FAILED, types.CodeOf(err))
	assert.Equal(t, StatusEscalated, final.Status)
}

func TestEngine_InvalidRouteEscalates(t *testing.T) {
	g := NewGraph("a", "esc")
	require.NoError(t, g.Register("a", noteHandler("", "esc"), "b"))
	require.NoError(t, g.Register("b", noteHandler("", "esc"), "esc"))
	require.NoError(t, g.Terminal("esc", terminalHandler(StatusEscalated)))

	e, err := New(g)
	require.NoError(t, err)

	final, err := e.Run(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, final.Status)
	assert.Contains(t, final.Reason, "inadmissible successor")
}

func TestEngine_StageVisitCeilingForcesEscalation(t *testing.T) {
	g := NewGraph("spin", "esc")
	require.NoError(t, g.Register("spin", noteHandler("again", "spin"), "spin"))
	require.NoError(t, g.Terminal("esc", terminalHandler(StatusEscalated)))

	e, err := New(g, WithMaxStageVisits(5))
	require.NoError(t, err)

	final, err := e.Run(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, final.Status)
	assert.Contains(t, final.Reason, "stage visit ceiling")
}

func TestEngine_ContextCancellation(t *testing.T) {
	e, err := New(newLinearGraph(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	final, err := e.Run(ctx, State{})
	require.Error(t, err)
	assert.Equal(t, StatusEscalated, final.Status)
}

func TestEngine_DeltaMergeIsCumulative(t *testing.T) {
	g := NewGraph("a", "esc")
	require.NoError(t, g.Register("a", func(ctx context.Context, view View) (Delta, StageName, error) {
		return Delta{FactsResolved: map[string]string{"x": "1"}}, "b", nil
	}, "b"))
	require.NoError(t, g.Register("b", func(ctx context.Context, view View) (Delta, StageName, error) {
		return Delta{FactsResolved: map[string]string{"y": "2"}}, "done", nil
	}, "done"))
	require.NoError(t, g.Terminal("done", terminalHandler(StatusConverged)))
	require.NoError(t, g.Terminal("esc", terminalHandler(StatusEscalated)))

	e, err := New(g)
	require.NoError(t, err)

	final, err := e.Run(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x": "1", "y": "2"}, final.Facts)
}
