package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/concord-ai/concord/internal/verdict"
)

func TestWriteTranscript(t *testing.T) {
	n := newNegotiator(t, NegotiatorConfig{})

	result, err := n.Run(context.Background(), NegotiationInput{
		Proposal: testProposal(),
		Evaluators: []verdict.Evaluator{
			accepts("risk", 80),
			accepts("finance", 75),
		},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, result.WriteTranscript(&buf))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))

	assert.Equal(t, "CONVERGED", doc["status"])
	assert.Equal(t, 1, doc["rounds"])
	events, ok := doc["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 4)

	verdicts, ok := doc["verdicts"].([]any)
	require.True(t, ok)
	assert.Len(t, verdicts, 2)

	rounds, ok := doc["round_history"].([]any)
	require.True(t, ok)
	require.Len(t, rounds, 1)
	round, ok := rounds[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, round["round"])
	assert.Len(t, round["verdicts"], 2)
}

func TestWriteTranscript_CarriesEscalationPositions(t *testing.T) {
	n := newNegotiator(t, NegotiatorConfig{}, WithReviser(bumpReviser{}))

	// Both sides hold their ratings for two rounds, so the loop escalation
	// carries their quantified positions.
	result, err := n.Run(context.Background(), NegotiationInput{
		Proposal: testProposal(),
		Evaluators: []verdict.Evaluator{
			&scriptedEvaluator{id: "legal", script: []verdict.Verdict{
				{Rating: verdict.RatingBlock, Confidence: 90},
			}},
			accepts("growth", 70),
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, result.Status)
	require.NotEmpty(t, result.Escalations)

	var buf bytes.Buffer
	require.NoError(t, result.WriteTranscript(&buf))

	out := buf.String()
	assert.Contains(t, out, "reason:")
	assert.Contains(t, out, "position_a:")
	assert.Contains(t, out, "position_b:")
	assert.Contains(t, out, "legal")
	assert.Contains(t, out, "growth")
}
