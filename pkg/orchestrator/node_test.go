package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-agent/veritas/pkg/judge"
	"github.com/veritas-agent/veritas/pkg/model"
)

func TestNextFromAgent(t *testing.T) {
	t.Run("final answer routes to helpfulness", func(t *testing.T) {
		d, err := NextFromAgent(model.TurnFinalAnswer)
		require.NoError(t, err)
		assert.Equal(t, NodeHelpfulness, d.Next)
	})

	t.Run("tool calls route to action", func(t *testing.T) {
		d, err := NextFromAgent(model.TurnToolCalls)
		require.NoError(t, err)
		assert.Equal(t, NodeAction, d.Next)
	})

	t.Run("unknown turn kind is rejected", func(t *testing.T) {
		_, err := NextFromAgent(model.TurnKind(99))
		assert.Error(t, err)
	})
}

func TestNextFromAction(t *testing.T) {
	assert.Equal(t, NodeAgent, NextFromAction().Next)
}

func TestNextFromHelpfulness(t *testing.T) {
	tests := []struct {
		name          string
		verdict       judge.Verdict
		loopCount     int
		wantNext      Node
		wantIncrement bool
		wantExhausted bool
	}{
		{
			name:     "helpful ends the task",
			verdict:  judge.VerdictHelpful,
			wantNext: NodeEnd,
		},
		{
			name:          "not helpful below bound loops back",
			verdict:       judge.VerdictNotHelpful,
			loopCount:     3,
			wantNext:      NodeAgent,
			wantIncrement: true,
		},
		{
			name:          "not helpful at bound ends exhausted",
			verdict:       judge.VerdictNotHelpful,
			loopCount:     DefaultLoopBound,
			wantNext:      NodeEnd,
			wantExhausted: true,
		},
		{
			name:      "helpful at bound still ends normally",
			verdict:   judge.VerdictHelpful,
			loopCount: DefaultLoopBound,
			wantNext:  NodeEnd,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NextFromHelpfulness(tt.verdict, tt.loopCount, DefaultLoopBound)
			assert.Equal(t, tt.wantNext, d.Next)
			assert.Equal(t, tt.wantIncrement, d.IncrementLoop)
			assert.Equal(t, tt.wantExhausted, d.LoopExhausted)
		})
	}
}

func TestNextFromHelpfulness_ExhaustionCountsElevenVerdicts(t *testing.T) {
	// A task that is never judged helpful sees the bound's worth of
	// retries plus the final exhausting evaluation.
	loop := 0
	evaluations := 0
	for {
		evaluations++
		d := NextFromHelpfulness(judge.VerdictNotHelpful, loop, DefaultLoopBound)
		if d.IncrementLoop {
			loop++
		}
		if d.Next == NodeEnd {
			assert.True(t, d.LoopExhausted)
			break
		}
	}
	assert.Equal(t, DefaultLoopBound+1, evaluations)
	assert.Equal(t, DefaultLoopBound, loop)
}
