// Package orchestrator implements the agent state machine.
//
// The machine drives a model-backed agent through tool use and a
// helpfulness self-evaluation loop:
//
//	Agent ──tool calls──▶ Action ──▶ Agent
//	Agent ──final answer──▶ Helpfulness ──helpful──▶ End
//	Helpfulness ──not helpful, loop < bound──▶ Agent
//	Helpfulness ──loop ≥ bound──▶ End (loop exhausted)
//
// Every transition is a discrete, checkpointable unit: conversation
// and loop counter are persisted after each one so a paused or
// resumed run continues without re-executing prior steps.
package orchestrator

import (
	"fmt"

	"github.com/veritas-agent/veritas/pkg/judge"
	"github.com/veritas-agent/veritas/pkg/model"
)

// Node names a state of the machine.
type Node string

const (
	NodeAgent       Node = "agent"
	NodeAction      Node = "action"
	NodeHelpfulness Node = "helpfulness"
	NodeEnd         Node = "end"
)

// DefaultLoopBound is the helpfulness loop safety valve.
const DefaultLoopBound = 10

// Decision is the outcome of the pure transition function.
type Decision struct {
	Next Node

	// IncrementLoop is set on the NotHelpful retry transition; the
	// caller increments the loop counter exactly once per decision.
	IncrementLoop bool

	// LoopExhausted marks the forced Helpfulness→End transition.
	LoopExhausted bool
}

// NextFromAgent decides the transition out of the Agent node based on
// the turn's tagged kind.
func NextFromAgent(kind model.TurnKind) (Decision, error) {
	switch kind {
	case model.TurnToolCalls:
		return Decision{Next: NodeAction}, nil
	case model.TurnFinalAnswer:
		return Decision{Next: NodeHelpfulness}, nil
	default:
		return Decision{}, fmt.Errorf("unknown turn kind: %v", kind)
	}
}

// NextFromAction is unconditional: once all invocations for a turn
// have resolved, control returns to the Agent node.
func NextFromAction() Decision {
	return Decision{Next: NodeAgent}
}

// NextFromHelpfulness decides the transition out of the Helpfulness
// node. The safety valve forces End once the loop counter reaches the
// bound, regardless of verdict.
func NextFromHelpfulness(verdict judge.Verdict, loopCount, bound int) Decision {
	if verdict == judge.VerdictHelpful {
		return Decision{Next: NodeEnd}
	}
	if loopCount >= bound {
		return Decision{Next: NodeEnd, LoopExhausted: true}
	}
	return Decision{Next: NodeAgent, IncrementLoop: true}
}
