// Package model treats the language model as an opaque capability:
// given a conversation and a set of callable tools, it returns either
// a final answer or a set of tool invocations.
package model

import (
	"context"
	"fmt"

	"github.com/veritas-agent/veritas/pkg/protocol"
)

// TurnKind discriminates the two possible outcomes of a model call.
type TurnKind int

const (
	// TurnFinalAnswer means the model produced a candidate final
	// answer with no tool invocations.
	TurnFinalAnswer TurnKind = iota

	// TurnToolCalls means the model requested one or more tool
	// invocations.
	TurnToolCalls
)

func (k TurnKind) String() string {
	switch k {
	case TurnFinalAnswer:
		return "final_answer"
	case TurnToolCalls:
		return "tool_calls"
	default:
		return fmt.Sprintf("turn_kind(%d)", int(k))
	}
}

// Turn is the assistant's latest output. Consumers must switch on Kind
// exhaustively rather than inspect the field shapes.
type Turn struct {
	Kind      TurnKind
	Content   string
	ToolCalls []protocol.ToolCall
}

// Message converts the turn into its conversation entry.
func (t *Turn) Message() protocol.Message {
	if t.Kind == TurnToolCalls {
		return protocol.NewAssistantToolCalls(t.Content, t.ToolCalls)
	}
	return protocol.NewAssistantMessage(t.Content)
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Provider generates one assistant turn from a conversation.
type Provider interface {
	Name() string
	Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Turn, error)
}
