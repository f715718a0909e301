// Package protocol defines the conversation types shared by the model
// layer, the tool executor and the orchestrator.
//
// A Conversation is an ordered, append-only sequence of messages owned
// exclusively by one task. Messages are plain data so they can be
// checkpointed and replayed without loss.
package protocol

import "fmt"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one tool invocation. An errored
// invocation is still a result: it is appended to the conversation so
// the agent can react to it.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one entry in a conversation.
type Message struct {
	Role Role `json:"role"`

	// Text content. Assistant messages may be empty when the turn is
	// tool calls only.
	Content string `json:"content,omitempty"`

	// Tool calls requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Result carried by a tool message.
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// NewUserMessage builds a user message with text content.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// NewAssistantMessage builds an assistant message with text content.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// NewAssistantToolCalls builds an assistant message requesting tools.
func NewAssistantToolCalls(text string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// NewToolMessage wraps a tool result as a conversation entry.
func NewToolMessage(result ToolResult) Message {
	return Message{Role: RoleTool, ToolResult: &result}
}

// Validate reports structural problems with a message.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser:
		if m.Content == "" {
			return fmt.Errorf("user message requires content")
		}
	case RoleAssistant:
		if m.Content == "" && len(m.ToolCalls) == 0 {
			return fmt.Errorf("assistant message requires content or tool calls")
		}
	case RoleTool:
		if m.ToolResult == nil {
			return fmt.Errorf("tool message requires a tool result")
		}
	default:
		return fmt.Errorf("unknown role: %q", m.Role)
	}
	return nil
}

// CloneMessages deep-copies a conversation slice. Checkpoints and
// interrupt snapshots must never alias the live conversation.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if len(m.ToolCalls) > 0 {
			out[i].ToolCalls = make([]ToolCall, len(m.ToolCalls))
			copy(out[i].ToolCalls, m.ToolCalls)
			for j, tc := range m.ToolCalls {
				if tc.Arguments != nil {
					args := make(map[string]any, len(tc.Arguments))
					for k, v := range tc.Arguments {
						args[k] = v
					}
					out[i].ToolCalls[j].Arguments = args
				}
			}
		}
		if m.ToolResult != nil {
			r := *m.ToolResult
			out[i].ToolResult = &r
		}
	}
	return out
}
