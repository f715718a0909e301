package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{name: "user with content", msg: NewUserMessage("hello")},
		{name: "user without content", msg: Message{Role: RoleUser}, wantErr: true},
		{name: "assistant with content", msg: NewAssistantMessage("hi")},
		{
			name: "assistant with tool calls only",
			msg:  NewAssistantToolCalls("", []ToolCall{{ID: "c1", Name: "search"}}),
		},
		{name: "assistant empty", msg: Message{Role: RoleAssistant}, wantErr: true},
		{
			name: "tool with result",
			msg:  NewToolMessage(ToolResult{ToolCallID: "c1", ToolName: "search", Content: "ok"}),
		},
		{name: "tool without result", msg: Message{Role: RoleTool}, wantErr: true},
		{name: "unknown role", msg: Message{Role: "system2", Content: "x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCloneMessages_DeepCopies(t *testing.T) {
	original := []Message{
		NewUserMessage("question"),
		NewAssistantToolCalls("", []ToolCall{
			{ID: "c1", Name: "search", Arguments: map[string]any{"query": "go"}},
		}),
		NewToolMessage(ToolResult{ToolCallID: "c1", ToolName: "search", Content: "result"}),
	}

	cloned := CloneMessages(original)
	require.Equal(t, original, cloned)

	// Mutating the clone must not leak into the original.
	cloned[0].Content = "changed"
	cloned[1].ToolCalls[0].Arguments["query"] = "rust"
	cloned[2].ToolResult.Content = "changed"

	assert.Equal(t, "question", original[0].Content)
	assert.Equal(t, "go", original[1].ToolCalls[0].Arguments["query"])
	assert.Equal(t, "result", original[2].ToolResult.Content)
}

func TestCloneMessages_Nil(t *testing.T) {
	assert.Nil(t, CloneMessages(nil))
}
