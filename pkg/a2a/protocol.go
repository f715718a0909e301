// Package a2a implements the agent-to-agent protocol surface: the
// discoverable agent card, the task lifecycle objects, and the
// HTTP+JSON transport with SSE streaming.
package a2a

import (
	"time"

	"github.com/veritas-agent/veritas/pkg/protocol"
)

// ProtocolVersion is the protocol revision this server speaks.
const ProtocolVersion = "1.0"

// WellKnownCardPath is the discovery path for the agent card.
const WellKnownCardPath = "/.well-known/agent-card.json"

// ============================================================================
// AGENT CARD - DISCOVERY & CAPABILITY ADVERTISEMENT
// ============================================================================

// AgentCard is the immutable capability descriptor published for
// discovery. It is fixed at service startup from configuration.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	Skills             []AgentSkill      `json:"skills"`
}

// AgentCapabilities describes what the agent supports.
type AgentCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// AgentSkill is one advertised capability with example invocations.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// HasSkill reports whether the card advertises the given skill id.
func (c *AgentCard) HasSkill(id string) bool {
	for _, s := range c.Skills {
		if s.ID == id {
			return true
		}
	}
	return false
}

// ============================================================================
// TASK - UNIT OF WORK
// ============================================================================

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input_required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

// IsTerminal reports whether the state ends the task lifecycle.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCanceled
}

// TaskStatus is the current status of a task.
type TaskStatus struct {
	State     TaskState `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Reason    string    `json:"reason,omitempty"`
}

// TaskError describes a task failure.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error kinds carried in TaskError.Code and stream events.
const (
	ErrorCodeToolInvocation   = "tool_invocation_error"
	ErrorCodeEvaluator        = "evaluator_unavailable"
	ErrorCodeCanceled         = "canceled"
	ErrorCodeProtocol         = "protocol_error"
	ErrorCodeInternal         = "internal_fault"
	ErrorCodeDeadlineExceeded = "deadline_exceeded"
)

// Task is one end-to-end unit of work. It owns exactly one
// conversation; the history is never shared across tasks.
type Task struct {
	ID      string             `json:"id"`
	SkillID string             `json:"skillId,omitempty"`
	Status  TaskStatus         `json:"status"`
	History []protocol.Message `json:"history,omitempty"`

	// Result is the final answer, set once the task completes.
	Result string `json:"result,omitempty"`

	Error    *TaskError     `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MetadataLoopExhausted annotates completion via the loop safety
// valve rather than a helpful verdict.
const MetadataLoopExhausted = "loop_exhausted"

// ============================================================================
// RPC PARAMETERS
// ============================================================================

// InterruptPoint configures one pause location for a task.
type InterruptPoint struct {
	NodeName string `json:"nodeName"`
	Phase    string `json:"phase"` // "before" or "after"
}

// MessageSendParams is the task submission request.
type MessageSendParams struct {
	Message string `json:"message"`
	SkillID string `json:"skillId,omitempty"`

	// Blocking makes the submission wait for a terminal state.
	Blocking bool `json:"blocking,omitempty"`

	// Interrupts configures per-task pause points, merged with any
	// globally configured ones.
	Interrupts []InterruptPoint `json:"interrupts,omitempty"`
}

// TaskResumeParams continues a paused task, optionally substituting
// the paused step's output.
type TaskResumeParams struct {
	// Messages replaces the conversation tail captured at the pause.
	Messages []protocol.Message `json:"messages,omitempty"`

	// Answer substitutes the agent step's output at an after:agent
	// pause.
	Answer string `json:"answer,omitempty"`

	// ToolResults substitute the executor's output at an after:action
	// pause.
	ToolResults []protocol.ToolResult `json:"toolResults,omitempty"`
}

// TaskCancelParams carries an optional cancellation reason.
type TaskCancelParams struct {
	Reason string `json:"reason,omitempty"`
}

// ============================================================================
// STREAMING
// ============================================================================

// StreamEventType discriminates streaming events.
type StreamEventType string

const (
	StreamEventStatus  StreamEventType = "status"
	StreamEventMessage StreamEventType = "message"
)

// StreamEvent is one entry in a task's event stream. The stream is
// finite: it terminates with an event whose State is terminal.
type StreamEvent struct {
	Type      StreamEventType   `json:"type"`
	TaskID    string            `json:"taskId"`
	NodeName  string            `json:"nodeName,omitempty"`
	State     TaskState         `json:"state"`
	Message   *protocol.Message `json:"message,omitempty"`
	Result    string            `json:"partialResult,omitempty"`
	Error     *TaskError        `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Final reports whether this event terminates the stream.
func (e StreamEvent) Final() bool {
	return e.State.IsTerminal()
}
