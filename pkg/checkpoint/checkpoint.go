// Package checkpoint persists orchestrator execution state at node
// boundaries.
//
// A snapshot is everything needed to resume a task without
// re-executing prior steps: the node to run next, the conversation so
// far, and the helpfulness loop counter. Snapshots are plain
// serializable data so a paused task can survive a process restart
// between pause and resume.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/veritas-agent/veritas/pkg/protocol"
)

// ErrNotFound is returned when no snapshot exists for a task.
var ErrNotFound = errors.New("checkpoint not found")

// Snapshot captures a task's execution state at one node boundary.
type Snapshot struct {
	TaskID string `json:"task_id"`

	// Node the orchestrator will execute next.
	Node string `json:"node"`

	// Conversation accumulated so far.
	Messages []protocol.Message `json:"messages"`

	// LoopCount is the helpfulness loop counter.
	LoopCount int `json:"loop_count"`

	// Paused marks a snapshot taken at an interrupt point.
	Paused bool `json:"paused,omitempty"`

	// PausedPhase records whether the interrupt fired before or after
	// the node, so resume knows where to pick up.
	PausedPhase string `json:"paused_phase,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone deep-copies the snapshot so stored state never aliases the
// live conversation.
func (s *Snapshot) Clone() *Snapshot {
	out := *s
	out.Messages = protocol.CloneMessages(s.Messages)
	return &out
}

// Store persists snapshots keyed by task id. The orchestrator saves
// one snapshot per transition; only the latest per task is retained.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, taskID string) (*Snapshot, error)
	Delete(ctx context.Context, taskID string) error
}
