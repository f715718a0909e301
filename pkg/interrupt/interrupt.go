// Package interrupt implements configurable pause points in the
// orchestrator.
//
// An interrupt point names a node and a phase (before or after). When
// execution reaches a matching node boundary the task suspends, its
// state is checkpointed, and the owning task reports input_required
// until an explicit resume signal arrives. Interrupts are only checked
// at node boundaries; a step always completes atomically once started.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/veritas-agent/veritas/pkg/model"
	"github.com/veritas-agent/veritas/pkg/protocol"
)

// ErrPauseCanceled reports a pause aborted by CancelWaiting rather
// than resumed.
var ErrPauseCanceled = errors.New("pause canceled")

// Phase says whether an interrupt fires before or after its node.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// Point is one configured pause location.
type Point struct {
	Node  string `json:"node" yaml:"node"`
	Phase Phase  `json:"phase" yaml:"phase"`
}

// ParsePoint parses "phase:node" notation, e.g. "before:helpfulness".
func ParsePoint(s string) (Point, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Point{}, fmt.Errorf("invalid interrupt point %q, want phase:node", s)
	}
	p := Point{Phase: Phase(parts[0]), Node: parts[1]}
	if err := p.Validate(); err != nil {
		return Point{}, err
	}
	return p, nil
}

// Validate checks the phase is known and the node is named.
func (p Point) Validate() error {
	if p.Phase != PhaseBefore && p.Phase != PhaseAfter {
		return fmt.Errorf("invalid interrupt phase %q, want before or after", p.Phase)
	}
	if p.Node == "" {
		return fmt.Errorf("interrupt point requires a node name")
	}
	return nil
}

func (p Point) String() string {
	return fmt.Sprintf("%s:%s", p.Phase, p.Node)
}

// Set is an immutable collection of interrupt points.
type Set struct {
	points map[Point]struct{}
}

// NewSet builds a set from points. Invalid points are rejected.
func NewSet(points ...Point) (*Set, error) {
	s := &Set{points: make(map[Point]struct{}, len(points))}
	for _, p := range points {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		s.points[p] = struct{}{}
	}
	return s, nil
}

// Merge returns a set containing the points of both sets. Either may
// be nil.
func (s *Set) Merge(other *Set) *Set {
	merged := &Set{points: make(map[Point]struct{})}
	for _, src := range []*Set{s, other} {
		if src == nil {
			continue
		}
		for p := range src.points {
			merged.points[p] = struct{}{}
		}
	}
	return merged
}

// Matches reports whether a node boundary is a configured pause point.
func (s *Set) Matches(node string, phase Phase) bool {
	if s == nil || len(s.points) == 0 {
		return false
	}
	_, ok := s.points[Point{Node: node, Phase: phase}]
	return ok
}

// Empty reports whether the set has no points.
func (s *Set) Empty() bool {
	return s == nil || len(s.points) == 0
}

// Resume is the signal that continues a paused task. All fields are
// optional; an empty resume continues with the paused state untouched.
type Resume struct {
	// Messages, when set, replaces the conversation tail captured at
	// the pause.
	Messages []protocol.Message `json:"messages,omitempty"`

	// Turn, when set, substitutes the agent step's natural output at
	// an after:agent pause.
	Turn *model.Turn `json:"-"`

	// ToolResults, when set, substitute the tool executor's output at
	// an after:action pause.
	ToolResults []protocol.ToolResult `json:"tool_results,omitempty"`
}

// Controller parks paused tasks and delivers resume signals to them.
// One controller serves all tasks; entries are keyed by task id.
type Controller struct {
	mu             sync.RWMutex
	waiting        map[string]chan Resume
	defaultTimeout time.Duration
}

// NewController creates a controller. A zero timeout defaults to ten
// minutes.
func NewController(timeout time.Duration) *Controller {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &Controller{
		waiting:        make(map[string]chan Resume),
		defaultTimeout: timeout,
	}
}

// WaitForResume blocks the calling task until a resume signal, the
// timeout, or context cancellation.
func (c *Controller) WaitForResume(ctx context.Context, taskID string) (Resume, error) {
	ch := make(chan Resume, 1)

	c.mu.Lock()
	if _, exists := c.waiting[taskID]; exists {
		c.mu.Unlock()
		return Resume{}, fmt.Errorf("task already paused: %s", taskID)
	}
	c.waiting[taskID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiting, taskID)
		c.mu.Unlock()
	}()

	select {
	case resume, ok := <-ch:
		if !ok {
			return Resume{}, fmt.Errorf("%w: task %s", ErrPauseCanceled, taskID)
		}
		return resume, nil
	case <-time.After(c.defaultTimeout):
		return Resume{}, fmt.Errorf("timeout waiting for resume of task %s", taskID)
	case <-ctx.Done():
		return Resume{}, ctx.Err()
	}
}

// ProvideResume delivers a resume signal to a paused task. The send
// happens under the controller lock so it cannot race CancelWaiting
// closing the same channel; exactly one of resume or cancel wins.
func (c *Controller) ProvideResume(taskID string, resume Resume) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, exists := c.waiting[taskID]
	if !exists {
		return fmt.Errorf("task not paused: %s", taskID)
	}

	select {
	case ch <- resume:
		// Delivered. Remove the entry so a later CancelWaiting cannot
		// touch the channel the waiter is about to drain.
		delete(c.waiting, taskID)
		return nil
	default:
		return fmt.Errorf("task already resumed: %s", taskID)
	}
}

// IsWaiting reports whether a task is currently paused.
func (c *Controller) IsWaiting(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.waiting[taskID]
	return exists
}

// CancelWaiting aborts the pause of a task, typically on cancellation.
func (c *Controller) CancelWaiting(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, exists := c.waiting[taskID]; exists {
		close(ch)
		delete(c.waiting, taskID)
	}
}
