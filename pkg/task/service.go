// Package task drives one orchestrator per submitted task and maps
// machine progress onto the protocol task lifecycle.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-agent/veritas/pkg/a2a"
	"github.com/veritas-agent/veritas/pkg/checkpoint"
	"github.com/veritas-agent/veritas/pkg/interrupt"
	"github.com/veritas-agent/veritas/pkg/judge"
	"github.com/veritas-agent/veritas/pkg/model"
	"github.com/veritas-agent/veritas/pkg/observability"
	"github.com/veritas-agent/veritas/pkg/orchestrator"
	"github.com/veritas-agent/veritas/pkg/protocol"
)

// Service errors. The transport layer maps these onto HTTP statuses.
var (
	ErrNotFound        = errors.New("task not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrAlreadyTerminal = errors.New("task already terminal")
	ErrNotPaused       = errors.New("task not paused")
)

const subscriberBuffer = 64

// Config assembles the task service.
type Config struct {
	Provider  model.Provider
	Evaluator judge.Evaluator
	Executor  orchestrator.ToolExecutor
	Tools     orchestrator.ToolSource

	// Checkpoints defaults to an in-memory store.
	Checkpoints checkpoint.Store

	// Controller parks paused tasks. Defaults to a fresh controller.
	Controller *interrupt.Controller

	// GlobalInterrupts apply to every task, merged with per-task
	// points at submission.
	GlobalInterrupts *interrupt.Set

	// SkillIDs restricts which skill ids submissions may reference.
	// Empty means any (including none).
	SkillIDs []string

	// LoopBound caps the helpfulness loop. Default 10.
	LoopBound int

	// TaskTimeout is the overall per-task deadline. Zero disables it.
	TaskTimeout time.Duration

	// Retention prunes terminal tasks older than this window. Zero
	// keeps them for the service lifetime.
	Retention time.Duration

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Service owns all live tasks. Each task runs on its own goroutine
// with an exclusive execution context; the service only ever touches
// shared bookkeeping under its locks.
type Service struct {
	cfg Config
	log *slog.Logger

	mu      sync.RWMutex
	tasks   map[string]*a2a.Task
	cancels map[string]context.CancelFunc

	subsMu      sync.RWMutex
	subscribers map[string][]chan a2a.StreamEvent

	wg   sync.WaitGroup
	done chan struct{}
}

// NewService validates config and builds the service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("helpfulness evaluator is required")
	}
	if cfg.Checkpoints == nil {
		cfg.Checkpoints = checkpoint.NewMemoryStore()
	}
	if cfg.Controller == nil {
		cfg.Controller = interrupt.NewController(0)
	}
	if cfg.LoopBound <= 0 {
		cfg.LoopBound = orchestrator.DefaultLoopBound
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Service{
		cfg:         cfg,
		log:         cfg.Logger,
		tasks:       make(map[string]*a2a.Task),
		cancels:     make(map[string]context.CancelFunc),
		subscribers: make(map[string][]chan a2a.StreamEvent),
		done:        make(chan struct{}),
	}
	if cfg.Retention > 0 {
		s.wg.Add(1)
		go s.retentionSweep()
	}
	return s, nil
}

// Submit creates a task seeded with the message and starts driving it.
// It returns as soon as the task is running unless params.Blocking is
// set, in which case it waits for a terminal state.
func (s *Service) Submit(ctx context.Context, params a2a.MessageSendParams) (*a2a.Task, error) {
	if params.Message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if err := s.validateSkill(params.SkillID); err != nil {
		return nil, err
	}
	taskInterrupts, err := parseInterrupts(params.Interrupts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := time.Now()
	task := &a2a.Task{
		ID:      "task-" + uuid.New().String(),
		SkillID: params.SkillID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateSubmitted,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	orch, err := s.buildOrchestrator(task.ID, taskInterrupts)
	if err != nil {
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.cancels[task.ID] = cancel
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TasksSubmitted.Inc()
		s.cfg.Metrics.TasksActive.Inc()
	}

	// Subscribe before the runner starts so a blocking caller cannot
	// miss the terminal event.
	var events chan a2a.StreamEvent
	if params.Blocking {
		events = s.subscribe(task.ID)
		defer s.unsubscribe(task.ID, events)
	}

	s.wg.Add(1)
	go s.runTask(runCtx, cancel, orch, task.ID, protocol.NewUserMessage(params.Message))

	if !params.Blocking {
		return s.Get(task.ID)
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok || ev.Final() {
				return s.Get(task.ID)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Get returns a point-in-time snapshot of a task.
func (s *Service) Get(taskID string) (*a2a.Task, error) {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return cloneTask(task), nil
}

// List returns snapshots of all known tasks.
func (s *Service) List() []*a2a.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*a2a.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	return out
}

// Stream subscribes to a task's event sequence. For a terminal task
// the channel yields one final event and closes. The subscription ends
// when ctx is done or the task reaches a terminal state.
func (s *Service) Stream(ctx context.Context, taskID string) (<-chan a2a.StreamEvent, error) {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	// Subscribe before the terminal check so a task finishing in
	// between cannot leave the subscriber waiting forever.
	ch := s.subscribe(taskID)

	s.mu.RLock()
	terminal := task.Status.State.IsTerminal()
	snapshot := cloneTask(task)
	s.mu.RUnlock()

	if terminal {
		s.unsubscribe(taskID, ch)
		out := make(chan a2a.StreamEvent, 1)
		out <- s.terminalEvent(snapshot)
		close(out)
		return out, nil
	}

	go func() {
		<-ctx.Done()
		s.unsubscribe(taskID, ch)
	}()
	return ch, nil
}

// Cancel requests cooperative cancellation and waits for it to be
// honored at the next node boundary. A step already in flight finishes
// first.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) (*a2a.Task, error) {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	cancel := s.cancels[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	// Subscribe before the terminal check: a runner finishing in the
	// window between the two would otherwise have already closed its
	// subscribers and the wait below would never see the final event.
	events := s.subscribe(taskID)
	defer s.unsubscribe(taskID, events)

	s.mu.Lock()
	if task.Status.State.IsTerminal() {
		state := task.Status.State
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, taskID, state)
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]any)
	}
	task.Metadata["cancel_requested"] = true
	if reason != "" {
		task.Status.Reason = reason
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.cfg.Controller.CancelWaiting(taskID)

	for {
		select {
		case ev, ok := <-events:
			if !ok || ev.Final() {
				return s.Get(taskID)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Resume delivers a resume signal to a paused task.
func (s *Service) Resume(taskID string, params a2a.TaskResumeParams) (*a2a.Task, error) {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if task.Status.State != a2a.TaskStateInputRequired {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPaused, taskID, task.Status.State)
	}

	resume := interrupt.Resume{
		Messages:    params.Messages,
		ToolResults: params.ToolResults,
	}
	if params.Answer != "" {
		resume.Turn = &model.Turn{Kind: model.TurnFinalAnswer, Content: params.Answer}
	}
	if err := s.cfg.Controller.ProvideResume(taskID, resume); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPaused, err)
	}
	return s.Get(taskID)
}

// Close stops background work and waits for in-flight runners.
func (s *Service) Close() error {
	close(s.done)
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// ============================================================================
// TASK EXECUTION
// ============================================================================

func (s *Service) buildOrchestrator(taskID string, taskInterrupts *interrupt.Set) (*orchestrator.Orchestrator, error) {
	points := s.cfg.GlobalInterrupts.Merge(taskInterrupts)

	hooks := orchestrator.Hooks{
		OnTransition: func(from, to orchestrator.Node, state *orchestrator.State) {
			s.onTransition(taskID, to, state)
		},
		OnPause: func(node orchestrator.Node, phase interrupt.Phase, state *orchestrator.State) {
			s.onPause(taskID, node, state)
		},
		OnResume: func(node orchestrator.Node, state *orchestrator.State) {
			s.onResume(taskID, node, state)
		},
	}

	return orchestrator.New(orchestrator.Config{
		Provider:   s.cfg.Provider,
		Evaluator:  s.cfg.Evaluator,
		Executor:   s.cfg.Executor,
		Tools:      s.cfg.Tools,
		Checkpoint: s.cfg.Checkpoints,
		Interrupts: points,
		Controller: s.cfg.Controller,
		LoopBound:  s.cfg.LoopBound,
		Hooks:      hooks,
		Logger:     s.log,
	})
}

func (s *Service) runTask(ctx context.Context, cancel context.CancelFunc, orch *orchestrator.Orchestrator, taskID string, initial protocol.Message) {
	defer s.wg.Done()
	defer cancel()

	if s.cfg.TaskTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer tcancel()
	}

	s.setState(taskID, a2a.TaskStateWorking, "")
	s.publish(taskID, a2a.StreamEvent{
		Type:      a2a.StreamEventStatus,
		TaskID:    taskID,
		NodeName:  string(orchestrator.NodeAgent),
		State:     a2a.TaskStateWorking,
		Timestamp: time.Now(),
	})

	outcome, err := orch.Run(ctx, taskID, initial)
	s.finishTask(ctx, taskID, outcome, err)
}

// finishTask maps the orchestrator end condition onto the task
// lifecycle.
func (s *Service) finishTask(ctx context.Context, taskID string, outcome *orchestrator.Outcome, err error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}

	now := time.Now()
	task.Status.UpdatedAt = now

	switch {
	case err == nil:
		task.Status.State = a2a.TaskStateCompleted
		task.Result = outcome.Answer
		task.History = protocol.CloneMessages(outcome.State.Messages)
		if outcome.LoopExhausted {
			if task.Metadata == nil {
				task.Metadata = make(map[string]any)
			}
			task.Metadata[a2a.MetadataLoopExhausted] = true
			task.Status.Reason = "helpfulness loop exhausted"
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.LoopIterations.Observe(float64(outcome.State.LoopCount))
		}

	case errors.Is(err, orchestrator.ErrCanceled) || errors.Is(err, context.Canceled):
		task.Status.State = a2a.TaskStateCanceled
		task.Error = &a2a.TaskError{
			Code:    a2a.ErrorCodeCanceled,
			Message: "task canceled",
		}

	case errors.Is(err, context.DeadlineExceeded):
		task.Status.State = a2a.TaskStateFailed
		task.Error = &a2a.TaskError{
			Code:    a2a.ErrorCodeDeadlineExceeded,
			Message: "task deadline exceeded",
			Details: err.Error(),
		}

	default:
		task.Status.State = a2a.TaskStateFailed
		task.Error = &a2a.TaskError{
			Code:    a2a.ErrorCodeInternal,
			Message: "task execution failed",
			Details: err.Error(),
		}
	}

	finalState := task.Status.State
	final := s.terminalEvent(cloneTask(task))
	delete(s.cancels, taskID)
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TasksActive.Dec()
		s.cfg.Metrics.TasksCompleted.WithLabelValues(string(finalState)).Inc()
	}

	// Terminal tasks no longer need their checkpoint.
	if derr := s.cfg.Checkpoints.Delete(context.WithoutCancel(ctx), taskID); derr != nil {
		s.log.Warn("failed to delete checkpoint", "task", taskID, "error", derr)
	}

	s.publish(taskID, final)
	s.closeSubscribers(taskID)
	s.log.Info("task finished", "task", taskID, "state", finalState)
}

func (s *Service) terminalEvent(task *a2a.Task) a2a.StreamEvent {
	return a2a.StreamEvent{
		Type:      a2a.StreamEventStatus,
		TaskID:    task.ID,
		NodeName:  string(orchestrator.NodeEnd),
		State:     task.Status.State,
		Result:    task.Result,
		Error:     task.Error,
		Timestamp: time.Now(),
	}
}

// ============================================================================
// ORCHESTRATOR HOOKS
// ============================================================================

func (s *Service) onTransition(taskID string, to orchestrator.Node, state *orchestrator.State) {
	s.mu.Lock()
	if task, ok := s.tasks[taskID]; ok {
		task.History = protocol.CloneMessages(state.Messages)
		task.Status.UpdatedAt = time.Now()
	}
	s.mu.Unlock()

	if to == orchestrator.NodeEnd {
		// The terminal event is published by finishTask with the
		// mapped lifecycle state.
		return
	}
	s.publish(taskID, a2a.StreamEvent{
		Type:      a2a.StreamEventStatus,
		TaskID:    taskID,
		NodeName:  string(to),
		State:     a2a.TaskStateWorking,
		Timestamp: time.Now(),
	})
}

func (s *Service) onPause(taskID string, node orchestrator.Node, state *orchestrator.State) {
	s.setState(taskID, a2a.TaskStateInputRequired, "paused at interrupt point")
	s.publish(taskID, a2a.StreamEvent{
		Type:      a2a.StreamEventStatus,
		TaskID:    taskID,
		NodeName:  string(node),
		State:     a2a.TaskStateInputRequired,
		Timestamp: time.Now(),
	})
}

func (s *Service) onResume(taskID string, node orchestrator.Node, state *orchestrator.State) {
	s.setState(taskID, a2a.TaskStateWorking, "")
	s.publish(taskID, a2a.StreamEvent{
		Type:      a2a.StreamEventStatus,
		TaskID:    taskID,
		NodeName:  string(node),
		State:     a2a.TaskStateWorking,
		Timestamp: time.Now(),
	})
}

func (s *Service) setState(taskID string, state a2a.TaskState, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.Status.State.IsTerminal() {
		return
	}
	task.Status.State = state
	task.Status.UpdatedAt = time.Now()
	if reason != "" {
		task.Status.Reason = reason
	}
}

// ============================================================================
// SUBSCRIBERS
// ============================================================================

func (s *Service) subscribe(taskID string) chan a2a.StreamEvent {
	ch := make(chan a2a.StreamEvent, subscriberBuffer)
	s.subsMu.Lock()
	s.subscribers[taskID] = append(s.subscribers[taskID], ch)
	s.subsMu.Unlock()
	return ch
}

func (s *Service) unsubscribe(taskID string, ch chan a2a.StreamEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	subs := s.subscribers[taskID]
	for i, sub := range subs {
		if sub == ch {
			s.subscribers[taskID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish delivers non-blockingly: a stalled subscriber drops events
// rather than stalling the task.
func (s *Service) publish(taskID string, event a2a.StreamEvent) {
	s.subsMu.RLock()
	subs := s.subscribers[taskID]
	s.subsMu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Service) closeSubscribers(taskID string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subscribers[taskID] {
		close(ch)
	}
	delete(s.subscribers, taskID)
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Service) validateSkill(skillID string) error {
	if skillID == "" || len(s.cfg.SkillIDs) == 0 {
		return nil
	}
	for _, id := range s.cfg.SkillIDs {
		if id == skillID {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown skill %q", ErrInvalidRequest, skillID)
}

func parseInterrupts(points []a2a.InterruptPoint) (*interrupt.Set, error) {
	if len(points) == 0 {
		return nil, nil
	}
	converted := make([]interrupt.Point, 0, len(points))
	for _, p := range points {
		converted = append(converted, interrupt.Point{
			Node:  p.NodeName,
			Phase: interrupt.Phase(p.Phase),
		})
	}
	return interrupt.NewSet(converted...)
}

func cloneTask(t *a2a.Task) *a2a.Task {
	out := *t
	out.History = protocol.CloneMessages(t.History)
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (s *Service) retentionSweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.Retention)
			s.mu.Lock()
			for id, t := range s.tasks {
				if t.Status.State.IsTerminal() && t.Status.UpdatedAt.Before(cutoff) {
					delete(s.tasks, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
