package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veritas-agent/veritas/pkg/checkpoint"
	"github.com/veritas-agent/veritas/pkg/interrupt"
	"github.com/veritas-agent/veritas/pkg/judge"
	"github.com/veritas-agent/veritas/pkg/model"
	"github.com/veritas-agent/veritas/pkg/protocol"
)

// ErrCanceled reports a cooperative cancellation honored at a node
// boundary.
var ErrCanceled = errors.New("orchestration canceled")

// retryPrompt nudges the agent after a NotHelpful verdict. The
// conversation is append-only, so the feedback becomes a new entry
// rather than a mutation.
const retryPrompt = "The previous response was judged not helpful enough. Please reconsider the question and provide a better answer."

// ToolExecutor resolves one turn's tool invocations. Implementations
// must return one result per call, in request order.
type ToolExecutor interface {
	Execute(ctx context.Context, calls []protocol.ToolCall) []protocol.ToolResult
}

// ToolSource advertises callable tools to the model.
type ToolSource interface {
	Definitions() []model.ToolDefinition
}

// Hooks observe machine progress. All hooks are optional.
type Hooks struct {
	// OnTransition fires after each committed transition.
	OnTransition func(from, to Node, state *State)

	// OnPause fires when an interrupt point suspends the task, after
	// the paused snapshot has been persisted.
	OnPause func(node Node, phase interrupt.Phase, state *State)

	// OnResume fires when a paused task continues.
	OnResume func(node Node, state *State)
}

// State is the execution context owned by one task: its conversation,
// loop counter, and current node. It is never shared across tasks.
type State struct {
	TaskID    string
	Node      Node
	Messages  []protocol.Message
	LoopCount int
}

// Query returns the originating user request, the yardstick for
// helpfulness evaluation.
func (s *State) Query() string {
	for _, m := range s.Messages {
		if m.Role == protocol.RoleUser {
			return m.Content
		}
	}
	return ""
}

// lastAssistant returns the most recent assistant message.
func (s *State) lastAssistant() (protocol.Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == protocol.RoleAssistant {
			return s.Messages[i], true
		}
	}
	return protocol.Message{}, false
}

func (s *State) snapshot(paused bool, phase interrupt.Phase) *checkpoint.Snapshot {
	snap := &checkpoint.Snapshot{
		TaskID:    s.TaskID,
		Node:      string(s.Node),
		Messages:  protocol.CloneMessages(s.Messages),
		LoopCount: s.LoopCount,
		CreatedAt: time.Now(),
	}
	if paused {
		snap.Paused = true
		snap.PausedPhase = string(phase)
	}
	return snap
}

// Outcome is the result of a completed run.
type Outcome struct {
	// Answer is the final assistant answer. Present on every normal
	// End, including loop exhaustion.
	Answer string

	// LoopExhausted marks termination by the safety valve rather than
	// a Helpful verdict. It is a defined terminal outcome, not a
	// failure.
	LoopExhausted bool

	// Verdict is the last helpfulness verdict observed.
	Verdict judge.Verdict

	// State is the final execution state.
	State *State
}

// Config assembles an orchestrator. Provider and Evaluator are
// required; everything else has a working default.
type Config struct {
	Provider   model.Provider
	Evaluator  judge.Evaluator
	Executor   ToolExecutor
	Tools      ToolSource
	Checkpoint checkpoint.Store

	// Interrupts is the set of configured pause points.
	Interrupts *interrupt.Set

	// Controller parks paused tasks. Required when Interrupts is
	// non-empty.
	Controller *interrupt.Controller

	// LoopBound caps helpfulness retries. Default 10.
	LoopBound int

	Hooks  Hooks
	Logger *slog.Logger
}

// Orchestrator runs the state machine for one task at a time.
// Transitions within a task are strictly sequential; the only internal
// parallelism is inside the tool executor's join.
type Orchestrator struct {
	cfg Config
	log *slog.Logger
}

// New validates config and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("helpfulness evaluator is required")
	}
	if cfg.LoopBound <= 0 {
		cfg.LoopBound = DefaultLoopBound
	}
	if cfg.Checkpoint == nil {
		cfg.Checkpoint = checkpoint.NewMemoryStore()
	}
	if !cfg.Interrupts.Empty() && cfg.Controller == nil {
		return nil, fmt.Errorf("interrupt controller is required when interrupt points are configured")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{cfg: cfg, log: log}, nil
}

// Run executes a fresh task seeded with the initial user message.
func (o *Orchestrator) Run(ctx context.Context, taskID string, initial protocol.Message) (*Outcome, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial message: %w", err)
	}
	state := &State{
		TaskID:   taskID,
		Node:     NodeAgent,
		Messages: []protocol.Message{initial},
	}
	return o.run(ctx, state)
}

// Resume continues a task from a persisted snapshot without
// re-executing prior steps.
func (o *Orchestrator) Resume(ctx context.Context, snap *checkpoint.Snapshot) (*Outcome, error) {
	state := &State{
		TaskID:    snap.TaskID,
		Node:      Node(snap.Node),
		Messages:  protocol.CloneMessages(snap.Messages),
		LoopCount: snap.LoopCount,
	}
	return o.run(ctx, state)
}

func (o *Orchestrator) run(ctx context.Context, state *State) (*Outcome, error) {
	outcome := &Outcome{Verdict: judge.VerdictPending}

	// bound+2 covers the terminal transition margin; transitions within
	// one loop iteration are themselves bounded by the turn structure.
	for state.Node != NodeEnd {
		// Cancellation is cooperative: checked only here, at the node
		// boundary. A step in flight always completes first.
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCanceled, err)
		}

		if err := o.maybePause(ctx, state, interrupt.PhaseBefore, nil); err != nil {
			return nil, err
		}

		from := state.Node
		var err error
		switch state.Node {
		case NodeAgent:
			err = o.stepAgent(ctx, state)
		case NodeAction:
			err = o.stepAction(ctx, state)
		case NodeHelpfulness:
			err = o.stepHelpfulness(ctx, state, outcome)
		default:
			err = fmt.Errorf("unknown node: %q", state.Node)
		}
		if err != nil {
			return nil, err
		}

		if err := o.commit(ctx, from, state); err != nil {
			return nil, err
		}
	}

	last, ok := state.lastAssistant()
	if !ok {
		return nil, fmt.Errorf("machine reached end without an assistant answer")
	}
	outcome.Answer = last.Content
	outcome.State = state
	return outcome, nil
}

// stepAgent runs one model call and decides where its output routes.
func (o *Orchestrator) stepAgent(ctx context.Context, state *State) error {
	var defs []model.ToolDefinition
	if o.cfg.Tools != nil {
		defs = o.cfg.Tools.Definitions()
	}

	turn, err := o.cfg.Provider.Generate(ctx, state.Messages, defs)
	if err != nil {
		return fmt.Errorf("agent step failed: %w", err)
	}

	// An after:agent interrupt may substitute the turn wholesale.
	resume, err := o.pauseForOutput(ctx, state, NodeAgent)
	if err != nil {
		return err
	}
	if resume != nil && resume.Turn != nil {
		turn = resume.Turn
	}

	state.Messages = append(state.Messages, turn.Message())

	decision, err := NextFromAgent(turn.Kind)
	if err != nil {
		return err
	}
	state.Node = decision.Next
	o.log.Debug("agent step complete", "task", state.TaskID, "turn", turn.Kind.String(), "next", decision.Next)
	return nil
}

// stepAction resolves the pending turn's tool invocations. Results are
// appended in request order after the join point.
func (o *Orchestrator) stepAction(ctx context.Context, state *State) error {
	last, ok := state.lastAssistant()
	if !ok || len(last.ToolCalls) == 0 {
		return fmt.Errorf("action step without pending tool calls")
	}
	if o.cfg.Executor == nil {
		return fmt.Errorf("tool executor is not configured")
	}

	results := o.cfg.Executor.Execute(ctx, last.ToolCalls)

	resume, err := o.pauseForOutput(ctx, state, NodeAction)
	if err != nil {
		return err
	}
	if resume != nil && len(resume.ToolResults) > 0 {
		results = resume.ToolResults
	}

	for _, r := range results {
		state.Messages = append(state.Messages, protocol.NewToolMessage(r))
	}

	state.Node = NextFromAction().Next
	o.log.Debug("action step complete", "task", state.TaskID, "tools", len(results))
	return nil
}

// stepHelpfulness judges the candidate answer and applies the loop
// policy.
func (o *Orchestrator) stepHelpfulness(ctx context.Context, state *State, outcome *Outcome) error {
	last, ok := state.lastAssistant()
	if !ok {
		return fmt.Errorf("helpfulness step without a candidate answer")
	}

	verdict, err := o.cfg.Evaluator.Evaluate(ctx, state.Query(), last.Content)
	if err != nil {
		// The fallback layer already absorbed evaluator faults; an
		// error here is unrecoverable for this task.
		return fmt.Errorf("helpfulness evaluation failed: %w", err)
	}
	outcome.Verdict = verdict

	// An after:helpfulness interrupt pauses with the verdict in hand,
	// before the loop routing is applied. Resume may replace the
	// conversation; the verdict itself is not substitutable.
	if _, err := o.pauseForOutput(ctx, state, NodeHelpfulness); err != nil {
		return err
	}

	decision := NextFromHelpfulness(verdict, state.LoopCount, o.cfg.LoopBound)
	if decision.IncrementLoop {
		state.LoopCount++
		state.Messages = append(state.Messages, protocol.NewUserMessage(retryPrompt))
	}
	if decision.LoopExhausted {
		outcome.LoopExhausted = true
	}
	state.Node = decision.Next
	o.log.Debug("helpfulness step complete", "task", state.TaskID,
		"verdict", verdict.String(), "loop", state.LoopCount, "next", decision.Next)
	return nil
}

// commit persists the post-transition state and notifies observers.
func (o *Orchestrator) commit(ctx context.Context, from Node, state *State) error {
	if err := o.cfg.Checkpoint.Save(ctx, state.snapshot(false, "")); err != nil {
		return fmt.Errorf("checkpoint save failed: %w", err)
	}
	if o.cfg.Hooks.OnTransition != nil {
		o.cfg.Hooks.OnTransition(from, state.Node, state)
	}
	return nil
}

// maybePause suspends at a matching interrupt point and applies any
// conversation replacement supplied on resume.
func (o *Orchestrator) maybePause(ctx context.Context, state *State, phase interrupt.Phase, out *interrupt.Resume) error {
	if !o.cfg.Interrupts.Matches(string(state.Node), phase) {
		return nil
	}

	snap := state.snapshot(true, phase)
	if err := o.cfg.Checkpoint.Save(ctx, snap); err != nil {
		return fmt.Errorf("pause checkpoint failed: %w", err)
	}
	if o.cfg.Hooks.OnPause != nil {
		o.cfg.Hooks.OnPause(state.Node, phase, state)
	}
	o.log.Info("task paused at interrupt point", "task", state.TaskID,
		"node", state.Node, "phase", phase)

	resume, err := o.cfg.Controller.WaitForResume(ctx, state.TaskID)
	if err != nil {
		if errors.Is(err, interrupt.ErrPauseCanceled) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		return fmt.Errorf("interrupted task not resumed: %w", err)
	}
	if len(resume.Messages) > 0 {
		state.Messages = protocol.CloneMessages(resume.Messages)
	}
	if out != nil {
		*out = resume
	}
	if o.cfg.Hooks.OnResume != nil {
		o.cfg.Hooks.OnResume(state.Node, state)
	}
	o.log.Info("task resumed", "task", state.TaskID, "node", state.Node)
	return nil
}

// pauseForOutput handles after-phase interrupts, returning the resume
// payload so the caller can substitute the step's natural output.
func (o *Orchestrator) pauseForOutput(ctx context.Context, state *State, node Node) (*interrupt.Resume, error) {
	if !o.cfg.Interrupts.Matches(string(node), interrupt.PhaseAfter) {
		return nil, nil
	}
	var resume interrupt.Resume
	if err := o.maybePauseAt(ctx, state, node, interrupt.PhaseAfter, &resume); err != nil {
		return nil, err
	}
	return &resume, nil
}

// maybePauseAt is maybePause with an explicit node, for after-phase
// checks that run while state.Node still names the executing node.
func (o *Orchestrator) maybePauseAt(ctx context.Context, state *State, node Node, phase interrupt.Phase, out *interrupt.Resume) error {
	saved := state.Node
	state.Node = node
	err := o.maybePause(ctx, state, phase, out)
	state.Node = saved
	return err
}
