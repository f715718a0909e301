package tool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veritas-agent/veritas/pkg/protocol"
)

const (
	defaultMaxParallel = 4
	defaultCallTimeout = 30 * time.Second
)

// ExecutorOption configures the executor.
type ExecutorOption func(*Executor)

// WithMaxParallel bounds how many invocations run concurrently within
// one turn.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithCallTimeout sets the per-invocation timeout.
func WithCallTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(log *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

// WithObserver registers a callback invoked once per resolved
// invocation, used for metrics.
func WithObserver(fn func(tool string, elapsed time.Duration, isError bool)) ExecutorOption {
	return func(e *Executor) {
		e.observe = fn
	}
}

// Executor runs the tool invocations of one agent turn. Invocations
// may run in parallel up to a bound, but results are reassembled in
// the original request order before anything downstream observes them.
type Executor struct {
	registry    *Registry
	maxParallel int
	callTimeout time.Duration
	log         *slog.Logger
	observe     func(tool string, elapsed time.Duration, isError bool)
}

// NewExecutor creates an executor over a registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		maxParallel: defaultMaxParallel,
		callTimeout: defaultCallTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs all invocations and returns one result per call, at the
// same index as its request. It never returns early: every invocation
// has resolved (result, error, or timeout) by the time it returns.
func (e *Executor) Execute(ctx context.Context, calls []protocol.ToolCall) []protocol.ToolResult {
	results := make([]protocol.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)

	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.executeOne(gctx, call)
			return nil
		})
	}

	// Workers never return errors; the join is unconditional.
	_ = g.Wait()
	return results
}

func (e *Executor) executeOne(ctx context.Context, call protocol.ToolCall) protocol.ToolResult {
	result := protocol.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}

	t, ok := e.registry.Get(call.Name)
	if !ok {
		result.IsError = true
		result.Content = fmt.Sprintf("Error: unknown tool %q. Available tools: %v", call.Name, e.registry.Names())
		e.log.Warn("unknown tool requested", "tool", call.Name)
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	start := time.Now()
	content, err := t.Call(callCtx, call.Arguments)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		result.Content = content
		e.log.Debug("tool executed", "tool", call.Name, "duration", elapsed)
	case callCtx.Err() == context.DeadlineExceeded:
		result.IsError = true
		result.Content = fmt.Sprintf("Error: tool %q timed out after %s", call.Name, e.callTimeout)
		e.log.Warn("tool timed out", "tool", call.Name, "timeout", e.callTimeout)
	default:
		result.IsError = true
		result.Content = fmt.Sprintf("Error: %v", err)
		e.log.Warn("tool failed", "tool", call.Name, "duration", elapsed, "error", err)
	}
	if e.observe != nil {
		e.observe(call.Name, elapsed, result.IsError)
	}
	return result
}
