package tool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-agent/veritas/pkg/protocol"
)

// fakeTool is a configurable in-memory tool.
type fakeTool struct {
	name  string
	delay time.Duration
	err   error
	fn    func(ctx context.Context, args map[string]any) (string, error)
}

func (f *fakeTool) Name() string           { return f.name }
func (f *fakeTool) Description() string    { return "fake tool " + f.name }
func (f *fakeTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (f *fakeTool) Call(ctx context.Context, args map[string]any) (string, error) {
	if f.fn != nil {
		return f.fn(ctx, args)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return "output of " + f.name, nil
}

func newRegistry(t *testing.T, tools ...Tool) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, tl := range tools {
		require.NoError(t, r.Register(tl))
	}
	return r
}

func TestExecute_PreservesRequestOrder(t *testing.T) {
	// The slowest call comes first; order must still follow the request,
	// not completion time.
	registry := newRegistry(t,
		&fakeTool{name: "slow", delay: 50 * time.Millisecond},
		&fakeTool{name: "fast"},
	)
	e := NewExecutor(registry)

	results := e.Execute(context.Background(), []protocol.ToolCall{
		{ID: "c1", Name: "slow"},
		{ID: "c2", Name: "fast"},
		{ID: "c3", Name: "fast"},
	})

	require.Len(t, results, 3)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "output of slow", results[0].Content)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.Equal(t, "c3", results[2].ToolCallID)
}

func TestExecute_UnknownToolIsErrorResult(t *testing.T) {
	registry := newRegistry(t, &fakeTool{name: "known"})
	e := NewExecutor(registry)

	results := e.Execute(context.Background(), []protocol.ToolCall{
		{ID: "c1", Name: "missing"},
		{ID: "c2", Name: "known"},
	})

	require.Len(t, results, 2)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, `unknown tool "missing"`)
	assert.Contains(t, results[0].Content, "known")
	assert.False(t, results[1].IsError)
}

func TestExecute_TimeoutIsErrorResult(t *testing.T) {
	registry := newRegistry(t, &fakeTool{name: "sleepy", delay: time.Second})
	e := NewExecutor(registry, WithCallTimeout(20*time.Millisecond))

	results := e.Execute(context.Background(), []protocol.ToolCall{
		{ID: "c1", Name: "sleepy"},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "timed out")
}

func TestExecute_ToolErrorIsErrorResult(t *testing.T) {
	registry := newRegistry(t, &fakeTool{name: "broken", err: fmt.Errorf("disk on fire")})
	e := NewExecutor(registry)

	results := e.Execute(context.Background(), []protocol.ToolCall{
		{ID: "c1", Name: "broken"},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "disk on fire")
}

func TestExecute_BoundsParallelism(t *testing.T) {
	var active, peak int64
	var mu sync.Mutex
	track := func(ctx context.Context, args map[string]any) (string, error) {
		n := atomic.AddInt64(&active, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return "ok", nil
	}

	registry := newRegistry(t, &fakeTool{name: "tracked", fn: track})
	e := NewExecutor(registry, WithMaxParallel(2))

	calls := make([]protocol.ToolCall, 8)
	for i := range calls {
		calls[i] = protocol.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "tracked"}
	}
	results := e.Execute(context.Background(), calls)

	require.Len(t, results, 8)
	for _, r := range results {
		assert.False(t, r.IsError)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(2))
}

func TestExecute_ObserverSeesEveryCall(t *testing.T) {
	var mu sync.Mutex
	observed := make(map[string]bool)
	registry := newRegistry(t,
		&fakeTool{name: "good"},
		&fakeTool{name: "bad", err: fmt.Errorf("nope")},
	)
	e := NewExecutor(registry, WithObserver(func(tool string, elapsed time.Duration, isError bool) {
		mu.Lock()
		observed[tool] = isError
		mu.Unlock()
	}))

	e.Execute(context.Background(), []protocol.ToolCall{
		{ID: "c1", Name: "good"},
		{ID: "c2", Name: "bad"},
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]bool{"good": false, "bad": true}, observed)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "beta"}))
	require.NoError(t, r.Register(&fakeTool{name: "alpha"}))

	t.Run("duplicate names rejected", func(t *testing.T) {
		assert.Error(t, r.Register(&fakeTool{name: "alpha"}))
	})

	t.Run("lookup", func(t *testing.T) {
		tl, ok := r.Get("alpha")
		require.True(t, ok)
		assert.Equal(t, "alpha", tl.Name())

		_, ok = r.Get("gamma")
		assert.False(t, ok)
	})

	t.Run("names and definitions are sorted", func(t *testing.T) {
		assert.Equal(t, []string{"alpha", "beta"}, r.Names())
		defs := r.Definitions()
		require.Len(t, defs, 2)
		assert.Equal(t, "alpha", defs[0].Name)
		assert.Equal(t, "beta", defs[1].Name)
	})
}
