// Package tool defines the capabilities an agent can invoke and the
// executor that runs a turn's invocations.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/veritas-agent/veritas/pkg/model"
)

// Tool is a named capability callable with structured arguments.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description tells the model when to use this tool.
	Description() string

	// Schema returns the JSON schema for the tool's parameters, or
	// nil when the tool takes none.
	Schema() map[string]any

	// Call executes the tool. A returned error becomes an error-marked
	// tool result, not a step failure.
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the tools available to one agent. It is built once at
// startup and safe for concurrent reads.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	if t.Name() == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the model-facing tool definitions, sorted by
// name so the advertised tool list is stable across calls.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
