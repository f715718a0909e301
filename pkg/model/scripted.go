package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/veritas-agent/veritas/pkg/protocol"
)

// ScriptedProvider replays a fixed sequence of turns. It backs tests
// and dry runs where no live model is available.
type ScriptedProvider struct {
	mu    sync.Mutex
	turns []Turn
	next  int

	// Repeat keeps returning the last turn once the script runs out
	// instead of erroring.
	Repeat bool
}

// NewScriptedProvider builds a provider that returns the given turns
// in order.
func NewScriptedProvider(turns ...Turn) *ScriptedProvider {
	return &ScriptedProvider{turns: turns}
}

func (p *ScriptedProvider) Name() string { return "scripted" }

func (p *ScriptedProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.next >= len(p.turns) {
		if p.Repeat && len(p.turns) > 0 {
			t := p.turns[len(p.turns)-1]
			return &t, nil
		}
		return nil, fmt.Errorf("scripted provider exhausted after %d turns", len(p.turns))
	}
	t := p.turns[p.next]
	p.next++
	return &t, nil
}

// Calls returns how many turns have been consumed.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}
