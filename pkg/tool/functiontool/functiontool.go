// Package functiontool creates tools from typed Go functions.
//
// The parameter schema is derived from struct tags, so tool authors
// get compile-time type safety without writing JSON schemas by hand:
//
//	type SearchArgs struct {
//	    Query string `json:"query" jsonschema:"required,description=Search query"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"description=Max results,default=5"`
//	}
//
//	searchTool, err := functiontool.New(
//	    functiontool.Config{Name: "search", Description: "Search the web"},
//	    func(ctx context.Context, args SearchArgs) (string, error) {
//	        ...
//	    },
//	)
package functiontool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/veritas-agent/veritas/pkg/tool"
)

// Config defines the identity of a function tool.
type Config struct {
	// Name is the unique identifier for this tool (required).
	Name string

	// Description explains what the tool does (required). Shown to
	// the model to help it decide when to use the tool.
	Description string
}

// New creates a tool.Tool from a typed function. Args must be a struct
// with json and jsonschema tags defining the parameters.
func New[Args any](cfg Config, fn func(context.Context, Args) (string, error)) (tool.Tool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if cfg.Description == "" {
		return nil, fmt.Errorf("tool description is required")
	}

	schema, err := generateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for %s: %w", cfg.Name, err)
	}

	return &functionTool[Args]{config: cfg, fn: fn, schema: schema}, nil
}

type functionTool[Args any] struct {
	config Config
	fn     func(context.Context, Args) (string, error)
	schema map[string]any
}

func (t *functionTool[Args]) Name() string        { return t.config.Name }
func (t *functionTool[Args]) Description() string { return t.config.Description }
func (t *functionTool[Args]) Schema() map[string]any {
	return t.schema
}

func (t *functionTool[Args]) Call(ctx context.Context, args map[string]any) (string, error) {
	var typedArgs Args
	if err := mapToStruct(args, &typedArgs); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", t.config.Name, err)
	}
	return t.fn(ctx, typedArgs)
}

// mapToStruct converts loosely typed arguments into the typed struct
// via a JSON round trip, which handles numeric conversions correctly.
func mapToStruct(m map[string]any, target any) error {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal args: %w", err)
	}
	return nil
}
