package model

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/veritas-agent/veritas/pkg/protocol"
)

// OpenAIConfig configures the OpenAI-compatible chat provider.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // empty = api.openai.com; set for compatible gateways
	Model       string
	Instruction string // system prompt, optional
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// OpenAIProvider calls an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai:" + p.cfg.Model }

// Generate sends the conversation and tool definitions, returning the
// assistant's turn as a tagged variant.
func (p *OpenAIProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Turn, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.cfg.Model),
		Messages: p.convertMessages(messages),
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = openai.Float(p.cfg.Temperature)
	}
	if p.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.cfg.MaxTokens))
	}
	for _, t := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		})
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return &Turn{Kind: TurnFinalAnswer, Content: msg.Content}, nil
	}

	calls := make([]protocol.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				// Malformed arguments still reach the executor so the
				// failure surfaces as a tool error the agent can see.
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		calls = append(calls, protocol.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return &Turn{Kind: TurnToolCalls, Content: msg.Content, ToolCalls: calls}, nil
}

// convertMessages maps the task conversation onto chat API params.
func (p *OpenAIProvider) convertMessages(messages []protocol.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if p.cfg.Instruction != "" {
		out = append(out, openai.SystemMessage(p.cfg.Instruction))
	}
	for _, m := range messages {
		switch m.Role {
		case protocol.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case protocol.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				argsJSON, err := json.Marshal(tc.Arguments)
				if err != nil {
					argsJSON = []byte("{}")
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case protocol.RoleTool:
			if m.ToolResult != nil {
				out = append(out, openai.ToolMessage(m.ToolResult.Content, m.ToolResult.ToolCallID))
			}
		}
	}
	return out
}
