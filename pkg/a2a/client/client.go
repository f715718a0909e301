// Package client talks to a remote agent over the HTTP+JSON transport.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veritas-agent/veritas/pkg/a2a"
)

const defaultTimeout = 300 * time.Second

// Client is an HTTP+JSON client for one remote agent.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithToken attaches a bearer token to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a client for the agent at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetAgentCard fetches the public card from the well-known path.
func (c *Client) GetAgentCard(ctx context.Context) (*a2a.AgentCard, error) {
	var card a2a.AgentCard
	if err := c.getJSON(ctx, a2a.WellKnownCardPath, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// GetExtendedCard fetches the authenticated extended card.
func (c *Client) GetExtendedCard(ctx context.Context) (*a2a.AgentCard, error) {
	var card a2a.AgentCard
	if err := c.getJSON(ctx, "/agent/authenticatedExtendedCard", &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// SendMessage submits a task.
func (c *Client) SendMessage(ctx context.Context, params a2a.MessageSendParams) (*a2a.Task, error) {
	var task a2a.Task
	if err := c.postJSON(ctx, "/message/send", params, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches a task snapshot.
func (c *Client) GetTask(ctx context.Context, taskID string) (*a2a.Task, error) {
	var task a2a.Task
	if err := c.getJSON(ctx, "/tasks/"+taskID, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CancelTask requests cancellation and returns the terminal snapshot.
func (c *Client) CancelTask(ctx context.Context, taskID, reason string) (*a2a.Task, error) {
	var task a2a.Task
	if err := c.postJSON(ctx, "/tasks/"+taskID+"/cancel", a2a.TaskCancelParams{Reason: reason}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ResumeTask continues a paused task.
func (c *Client) ResumeTask(ctx context.Context, taskID string, params a2a.TaskResumeParams) (*a2a.Task, error) {
	var task a2a.Task
	if err := c.postJSON(ctx, "/tasks/"+taskID+"/resume", params, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// StreamMessage submits a task and streams its events. The channel
// closes when the task reaches a terminal state or ctx is done.
func (c *Client) StreamMessage(ctx context.Context, params a2a.MessageSendParams) (<-chan a2a.StreamEvent, error) {
	return c.stream(ctx, "/message/stream", params)
}

// Resubscribe reattaches to a running task's event stream.
func (c *Client) Resubscribe(ctx context.Context, taskID string) (<-chan a2a.StreamEvent, error) {
	return c.stream(ctx, "/tasks/"+taskID+"/resubscribe", struct{}{})
}

func (c *Client) stream(ctx context.Context, path string, payload any) (<-chan a2a.StreamEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	events := make(chan a2a.StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		// ReadBytes rather than a Scanner: SSE lines can exceed the
		// default scanner buffer.
		reader := bufio.NewReader(resp.Body)
		var data string
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			text := strings.TrimRight(string(line), "\r\n")

			switch {
			case strings.HasPrefix(text, "data: "):
				data = strings.TrimPrefix(text, "data: ")
			case text == "" && data != "":
				var ev a2a.StreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err == nil {
					select {
					case events <- ev:
						if ev.Final() {
							return
						}
					case <-ctx.Done():
						return
					}
				}
				data = ""
			}
		}
	}()
	return events, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var wrapped struct {
		Error *a2a.TaskError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil {
		return fmt.Errorf("server returned %d: %s: %s", resp.StatusCode, wrapped.Error.Code, wrapped.Error.Message)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
}
