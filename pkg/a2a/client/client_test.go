package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-agent/veritas/pkg/a2a"
	"github.com/veritas-agent/veritas/pkg/a2a/server"
	"github.com/veritas-agent/veritas/pkg/interrupt"
	"github.com/veritas-agent/veritas/pkg/judge"
	"github.com/veritas-agent/veritas/pkg/model"
	"github.com/veritas-agent/veritas/pkg/task"
)

func startAgent(t *testing.T, serviceCfg task.Config, serverCfg server.Config, opts ...server.Option) string {
	t.Helper()
	if serviceCfg.Provider == nil {
		serviceCfg.Provider = model.NewScriptedProvider(
			model.Turn{Kind: model.TurnFinalAnswer, Content: "42"},
		)
	}
	if serviceCfg.Evaluator == nil {
		serviceCfg.Evaluator = judge.NewStatic(judge.VerdictHelpful)
	}
	service, err := task.NewService(serviceCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })

	card := &a2a.AgentCard{
		Name:         "deep-thought",
		Version:      "1.0.0",
		Capabilities: a2a.AgentCapabilities{Streaming: true},
	}
	srv, err := server.New(serverCfg, card, service, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestGetAgentCard(t *testing.T) {
	url := startAgent(t, task.Config{}, server.Config{})
	c := New(url)

	card, err := c.GetAgentCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "deep-thought", card.Name)
	assert.True(t, card.Capabilities.Streaming)
}

func TestGetExtendedCard(t *testing.T) {
	extended := &a2a.AgentCard{Name: "deep-thought", Description: "internal detail"}
	url := startAgent(t, task.Config{},
		server.Config{ExtendedCardToken: "hunter2"},
		server.WithExtendedCard(extended))

	t.Run("with token", func(t *testing.T) {
		c := New(url, WithToken("hunter2"))
		card, err := c.GetExtendedCard(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "internal detail", card.Description)
	})

	t.Run("without token", func(t *testing.T) {
		c := New(url)
		_, err := c.GetExtendedCard(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")
	})
}

func TestSendMessageAndGetTask(t *testing.T) {
	url := startAgent(t, task.Config{}, server.Config{})
	c := New(url)
	ctx := context.Background()

	created, err := c.SendMessage(ctx, a2a.MessageSendParams{
		Message:  "what is the answer?",
		Blocking: true,
	})
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, created.Status.State)
	assert.Equal(t, "42", created.Result)

	fetched, err := c.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, a2a.TaskStateCompleted, fetched.Status.State)

	_, err = c.GetTask(ctx, "task-absent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestStreamMessage(t *testing.T) {
	url := startAgent(t, task.Config{}, server.Config{})
	c := New(url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := c.StreamMessage(ctx, a2a.MessageSendParams{Message: "q"})
	require.NoError(t, err)

	var collected []a2a.StreamEvent
	for ev := range events {
		collected = append(collected, ev)
	}
	require.NotEmpty(t, collected)

	last := collected[len(collected)-1]
	assert.True(t, last.Final())
	require.NotNil(t, last.Task)
	assert.Equal(t, a2a.TaskStateCompleted, last.Task.Status.State)
	assert.Equal(t, "42", last.Task.Result)
}

func TestResubscribe(t *testing.T) {
	url := startAgent(t, task.Config{}, server.Config{})
	c := New(url)
	ctx := context.Background()

	done, err := c.SendMessage(ctx, a2a.MessageSendParams{Message: "q", Blocking: true})
	require.NoError(t, err)

	events, err := c.Resubscribe(ctx, done.ID)
	require.NoError(t, err)

	var last a2a.StreamEvent
	for ev := range events {
		last = ev
	}
	assert.True(t, last.Final())
	require.NotNil(t, last.Task)
	assert.Equal(t, a2a.TaskStateCompleted, last.Task.Status.State)
}

func TestCancelTask_TerminalConflict(t *testing.T) {
	url := startAgent(t, task.Config{}, server.Config{})
	c := New(url)
	ctx := context.Background()

	done, err := c.SendMessage(ctx, a2a.MessageSendParams{Message: "q", Blocking: true})
	require.NoError(t, err)

	_, err = c.CancelTask(ctx, done.ID, "too late")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestResumeTask_EndToEnd(t *testing.T) {
	interrupts, err := interrupt.NewSet(interrupt.Point{Node: "agent", Phase: interrupt.PhaseAfter})
	require.NoError(t, err)

	url := startAgent(t, task.Config{
		Provider: model.NewScriptedProvider(
			model.Turn{Kind: model.TurnFinalAnswer, Content: "draft answer"},
		),
		Evaluator:        judge.NewStatic(judge.VerdictHelpful),
		Controller:       interrupt.NewController(time.Minute),
		GlobalInterrupts: interrupts,
	}, server.Config{})

	c := New(url)
	ctx := context.Background()

	created, err := c.SendMessage(ctx, a2a.MessageSendParams{Message: "q"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	require.Eventually(t, func() bool {
		got, err := c.GetTask(ctx, created.ID)
		return err == nil && got.Status.State == a2a.TaskStateInputRequired
	}, 2*time.Second, 20*time.Millisecond)

	_, err = c.ResumeTask(ctx, created.ID, a2a.TaskResumeParams{
		Answer: "approved answer",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := c.GetTask(ctx, created.ID)
		return err == nil && got.Status.State == a2a.TaskStateCompleted
	}, 2*time.Second, 20*time.Millisecond)

	final, err := c.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "approved answer", final.Result)
}
