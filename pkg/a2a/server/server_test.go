package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-agent/veritas/pkg/a2a"
	"github.com/veritas-agent/veritas/pkg/judge"
	"github.com/veritas-agent/veritas/pkg/model"
	"github.com/veritas-agent/veritas/pkg/observability"
	"github.com/veritas-agent/veritas/pkg/task"
)

func testCard() *a2a.AgentCard {
	return &a2a.AgentCard{
		Name:        "researcher",
		Description: "Answers research questions.",
		Version:     "0.1.0",
		Capabilities: a2a.AgentCapabilities{
			Streaming: true,
		},
		Skills: []a2a.AgentSkill{{ID: "research", Name: "Research"}},
	}
}

func newTestServer(t *testing.T, serviceCfg task.Config, opts ...Option) (*httptest.Server, *task.Service) {
	t.Helper()
	if serviceCfg.Provider == nil {
		serviceCfg.Provider = model.NewScriptedProvider(
			model.Turn{Kind: model.TurnFinalAnswer, Content: "the answer"},
		)
	}
	if serviceCfg.Evaluator == nil {
		serviceCfg.Evaluator = judge.NewStatic(judge.VerdictHelpful)
	}
	service, err := task.NewService(serviceCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })

	srv, err := New(Config{Host: "127.0.0.1", Port: 0}, testCard(), service, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, service
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeTask(t *testing.T, resp *http.Response) *a2a.Task {
	t.Helper()
	defer resp.Body.Close()
	var got a2a.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	return &got
}

func TestAgentCardEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, task.Config{})

	resp, err := http.Get(ts.URL + a2a.WellKnownCardPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var card a2a.AgentCard
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&card))
	assert.Equal(t, "researcher", card.Name)
	assert.True(t, card.Capabilities.Streaming)
	require.Len(t, card.Skills, 1)
	assert.Equal(t, "research", card.Skills[0].ID)
}

func TestExtendedCardEndpoint(t *testing.T) {
	extended := testCard()
	extended.Description = "the extended description"

	t.Run("requires bearer token when configured", func(t *testing.T) {
		service, err := task.NewService(task.Config{
			Provider:  model.NewScriptedProvider(),
			Evaluator: judge.NewStatic(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = service.Close() })

		srv, err := New(Config{ExtendedCardToken: "sekrit"}, testCard(), service,
			WithExtendedCard(extended))
		require.NoError(t, err)
		ts := httptest.NewServer(srv.Router())
		t.Cleanup(ts.Close)

		resp, err := http.Get(ts.URL + "/agent/authenticatedExtendedCard")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/agent/authenticatedExtendedCard", nil)
		req.Header.Set("Authorization", "Bearer sekrit")
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var card a2a.AgentCard
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&card))
		assert.Equal(t, "the extended description", card.Description)
	})

	t.Run("falls back to public card when no extended card is set", func(t *testing.T) {
		ts, _ := newTestServer(t, task.Config{})
		resp, err := http.Get(ts.URL + "/agent/authenticatedExtendedCard")
		require.NoError(t, err)
		card := &a2a.AgentCard{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(card))
		resp.Body.Close()
		assert.Equal(t, "researcher", card.Name)
	})
}

func TestMessageSend(t *testing.T) {
	ts, _ := newTestServer(t, task.Config{})

	t.Run("blocking returns the completed task", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/message/send", a2a.MessageSendParams{
			Message:  "what is the answer?",
			Blocking: true,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		done := decodeTask(t, resp)
		assert.Equal(t, a2a.TaskStateCompleted, done.Status.State)
		assert.Equal(t, "the answer", done.Result)
	})

	t.Run("empty message is rejected", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/message/send", a2a.MessageSendParams{})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/message/send", "application/json",
			strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestMessageSend_NonBlockingAccepted(t *testing.T) {
	ts, service := newTestServer(t, task.Config{})

	resp := postJSON(t, ts.URL+"/message/send", a2a.MessageSendParams{Message: "q"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decodeTask(t, resp)
	assert.NotEmpty(t, submitted.ID)

	require.Eventually(t, func() bool {
		got, err := service.Get(submitted.ID)
		return err == nil && got.Status.State == a2a.TaskStateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTaskGet(t *testing.T) {
	ts, _ := newTestServer(t, task.Config{})

	resp := postJSON(t, ts.URL+"/message/send", a2a.MessageSendParams{
		Message: "q", Blocking: true,
	})
	created := decodeTask(t, resp)

	resp2, err := http.Get(ts.URL + "/tasks/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	fetched := decodeTask(t, resp2)
	assert.Equal(t, created.ID, fetched.ID)

	t.Run("unknown task is 404", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/tasks/task-absent")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestTaskList(t *testing.T) {
	ts, _ := newTestServer(t, task.Config{})

	resp := postJSON(t, ts.URL+"/message/send", a2a.MessageSendParams{
		Message: "q", Blocking: true,
	})
	resp.Body.Close()

	listResp, err := http.Get(ts.URL + "/tasks")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var listing struct {
		Tasks []a2a.Task `json:"tasks"`
		Total int        `json:"total"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listing))
	assert.Equal(t, 1, listing.Total)
	require.Len(t, listing.Tasks, 1)
}

func TestTaskCancel_Conflicts(t *testing.T) {
	ts, _ := newTestServer(t, task.Config{})

	resp := postJSON(t, ts.URL+"/message/send", a2a.MessageSendParams{
		Message: "q", Blocking: true,
	})
	done := decodeTask(t, resp)

	// Completed tasks cannot be canceled.
	cancelResp := postJSON(t, ts.URL+"/tasks/"+done.ID+"/cancel", a2a.TaskCancelParams{Reason: "late"})
	defer cancelResp.Body.Close()
	assert.Equal(t, http.StatusConflict, cancelResp.StatusCode)
}

func TestTaskResume_Conflict(t *testing.T) {
	ts, _ := newTestServer(t, task.Config{})

	resp := postJSON(t, ts.URL+"/message/send", a2a.MessageSendParams{
		Message: "q", Blocking: true,
	})
	done := decodeTask(t, resp)

	resumeResp := postJSON(t, ts.URL+"/tasks/"+done.ID+"/resume", a2a.TaskResumeParams{})
	defer resumeResp.Body.Close()
	assert.Equal(t, http.StatusConflict, resumeResp.StatusCode)
}

func TestMessageStream_SSE(t *testing.T) {
	ts, _ := newTestServer(t, task.Config{})

	body, err := json.Marshal(a2a.MessageSendParams{Message: "stream me"})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/message/stream", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The stream is finite: the handler returns after the terminal
	// event, so the whole body can be read.
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)

	assert.Contains(t, text, "event: status")
	assert.Contains(t, text, `"completed"`)
	assert.Contains(t, text, "the answer")

	// Every event is framed as event/data pairs.
	assert.Equal(t, strings.Count(text, "event: "), strings.Count(text, "data: "))
}

func TestResubscribe_TerminalTask(t *testing.T) {
	ts, _ := newTestServer(t, task.Config{})

	resp := postJSON(t, ts.URL+"/message/send", a2a.MessageSendParams{
		Message: "q", Blocking: true,
	})
	done := decodeTask(t, resp)

	streamResp, err := http.Post(ts.URL+"/tasks/"+done.ID+"/resubscribe", "application/json", nil)
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)

	raw, err := io.ReadAll(streamResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"completed"`)

	t.Run("unknown task is 404", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/tasks/task-absent/resubscribe", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := observability.NewMetrics()
	ts, _ := newTestServer(t, task.Config{Metrics: metrics},
		WithMetricsHandler(metrics.Handler()))

	resp := postJSON(t, ts.URL+"/message/send", a2a.MessageSendParams{
		Message: "q", Blocking: true,
	})
	resp.Body.Close()

	mResp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mResp.Body.Close()
	require.Equal(t, http.StatusOK, mResp.StatusCode)

	raw, err := io.ReadAll(mResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "veritas_tasks_submitted_total")
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, task.Config{})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/message/send", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Methods"))
}
