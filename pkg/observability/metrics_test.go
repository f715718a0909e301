package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.TasksSubmitted.Inc()
	m.TasksSubmitted.Inc()
	m.TasksCompleted.WithLabelValues("completed").Inc()
	m.TasksCompleted.WithLabelValues("failed").Inc()
	m.TasksActive.Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.TasksSubmitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksCompleted.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksActive))
}

func TestObserveTool(t *testing.T) {
	m := NewMetrics()

	m.ObserveTool("search", 50*time.Millisecond, false)
	m.ObserveTool("search", 10*time.Millisecond, true)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ToolErrors.WithLabelValues("search")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ToolDuration))
}

func TestHandler_ExposesInstanceRegistry(t *testing.T) {
	m := NewMetrics()
	m.TasksSubmitted.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "veritas_tasks_submitted_total 1")
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.TasksSubmitted.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(a.TasksSubmitted))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.TasksSubmitted))
}
