package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/workflow"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("stagehand", prometheus.NewRegistry(), zap.NewNop())
}

func TestRunFinished(t *testing.T) {
	c := newTestCollector(t)

	c.RunFinished("digest", workflow.RunCompleted, 3*time.Second, 0.25)
	c.RunFinished("digest", workflow.RunCompleted, 5*time.Second, 0.40)
	c.RunFinished("digest", workflow.RunFailed, time.Second, 0.05)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("digest", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("digest", "failed")))
	assert.InDelta(t, 0.70, testutil.ToFloat64(c.runCost.WithLabelValues("digest")), 1e-9)
}

func TestStepFinishedAndBudget(t *testing.T) {
	c := newTestCollector(t)

	c.StepFinished("digest", workflow.StepCompleted, time.Second, 0.10)
	c.StepFinished("digest", workflow.StepFailed, time.Second, 0.02)
	c.StepFinished("digest", workflow.StepFailed, time.Second, 0.02)
	c.BudgetExceeded("digest")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("digest", "completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("digest", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.budgetStops.WithLabelValues("digest")))
}

func TestQueueDepthGauge(t *testing.T) {
	c := newTestCollector(t)
	c.SetQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.queueDepth))
	c.SetQueueDepth(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.queueDepth))
}

func TestRecordHTTPRequest(t *testing.T) {
	c := newTestCollector(t)
	c.RecordHTTPRequest("POST", "/v1/runs", 202, 5*time.Millisecond)
	c.RecordHTTPRequest("GET", "/v1/runs/{id}", 404, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/v1/runs", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/v1/runs/{id}", "4xx")))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(301))
	assert.Equal(t, "4xx", statusClass(429))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "unknown", statusClass(99))
}
