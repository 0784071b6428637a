package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/workflow"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("test", reg, zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	c, reg := newTestCollector(t)
	require.NotNil(t, c)

	// 同一注册表重复注册会 panic
	assert.Panics(t, func() { NewCollector("test", reg, nil) })
	// 不同 namespace 互不冲突
	assert.NotPanics(t, func() { NewCollector("other", reg, nil) })
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordHTTPRequest("GET", "/v1/workflow/runs", 200, 100*time.Millisecond, 0, 2048)
	c.RecordHTTPRequest("GET", "/v1/workflow/runs", 204, 50*time.Millisecond, 0, 0)
	c.RecordHTTPRequest("POST", "/v1/workflow/run", 400, 5*time.Millisecond, 128, 64)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/v1/workflow/runs", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/v1/workflow/run", "4xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.httpRequestDuration))
}

func TestCollector_HTTPInFlight(t *testing.T) {
	c, _ := newTestCollector(t)

	done1 := c.HTTPRequestStarted()
	done2 := c.HTTPRequestStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpInFlight))
	done1()
	done2()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.httpInFlight))
}

func TestCollector_ObserveStage(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveStage(workflow.StageNews, workflow.StepCompleted, false, 2*time.Second)
	c.ObserveStage(workflow.StageNews, workflow.StepCompleted, true, 0)
	c.ObserveStage(workflow.StageResearch, workflow.StepFailed, false, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageExecutions.WithLabelValues("news", "completed", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageExecutions.WithLabelValues("news", "completed", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageExecutions.WithLabelValues("research", "failed", "false")))

	// 缓存命中不计入耗时直方图
	assert.Equal(t, 2, testutil.CollectAndCount(c.stageDuration))
	c.ObserveStage(workflow.StageFundamental, workflow.StepCompleted, true, 0)
	assert.Equal(t, 2, testutil.CollectAndCount(c.stageDuration))
}

func TestCollector_ObserveCacheLookup(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveCacheLookup(workflow.StageRetrieval, true)
	c.ObserveCacheLookup(workflow.StageRetrieval, false)
	c.ObserveCacheLookup(workflow.StageRetrieval, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("retrieval")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheMisses.WithLabelValues("retrieval")))
}

func TestCollector_ObserveRunAndPersistErrors(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveRun(workflow.WorkflowPartial, 30*time.Second)
	c.ObservePersistError("record_event")
	c.ObservePersistError("record_event")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("partial")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.persistErrors.WithLabelValues("record_event")))
}

func TestCollector_StageCallsAndUsage(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordStageCall(workflow.StageInvestment, "ok", 3*time.Second)
	c.RecordStageCall(workflow.StageInvestment, "rejected", 0)
	c.RecordLLMUsage(workflow.StageInvestment, []workflow.LLMUsage{
		{Model: "gpt-4o", PromptTokens: 1200, CompletionTokens: 300},
		{PromptTokens: 10, CompletionTokens: 5},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageCalls.WithLabelValues("investment", "rejected")))
	assert.Equal(t, 1200.0, testutil.ToFloat64(c.llmTokensUsed.WithLabelValues("investment", "gpt-4o", "prompt")))
	assert.Equal(t, 300.0, testutil.ToFloat64(c.llmTokensUsed.WithLabelValues("investment", "gpt-4o", "completion")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.llmTokensUsed.WithLabelValues("investment", "unknown", "prompt")))
}

func TestCollector_RecordDBConnections(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordDBConnections("postgres", 10, 5)
	c.RecordDBConnections("postgres", 8, 6)

	assert.Equal(t, 8.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordHTTPRequest("GET", "/health", 200, time.Millisecond, 0, 16)
			c.ObserveStage(workflow.StageNews, workflow.StepCompleted, false, time.Second)
			c.ObserveCacheLookup(workflow.StageNews, true)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/health", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("news")))
}

func TestStatusCode(t *testing.T) {
	tests := map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 503: "5xx", 101: "unknown"}
	for code, want := range tests {
		assert.Equal(t, want, statusCode(code), code)
	}
}
