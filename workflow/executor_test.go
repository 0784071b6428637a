package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestExecutor(cache ResultCache) *Executor {
	return NewExecutor(cache, time.Hour, zap.NewNop())
}

func TestExecutor_SuccessWritesCache(t *testing.T) {
	cache := newFakeCache()
	exec := newTestExecutor(cache)
	stage := newStubStage(StageFundamental)

	res := exec.Execute(context.Background(), "wf_1", stage, StageInput{}, ExecuteOptions{Timeout: time.Second})

	assert.Equal(t, StepCompleted, res.Status)
	assert.Equal(t, StageFundamental, res.Stage)
	require.NotNil(t, res.Output)
	assert.Equal(t, 82, res.Output.(*FundamentalOutput).HealthScore)
	assert.Empty(t, res.Warnings)
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))

	assert.Equal(t, int32(1), cache.gets.Load())
	assert.Equal(t, int32(1), cache.sets.Load())
	assert.Equal(t, time.Hour, cache.lastTTL)
	assert.True(t, cache.has("wf_1:fundamental"))
}

func TestExecutor_CacheHitSkipsStage(t *testing.T) {
	cache := newFakeCache()
	cached := StepResult{Stage: StageNews, Status: StepCompleted, Output: sampleOutput(StageNews), Warnings: []string{}, DurationMS: 42}
	require.NoError(t, cache.Set(context.Background(), CacheKey("wf_1", StageNews), cached, time.Hour))
	cache.sets.Store(0)

	stage := &mockStage{name: StageNews}
	exec := newTestExecutor(cache)

	res := exec.Execute(context.Background(), "wf_1", stage, StageInput{}, ExecuteOptions{Timeout: time.Second})

	assert.Equal(t, cached, res)
	stage.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	assert.Equal(t, int32(0), cache.sets.Load())
}

func TestExecutor_ForceRefreshBypassesCache(t *testing.T) {
	cache := newFakeCache()
	require.NoError(t, cache.Set(context.Background(), CacheKey("wf_1", StageNews),
		StepResult{Stage: StageNews, Status: StepCompleted, Output: sampleOutput(StageNews)}, time.Hour))
	cache.gets.Store(0)

	stage := newStubStage(StageNews)
	exec := newTestExecutor(cache)

	res := exec.Execute(context.Background(), "wf_1", stage, StageInput{}, ExecuteOptions{Timeout: time.Second, ForceRefresh: true})

	assert.Equal(t, StepCompleted, res.Status)
	assert.Equal(t, int32(1), stage.calls.Load())
	assert.Equal(t, int32(0), cache.gets.Load())
}

func TestExecutor_TimeoutFailsWithoutCacheWrite(t *testing.T) {
	tests := []struct {
		name      string
		ignoreCtx bool
	}{
		{"stage honors deadline", false},
		{"stage ignores deadline", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newFakeCache()
			stage := newStubStage(StageNews)
			stage.delay = 500 * time.Millisecond
			stage.ignoreCtx = tt.ignoreCtx

			start := time.Now()
			res := newTestExecutor(cache).Execute(context.Background(), "wf_1", stage, StageInput{}, ExecuteOptions{Timeout: 20 * time.Millisecond})

			assert.Equal(t, StepFailed, res.Status)
			assert.Equal(t, []string{TimeoutWarning}, res.Warnings)
			assert.Nil(t, res.Output)
			assert.Less(t, time.Since(start), 400*time.Millisecond)
			assert.Equal(t, int32(0), cache.sets.Load())
		})
	}
}

func TestExecutor_ErrorBecomesWarning(t *testing.T) {
	cache := newFakeCache()
	stage := newStubStage(StageResearch)
	stage.err = errBoom

	res := newTestExecutor(cache).Execute(context.Background(), "wf_1", stage, StageInput{}, ExecuteOptions{Timeout: time.Second})

	assert.Equal(t, StepFailed, res.Status)
	assert.Equal(t, []string{"boom"}, res.Warnings)
	assert.Equal(t, int32(0), cache.sets.Load())
}

// 阶段自身的超时错误（包装了 DeadlineExceeded）不是执行器超时，需保留原始消息
func TestExecutor_WrappedDeadlineKeepsMessage(t *testing.T) {
	cache := newFakeCache()
	stage := newStubStage(StageNews)
	stage.err = fmt.Errorf("vendor feed: %w", context.DeadlineExceeded)

	res := newTestExecutor(cache).Execute(context.Background(), "wf_1", stage, StageInput{}, ExecuteOptions{Timeout: 10 * time.Second})

	assert.Equal(t, StepFailed, res.Status)
	assert.Equal(t, []string{"vendor feed: context deadline exceeded"}, res.Warnings)
	assert.NotContains(t, res.Warnings, TimeoutWarning)
	assert.Equal(t, int32(0), cache.sets.Load())
}

func TestExecutor_PanicIsCaptured(t *testing.T) {
	stage := newStubStage(StageInvestment)
	stage.panic = "nil map write"

	res := newTestExecutor(nil).Execute(context.Background(), "wf_1", stage, StageInput{}, ExecuteOptions{Timeout: time.Second})

	assert.Equal(t, StepFailed, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "stage panicked")
}

func TestExecutor_RejectsMismatchedOutput(t *testing.T) {
	stage := newStubStage(StageNews)
	stage.output = sampleOutput(StageFundamental)

	res := newTestExecutor(nil).Execute(context.Background(), "wf_1", stage, StageInput{}, ExecuteOptions{Timeout: time.Second})

	assert.Equal(t, StepFailed, res.Status)
	assert.Contains(t, res.Warnings[0], "returned fundamental output")
}

func TestExecutor_RejectsInvalidOutput(t *testing.T) {
	stage := newStubStage(StageInvestment)
	stage.output = &InvestmentOutput{Ticker: "AAPL", Decision: "moon"}

	res := newTestExecutor(nil).Execute(context.Background(), "wf_1", stage, StageInput{}, ExecuteOptions{Timeout: time.Second})

	assert.Equal(t, StepFailed, res.Status)
	assert.Contains(t, res.Warnings[0], "invalid decision")
}

func TestExecutor_CacheErrorsAreTolerated(t *testing.T) {
	cache := newFakeCache()
	cache.getErr = errBoom
	cache.setErr = errBoom
	stage := newStubStage(StageRetrieval)

	res := newTestExecutor(cache).Execute(context.Background(), "wf_1", stage, StageInput{}, ExecuteOptions{Timeout: time.Second})

	assert.Equal(t, StepCompleted, res.Status)
	assert.Equal(t, int32(1), stage.calls.Load())
}

func TestExecutor_StageWarningsAndUsagePropagate(t *testing.T) {
	stage := &mockStage{name: StageNews}
	stage.On("Run", mock.Anything, mock.Anything).Return(&StageOutcome{
		Output:   sampleOutput(StageNews),
		Warnings: []string{"feed truncated"},
		LLMUsage: []LLMUsage{{Model: "gpt-4o-mini", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}, nil).Once()

	res := newTestExecutor(nil).Execute(context.Background(), "wf_1", stage, StageInput{}, ExecuteOptions{Timeout: time.Second})

	assert.Equal(t, StepCompleted, res.Status)
	assert.Equal(t, []string{"feed truncated"}, res.Warnings)
	require.Len(t, res.LLMUsage, 1)
	assert.Equal(t, 15, res.LLMUsage[0].TotalTokens)
	stage.AssertExpectations(t)
}
