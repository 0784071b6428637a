package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/analystflow/workflow"
)

func completedNews() workflow.StepResult {
	return workflow.StepResult{
		Stage:  workflow.StageNews,
		Status: workflow.StepCompleted,
		Output: &workflow.NewsOutput{
			Query:                 "AAPL",
			OverallSentimentScore: 0.31,
			OverallSentimentLabel: "Somewhat-Bullish",
		},
		Warnings:   []string{},
		DurationMS: 850,
	}
}

func TestStepCache_RoundTripKeepsTypedOutput(t *testing.T) {
	mr, manager := setupTestRedis(t)
	c := NewStepCache(manager, nil)
	ctx := context.Background()
	key := workflow.CacheKey("wf_1", workflow.StageNews)

	require.NoError(t, c.Set(ctx, key, completedNews(), time.Hour))
	assert.True(t, mr.Exists("test:step:wf_1:news"))
	assert.Equal(t, time.Hour, mr.TTL("test:step:wf_1:news"))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, completedNews(), *got)

	_, isNews := got.Output.(*workflow.NewsOutput)
	assert.True(t, isNews)
}

func TestStepCache_MissIsNotAnError(t *testing.T) {
	_, manager := setupTestRedis(t)
	c := NewStepCache(manager, nil)

	got, ok, err := c.Get(context.Background(), "wf_none:news")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestStepCache_ExpiresWithTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	c := NewStepCache(manager, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "wf_1:news", completedNews(), time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, "wf_1:news")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestStepCache_CorruptEntryIsAnError(t *testing.T) {
	mr, manager := setupTestRedis(t)
	c := NewStepCache(manager, nil)

	require.NoError(t, mr.Set("test:step:wf_1:news", "garbage"))

	_, ok, err := c.Get(context.Background(), "wf_1:news")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestStepCache_BackendDown(t *testing.T) {
	mr, manager := setupTestRedis(t)
	c := NewStepCache(manager, nil)
	mr.Close()

	_, ok, err := c.Get(context.Background(), "wf_1:news")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Error(t, c.Set(context.Background(), "wf_1:news", completedNews(), time.Hour))
}

// =============================================================================
// 🧠 内存缓存测试
// =============================================================================

func TestMemoryStepCache(t *testing.T) {
	now := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	c := NewMemoryStepCache(time.Hour)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "wf_1:news", completedNews(), 10*time.Minute))
	require.NoError(t, c.Set(ctx, "wf_1:research", workflow.StepResult{Stage: workflow.StageResearch, Status: workflow.StepCompleted}, 0))

	got, ok, err := c.Get(ctx, "wf_1:news")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, completedNews(), *got)

	// 超过 10 分钟后 news 过期，research 使用默认 1 小时
	now = now.Add(11 * time.Minute)
	_, ok, _ = c.Get(ctx, "wf_1:news")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "wf_1:research")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())

	now = now.Add(time.Hour)
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 0, c.Len())
}

func TestMemoryStepCache_GetReturnsCopy(t *testing.T) {
	c := NewMemoryStepCache(0)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", completedNews(), time.Minute))

	got, _, _ := c.Get(ctx, "k")
	got.Status = workflow.StepFailed

	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, workflow.StepCompleted, again.Status)
}
