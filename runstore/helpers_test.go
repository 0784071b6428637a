package runstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/internal/database"
	"github.com/BaSui01/analystflow/workflow"
)

// testClock advances one millisecond per reading unless frozen.
type testClock struct {
	mu     sync.Mutex
	t      time.Time
	frozen bool
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.frozen {
		c.t = c.t.Add(time.Millisecond)
	}
	return c.t
}

func (c *testClock) Freeze(frozen bool) {
	c.mu.Lock()
	c.frozen = frozen
	c.mu.Unlock()
}

// storeFactory builds a fresh, empty store reading time from clock.
type storeFactory func(t *testing.T, clock func() time.Time) Store

func newMemoryFactory() storeFactory {
	return func(t *testing.T, clock func() time.Time) Store {
		return NewMemoryStore(WithClock(clock), WithLogger(zap.NewNop()))
	}
}

func newRedisFactory() storeFactory {
	return func(t *testing.T, clock func() time.Time) Store {
		t.Helper()
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisStore(client, "test:", WithClock(clock))
	}
}

func newSQLFactory() storeFactory {
	return func(t *testing.T, clock func() time.Time) Store {
		t.Helper()
		dsn := filepath.Join(t.TempDir(), "runs.db")
		pool, err := database.Open("sqlite", dsn, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = pool.Close() })

		store := NewSQLStore(pool, WithClock(clock))
		require.NoError(t, store.AutoMigrate(context.Background()))
		return store
	}
}

// newMongoFactory returns nil unless ANALYSTFLOW_TEST_MONGO_URI points at a
// reachable server.
func newMongoFactory() storeFactory {
	uri := os.Getenv("ANALYSTFLOW_TEST_MONGO_URI")
	if uri == "" {
		return nil
	}
	return func(t *testing.T, clock func() time.Time) Store {
		t.Helper()
		client, err := mongo.Connect(options.Client().ApplyURI(uri))
		require.NoError(t, err)

		db := client.Database("analystflow_test_" + sanitize(t.Name()))
		t.Cleanup(func() {
			ctx := context.Background()
			_ = db.Drop(ctx)
			_ = client.Disconnect(ctx)
		})

		store := NewMongoStore(db, WithClock(clock))
		require.NoError(t, store.EnsureIndexes(context.Background()))
		return store
	}
}

func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name) && len(out) < 40; i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			out = append(out, c)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

// backends lists every backend the suite runs against.
func backends() map[string]storeFactory {
	b := map[string]storeFactory{
		"memory": newMemoryFactory(),
		"redis":  newRedisFactory(),
		"sql":    newSQLFactory(),
	}
	if f := newMongoFactory(); f != nil {
		b["mongo"] = f
	}
	return b
}

// =============================================================================
// 事件构造
// =============================================================================

func stepComplete(runID string, stage workflow.StageName, status workflow.StepStatus) workflow.StreamEvent {
	res := workflow.StepResult{Stage: stage, Status: status, Warnings: []string{}, DurationMS: 12}
	if status == workflow.StepCompleted {
		res.Output = outputFor(stage)
	}
	return workflow.StreamEvent{RunID: runID, Kind: workflow.EventStepComplete, Stage: stage, Status: string(status), Result: &res}
}

func stepStart(runID string, stage workflow.StageName) workflow.StreamEvent {
	return workflow.StreamEvent{RunID: runID, Kind: workflow.EventStepStart, Stage: stage, Status: string(workflow.StepRunning)}
}

func workflowComplete(runID string, status workflow.WorkflowStatus) workflow.StreamEvent {
	return workflow.StreamEvent{RunID: runID, Kind: workflow.EventWorkflowComplete, Status: string(status)}
}

func outputFor(stage workflow.StageName) workflow.StageOutput {
	switch stage {
	case workflow.StageRetrieval:
		return &workflow.RetrievalOutput{Query: "NVDA outlook", Errors: []workflow.RetrievalError{}}
	case workflow.StageFundamental:
		return &workflow.FundamentalOutput{Ticker: "NVDA", HealthScore: 74, Summary: "strong margins"}
	case workflow.StageNews:
		return &workflow.NewsOutput{Query: "NVDA", OverallSentimentScore: 0.2, OverallSentimentLabel: "Neutral"}
	case workflow.StageResearch:
		return &workflow.ResearchOutput{Ticker: "NVDA", ComposedAnalysis: "balanced"}
	case workflow.StageInvestment:
		return &workflow.InvestmentOutput{Ticker: "NVDA", Decision: workflow.DecisionHold, Rationale: "priced in", Confidence: 0.6}
	}
	return nil
}

// completeRun starts and completes a run with only retrieval finishing.
func completeRun(t *testing.T, s Store, runID, subject string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.StartRun(ctx, runID, subject))
	require.NoError(t, s.RecordEvent(ctx, stepComplete(runID, workflow.StageRetrieval, workflow.StepCompleted)))
	require.NoError(t, s.RecordEvent(ctx, workflowComplete(runID, workflow.WorkflowPartial)))
}

// drainPages follows cursors with the given limit and returns visited ids.
func drainPages(t *testing.T, s Store, limit int, subject string) []string {
	t.Helper()
	var ids []string
	cursor := ""
	for i := 0; i < 1000; i++ {
		page, err := s.ListRuns(context.Background(), ListOptions{Limit: limit, Cursor: cursor, Subject: subject})
		require.NoError(t, err)
		for _, r := range page.Runs {
			ids = append(ids, r.RunID)
		}
		if page.NextCursor == "" {
			return ids
		}
		cursor = page.NextCursor
	}
	t.Fatal("pagination did not terminate")
	return nil
}
