package workflow

import (
	"context"
	"time"
)

// DefaultCacheTTL bounds how long a completed step result is reused.
const DefaultCacheTTL = 24 * time.Hour

// ResultCache stores completed step results keyed by (run id, stage).
// Implementations must be safe for concurrent use by multiple runs.
type ResultCache interface {
	// Get returns the cached result and true, or false on a miss.
	Get(ctx context.Context, key string) (*StepResult, bool, error)
	// Set stores result under key for ttl.
	Set(ctx context.Context, key string, result StepResult, ttl time.Duration) error
}

// CacheKey builds the Result Cache key of a stage within a run.
func CacheKey(runID string, stage StageName) string {
	return runID + ":" + string(stage)
}

// Observer receives execution measurements. internal/metrics.Collector is the
// production implementation.
type Observer interface {
	ObserveStage(stage StageName, status StepStatus, cached bool, duration time.Duration)
	ObserveCacheLookup(stage StageName, hit bool)
	ObserveRun(status WorkflowStatus, duration time.Duration)
	ObservePersistError(operation string)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(StageName, StepStatus, bool, time.Duration) {}
func (nopObserver) ObserveCacheLookup(StageName, bool) {}
func (nopObserver) ObserveRun(WorkflowStatus, time.Duration) {}
func (nopObserver) ObservePersistError(string) {}
