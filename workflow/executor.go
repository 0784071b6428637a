package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/internal/ctxkeys"
)

const (
	// DefaultStageTimeout is the deadline applied to a stage call when no
	// per-stage timeout is configured.
	DefaultStageTimeout = 120 * time.Second

	// TimeoutWarning is the warning attached to a stage that missed its deadline.
	TimeoutWarning = "timeout"
)

// ExecuteOptions control a single executor invocation.
type ExecuteOptions struct {
	Timeout      time.Duration
	ForceRefresh bool
}

// Executor wraps one stage invocation with cache lookup, timeout, error
// capture, duration measurement and cache write-back on success.
type Executor struct {
	cache    ResultCache
	ttl      time.Duration
	logger   *zap.Logger
	observer Observer
	tracer   trace.Tracer
}

// NewExecutor creates a step executor. A nil cache disables caching.
func NewExecutor(cache ResultCache, ttl time.Duration, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Executor{
		cache:    cache,
		ttl:      ttl,
		logger:   logger.With(zap.String("component", "step_executor")),
		observer: nopObserver{},
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
}

// errStageTimeout marks a call that outlived the executor's own deadline.
// Stage errors that merely wrap context.DeadlineExceeded are not timeouts.
var errStageTimeout = errors.New("stage deadline exceeded")

type stageCall struct {
	outcome *StageOutcome
	err     error
}

// Execute runs stage for runID and always returns a terminal StepResult.
// Stage errors never propagate; they become failed results with a warning.
func (e *Executor) Execute(ctx context.Context, runID string, stage Stage, in StageInput, opts ExecuteOptions) StepResult {
	name := stage.Name()
	key := CacheKey(runID, name)
	log := e.logger.With(zap.String("run_id", runID), zap.String("stage", string(name)))

	ctx, span := e.tracer.Start(ctx, "workflow.stage."+string(name),
		trace.WithAttributes(
			attribute.String("workflow.run_id", runID),
			attribute.String("workflow.stage", string(name)),
		))
	defer span.End()

	if !opts.ForceRefresh && e.cache != nil {
		cached, hit, err := e.cache.Get(ctx, key)
		if err != nil {
			log.Warn("result cache lookup failed, treating as miss", zap.Error(err))
			hit = false
		}
		if hit && cached != nil && cached.Status == StepCompleted {
			e.observer.ObserveCacheLookup(name, true)
			e.observer.ObserveStage(name, cached.Status, true, 0)
			span.SetAttributes(attribute.Bool("workflow.cache_hit", true))
			log.Info("cache hit")
			return *cached
		}
		e.observer.ObserveCacheLookup(name, false)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}

	start := time.Now()
	outcome, err := e.call(ctx, stage, in, timeout)
	elapsed := time.Since(start)

	result := StepResult{
		Stage:      name,
		Status:     StepFailed,
		Warnings:   []string{},
		DurationMS: elapsed.Milliseconds(),
	}

	switch {
	case errors.Is(err, errStageTimeout):
		result.Warnings = []string{TimeoutWarning}
		log.Error("stage timed out", zap.Duration("timeout", timeout))
	case err != nil:
		result.Warnings = []string{err.Error()}
		log.Error("stage failed", zap.Error(err))
	default:
		result.Status = StepCompleted
		result.Output = outcome.Output
		if len(outcome.Warnings) > 0 {
			result.Warnings = append(result.Warnings, outcome.Warnings...)
		}
		result.LLMUsage = outcome.LLMUsage
	}

	span.SetAttributes(attribute.String("workflow.step_status", string(result.Status)))
	if result.Status == StepFailed {
		span.SetStatus(codes.Error, result.Warnings[0])
	}
	e.observer.ObserveStage(name, result.Status, false, elapsed)

	if result.Status == StepCompleted && e.cache != nil {
		if err := e.cache.Set(ctx, key, result, e.ttl); err != nil {
			log.Warn("result cache write failed", zap.Error(err))
		}
	}

	log.Debug("stage finished",
		zap.String("status", string(result.Status)),
		zap.Int64("duration_ms", result.DurationMS),
	)
	return result
}

// call invokes the stage under a deadline. The stage runs on its own
// goroutine so a stage that ignores ctx still yields a timeout on schedule.
func (e *Executor) call(ctx context.Context, stage Stage, in StageInput, timeout time.Duration) (*StageOutcome, error) {
	callCtx, cancel := context.WithTimeout(ctxkeys.WithStage(ctx, string(stage.Name())), timeout)
	defer cancel()

	done := make(chan stageCall, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("stage panicked",
					zap.String("stage", string(stage.Name())),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- stageCall{err: fmt.Errorf("stage panicked: %v", r)}
			}
		}()
		outcome, err := stage.Run(callCtx, in)
		done <- stageCall{outcome: outcome, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				return nil, errStageTimeout
			}
			return nil, res.err
		}
		if err := checkOutcome(stage.Name(), res.outcome); err != nil {
			return nil, err
		}
		return res.outcome, nil
	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, errStageTimeout
		}
		return nil, callCtx.Err()
	}
}

func checkOutcome(stage StageName, outcome *StageOutcome) error {
	if outcome == nil || outcome.Output == nil {
		return fmt.Errorf("stage %s returned no output", stage)
	}
	if got := outcome.Output.Stage(); got != stage {
		return fmt.Errorf("stage %s returned %s output", stage, got)
	}
	if v, ok := outcome.Output.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("stage %s returned invalid output: %w", stage, err)
		}
	}
	return nil
}
