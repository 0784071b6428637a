package workflow

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/analystflow/internal/ctxkeys"
)

const (
	// UpstreamFailedWarning marks a stage skipped because a dependency did
	// not complete.
	UpstreamFailedWarning = "Upstream dependencies failed"

	tracerName = "github.com/BaSui01/analystflow/workflow"

	// A run emits at most one step_start and one step_complete per stage
	// plus workflow_complete, so a channel of this size never blocks the
	// producer even when the consumer has gone away.
	maxEventsPerRun = 2*len(stageSlots{}) + 1
)

// levelOne lists the mutually independent stages that fan out after retrieval.
var levelOne = []StageName{StageFundamental, StageNews}

// Recorder persists the lifecycle of a run. runstore.Store satisfies it.
type Recorder interface {
	StartRun(ctx context.Context, runID, subject string) error
	RecordEvent(ctx context.Context, event StreamEvent) error
}

// Config 编排器配置
type Config struct {
	// 默认阶段超时
	StageTimeout time.Duration `yaml:"stage_timeout" json:"stage_timeout"`

	// 按阶段覆盖的超时
	StageTimeouts map[StageName]time.Duration `yaml:"stage_timeouts" json:"stage_timeouts"`

	// 结果缓存有效期
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	// 单次持久化写入超时
	PersistTimeout time.Duration `yaml:"persist_timeout" json:"persist_timeout"`
}

// DefaultConfig 返回默认编排器配置
func DefaultConfig() Config {
	return Config{
		StageTimeout:   DefaultStageTimeout,
		CacheTTL:       DefaultCacheTTL,
		PersistTimeout: 5 * time.Second,
	}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithObserver reports stage, cache and run measurements to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// Orchestrator owns the canonical stage graph. It plans a run, drives each
// stage through the Executor (level 1 concurrently) and emits the run's
// events in chronological order.
type Orchestrator struct {
	stages   StageSet
	cache    ResultCache
	recorder Recorder
	executor *Executor
	config   Config
	logger   *zap.Logger
	observer Observer
	tracer   trace.Tracer
	newID    func() string
}

// NewOrchestrator wires stages to a result cache and a run recorder. cache
// and recorder may be nil to disable caching or persistence.
func NewOrchestrator(stages StageSet, cache ResultCache, recorder Recorder, config Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.StageTimeout <= 0 {
		config.StageTimeout = DefaultStageTimeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = 5 * time.Second
	}

	o := &Orchestrator{
		stages:   stages,
		cache:    cache,
		recorder: recorder,
		config:   config,
		logger:   logger.With(zap.String("component", "orchestrator")),
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
		newID:    NewRunID,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.executor = NewExecutor(cache, config.CacheTTL, logger)
	o.executor.observer = o.observer
	o.executor.tracer = o.tracer
	return o
}

// =============================================================================
// 🎯 对外接口
// =============================================================================

// Stream validates req and starts the run. It returns the run id and the
// event channel, which is closed after workflow_complete. Validation errors
// are returned before any run id is allocated and emit nothing.
//
// The run is detached from ctx cancellation: a caller that stops reading
// does not stop the run from completing and being persisted.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (string, <-chan StreamEvent, error) {
	if err := req.Validate(); err != nil {
		return "", nil, err
	}
	plan, err := PlanFor(req)
	if err != nil {
		return "", nil, err
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = o.newID()
	}

	events := make(chan StreamEvent, maxEventsPerRun)
	r := &run{
		id:     runID,
		req:    req,
		plan:   plan,
		input:  req.stageInput(runID),
		events: events,
		logger: o.logger.With(zap.String("run_id", runID)),
	}

	runCtx := ctxkeys.WithRunID(context.WithoutCancel(ctx), runID)
	go func() {
		defer close(events)
		o.execute(runCtx, r)
	}()

	return runID, events, nil
}

// Run executes req synchronously by draining Stream and folding its events.
// If ctx ends first the partial response is returned with ctx's error while
// the run keeps going in the background.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Response, error) {
	runID, events, err := o.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := NewResponse(runID)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return resp, nil
			}
			resp.Apply(ev)
		case <-ctx.Done():
			return resp, ctx.Err()
		}
	}
}

// =============================================================================
// ⚙️ 执行流程
// =============================================================================

// stageSlots holds one result per canonical stage, indexed by
// StageName.Index. Each slot is assigned once by the goroutine that owns
// the stage.
type stageSlots [5]*StepResult

type run struct {
	id     string
	req    Request
	plan   Plan
	input  StageInput
	slots  stageSlots
	events chan<- StreamEvent
	logger *zap.Logger
}

func (r *run) results() map[StageName]StepResult {
	out := make(map[StageName]StepResult, len(r.slots))
	for i, res := range r.slots {
		if res != nil {
			out[StageOrder[i]] = *res
		}
	}
	return out
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.run_id", r.id),
		attribute.String("workflow.subject", r.req.Subject()),
		attribute.StringSlice("workflow.planned_stages", stageStrings(r.plan.Stages())),
	))
	defer span.End()

	r.logger.Info("workflow started",
		zap.String("ticker", r.req.Ticker),
		zap.Strings("planned", stageStrings(r.plan.Stages())),
		zap.Bool("force_refresh", r.req.ForceRefresh),
		zap.Bool("ephemeral", r.req.Ephemeral),
	)

	if !r.req.Ephemeral && o.recorder != nil {
		o.persist(ctx, r, "start_run", func(ctx context.Context) error {
			return o.recorder.StartRun(ctx, r.id, r.req.Subject())
		})
	}

	status := o.drive(ctx, r)
	o.emit(ctx, r, StreamEvent{RunID: r.id, Kind: EventWorkflowComplete, Status: string(status)})

	elapsed := time.Since(start)
	o.observer.ObserveRun(status, elapsed)
	span.SetAttributes(attribute.String("workflow.status", string(status)))
	r.logger.Info("workflow finished",
		zap.String("status", string(status)),
		zap.Duration("duration", elapsed),
	)
}

// drive runs the stages level by level and returns the aggregated status.
func (o *Orchestrator) drive(ctx context.Context, r *run) WorkflowStatus {
	// level 0
	o.runStage(ctx, r, StageRetrieval, true)
	out, ok := o.upstream(ctx, r, StageRetrieval)
	if !ok {
		return o.finishEarly(ctx, r)
	}
	r.input.Retrieval = out.(*RetrievalOutput)

	// level 1
	o.runLevelOne(ctx, r)

	ready := true
	for _, stage := range levelOne {
		out, ok := o.upstream(ctx, r, stage)
		if !ok {
			ready = false
			continue
		}
		switch v := out.(type) {
		case *FundamentalOutput:
			r.input.Fundamental = v
		case *NewsOutput:
			r.input.News = v
		}
	}
	if !ready && r.plan.Includes(StageResearch) {
		r.logger.Warn("research dependencies not satisfied")
	}

	// level 2
	o.runStage(ctx, r, StageResearch, ready)
	out, ok = o.upstream(ctx, r, StageResearch)
	if !ok {
		return o.finishEarly(ctx, r)
	}
	r.input.Research = out.(*ResearchOutput)

	// level 3
	o.runStage(ctx, r, StageInvestment, true)
	return Aggregate(r.results())
}

// runStage executes one sequential stage, or reports it skipped when it is
// not planned or its dependencies are not ready.
func (o *Orchestrator) runStage(ctx context.Context, r *run, stage StageName, ready bool) {
	if !r.plan.Includes(stage) {
		o.complete(ctx, r, SkippedResult(stage))
		return
	}
	if !ready {
		o.complete(ctx, r, SkippedResult(stage, UpstreamFailedWarning))
		return
	}

	o.emit(ctx, r, StreamEvent{RunID: r.id, Kind: EventStepStart, Stage: stage, Status: string(StepRunning)})
	res := o.executor.Execute(ctx, r.id, o.stages[stage], r.input, o.executeOptions(stage, r.req))
	o.complete(ctx, r, res)
}

// runLevelOne fans out the requested level-1 stages and emits each
// step_complete in completion order.
func (o *Orchestrator) runLevelOne(ctx context.Context, r *run) {
	var requested []StageName
	for _, stage := range levelOne {
		if r.plan.Includes(stage) {
			requested = append(requested, stage)
			o.emit(ctx, r, StreamEvent{RunID: r.id, Kind: EventStepStart, Stage: stage, Status: string(StepRunning)})
		}
	}

	in := r.input
	finished := make(chan StageName, len(requested))
	var g errgroup.Group
	for _, stage := range requested {
		g.Go(func() error {
			res := o.executor.Execute(ctx, r.id, o.stages[stage], in, o.executeOptions(stage, r.req))
			r.slots[stage.Index()] = &res
			finished <- stage
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(finished)
	}()

	for stage := range finished {
		o.emitComplete(ctx, r, *r.slots[stage.Index()])
	}

	for _, stage := range levelOne {
		if !r.plan.Includes(stage) {
			o.complete(ctx, r, SkippedResult(stage))
		}
	}
}

// upstream returns the completed output of stage for use by its dependents.
// A stage outside the plan may still be satisfied by a completed result
// cached under the same run id.
func (o *Orchestrator) upstream(ctx context.Context, r *run, stage StageName) (StageOutput, bool) {
	if res := r.slots[stage.Index()]; res != nil && res.Status == StepCompleted && res.Output != nil {
		return res.Output, true
	}
	if r.plan.Includes(stage) || r.req.ForceRefresh || o.cache == nil {
		return nil, false
	}

	cached, hit, err := o.cache.Get(ctx, CacheKey(r.id, stage))
	if err != nil {
		r.logger.Warn("upstream cache lookup failed", zap.String("stage", string(stage)), zap.Error(err))
		return nil, false
	}
	if !hit || cached == nil || cached.Status != StepCompleted || cached.Output == nil {
		return nil, false
	}
	if cached.Output.Stage() != stage {
		return nil, false
	}
	r.logger.Info("using cached upstream result", zap.String("stage", string(stage)))
	return cached.Output, true
}

// finishEarly reports every stage without a result as skipped and returns
// the aggregated status.
func (o *Orchestrator) finishEarly(ctx context.Context, r *run) WorkflowStatus {
	for i, stage := range StageOrder {
		if r.slots[i] != nil {
			continue
		}
		if r.plan.Includes(stage) {
			o.complete(ctx, r, SkippedResult(stage, UpstreamFailedWarning))
		} else {
			o.complete(ctx, r, SkippedResult(stage))
		}
	}
	return Aggregate(r.results())
}

func (o *Orchestrator) executeOptions(stage StageName, req Request) ExecuteOptions {
	timeout := o.config.StageTimeout
	if t, ok := o.config.StageTimeouts[stage]; ok && t > 0 {
		timeout = t
	}
	return ExecuteOptions{Timeout: timeout, ForceRefresh: req.ForceRefresh}
}

// =============================================================================
// 📡 事件发射与持久化
// =============================================================================

// complete stores res in its slot and emits step_complete. Only the driver
// goroutine calls it.
func (o *Orchestrator) complete(ctx context.Context, r *run, res StepResult) {
	r.slots[res.Stage.Index()] = &res
	o.emitComplete(ctx, r, res)
}

func (o *Orchestrator) emitComplete(ctx context.Context, r *run, res StepResult) {
	o.emit(ctx, r, StreamEvent{
		RunID:  r.id,
		Kind:   EventStepComplete,
		Stage:  res.Stage,
		Status: string(res.Status),
		Result: &res,
	})
}

// emit records ev (unless the run is ephemeral) and then publishes it.
func (o *Orchestrator) emit(ctx context.Context, r *run, ev StreamEvent) {
	if !r.req.Ephemeral && o.recorder != nil {
		o.persist(ctx, r, "record_event", func(ctx context.Context) error {
			return o.recorder.RecordEvent(ctx, ev)
		})
	}
	r.events <- ev
}

// persist runs a best-effort store write. Failures are logged and counted
// but never change the run outcome.
func (o *Orchestrator) persist(ctx context.Context, r *run, op string, fn func(context.Context) error) {
	pctx, cancel := context.WithTimeout(ctx, o.config.PersistTimeout)
	defer cancel()

	if err := fn(pctx); err != nil {
		o.observer.ObservePersistError(op)
		r.logger.Error("run store write failed", zap.String("operation", op), zap.Error(err))
	}
}

func stageStrings(stages []StageName) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}
