package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/analystflow/internal/ctxkeys"
	"github.com/BaSui01/analystflow/internal/tlsutil"
	"github.com/BaSui01/analystflow/types"
	"github.com/BaSui01/analystflow/workflow"
)

const (
	// HeaderRunID carries the run id to stage services.
	HeaderRunID = "X-Run-ID"
	// HeaderRequestID carries the inbound request id to stage services.
	HeaderRequestID = "X-Request-ID"

	instrumentationName = "github.com/BaSui01/analystflow/stages"

	// maxErrorBody bounds how much of a failed response is kept in the warning.
	maxErrorBody = 4 << 10
)

// 调用结果分类，用于指标标签
const (
	OutcomeOK          = "ok"
	OutcomeClientError = "client_error"
	OutcomeServerError = "server_error"
	OutcomeTransport   = "transport_error"
	OutcomeDecodeError = "decode_error"
	OutcomeRateLimited = "rate_limited"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeTimeout     = "timeout"
)

// CallRecorder receives one observation per outbound stage call.
// *metrics.Collector satisfies it.
type CallRecorder interface {
	RecordStageCall(stage workflow.StageName, outcome string, duration time.Duration)
	RecordLLMUsage(stage workflow.StageName, usage []workflow.LLMUsage)
}

type nopRecorder struct{}

func (nopRecorder) RecordStageCall(workflow.StageName, string, time.Duration) {}
func (nopRecorder) RecordLLMUsage(workflow.StageName, []workflow.LLMUsage)    {}

// =============================================================================
// ⚙️ 选项
// =============================================================================

// Option configures HTTP stages.
type Option func(*options)

type options struct {
	client     *http.Client
	logger     *zap.Logger
	recorder   CallRecorder
	tracer     trace.TracerProvider
	meter      metric.Meter
	propagator propagation.TextMapPropagator
	limiter    *rate.Limiter
	breaker    *BreakerConfig
}

// WithHTTPClient sets the client used for stage calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRecorder reports call outcomes and token usage, typically to Prometheus.
func WithRecorder(r CallRecorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithTracerProvider enables a client span per call.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithMeter records call durations as an OTel histogram.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithPropagator overrides the propagator injecting trace context into
// outbound headers. Defaults to the global propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) { o.propagator = p }
}

// WithRateLimiter throttles calls to the stage. A nil limiter disables it.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithBreaker guards the stage with a circuit breaker.
func WithBreaker(cfg BreakerConfig) Option {
	return func(o *options) { o.breaker = &cfg }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = tlsutil.SecureHTTPClient(0)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.tracer == nil {
		o.tracer = tracenoop.NewTracerProvider()
	}
	if o.meter == nil {
		o.meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if o.propagator == nil {
		o.propagator = otel.GetTextMapPropagator()
	}
	return o
}

// =============================================================================
// 🌐 HTTP 阶段
// =============================================================================

// stageResponse is the body a stage service answers with on success.
type stageResponse struct {
	Output   json.RawMessage     `json:"output"`
	Warnings []string            `json:"warnings"`
	LLMUsage []workflow.LLMUsage `json:"llm_usage"`
}

// HTTPStage calls a remote analyst service: it POSTs the StageInput as JSON
// and decodes the typed output for its stage from the response.
type HTTPStage struct {
	name     workflow.StageName
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *Breaker

	recorder   CallRecorder
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	duration   metric.Float64Histogram
	logger     *zap.Logger
}

// NewHTTPStage creates the stage served at endpoint.
func NewHTTPStage(name workflow.StageName, endpoint string, opts ...Option) (*HTTPStage, error) {
	if !name.Valid() {
		return nil, fmt.Errorf("unknown stage %q", name)
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("stage %s: endpoint %q must be an absolute http(s) url", name, endpoint)
	}

	o := buildOptions(opts)
	logger := o.logger.With(zap.String("component", "stage_client"), zap.String("stage", string(name)))

	duration, err := o.meter.Float64Histogram("analystflow.stage.call.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Outbound stage call duration"),
	)
	if err != nil {
		return nil, fmt.Errorf("stage %s: create duration histogram: %w", name, err)
	}

	s := &HTTPStage{
		name:       name,
		endpoint:   endpoint,
		client:     o.client,
		limiter:    o.limiter,
		recorder:   o.recorder,
		tracer:     o.tracer.Tracer(instrumentationName),
		propagator: o.propagator,
		duration:   duration,
		logger:     logger,
	}
	if o.breaker != nil {
		s.breaker = NewBreaker(string(name), *o.breaker, o.logger)
	}
	return s, nil
}

// Name implements workflow.Stage.
func (s *HTTPStage) Name() workflow.StageName { return s.name }

// Endpoint returns the configured service url.
func (s *HTTPStage) Endpoint() string { return s.endpoint }

// Breaker returns the stage's circuit breaker, nil when disabled.
func (s *HTTPStage) Breaker() *Breaker { return s.breaker }

// Run implements workflow.Stage.
func (s *HTTPStage) Run(ctx context.Context, in workflow.StageInput) (*workflow.StageOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "stage."+string(s.name),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("analystflow.stage", string(s.name)),
			attribute.String("analystflow.run_id", in.RunID),
			semconv.HTTPRequestMethodKey.String(http.MethodPost),
			semconv.URLFull(s.endpoint),
		),
	)
	defer span.End()

	start := time.Now()
	outcome, result, err := s.call(ctx, span, in)
	elapsed := time.Since(start)

	s.recorder.RecordStageCall(s.name, outcome, elapsed)
	s.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", string(s.name)),
		attribute.String("outcome", outcome),
	))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		s.logger.Warn("stage call failed",
			zap.String("run_id", in.RunID),
			zap.String("outcome", outcome),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, err
	}

	s.recorder.RecordLLMUsage(s.name, result.LLMUsage)
	s.logger.Debug("stage call succeeded",
		zap.String("run_id", in.RunID),
		zap.Duration("elapsed", elapsed),
		zap.Int("warnings", len(result.Warnings)),
	)
	return result, nil
}

func (s *HTTPStage) call(ctx context.Context, span trace.Span, in workflow.StageInput) (string, *workflow.StageOutcome, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return OutcomeRateLimited, nil, types.NewError(types.ErrRateLimited,
				fmt.Sprintf("stage %s rate limit: %v", s.name, err)).WithCause(err).WithRetryable(true)
		}
	}

	var generation uint64
	if s.breaker != nil {
		gen, err := s.breaker.Allow()
		if err != nil {
			return OutcomeCircuitOpen, nil, err
		}
		generation = gen
	}

	outcome, result, err := s.do(ctx, span, in)
	if s.breaker != nil {
		if countsAsFailure(outcome) {
			s.breaker.RecordFailure(generation)
		} else {
			s.breaker.RecordSuccess(generation)
		}
	}
	return outcome, result, err
}

// countsAsFailure reports whether an outcome says the service is unhealthy.
// 4xx other than 429 means the service answered and is not counted.
func countsAsFailure(outcome string) bool {
	switch outcome {
	case OutcomeTransport, OutcomeTimeout, OutcomeDecodeError, OutcomeServerError, OutcomeRateLimited:
		return true
	}
	return false
}

func (s *HTTPStage) do(ctx context.Context, span trace.Span, in workflow.StageInput) (string, *workflow.StageOutcome, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return OutcomeDecodeError, nil, fmt.Errorf("stage %s: marshal input: %w", s.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return OutcomeTransport, nil, fmt.Errorf("stage %s: create request: %w", s.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if in.RunID != "" {
		req.Header.Set(HeaderRunID, in.RunID)
	}
	if id, ok := ctxkeys.RequestID(ctx); ok {
		req.Header.Set(HeaderRequestID, id)
	}
	s.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeTimeout, nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return OutcomeTimeout, nil, types.NewError(types.ErrUpstreamTimeout,
				fmt.Sprintf("stage %s request timed out", s.name)).WithCause(err).WithRetryable(true)
		}
		return OutcomeTransport, nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("stage %s unreachable", s.name)).WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()
	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))

	if resp.StatusCode >= 400 {
		outcome := OutcomeClientError
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			outcome = OutcomeRateLimited
		case resp.StatusCode >= 500:
			outcome = OutcomeServerError
		}
		msg := readErrorMessage(io.LimitReader(resp.Body, maxErrorBody))
		return outcome, nil, mapHTTPError(s.name, resp.StatusCode, msg)
	}

	var body stageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return OutcomeDecodeError, nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("stage %s returned a malformed response", s.name)).WithCause(err)
	}
	output, err := workflow.DecodeStageOutput(s.name, body.Output)
	if err != nil {
		return OutcomeDecodeError, nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("stage %s returned a malformed output", s.name)).WithCause(err)
	}
	if output == nil {
		return OutcomeDecodeError, nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("stage %s returned no output", s.name))
	}

	return OutcomeOK, &workflow.StageOutcome{
		Output:   output,
		Warnings: body.Warnings,
		LLMUsage: body.LLMUsage,
	}, nil
}

// mapHTTPError 将阶段服务的 HTTP 状态码映射为带重试标记的 types.Error
func mapHTTPError(stage workflow.StageName, status int, msg string) *types.Error {
	text := fmt.Sprintf("stage %s returned %d", stage, status)
	if msg != "" {
		text += ": " + msg
	}
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, text).WithHTTPStatus(status).WithRetryable(true)
	case status == http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstreamTimeout, text).WithHTTPStatus(status).WithRetryable(true)
	case status >= 500:
		return types.NewError(types.ErrUpstreamError, text).WithHTTPStatus(status).WithRetryable(true)
	default:
		return types.NewError(types.ErrUpstreamError, text).WithHTTPStatus(status)
	}
}

// readErrorMessage 读取响应体中的错误消息，
// 依次尝试 {"error": "..."}、{"error": {"message": "..."}}、{"detail": "..."}，失败则回退到原始文本
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}

	var flat struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &flat); err == nil {
		if flat.Error != "" {
			return flat.Error
		}
		if flat.Detail != "" {
			return flat.Detail
		}
	}

	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &nested); err == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}

	return strings.TrimSpace(string(data))
}

var _ workflow.Stage = (*HTTPStage)(nil)
