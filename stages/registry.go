package stages

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/BaSui01/analystflow/config"
	"github.com/BaSui01/analystflow/internal/tlsutil"
	"github.com/BaSui01/analystflow/types"
	"github.com/BaSui01/analystflow/workflow"
)

// unconfiguredStage fails every call. It lets the service start when only
// some stages are deployed; runs limited to the configured ones still work.
type unconfiguredStage struct {
	name workflow.StageName
}

func (s unconfiguredStage) Name() workflow.StageName { return s.name }

func (s unconfiguredStage) Run(context.Context, workflow.StageInput) (*workflow.StageOutcome, error) {
	return nil, types.NewError(types.ErrStageNotConfigured,
		fmt.Sprintf("stage %s has no endpoint configured", s.name))
}

// NewStageSet builds the five remote stages from cfg. The HTTP client,
// outbound limiter and breaker settings come from cfg; opts add
// observability and may override the client. Stages without a URL are
// bound to a stub that fails with STAGE_NOT_CONFIGURED.
func NewStageSet(cfg config.StagesConfig, opts ...Option) (workflow.StageSet, error) {
	client, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	urls := cfg.URLs()
	list := make([]workflow.Stage, 0, len(workflow.StageOrder))
	for _, name := range workflow.StageOrder {
		endpoint := urls[string(name)]
		if endpoint == "" {
			list = append(list, unconfiguredStage{name: name})
			continue
		}

		breaker := DefaultBreakerConfig()
		if cfg.FailureThreshold > 0 {
			breaker.FailureThreshold = cfg.FailureThreshold
		}
		if cfg.ResetTimeout > 0 {
			breaker.ResetTimeout = cfg.ResetTimeout
		}
		stageOpts := []Option{WithHTTPClient(client), WithBreaker(breaker)}
		// 每个阶段独立限流，避免慢阶段挤占其他阶段的配额
		if cfg.RateLimitRPS > 0 {
			burst := cfg.RateLimitBurst
			if burst <= 0 {
				burst = 1
			}
			stageOpts = append(stageOpts, WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)))
		}
		stageOpts = append(stageOpts, opts...)

		stage, err := NewHTTPStage(name, endpoint, stageOpts...)
		if err != nil {
			return nil, err
		}
		list = append(list, stage)
	}

	return workflow.NewStageSet(list...)
}

// NewHTTPClient returns the hardened client shared by all stages.
func NewHTTPClient(cfg config.StagesConfig) (*http.Client, error) {
	tlsConfig, err := tlsutil.ClientTLSConfig(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("stages: %w", err)
	}
	return &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: tlsutil.SecureTransport(tlsConfig),
	}, nil
}

// Configured reports which stages have a remote endpoint.
func Configured(set workflow.StageSet) []workflow.StageName {
	var names []workflow.StageName
	for _, name := range workflow.StageOrder {
		if _, stub := set[name].(unconfiguredStage); !stub {
			names = append(names, name)
		}
	}
	return names
}
