package workflow

import (
	"context"
	"fmt"
	"strings"
)

// StageInput carries the request parameters and the upstream outputs a
// stage consumes. Upstream fields are nil when the stage does not depend on
// them.
type StageInput struct {
	RunID       string `json:"workflow_id"`
	Query       string `json:"query"`
	Ticker      string `json:"ticker"`
	CompanyName string `json:"company_name,omitempty"`
	NewsLimit   int    `json:"news_limit"`
	SearchLimit int    `json:"search_limit"`

	Retrieval   *RetrievalOutput   `json:"retrieval,omitempty"`
	Fundamental *FundamentalOutput `json:"fundamental,omitempty"`
	News        *NewsOutput        `json:"news,omitempty"`
	Research    *ResearchOutput    `json:"research,omitempty"`
}

// StageOutcome is what a stage returns on success.
type StageOutcome struct {
	Output   StageOutput
	Warnings []string
	LLMUsage []LLMUsage
}

// Stage 阶段契约：给定上游输出返回结果或失败，必须响应 ctx 的截止时间。
// 超时由执行器施加，阶段自身不管理截止时间。
type Stage interface {
	Name() StageName
	Run(ctx context.Context, in StageInput) (*StageOutcome, error)
}

// StageFunc adapts a function to the Stage contract.
type StageFunc func(ctx context.Context, in StageInput) (*StageOutcome, error)

type funcStage struct {
	name StageName
	fn   StageFunc
}

// NewFuncStage wraps fn as the named stage.
func NewFuncStage(name StageName, fn StageFunc) Stage {
	return &funcStage{name: name, fn: fn}
}

func (s *funcStage) Name() StageName { return s.name }

func (s *funcStage) Run(ctx context.Context, in StageInput) (*StageOutcome, error) {
	return s.fn(ctx, in)
}

// StageSet binds every canonical stage to its implementation.
type StageSet map[StageName]Stage

// NewStageSet indexes stages by name and requires all five to be present.
func NewStageSet(stages ...Stage) (StageSet, error) {
	set := make(StageSet, len(stages))
	for _, s := range stages {
		if s == nil {
			return nil, fmt.Errorf("nil stage")
		}
		name := s.Name()
		if !name.Valid() {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
		if _, dup := set[name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", name)
		}
		set[name] = s
	}

	var missing []string
	for _, name := range StageOrder {
		if _, ok := set[name]; !ok {
			missing = append(missing, string(name))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing stages: %s", strings.Join(missing, ", "))
	}
	return set, nil
}
