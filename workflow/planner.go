package workflow

import (
	"github.com/BaSui01/analystflow/types"
)

// =============================================================================
// 🗺️ 依赖规划器
// =============================================================================

// Plan records which canonical stages a run executes. Stages outside the
// plan are reported as skipped without reaching the executor.
type Plan struct {
	selected [5]bool
}

// NewPlan builds a plan from the stage filters of a request.
//
// With only set, a stage runs iff it is listed; the list must be a strictly
// increasing subsequence of StageOrder. With until set, every stage at or
// before it in StageOrder runs. With neither, every stage runs. Setting both
// is rejected.
func NewPlan(only []StageName, until StageName) (Plan, error) {
	var p Plan

	if len(only) > 0 && until != "" {
		return p, types.NewInvalidRequestError("only_steps and until_step are mutually exclusive")
	}

	switch {
	case len(only) > 0:
		last := -1
		for _, s := range only {
			idx := s.Index()
			if idx < 0 {
				return p, types.NewInvalidRequestError("invalid step in only_steps: %q, must be one of %v", s, StageOrder)
			}
			if idx <= last {
				return p, types.NewInvalidRequestError("steps in only_steps must be unique and in canonical order: %v", StageOrder)
			}
			last = idx
			p.selected[idx] = true
		}
	case until != "":
		stop := until.Index()
		if stop < 0 {
			return p, types.NewInvalidRequestError("invalid until_step: %q, must be one of %v", until, StageOrder)
		}
		for i := 0; i <= stop; i++ {
			p.selected[i] = true
		}
	default:
		for i := range p.selected {
			p.selected[i] = true
		}
	}

	return p, nil
}

// PlanFor validates the filters of req.
func PlanFor(req Request) (Plan, error) {
	return NewPlan(req.OnlyStages, req.UntilStage)
}

// Includes reports whether stage is planned.
func (p Plan) Includes(stage StageName) bool {
	idx := stage.Index()
	return idx >= 0 && p.selected[idx]
}

// Stages returns the planned stages in canonical order.
func (p Plan) Stages() []StageName {
	out := make([]StageName, 0, len(StageOrder))
	for i, s := range StageOrder {
		if p.selected[i] {
			out = append(out, s)
		}
	}
	return out
}

// Aggregate computes the run status from per-stage results: failed if any
// stage failed, completed if the pipeline reached a completed investment
// stage, partial otherwise. Stages absent from results count as not
// completed.
func Aggregate(results map[StageName]StepResult) WorkflowStatus {
	for _, r := range results {
		if r.Status == StepFailed {
			return WorkflowFailed
		}
	}
	if r, ok := results[StageInvestment]; ok && r.Status == StepCompleted {
		return WorkflowCompleted
	}
	return WorkflowPartial
}
