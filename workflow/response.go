package workflow

import "fmt"

// Response is the folded outcome of a run, keyed by stage name.
type Response struct {
	RunID           string         `json:"workflow_id"`
	Status          WorkflowStatus `json:"status"`
	Retrieval       *StepResult    `json:"retrieval"`
	Fundamental     *StepResult    `json:"fundamental"`
	News            *StepResult    `json:"news"`
	Research        *StepResult    `json:"research"`
	Investment      *StepResult    `json:"investment"`
	OverallWarnings []string       `json:"overall_warnings"`
}

// NewResponse returns an empty response for a running run.
func NewResponse(runID string) *Response {
	return &Response{
		RunID:           runID,
		Status:          WorkflowRunning,
		OverallWarnings: []string{},
	}
}

// FoldEvents replays events into a response.
func FoldEvents(runID string, events []StreamEvent) *Response {
	resp := NewResponse(runID)
	for _, ev := range events {
		resp.Apply(ev)
	}
	return resp
}

// Apply folds one event. step_complete fills the stage's slot once;
// workflow_complete sets the final status; error marks the run failed.
func (r *Response) Apply(ev StreamEvent) {
	switch ev.Kind {
	case EventStepComplete:
		if ev.Result == nil {
			return
		}
		slot := r.slot(ev.Result.Stage)
		if slot == nil || (*slot != nil && (*slot).Status.IsTerminal()) {
			return
		}
		res := *ev.Result
		*slot = &res
		for _, w := range res.Warnings {
			r.OverallWarnings = append(r.OverallWarnings, fmt.Sprintf("%s: %s", res.Stage, w))
		}
	case EventWorkflowComplete:
		if r.Status.IsTerminal() {
			return
		}
		r.Status = WorkflowStatus(ev.Status)
	case EventError:
		r.Status = WorkflowFailed
		if ev.Error != "" {
			r.OverallWarnings = append(r.OverallWarnings, ev.Error)
		}
	}
}

// Result returns the folded result of stage, or nil if none arrived.
func (r *Response) Result(stage StageName) *StepResult {
	if slot := r.slot(stage); slot != nil {
		return *slot
	}
	return nil
}

func (r *Response) slot(stage StageName) **StepResult {
	switch stage {
	case StageRetrieval:
		return &r.Retrieval
	case StageFundamental:
		return &r.Fundamental
	case StageNews:
		return &r.News
	case StageResearch:
		return &r.Research
	case StageInvestment:
		return &r.Investment
	}
	return nil
}
