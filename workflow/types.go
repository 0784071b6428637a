package workflow

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// 🧭 阶段与状态
// =============================================================================

// StageName identifies one of the five canonical pipeline stages.
type StageName string

const (
	StageRetrieval   StageName = "retrieval"
	StageFundamental StageName = "fundamental"
	StageNews        StageName = "news"
	StageResearch    StageName = "research"
	StageInvestment  StageName = "investment"
)

// StageOrder is the canonical total order of the pipeline.
var StageOrder = []StageName{
	StageRetrieval,
	StageFundamental,
	StageNews,
	StageResearch,
	StageInvestment,
}

// Index returns the position of s in StageOrder, or -1 if s is unknown.
func (s StageName) Index() int {
	for i, name := range StageOrder {
		if name == s {
			return i
		}
	}
	return -1
}

// Level 返回阶段所在的依赖层级，未知阶段返回 -1。
func (s StageName) Level() int {
	switch s {
	case StageRetrieval:
		return 0
	case StageFundamental, StageNews:
		return 1
	case StageResearch:
		return 2
	case StageInvestment:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a canonical stage.
func (s StageName) Valid() bool {
	return s.Index() >= 0
}

// ParseStageName validates a raw stage name.
func ParseStageName(raw string) (StageName, error) {
	s := StageName(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q (valid: %v)", raw, StageOrder)
	}
	return s, nil
}

// StepStatus is the lifecycle status of one stage within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

// IsTerminal reports whether no further transition may occur.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepSkipped, StepFailed:
		return true
	}
	return false
}

// WorkflowStatus is the aggregated status of a run.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowPartial   WorkflowStatus = "partial"
	WorkflowFailed    WorkflowStatus = "failed"
)

// IsTerminal reports whether the run has finished.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowPartial || s == WorkflowFailed
}

// =============================================================================
// 📦 步骤结果
// =============================================================================

// LLMUsage records one model call made by a stage.
type LLMUsage struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	LatencyMS        int64  `json:"latency_ms"`
}

// StepResult is the terminal outcome of one stage. Output is set only when
// Status is StepCompleted.
type StepResult struct {
	Stage      StageName   `json:"step_name"`
	Status     StepStatus  `json:"status"`
	Output     StageOutput `json:"output,omitempty"`
	Warnings   []string    `json:"warnings"`
	DurationMS int64       `json:"duration_ms"`
	LLMUsage   []LLMUsage  `json:"llm_usage,omitempty"`
}

// SkippedResult builds a skipped result carrying optional warnings.
func SkippedResult(stage StageName, warnings ...string) StepResult {
	if warnings == nil {
		warnings = []string{}
	}
	return StepResult{Stage: stage, Status: StepSkipped, Warnings: warnings}
}

type stepResultWire struct {
	Stage      StageName       `json:"step_name"`
	Status     StepStatus      `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Warnings   []string        `json:"warnings"`
	DurationMS int64           `json:"duration_ms"`
	LLMUsage   []LLMUsage      `json:"llm_usage,omitempty"`
}

// UnmarshalJSON decodes Output into the concrete type selected by step_name.
func (r *StepResult) UnmarshalJSON(data []byte) error {
	var w stepResultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out, err := DecodeStageOutput(w.Stage, w.Output)
	if err != nil {
		return err
	}
	*r = StepResult{
		Stage:      w.Stage,
		Status:     w.Status,
		Output:     out,
		Warnings:   w.Warnings,
		DurationMS: w.DurationMS,
		LLMUsage:   w.LLMUsage,
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	return nil
}

// Clone returns a copy that shares no slices or output with r. Outputs are
// copied through their JSON form; one that cannot be encoded is shared.
func (r StepResult) Clone() StepResult {
	out := r
	if r.Warnings != nil {
		out.Warnings = append([]string{}, r.Warnings...)
	}
	if r.LLMUsage != nil {
		out.LLMUsage = append([]LLMUsage{}, r.LLMUsage...)
	}
	if r.Output != nil {
		if raw, err := json.Marshal(r.Output); err == nil {
			if copied, err := DecodeStageOutput(r.Output.Stage(), raw); err == nil {
				out.Output = copied
			}
		}
	}
	return out
}

// =============================================================================
// 📡 事件
// =============================================================================

// EventKind distinguishes stream events.
type EventKind string

const (
	EventStepStart        EventKind = "step_start"
	EventStepComplete     EventKind = "step_complete"
	EventWorkflowComplete EventKind = "workflow_complete"
	EventError            EventKind = "error"
)

// StreamEvent is one entry of a run's chronological event sequence.
//
// The payload depends on Kind: Result for step_complete, the final status
// (also mirrored in Status) for workflow_complete and Error for error.
type StreamEvent struct {
	RunID  string
	Kind   EventKind
	Stage  StageName
	Status string
	Result *StepResult
	Error  string
}

type streamEventWire struct {
	RunID   string          `json:"workflow_id"`
	Kind    EventKind       `json:"event"`
	Stage   StageName       `json:"step,omitempty"`
	Status  string          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// MarshalJSON encodes the event with a kind-specific payload.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	w := streamEventWire{RunID: e.RunID, Kind: e.Kind, Stage: e.Stage, Status: e.Status}

	var payload any
	switch e.Kind {
	case EventStepComplete:
		if e.Result != nil {
			payload = e.Result
		}
	case EventWorkflowComplete:
		payload = e.Status
	case EventError:
		payload = errorPayload{Error: e.Error}
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the payload according to the event kind.
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var w streamEventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = StreamEvent{RunID: w.RunID, Kind: w.Kind, Stage: w.Stage, Status: w.Status}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil
	}

	switch w.Kind {
	case EventStepComplete:
		var r StepResult
		if err := json.Unmarshal(w.Payload, &r); err != nil {
			return fmt.Errorf("decode step_complete payload: %w", err)
		}
		e.Result = &r
	case EventWorkflowComplete:
		var status string
		if err := json.Unmarshal(w.Payload, &status); err != nil {
			return fmt.Errorf("decode workflow_complete payload: %w", err)
		}
		if e.Status == "" {
			e.Status = status
		}
	case EventError:
		var p errorPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decode error payload: %w", err)
		}
		e.Error = p.Error
	}
	return nil
}

// NewErrorEvent builds the adapter-level error event for a failed stream.
func NewErrorEvent(runID string, err error) StreamEvent {
	return StreamEvent{
		RunID:  runID,
		Kind:   EventError,
		Status: string(StepFailed),
		Error:  err.Error(),
	}
}
