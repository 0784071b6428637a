package workflow

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepResult_JSONDispatchesOnStage(t *testing.T) {
	in := StepResult{
		Stage:      StageInvestment,
		Status:     StepCompleted,
		Output:     &InvestmentOutput{Ticker: "MSFT", Decision: DecisionHold, Rationale: "fairly valued", Confidence: 0.55},
		Warnings:   []string{},
		DurationMS: 1200,
		LLMUsage:   []LLMUsage{{Model: "gpt-4o", TotalTokens: 900}},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"step_name":"investment"`)

	var out StepResult
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	inv, ok := out.Output.(*InvestmentOutput)
	require.True(t, ok, "output must decode to the investment type")
	assert.Equal(t, DecisionHold, inv.Decision)
}

func TestStepResult_CloneIsIndependent(t *testing.T) {
	orig := StepResult{
		Stage:    StageFundamental,
		Status:   StepCompleted,
		Output:   &FundamentalOutput{Ticker: "AAPL", HealthScore: 82, Summary: "solid balance sheet"},
		Warnings: []string{"filing delayed"},
		LLMUsage: []LLMUsage{{Model: "gpt-4o", TotalTokens: 300}},
	}

	c := orig.Clone()
	assert.Equal(t, orig, c)

	c.Warnings[0] = "changed"
	c.LLMUsage[0].TotalTokens = 1
	c.Output.(*FundamentalOutput).HealthScore = 1

	assert.Equal(t, []string{"filing delayed"}, orig.Warnings)
	assert.Equal(t, 300, orig.LLMUsage[0].TotalTokens)
	assert.Equal(t, 82, orig.Output.(*FundamentalOutput).HealthScore)

	skipped := SkippedResult(StageNews).Clone()
	assert.Nil(t, skipped.Output)
	assert.Equal(t, []string{}, skipped.Warnings)
}

func TestStepResult_SkippedHasNoOutput(t *testing.T) {
	data, err := json.Marshal(SkippedResult(StageResearch, UpstreamFailedWarning))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"output"`)

	var out StepResult
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Nil(t, out.Output)
	assert.Equal(t, []string{UpstreamFailedWarning}, out.Warnings)
}

func TestStreamEvent_PayloadByKind(t *testing.T) {
	res := StepResult{Stage: StageNews, Status: StepCompleted, Output: sampleOutput(StageNews), Warnings: []string{}}
	tests := []struct {
		name    string
		event   StreamEvent
		payload string
	}{
		{"step_start", StreamEvent{RunID: "wf_1", Kind: EventStepStart, Stage: StageNews, Status: "running"}, ""},
		{"step_complete", StreamEvent{RunID: "wf_1", Kind: EventStepComplete, Stage: StageNews, Status: "completed", Result: &res}, `"payload":{"step_name":"news"`},
		{"workflow_complete", StreamEvent{RunID: "wf_1", Kind: EventWorkflowComplete, Status: "partial"}, `"payload":"partial"`},
		{"error", NewErrorEvent("wf_1", errors.New("stream broke")), `"payload":{"error":"stream broke"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			require.NoError(t, err)
			if tt.payload == "" {
				assert.NotContains(t, string(data), `"payload"`)
			} else {
				assert.Contains(t, string(data), tt.payload)
			}

			var back StreamEvent
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.event, back)
		})
	}
}

func TestResponse_FoldIsMonotonic(t *testing.T) {
	done := StepResult{Stage: StageNews, Status: StepCompleted, Output: sampleOutput(StageNews), Warnings: []string{}}
	late := StepResult{Stage: StageNews, Status: StepFailed, Warnings: []string{"late"}}
	skipped := SkippedResult(StageResearch, UpstreamFailedWarning)

	resp := FoldEvents("wf_1", []StreamEvent{
		{RunID: "wf_1", Kind: EventStepStart, Stage: StageNews},
		{RunID: "wf_1", Kind: EventStepComplete, Stage: StageNews, Status: "completed", Result: &done},
		{RunID: "wf_1", Kind: EventStepComplete, Stage: StageNews, Status: "failed", Result: &late},
		{RunID: "wf_1", Kind: EventStepComplete, Stage: StageResearch, Status: "skipped", Result: &skipped},
		{RunID: "wf_1", Kind: EventWorkflowComplete, Status: "partial"},
		{RunID: "wf_1", Kind: EventWorkflowComplete, Status: "completed"},
	})

	assert.Equal(t, StepCompleted, resp.News.Status)
	assert.Equal(t, WorkflowPartial, resp.Status)
	assert.Equal(t, []string{"research: " + UpstreamFailedWarning}, resp.OverallWarnings)
	assert.Nil(t, resp.Retrieval)
}

func TestResponse_ErrorEventFailsRun(t *testing.T) {
	resp := NewResponse("wf_1")
	resp.Apply(NewErrorEvent("wf_1", errors.New("producer crashed")))

	assert.Equal(t, WorkflowFailed, resp.Status)
	assert.Equal(t, []string{"producer crashed"}, resp.OverallWarnings)
}
