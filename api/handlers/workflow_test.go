package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/runstore"
	"github.com/BaSui01/analystflow/types"
	"github.com/BaSui01/analystflow/workflow"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

func sampleOutput(name workflow.StageName, ticker string) workflow.StageOutput {
	switch name {
	case workflow.StageRetrieval:
		return &workflow.RetrievalOutput{Query: "q", Errors: []workflow.RetrievalError{}}
	case workflow.StageFundamental:
		return &workflow.FundamentalOutput{Ticker: ticker, HealthScore: 72, Summary: "solid"}
	case workflow.StageNews:
		return &workflow.NewsOutput{Query: "q", OverallSentimentLabel: "Bullish"}
	case workflow.StageResearch:
		return &workflow.ResearchOutput{Ticker: ticker, ComposedAnalysis: "composed"}
	default:
		return &workflow.InvestmentOutput{Ticker: ticker, Decision: workflow.DecisionBuy, Confidence: 0.7}
	}
}

// testStages 构造五个本地阶段，failing 中的阶段返回错误
func testStages(t *testing.T, failing ...workflow.StageName) workflow.StageSet {
	t.Helper()
	fail := make(map[workflow.StageName]bool, len(failing))
	for _, s := range failing {
		fail[s] = true
	}

	stages := make([]workflow.Stage, 0, len(workflow.StageOrder))
	for _, name := range workflow.StageOrder {
		stages = append(stages, workflow.NewFuncStage(name, func(ctx context.Context, in workflow.StageInput) (*workflow.StageOutcome, error) {
			if fail[name] {
				return nil, errors.New(string(name) + " service unavailable")
			}
			return &workflow.StageOutcome{Output: sampleOutput(name, in.Ticker)}, nil
		}))
	}
	set, err := workflow.NewStageSet(stages...)
	require.NoError(t, err)
	return set
}

func newTestOrchestrator(t *testing.T, store runstore.Store, failing ...workflow.StageName) *workflow.Orchestrator {
	t.Helper()
	var recorder workflow.Recorder
	if store != nil {
		recorder = store
	}
	return workflow.NewOrchestrator(testStages(t, failing...), nil, recorder, workflow.DefaultConfig(), zap.NewNop())
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// parseSSE 解析 "data: <json>\n\n" 帧，忽略注释行
func parseSSE(t *testing.T, body string) []workflow.StreamEvent {
	t.Helper()
	var events []workflow.StreamEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev workflow.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ev), "frame: %s", data)
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

// stubRunner 按预设事件序列回放，用于构造异常流
type stubRunner struct {
	runID  string
	events []workflow.StreamEvent
	err    error
}

func (s *stubRunner) Stream(context.Context, workflow.Request) (string, <-chan workflow.StreamEvent, error) {
	if s.err != nil {
		return "", nil, s.err
	}
	ch := make(chan workflow.StreamEvent, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return s.runID, ch, nil
}

func (s *stubRunner) Run(ctx context.Context, req workflow.Request) (*workflow.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return workflow.FoldEvents(s.runID, s.events), nil
}

// fakeRecorder 记录适配层写入的事件
type fakeRecorder struct {
	mu     sync.Mutex
	events []workflow.StreamEvent
}

func (f *fakeRecorder) RecordEvent(_ context.Context, ev workflow.StreamEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRecorder) recorded() []workflow.StreamEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workflow.StreamEvent(nil), f.events...)
}

const validRequest = `{"query":"How healthy is Apple?","ticker":"aapl"}`

// =============================================================================
// 🧪 同步运行
// =============================================================================

func TestWorkflowHandler_HandleRun(t *testing.T) {
	store := runstore.NewMemoryStore()
	h := NewWorkflowHandler(newTestOrchestrator(t, store), store, WorkflowHandlerConfig{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleRun(w, jsonRequest(http.MethodPost, "/v1/workflow/run", validRequest))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success bool              `json:"success"`
		Data    workflow.Response `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	assert.True(t, resp.Success)
	assert.Equal(t, workflow.WorkflowCompleted, resp.Data.Status)
	assert.True(t, strings.HasPrefix(resp.Data.RunID, "wf_"))
	require.NotNil(t, resp.Data.Investment)
	inv, ok := resp.Data.Investment.Output.(*workflow.InvestmentOutput)
	require.True(t, ok)
	assert.Equal(t, workflow.DecisionBuy, inv.Decision)

	// 同步运行同样写入运行存储
	record, err := store.GetRun(context.Background(), resp.Data.RunID)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", record.Subject)
	assert.Equal(t, workflow.WorkflowCompleted, record.Status)
}

func TestWorkflowHandler_HandleRun_StageFailure(t *testing.T) {
	h := NewWorkflowHandler(newTestOrchestrator(t, nil, workflow.StageNews), nil, WorkflowHandlerConfig{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleRun(w, jsonRequest(http.MethodPost, "/v1/workflow/run", validRequest))

	// 阶段失败体现在结果中，而不是 HTTP 错误
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data workflow.Response `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, workflow.WorkflowFailed, resp.Data.Status)
	assert.Equal(t, workflow.StepFailed, resp.Data.News.Status)
	assert.Equal(t, workflow.StepSkipped, resp.Data.Research.Status)
	assert.Contains(t, resp.Data.Research.Warnings, workflow.UpstreamFailedWarning)
}

func TestWorkflowHandler_HandleRun_Validation(t *testing.T) {
	store := runstore.NewMemoryStore()
	h := NewWorkflowHandler(newTestOrchestrator(t, store), store, WorkflowHandlerConfig{}, zap.NewNop())

	tests := []struct {
		name        string
		body        string
		contentType string
		wantStatus  int
	}{
		{
			name:        "conflicting filters",
			body:        `{"query":"q","ticker":"AAPL","only_steps":["retrieval"],"until_step":"news"}`,
			contentType: "application/json",
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "unknown stage",
			body:        `{"query":"q","ticker":"AAPL","until_step":"valuation"}`,
			contentType: "application/json",
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "missing ticker",
			body:        `{"query":"q"}`,
			contentType: "application/json",
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "negative news limit",
			body:        `{"query":"q","ticker":"AAPL","news_limit":-1}`,
			contentType: "application/json",
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "workflow id too long",
			body:        `{"query":"q","ticker":"AAPL","workflow_id":"` + strings.Repeat("w", workflow.MaxRunIDLength+1) + `"}`,
			contentType: "application/json",
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "ticker too long",
			body:        `{"query":"q","ticker":"` + strings.Repeat("T", workflow.MaxSubjectLength+1) + `"}`,
			contentType: "application/json",
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "unknown field",
			body:        `{"query":"q","ticker":"AAPL","model":"gpt"}`,
			contentType: "application/json",
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "wrong content type",
			body:        validRequest,
			contentType: "text/plain",
			wantStatus:  http.StatusUnsupportedMediaType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/workflow/run", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()

			h.HandleRun(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(types.ErrInvalidRequest), resp.Error.Code)
		})
	}

	// 校验失败的请求不会留下运行记录
	page, err := store.ListRuns(context.Background(), runstore.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Runs)
}

// =============================================================================
// 🧪 SSE
// =============================================================================

func TestWorkflowHandler_HandleStream(t *testing.T) {
	store := runstore.NewMemoryStore()
	h := NewWorkflowHandler(newTestOrchestrator(t, store), store, WorkflowHandlerConfig{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleStream(w, jsonRequest(http.MethodPost, "/v1/workflow/stream", `{"query":"q","ticker":"MSFT","workflow_id":"wf_sse"}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.True(t, w.Flushed)

	events := parseSSE(t, w.Body.String())
	// 每个阶段一个 step_start 与一个 step_complete，最后是 workflow_complete
	require.Len(t, events, 2*len(workflow.StageOrder)+1)
	for _, ev := range events {
		assert.Equal(t, "wf_sse", ev.RunID)
	}
	last := events[len(events)-1]
	assert.Equal(t, workflow.EventWorkflowComplete, last.Kind)
	assert.Equal(t, string(workflow.WorkflowCompleted), last.Status)

	resp := workflow.FoldEvents("wf_sse", events)
	assert.Equal(t, workflow.WorkflowCompleted, resp.Status)

	logged, err := store.GetEvents(context.Background(), "wf_sse")
	require.NoError(t, err)
	assert.Len(t, logged, len(events))
}

func TestWorkflowHandler_HandleStream_ValidationError(t *testing.T) {
	h := NewWorkflowHandler(newTestOrchestrator(t, nil), nil, WorkflowHandlerConfig{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleStream(w, jsonRequest(http.MethodPost, "/v1/workflow/stream",
		`{"query":"q","ticker":"AAPL","only_steps":["news","retrieval"]}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestWorkflowHandler_HandleStream_TruncatedStream(t *testing.T) {
	truncated := []workflow.StreamEvent{
		{RunID: "wf_cut", Kind: workflow.EventStepStart, Stage: workflow.StageRetrieval, Status: string(workflow.StepRunning)},
	}

	tests := []struct {
		name       string
		body       string
		wantLogged int
	}{
		{name: "recorded", body: validRequest, wantLogged: 1},
		{name: "ephemeral run is not recorded", body: `{"query":"q","ticker":"AAPL","temp_workflow":true}`, wantLogged: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &fakeRecorder{}
			h := NewWorkflowHandler(&stubRunner{runID: "wf_cut", events: truncated}, recorder, WorkflowHandlerConfig{}, zap.NewNop())

			w := httptest.NewRecorder()
			h.HandleStream(w, jsonRequest(http.MethodPost, "/v1/workflow/stream", tt.body))

			events := parseSSE(t, w.Body.String())
			require.Len(t, events, 2)
			last := events[1]
			assert.Equal(t, workflow.EventError, last.Kind)
			assert.Equal(t, string(workflow.StepFailed), last.Status)
			assert.Equal(t, "wf_cut", last.RunID)
			assert.NotEmpty(t, last.Error)

			logged := recorder.recorded()
			require.Len(t, logged, tt.wantLogged)
			if tt.wantLogged > 0 {
				assert.Equal(t, workflow.EventError, logged[0].Kind)
			}

			// 折叠后运行为失败
			assert.Equal(t, workflow.WorkflowFailed, workflow.FoldEvents("wf_cut", events).Status)
		})
	}
}

func TestWorkflowHandler_HandleStream_KeepAlive(t *testing.T) {
	// 运行阻塞期间发送保活注释
	release := make(chan struct{})
	stages := testStages(t)
	stages[workflow.StageRetrieval] = workflow.NewFuncStage(workflow.StageRetrieval, func(ctx context.Context, in workflow.StageInput) (*workflow.StageOutcome, error) {
		<-release
		return &workflow.StageOutcome{Output: sampleOutput(workflow.StageRetrieval, in.Ticker)}, nil
	})
	orch := workflow.NewOrchestrator(stages, nil, nil, workflow.DefaultConfig(), zap.NewNop())
	h := NewWorkflowHandler(orch, nil, WorkflowHandlerConfig{KeepAlive: 5 * time.Millisecond}, zap.NewNop())

	time.AfterFunc(50*time.Millisecond, func() { close(release) })

	w := httptest.NewRecorder()
	h.HandleStream(w, jsonRequest(http.MethodPost, "/v1/workflow/stream", validRequest))

	assert.Contains(t, w.Body.String(), ": ping\n\n")
	events := parseSSE(t, w.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, workflow.EventWorkflowComplete, events[len(events)-1].Kind)
}

func TestWorkflowHandler_HandleStream_ClientGone(t *testing.T) {
	store := runstore.NewMemoryStore()
	release := make(chan struct{})
	stages := testStages(t)
	stages[workflow.StageInvestment] = workflow.NewFuncStage(workflow.StageInvestment, func(ctx context.Context, in workflow.StageInput) (*workflow.StageOutcome, error) {
		<-release
		return &workflow.StageOutcome{Output: sampleOutput(workflow.StageInvestment, in.Ticker)}, nil
	})
	orch := workflow.NewOrchestrator(stages, nil, store, workflow.DefaultConfig(), zap.NewNop())
	h := NewWorkflowHandler(orch, store, WorkflowHandlerConfig{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	r := jsonRequest(http.MethodPost, "/v1/workflow/stream", `{"query":"q","ticker":"NVDA","workflow_id":"wf_gone"}`).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleStream(httptest.NewRecorder(), r)
	}()

	// 客户端断开后 Handler 返回，运行继续完成并持久化
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after client disconnect")
	}
	close(release)

	require.Eventually(t, func() bool {
		record, err := store.GetRun(context.Background(), "wf_gone")
		return err == nil && record.Status == workflow.WorkflowCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// 🧪 WebSocket
// =============================================================================

func newWSServer(t *testing.T, h *WorkflowHandler) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/workflow/ws", h.HandleWebSocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/workflow/ws"
}

func TestWorkflowHandler_HandleWebSocket(t *testing.T) {
	store := runstore.NewMemoryStore()
	h := NewWorkflowHandler(newTestOrchestrator(t, store), store, WorkflowHandlerConfig{}, zap.NewNop())
	url := newWSServer(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"workflow_id": "wf_ws",
		"query":       "q",
		"ticker":      "tsla",
		"until_step":  "news",
	}))

	var events []workflow.StreamEvent
	for {
		var ev workflow.StreamEvent
		err := wsjson.Read(ctx, conn, &ev)
		if err != nil {
			// 服务端在 workflow_complete 之后正常关闭
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, workflow.EventWorkflowComplete, last.Kind)
	assert.Equal(t, string(workflow.WorkflowPartial), last.Status)

	resp := workflow.FoldEvents("wf_ws", events)
	assert.Equal(t, workflow.StepCompleted, resp.News.Status)
	assert.Equal(t, workflow.StepSkipped, resp.Research.Status)

	record, err := store.GetRun(context.Background(), "wf_ws")
	require.NoError(t, err)
	assert.Equal(t, "TSLA", record.Subject)
	assert.Equal(t, workflow.WorkflowPartial, record.Status)
}

func TestWorkflowHandler_HandleWebSocket_InvalidRequest(t *testing.T) {
	h := NewWorkflowHandler(newTestOrchestrator(t, nil), nil, WorkflowHandlerConfig{}, zap.NewNop())
	url := newWSServer(t, h)

	tests := []struct {
		name    string
		message string
	}{
		{name: "malformed JSON", message: `{"query":`},
		{name: "missing query", message: `{"ticker":"AAPL"}`},
		{name: "conflicting filters", message: `{"query":"q","ticker":"AAPL","only_steps":["news"],"until_step":"news"}`},
		{name: "workflow id too long", message: `{"query":"q","ticker":"AAPL","workflow_id":"` + strings.Repeat("w", workflow.MaxRunIDLength+1) + `"}`},
		{name: "ticker too long", message: `{"query":"q","ticker":"` + strings.Repeat("T", workflow.MaxSubjectLength+1) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, _, err := websocket.Dial(ctx, url, nil)
			require.NoError(t, err)
			defer conn.CloseNow()

			require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(tt.message)))

			var resp Response
			require.NoError(t, wsjson.Read(ctx, conn, &resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(types.ErrInvalidRequest), resp.Error.Code)

			_, _, err = conn.Read(ctx)
			assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
		})
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     workflow.Request
		wantErr bool
	}{
		{name: "valid", req: workflow.Request{Query: "q", Ticker: "AAPL"}},
		{name: "blank query", req: workflow.Request{Query: "  ", Ticker: "AAPL"}, wantErr: true},
		{name: "blank ticker", req: workflow.Request{Query: "q", Ticker: " "}, wantErr: true},
		{name: "negative search limit", req: workflow.Request{Query: "q", Ticker: "AAPL", SearchLimit: -2}, wantErr: true},
		{name: "workflow id at limit", req: workflow.Request{Query: "q", Ticker: "AAPL", RunID: strings.Repeat("w", workflow.MaxRunIDLength)}},
		{name: "workflow id over limit", req: workflow.Request{Query: "q", Ticker: "AAPL", RunID: strings.Repeat("w", workflow.MaxRunIDLength+1)}, wantErr: true},
		{name: "ticker at limit", req: workflow.Request{Query: "q", Ticker: strings.Repeat("t", workflow.MaxSubjectLength)}},
		{name: "ticker over limit", req: workflow.Request{Query: "q", Ticker: strings.Repeat("t", workflow.MaxSubjectLength+1)}, wantErr: true},
		{name: "zero limits use defaults", req: workflow.Request{Query: "q", Ticker: "AAPL", NewsLimit: 0, SearchLimit: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRequest(tt.req)
			if tt.wantErr {
				require.NotNil(t, err)
				assert.Equal(t, types.ErrInvalidRequest, err.Code)
				return
			}
			assert.Nil(t, err)
		})
	}
}

func TestTruncateReason(t *testing.T) {
	assert.Equal(t, "short", truncateReason("short"))
	assert.Len(t, truncateReason(strings.Repeat("x", 300)), 123)
}
