package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/types"
	"github.com/BaSui01/analystflow/workflow"
)

// =============================================================================
// 🔀 工作流接口 Handler
// =============================================================================

// WorkflowRunner 启动一次流水线运行。*workflow.Orchestrator 实现该接口
type WorkflowRunner interface {
	Stream(ctx context.Context, req workflow.Request) (string, <-chan workflow.StreamEvent, error)
	Run(ctx context.Context, req workflow.Request) (*workflow.Response, error)
}

// EventRecorder 记录适配层产生的 error 事件。runstore.Store 实现该接口
type EventRecorder interface {
	RecordEvent(ctx context.Context, event workflow.StreamEvent) error
}

// WorkflowHandlerConfig 流式传输参数
type WorkflowHandlerConfig struct {
	// SSE 保活注释间隔，0 表示不发送
	KeepAlive time.Duration

	// WebSocket 允许的跨域 Origin 模式
	OriginPatterns []string

	// 适配层写入运行存储的超时
	RecordTimeout time.Duration
}

// WorkflowHandler 工作流接口处理器
type WorkflowHandler struct {
	runner   WorkflowRunner
	recorder EventRecorder
	config   WorkflowHandlerConfig
	logger   *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器。recorder 可为 nil
func NewWorkflowHandler(runner WorkflowRunner, recorder EventRecorder, cfg WorkflowHandlerConfig, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 5 * time.Second
	}
	return &WorkflowHandler{
		runner:   runner,
		recorder: recorder,
		config:   cfg,
		logger:   logger.With(zap.String("component", "workflow_handler")),
	}
}

// HandleRun 同步执行工作流
// @Summary 同步运行工作流
// @Tags 工作流
// @Accept json
// @Produce json
// @Param request body api.WorkflowRequest true "运行请求"
// @Success 200 {object} api.WorkflowResponse "折叠后的运行结果"
// @Failure 400 {object} Response "无效请求"
// @Router /v1/workflow/run [post]
func (h *WorkflowHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	resp, err := h.runner.Run(r.Context(), req)
	if err != nil {
		if resp != nil {
			// 客户端已断开，运行在后台继续
			h.logger.Info("client left before run finished",
				zap.String("run_id", resp.RunID),
				zap.Error(err),
			)
			return
		}
		WriteErrorFrom(w, r, err, h.logger)
		return
	}

	WriteSuccess(w, r, resp)
}

// HandleStream 以 SSE 推送运行事件
// @Summary 流式运行工作流
// @Tags 工作流
// @Accept json
// @Produce text/event-stream
// @Param request body api.WorkflowRequest true "运行请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Router /v1/workflow/stream [post]
func (h *WorkflowHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	runID, events, err := h.runner.Stream(r.Context(), req)
	if err != nil {
		WriteErrorFrom(w, r, err, h.logger)
		return
	}
	logger := h.logger.With(zap.String("run_id", runID))

	// 设置 SSE 响应头
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	w.WriteHeader(http.StatusOK)

	// 运行时长不受服务端 WriteTimeout 约束
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Debug("clear write deadline failed", zap.Error(err))
	}

	var keepAlive <-chan time.Time
	if h.config.KeepAlive > 0 {
		ticker := time.NewTicker(h.config.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	finished := false
	for {
		select {
		case ev, open := <-events:
			if !open {
				if !finished {
					h.failStream(w, rc, req, runID, errors.New("event stream ended before workflow_complete"), logger)
				}
				return
			}
			if err := writeSSE(w, rc, ev); err != nil {
				var marshalErr *json.MarshalerError
				if errors.As(err, &marshalErr) {
					h.failStream(w, rc, req, runID, err, logger)
					return
				}
				logger.Info("stream client disconnected", zap.Error(err))
				return
			}
			if ev.Kind == workflow.EventWorkflowComplete {
				finished = true
			}

		case <-keepAlive:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				logger.Info("stream client disconnected", zap.Error(err))
				return
			}
			_ = rc.Flush()

		case <-r.Context().Done():
			// 运行与客户端解耦，断开后仍会完成并持久化
			logger.Info("stream client disconnected", zap.Error(r.Context().Err()))
			return
		}
	}
}

// failStream 记录并推送适配层 error 事件
func (h *WorkflowHandler) failStream(w http.ResponseWriter, rc *http.ResponseController, req workflow.Request, runID string, cause error, logger *zap.Logger) {
	logger.Error("streaming workflow failed", zap.Error(cause))

	ev := workflow.NewErrorEvent(runID, cause)
	h.record(req, ev, logger)
	if err := writeSSE(w, rc, ev); err != nil {
		logger.Info("stream client disconnected", zap.Error(err))
	}
}

func writeSSE(w http.ResponseWriter, rc *http.ResponseController, ev workflow.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// HandleWebSocket 通过 WebSocket 推送运行事件。客户端发送的第一条消息为运行请求
// @Summary WebSocket 运行工作流
// @Tags 工作流
// @Router /v1/workflow/ws [get]
func (h *WorkflowHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.OriginPatterns,
	})
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	var req workflow.Request
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		h.rejectWebSocket(ctx, conn, types.NewInvalidRequestError("invalid JSON request: %v", err).WithCause(err))
		return
	}
	if apiErr := validateRequest(req); apiErr != nil {
		h.rejectWebSocket(ctx, conn, apiErr)
		return
	}

	runID, events, err := h.runner.Stream(ctx, req)
	if err != nil {
		h.rejectWebSocket(ctx, conn, toAPIError(err))
		return
	}
	logger := h.logger.With(zap.String("run_id", runID))

	// 客户端此后只会发送控制帧
	ctx = conn.CloseRead(ctx)

	finished := false
	for {
		select {
		case ev, open := <-events:
			if !open {
				if !finished {
					cause := errors.New("event stream ended before workflow_complete")
					logger.Error("streaming workflow failed", zap.Error(cause))
					ev := workflow.NewErrorEvent(runID, cause)
					h.record(req, ev, logger)
					_ = wsjson.Write(ctx, conn, ev)
				}
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				logger.Info("websocket client disconnected", zap.Error(err))
				return
			}
			if ev.Kind == workflow.EventWorkflowComplete {
				finished = true
			}

		case <-ctx.Done():
			logger.Info("websocket client disconnected", zap.Error(ctx.Err()))
			return
		}
	}
}

// rejectWebSocket 发送错误响应并以策略违规关闭连接
func (h *WorkflowHandler) rejectWebSocket(ctx context.Context, conn *websocket.Conn, apiErr *types.Error) {
	h.logger.Info("websocket request rejected",
		zap.String("code", string(apiErr.Code)),
		zap.String("message", apiErr.Message),
	)
	_ = wsjson.Write(ctx, conn, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(apiErr.Code),
			Message:   apiErr.Message,
			Retryable: apiErr.Retryable,
		},
		Timestamp: time.Now().UTC(),
	})
	conn.Close(websocket.StatusPolicyViolation, truncateReason(apiErr.Message))
}

// truncateReason 关闭原因最长 123 字节
func truncateReason(s string) string {
	const maxReason = 123
	if len(s) <= maxReason {
		return s
	}
	return s[:maxReason]
}

// record 写入适配层事件，临时运行不持久化
func (h *WorkflowHandler) record(req workflow.Request, ev workflow.StreamEvent, logger *zap.Logger) {
	if req.Ephemeral || h.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.config.RecordTimeout)
	defer cancel()
	if err := h.recorder.RecordEvent(ctx, ev); err != nil {
		logger.Error("record error event failed", zap.Error(err))
	}
}

// =============================================================================
// 🛡️ 请求解析与校验
// =============================================================================

func (h *WorkflowHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (workflow.Request, bool) {
	var req workflow.Request
	if !ValidateContentType(w, r, h.logger) {
		return req, false
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return req, false
	}
	if apiErr := validateRequest(req); apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return req, false
	}
	return req, true
}

// validateRequest 校验阶段过滤之外的字段，过滤条件由编排器校验
func validateRequest(req workflow.Request) *types.Error {
	if strings.TrimSpace(req.Query) == "" {
		return types.NewInvalidRequestError("query is required")
	}
	if strings.TrimSpace(req.Ticker) == "" {
		return types.NewInvalidRequestError("ticker is required")
	}
	if req.NewsLimit < 0 {
		return types.NewInvalidRequestError("news_limit must not be negative")
	}
	if req.SearchLimit < 0 {
		return types.NewInvalidRequestError("search_limit must not be negative")
	}
	if err := req.Validate(); err != nil {
		return toAPIError(err)
	}
	return nil
}
