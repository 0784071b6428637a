package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/api"
	"github.com/BaSui01/analystflow/runstore"
	"github.com/BaSui01/analystflow/types"
)

// =============================================================================
// 📜 运行历史接口 Handler
// =============================================================================

// HistoryHandler 运行历史处理器
type HistoryHandler struct {
	store  runstore.Store
	logger *zap.Logger
}

// NewHistoryHandler 创建运行历史处理器
func NewHistoryHandler(store runstore.Store, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		store:  store,
		logger: logger.With(zap.String("component", "history_handler")),
	}
}

// HandleList 分页列出已完成的运行，最新的在前
// @Summary 运行历史
// @Tags 运行历史
// @Produce json
// @Param limit query int false "每页条数（默认 20，最大 200）"
// @Param cursor query string false "上一页返回的 next_cursor"
// @Param ticker query string false "按股票代码过滤"
// @Success 200 {object} api.RunListResponse
// @Failure 400 {object} Response "无效请求"
// @Router /v1/workflow/runs [get]
func (h *HistoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := runstore.DefaultListLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteError(w, r, types.NewInvalidRequestError("limit must be an integer, got %q", raw).WithCause(err), h.logger)
			return
		}
		limit = n
	}

	page, err := h.store.ListRuns(r.Context(), runstore.ListOptions{
		Limit:   limit,
		Cursor:  q.Get("cursor"),
		Subject: q.Get("ticker"),
	})
	if err != nil {
		WriteErrorFrom(w, r, err, h.logger)
		return
	}

	WriteSuccess(w, r, api.RunListResponse{
		Runs:       page.Runs,
		NextCursor: page.NextCursor,
	})
}

// HandleGet 返回单次运行记录
// @Summary 运行详情
// @Tags 运行历史
// @Produce json
// @Param id path string true "运行 ID"
// @Success 200 {object} runstore.Record
// @Failure 404 {object} Response "运行不存在"
// @Router /v1/workflow/runs/{id} [get]
func (h *HistoryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		WriteErrorFrom(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, record)
}

// HandleEvents 返回运行的完整事件日志
// @Summary 运行事件
// @Tags 运行历史
// @Produce json
// @Param id path string true "运行 ID"
// @Success 200 {object} api.RunEventsResponse
// @Failure 404 {object} Response "运行不存在"
// @Router /v1/workflow/runs/{id}/events [get]
func (h *HistoryHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := h.store.GetEvents(r.Context(), id)
	if err != nil {
		WriteErrorFrom(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.RunEventsResponse{
		WorkflowID: id,
		Events:     events,
	})
}
