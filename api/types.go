package api

import (
	"github.com/BaSui01/analystflow/runstore"
	"github.com/BaSui01/analystflow/workflow"
)

// =============================================================================
// 工作流类型
// =============================================================================

// WorkflowRequest 工作流运行请求，/run、/stream 的请求体与 WebSocket 的首条消息。
// @Description 工作流运行请求
type WorkflowRequest = workflow.Request

// WorkflowResponse 同步运行的折叠结果，按阶段名索引。
// @Description 工作流运行结果
type WorkflowResponse = workflow.Response

// StreamEvent SSE 与 WebSocket 推送的单个事件。
// @Description 工作流流式事件
type StreamEvent = workflow.StreamEvent

// =============================================================================
// 运行历史类型
// =============================================================================

// RunListResponse 运行历史分页结果。
// @Description 运行历史列表
type RunListResponse struct {
	// 当前页的运行，按完成时间倒序
	Runs []runstore.RunSummary `json:"runs"`
	// 下一页游标，仅在本页已满时返回
	NextCursor string `json:"next_cursor,omitempty" example:"MjAyNi0wMy0wMlQxNDozMDowMFp8d2ZfMQ"`
}

// RunEventsResponse 单次运行的事件日志。
// @Description 运行事件日志
type RunEventsResponse struct {
	// 运行 ID
	WorkflowID string `json:"workflow_id" example:"wf_4bf92f35"`
	// 按写入顺序排列的事件
	Events []runstore.EventRecord `json:"events"`
}

// =============================================================================
// 服务信息类型
// =============================================================================

// VersionInfo 构建信息。
// @Description 版本信息
type VersionInfo struct {
	Version   string `json:"version" example:"1.0.0"`
	BuildTime string `json:"build_time" example:"2026-03-02T14:30:00Z"`
	GitCommit string `json:"git_commit" example:"4bf92f3"`
	// 已配置远程地址的阶段
	Stages []workflow.StageName `json:"stages,omitempty"`
}

// =============================================================================
// 错误类型
// =============================================================================

// ErrorResponse表示错误响应。
// @Description 错误响应结构
type ErrorResponse struct {
	// 错误详情
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 表示错误详细信息。
// @Description 错误详细结构
type ErrorDetail struct {
	// 错误代码
	Code string `json:"code" example:"INVALID_REQUEST"`
	// 人类可读的错误消息
	Message string `json:"message" example:"only_steps and until_step are mutually exclusive"`
	// HTTP 状态码
	HTTPStatus int `json:"http_status,omitempty" example:"400"`
	// 请求是否可以重试
	Retryable bool `json:"retryable,omitempty" example:"false"`
}
