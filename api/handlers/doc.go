// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 AnalystFlow HTTP API 的请求处理器实现。

# 概述

handlers 包把编排器与运行存储暴露为 HTTP 端点：同步运行、SSE 与
WebSocket 流式运行、运行历史查询以及健康检查。所有 Handler 均遵循
标准 net/http 接口，路由参数通过 Request.PathValue 读取。

# 核心类型

  - WorkflowHandler — 同步运行（/run）、SSE（/stream）与 WebSocket（/ws）
  - HistoryHandler  — 运行列表、单次运行记录与事件日志
  - HealthHandler   — /health、/healthz、/ready 与 /version
  - Response        — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo       — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter  — 包装 http.ResponseWriter 以捕获状态码，支持 Flush/Unwrap/Hijack

# 流式输出

SSE 每个事件写为一帧 "data: <json>\n\n"。事件通道在 workflow_complete
之前关闭或事件无法序列化时，Handler 追加一个适配层 error 事件并写入
运行存储（临时运行除外）。客户端断开不会中止运行。

# 错误映射

types.Error 按错误码映射为 HTTP 状态码，runstore.ErrNotFound 映射为 404，
其余错误为 500。
*/
package handlers
