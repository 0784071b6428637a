// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 AnalystFlow 服务端程序入口。

# 概述

cmd/analystflow 是工作流编排服务的可执行入口，提供 HTTP API 服务、
运行存储数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件
与环境变量加载、结构化日志（zap）、Prometheus 指标与 OpenTelemetry 追踪。

# 核心类型

  - Server      — 主服务器，组装缓存、运行存储、阶段与编排器，管理 API、Metrics 双端口及优雅关闭
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、migrate（数据库迁移）、version、health
  - 路由：/v1/workflow/run、/v1/workflow/stream（SSE）、/v1/workflow/ws（WebSocket）、
    /v1/workflow/runs 历史查询，以及 /health、/healthz、/ready、/version
  - 中间件链：Recovery、RequestID、OTelTracing、MetricsMiddleware、SecurityHeaders、
    RequestLogger、CORS、RateLimiter（基于 IP）、Auth（X-API-Key 或 JWT Bearer）
  - 后端按需连接：结果缓存 memory/redis，运行存储 memory/redis/database/mongo
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭 Metrics → 停止后台任务 → 关闭连接 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
