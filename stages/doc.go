// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package stages 将五个分析阶段实现为远程 HTTP 服务的客户端。

# 概述

每个阶段（retrieval、fundamental、news、research、investment）部署为
独立的分析服务。HTTPStage 将 workflow.StageInput 以 JSON POST 到阶段
地址，并按阶段名解码带类型的输出：

	{"output": {...}, "warnings": ["..."], "llm_usage": [{"model": "...", ...}]}

失败响应的正文按 {"error": "..."}、{"error": {"message": "..."}}、
{"detail": "..."} 或纯文本读取，映射为 types.Error。

# 核心类型

  - HTTPStage：满足 workflow.Stage 的远程阶段，附带 X-Run-ID 与
    X-Request-ID 请求头，并通过 W3C traceparent 传递 trace 上下文
  - Breaker：单阶段熔断器，连续失败达到阈值后在冷却期内直接拒绝
  - CallRecorder：调用结果与 token 用量的指标出口，metrics.Collector 实现该接口

# 主要能力

  - NewStageSet 根据 config.StagesConfig 构建完整的 StageSet，共享一个
    经 tlsutil 加固的 HTTP 客户端，每个阶段独立限流（x/time/rate）
  - 未配置地址的阶段绑定为返回 STAGE_NOT_CONFIGURED 的占位实现
  - 每次调用产生一个 client span 与一条 OTel 时长直方图记录
*/
package stages
