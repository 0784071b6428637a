// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供分析流水线的编排与执行引擎。

# 概述

一次运行（run）按固定的依赖层级执行五个阶段：

	retrieval → {fundamental, news} → research → investment

第一层的 fundamental 与 news 互不依赖，并行执行；research 需要两者
都完成；investment 需要 research 完成。任一上游未完成时，下游阶段以
skipped 结束并附带 "Upstream dependencies failed" 警告，不会被调用。

# 核心类型

  - Stage / StageSet   — 阶段契约与五阶段注册表
  - StageOutput        — 各阶段的强类型输出（按 step_name 解码）
  - Plan               — only_steps / until_step 解析后的执行计划
  - ResultCache        — 以 (run id, stage) 为键的结果缓存
  - Executor           — 单阶段执行：缓存查找、超时、失败捕获、写回
  - Orchestrator       — 按层级驱动执行并发出 StreamEvent
  - Response           — 事件序列折叠得到的同步响应

# 事件

每次运行产生按时间排序的事件序列：被调用的阶段先发 step_start，
每个阶段恰好一次 step_complete，最后一个事件是 workflow_complete。
同步接口 Orchestrator.Run 只是对 Stream 的消费与折叠。

# 缓存与重放

成功的阶段结果写入缓存；以相同 run id 重放时直接返回缓存结果，
ForceRefresh 跳过查找。未被选中的上游阶段可以由同一 run id 下的
已缓存结果满足，从而支持分段执行后续阶段。
*/
package workflow
