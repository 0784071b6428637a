// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP 入口、工作流
编排、结果缓存、远程阶段调用与数据库连接池。

# 核心类型

  - Collector：持有全部 Counter / Histogram / Gauge 向量，实现
    workflow.Observer，由编排器与执行器直接上报。

# 指标

  - HTTP：请求数（按 2xx/3xx/4xx/5xx 归类）、耗时、请求与响应大小、
    进行中的请求（含 SSE / WebSocket 长连接）
  - 编排：阶段执行数（stage/status/cached）、阶段耗时（不含缓存命中）、
    运行数与运行耗时（按最终状态）、运行存储写入失败数
  - 结果缓存：按阶段的命中与未命中
  - 远程阶段：调用数（ok/error/rejected/...）、调用耗时、token 用量
  - 数据库：连接池打开与空闲连接数

NewCollector 接受 prometheus.Registerer，测试可传入独立注册表。
*/
package metrics
