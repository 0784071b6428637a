// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的连接管理与阶段结果缓存。

# 核心类型

  - Manager：持有 Redis 客户端，提供 Get/Set/Ping 以及
    GetJSON/SetJSON 序列化方法，并负责健康检查与优雅关闭。
    Redis 运行存储复用同一个 Manager 的客户端。
  - StepCache：workflow.ResultCache 的 Redis 实现，键为
    <prefix>step:<run id>:<stage>，过期由 Redis TTL 控制。
  - MemoryStepCache：workflow.ResultCache 的进程内实现，
    读取时惰性过期，Purge 批量清理。
  - Config：地址、密码、键前缀、连接池、默认 TTL、TLS 与健康检查间隔。

# 错误语义

ErrCacheMiss 表示键不存在；StepCache 把它转换为 ok=false，
其它错误原样返回，由执行器记录日志后按未命中处理。
*/
package cache
