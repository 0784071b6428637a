// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package runstore 持久化工作流运行记录与事件日志，并提供历史查询。

# 契约

  - StartRun    — 幂等创建运行记录，已存在时不做修改
  - RecordEvent — 追加事件；step_complete 写入阶段结果，
    workflow_complete 设置 completed_at 与最终状态并进入完成索引；
    未知运行的事件被丢弃，已完成运行的记录不再变化
  - GetRun / GetEvents — 未知运行返回 ErrNotFound，与空日志区分
  - ListRuns    — 按 (completed_at, run_id) 倒序分页，
    可选 ticker 过滤（不区分大小写）

# 分页游标

游标是 "completed_at|run_id" 的 base64url 编码。翻页按元组严格比较跳过
已返回的行，而不是偏移量，因此翻页期间新完成的运行不会导致重复或遗漏。
只有当页已满时才返回 next_cursor。所有后端的时间戳精度统一为毫秒。

# 后端

  - MemoryStore — 进程内，读写锁加拷贝
  - RedisStore  — JSON 记录、事件列表、按完成时间排序的 ZSET，
    WATCH/MULTI 保证原子更新
  - SQLStore    — GORM（postgres / mysql / sqlite），事务内加行锁
  - MongoStore  — 条件单文档更新

New 按 StoreType 从 Backends 构建对应实现。
*/
package runstore
