// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接与连接池管理，供 SQL 运行存储使用。

# 概述

Open 按驱动名（postgres、mysql、sqlite）选择 GORM 方言并建立连接，
sqlite 使用纯 Go 实现，无需 cgo。PoolManager 封装连接池参数、
后台健康检查与事务执行。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close()。
  - PoolConfig：最大空闲/打开连接数、连接生命周期、空闲超时与
    健康检查间隔，Validate 校验取值。
  - TransactionFunc：事务回调函数类型。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 在死锁、序列化失败、
sqlite 忙等可重试错误上指数退避重试，其它错误立即返回。
*/
package database
