// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理运行存储（workflow_runs / workflow_events）的数据库
Schema，支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在二进制中，版本号在方言之间
保持一致。SQLite 使用纯 Go 的 glebarez/go-sqlite 引擎，与运行存储通过
gorm 打开的是同一个驱动，无需 CGO。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close
  - Config：方言、连接 URL、版本表名、锁超时与日志
  - CLI：analystflow migrate 子命令的格式化输出与参数分发

# 工厂函数

NewMigratorFromConfig / NewMigratorFromDatabaseConfig 直接复用应用配置中的
database 段；NewMigratorFromURL 适用于运维脚本。
*/
package migration
