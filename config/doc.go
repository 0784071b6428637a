// Package config 提供 AnalystFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → ANALYSTFLOW_ 前缀环境变量 的顺序叠加，
// 最后由 Validate 一次性报告所有问题。Workflow 段选择结果缓存与运行
// 存储后端，Stages 段描述远程分析阶段的地址、超时、限流与熔断参数。
package config
