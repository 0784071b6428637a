// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 AnalystFlow 的运行、阶段与出站阶段调用提供 TracerProvider 和 MeterProvider。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务，但仍安装 W3C
// 传播器，使入站请求的 trace context 可以传递给阶段服务。
package telemetry
