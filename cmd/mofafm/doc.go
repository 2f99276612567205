/*
Package main 提供 MoFA FM 服务端程序入口。

# 概述

cmd/mofafm 是多角色对谈流式服务的可执行入口，提供会话 HTTP API、
健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、结构化
日志（zap）与 Prometheus 指标采集。

# 核心类型

  - Server         — 主服务器，管理会话生命周期与 HTTP、Metrics 双端口
  - liveSession    — 一个运行中的会话及其取消句柄
  - Middleware     — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 会话 API：创建 / 查询 / 打断 / 停止 / 重置 / 对话续读 / 音频拉取
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、CORS、RateLimiter（基于 IP）
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止会话并归档 → 关闭 HTTP → 关闭存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
