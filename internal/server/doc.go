/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务与
关闭流程。内置 SIGINT/SIGTERM 信号处理，会话服务端与 metrics
服务端各持有一个 Manager 实例，关闭顺序由调用方编排。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server 与 net.Listener，
    提供 Start/Wait/Shutdown 生命周期方法。
  - Config：服务器配置，包含监听地址、读写超时、空闲超时、
    最大请求头大小与优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start 绑定监听地址后在后台 goroutine 中运行服务。
  - 退出等待：Wait 阻塞至收到 SIGINT/SIGTERM 或服务异常退出，
    信号返回 nil，服务失败原样返回。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空与连接释放，
    重复调用是空操作。
  - 地址查询：Addr 返回实际绑定地址，":0" 启动后可取得随机端口。
*/
package server
