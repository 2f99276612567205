/*
包 metrics 提供会话核心与 HTTP 接口的 Prometheus 指标采集。

# 概述

指标分为两组：

  - Collector：会话级指标（轮次、音频、缓冲水位、打断计数、会话
    状态 one-hot），由监督器的旁路观察者更新。
  - HTTPCollector：HTTP 接口指标（请求计数、时延、请求与响应大小），
    由服务端中间件更新，path 标签需先做归一化以约束基数。

所有采集器注册到调用方提供的 Registry 上，测试可使用隔离的
prometheus.NewRegistry() 避免指标名冲突。

# 使用示例

	reg := prometheus.NewRegistry()
	c := metrics.New(reg)
	c.TurnsTotal.WithLabelValues("llm1", "completed").Inc()
	c.SetState("running")
*/
package metrics
