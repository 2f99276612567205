/*
包 conference 实现多方实时对谈会话核心。

# 概述

conference 围绕一条进程内事件总线组织一场会话的全部节点：
控制器按发言策略逐轮推进；每个参与者各有一个 LM 桥接器与语音
合成节点；混音器把各路 PCM 按到达顺序写入环形缓冲，供播放端
拉取。人类听众可随时经打断门插入提问，控制器在下一次发言前
完成智能重置并把提问带给发言者。

# 核心概念

  - EQI：16 位发言标识，编码轮次、槽位与本轮总发言数。is_last
    位是跨越音频边界传递"本轮收尾"的唯一载体
  - session_end：一次发言的唯一终态事件（completed/error/cancelled），
    正常路径由合成节点在冲刷完音频后发出，异常路径由桥接器发出
  - 背压：缓冲占用越过高水位时暂停发放新发言，回落到低水位恢复

# 主要组件

  - Supervisor：节点启停、心跳死人开关、会话归档与对外事件流
  - Controller：轮次状态机，发言策略与背压的执行者
  - Bridge：LM 流式发言，断句后逐段下发
  - Synthesis：按参与者的 TTS 合成，发言终态的正常路径出口
  - Mixer：环形缓冲写入与 buffer_status 发布
  - Gate：人类打断入口

# 与其他包协同

  - llm：语言模型抽象与 moonshot 实现
  - speech：语音合成抽象与 minimax 实现
  - internal/ringbuf：混音环形缓冲
*/
package conference
