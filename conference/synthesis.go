package conference

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mofa-org/mofa-fm-sub000/speech"
)

// SynthState 合成适配器状态。
type SynthState string

const (
	SynthDisconnected SynthState = "disconnected"
	SynthConnecting   SynthState = "connecting"
	SynthReady        SynthState = "ready"
	SynthStreaming    SynthState = "streaming"
	SynthFinishing    SynthState = "finishing"
	SynthClosed       SynthState = "closed"
)

// SynthesisConfig 单个参与者的合成配置。
type SynthesisConfig struct {
	Participant ParticipantConfig
	SessionID   string
	Provider    speech.Provider
	Params      speech.Params
}

// Synthesis 语音合成节点，每个参与者一个。
//
// 消费本参与者的文本片段，经 TTS 转为 PCM 块发往混音器。收到
// ended 片段并冲刷完全部音频后，发出该次发言唯一的 session_end。
// 纯标点片段不送合成，直接按零音频收尾。传输错误以
// session_end{error, stage=tts} 收尾并使连接失效，下一次发言前
// 自动重连。
type Synthesis struct {
	cfg    SynthesisConfig
	bus    *Bus
	sub    *Subscription
	logger *zap.Logger

	state      SynthState
	currentEQI EQI
	hasEQI     bool
	requestID  string
	endEmitted bool
	failed     bool
	cancelled  bool
	turnDone   bool
}

// NewSynthesis 创建合成节点。
func NewSynthesis(cfg SynthesisConfig, bus *Bus, logger *zap.Logger) *Synthesis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesis{
		cfg:    cfg,
		bus:    bus,
		sub:    bus.Subscribe(DefaultSubscriptionBuffer, EventSegment, EventControl),
		logger: logger.With(zap.String("component", "synthesis"), zap.String("participant", cfg.Participant.ID)),
		state:  SynthDisconnected,
	}
}

// State 返回当前适配器状态，测试用。
func (s *Synthesis) State() SynthState { return s.state }

// Run 事件循环，阻塞直到 ctx 取消或总线关闭。
// 订阅在构造期注册，Run 启动前发布的事件进入订阅缓冲不会丢失。
func (s *Synthesis) Run(ctx context.Context) error {
	defer s.bus.Unsubscribe(s.sub)
	defer s.shutdown()

	hb := time.NewTicker(time.Second)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hb.C:
			s.bus.TryPublish(&HeartbeatEvent{Node: "synthesis." + s.cfg.Participant.ID, At: time.Now()})
		case ev, ok := <-s.sub.C():
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case *SegmentEvent:
				if e.Participant == s.cfg.Participant.ID {
					s.handleSegment(ctx, e)
				}
			case *ControlEvent:
				s.handleControl(e)
			}
		}
	}
}

func (s *Synthesis) handleControl(e *ControlEvent) {
	switch e.Command {
	case CommandCancel:
		if e.QuestionID != nil && s.hasEQI && s.currentEQI == *e.QuestionID {
			s.cancelled = true
		}
	case CommandReset:
		if e.QuestionID == nil {
			// 硬重置：丢弃当前发言的一切状态
			s.hasEQI = false
			s.endEmitted = false
			s.failed = false
			s.cancelled = false
			s.turnDone = false
		} else if s.hasEQI && s.currentEQI != *e.QuestionID {
			s.cancelled = true
		}
	}
}

func (s *Synthesis) handleSegment(ctx context.Context, e *SegmentEvent) {
	// 发言边界按 EQI 变化或上一发言已收到 ended 片段判定：
	// 主持人的开场与收尾复用同一 EQI，仍是两次独立发言。
	if !s.hasEQI || s.currentEQI != e.EQI || s.turnDone {
		s.currentEQI = e.EQI
		s.hasEQI = true
		s.requestID = uuid.NewString()
		s.endEmitted = false
		s.failed = false
		s.cancelled = false
		s.turnDone = false
	}
	if e.Status == StatusEnded {
		s.turnDone = true
	}
	if s.endEmitted {
		return
	}

	if s.cancelled {
		if e.Status == StatusEnded {
			s.emitEnd(e, EndCancelled, "")
		}
		return
	}
	if s.failed {
		// 该发言已出错收尾，剩余片段丢弃
		return
	}

	if e.Kind != KindSkipped && e.Text != "" {
		if !s.synthesize(ctx, e) {
			return
		}
	}

	if e.Status == StatusEnded {
		s.state = SynthFinishing
		s.emitEnd(e, EndCompleted, "")
		s.state = SynthReady
	}
}

// synthesize 将一个片段转为 PCM 块并发布。失败时发出错误收尾并返回 false。
func (s *Synthesis) synthesize(ctx context.Context, e *SegmentEvent) bool {
	if s.state != SynthReady && s.state != SynthStreaming {
		s.state = SynthConnecting
		if err := s.cfg.Provider.Connect(ctx, s.cfg.Params); err != nil {
			s.state = SynthDisconnected
			s.failed = true
			s.emitEnd(e, EndError, err.Error())
			return false
		}
		s.state = SynthReady
	}

	stream, err := s.cfg.Provider.Synthesize(ctx, e.Text)
	if err != nil {
		s.state = SynthDisconnected
		s.failed = true
		s.emitEnd(e, EndError, err.Error())
		return false
	}

	s.state = SynthStreaming
	for chunk := range stream {
		if chunk.Err != nil {
			s.state = SynthDisconnected
			s.failed = true
			s.emitEnd(e, EndError, chunk.Err.Error())
			return false
		}
		s.publish(&AudioChunkEvent{
			Participant: s.cfg.Participant.ID,
			PCM:         chunk.PCM,
			SampleRate:  chunk.SampleRate,
			Duration:    time.Duration(chunk.Duration() * float64(time.Second)),
			EQI:         e.EQI,
			Status:      e.Status,
			SessionID:   e.SessionID,
			At:          time.Now(),
		})
	}
	s.state = SynthReady
	return true
}

// emitEnd 发出该发言唯一的终态事件。出错的发言照常计入轮次推进。
func (s *Synthesis) emitEnd(e *SegmentEvent, status EndStatus, errMsg string) {
	if s.endEmitted {
		return
	}
	s.endEmitted = true
	stage := ErrorStage("")
	if status == EndError {
		stage = StageTTS
		s.logger.Warn("synthesis failed",
			zap.String("eqi", e.EQI.String()),
			zap.String("error", errMsg))
	}
	s.publish(&SessionEndEvent{
		Participant: s.cfg.Participant.ID,
		EQI:         e.EQI,
		Status:      status,
		SessionID:   e.SessionID,
		RequestID:   s.requestID,
		Err:         errMsg,
		Stage:       stage,
		At:          time.Now(),
	})
}

func (s *Synthesis) publish(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish failed", zap.String("type", string(ev.Type())), zap.Error(err))
	}
}

func (s *Synthesis) shutdown() {
	if err := s.cfg.Provider.Close(); err != nil {
		s.logger.Debug("provider close", zap.Error(err))
	}
	s.state = SynthClosed
}
