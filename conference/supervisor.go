package conference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mofa-org/mofa-fm-sub000/internal/metrics"
	"github.com/mofa-org/mofa-fm-sub000/internal/ringbuf"
	"github.com/mofa-org/mofa-fm-sub000/llm"
	"github.com/mofa-org/mofa-fm-sub000/speech"
)

// SessionRecord 会话结束后交给外部存储的归档形态。
type SessionRecord struct {
	SessionID     string
	Participants  []ParticipantConfig
	DialogueLog   []Utterance
	AudioBlobRefs []string
	CreatedAt     time.Time
	ClosedAt      time.Time
	FinalState    SessionState
	FinalError    string
}

// Recorder 会话归档接口，由存储层实现。
type Recorder interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
}

// DialogueSink 对话条目的实时外发接口（如 Redis Stream）。
type DialogueSink interface {
	PublishEntry(ctx context.Context, sessionID string, entry Utterance) error
}

// SupervisorConfig 监督器配置。
type SupervisorConfig struct {
	Session SessionConfig
	// BufferCapacity 混音缓冲容量（秒），缺省 30s。
	BufferCapacity time.Duration
	// Delimiters 断句标点集，空用缺省。
	Delimiters string
	// PromptBudget 提示词 Token 预算。
	PromptBudget int
	// HighWaterPct / LowWaterPct 背压水位。
	HighWaterPct float64
	LowWaterPct  float64
	// HeartbeatTimeout 节点心跳超时（死人开关），缺省 5s。
	HeartbeatTimeout time.Duration
}

// Deps 监督器的外部依赖。LM 与 TTS 工厂按参与者返回客户端；
// Recorder/Sink/Metrics 可为 nil。
type Deps struct {
	LM       func(p ParticipantConfig) llm.Provider
	TTS      func(p ParticipantConfig) speech.Provider
	Recorder Recorder
	Sink     DialogueSink
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// Supervisor 会话监督器。
//
// 负责全部节点的启停、每个节点的心跳死人开关，以及对外的
// session_status 流。任何节点的致命失败升级为带阶段标签的
// 会话级 error。
type Supervisor struct {
	cfg    SupervisorConfig
	deps   Deps
	bus    *Bus
	logger *zap.Logger

	mixer      *Mixer
	controller *Controller
	gate       *Gate
	bridges    []*Bridge
	synths     []*Synthesis

	watchSub   *Subscription
	observeSub *Subscription

	mu         sync.Mutex
	started    bool
	startedAt  time.Time
	finalState SessionState
	finalErr   string
	cancel     context.CancelFunc
	group      *errgroup.Group
}

// NewSupervisor 校验配置并组装全部节点。配置非法时会话不会启动。
func NewSupervisor(cfg SupervisorConfig, deps Deps) (*Supervisor, error) {
	cfg.Session.ApplyDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	if deps.LM == nil || deps.TTS == nil {
		return nil, NewError(ErrCodeInvalidConfig, StageConfig, "lm and tts factories are required")
	}
	if cfg.BufferCapacity == 0 {
		cfg.BufferCapacity = 30 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 5 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", cfg.Session.SessionID))

	bus := NewBus(logger)

	mixer := NewMixer(MixerConfig{
		SessionID:  cfg.Session.SessionID,
		Capacity:   cfg.BufferCapacity,
		SampleRate: cfg.Session.SampleRate,
	}, bus, logger)

	controller, err := NewController(ControllerConfig{
		Session:      cfg.Session,
		HighWaterPct: cfg.HighWaterPct,
		LowWaterPct:  cfg.LowWaterPct,
	}, bus, logger)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:        cfg,
		deps:       deps,
		bus:        bus,
		logger:     logger.With(zap.String("component", "supervisor")),
		mixer:      mixer,
		controller: controller,
		gate:       NewGate(cfg.Session.SessionID, bus, logger),
		finalState: StateIdle,
		// 全部订阅在 Start 之前就位，控制器的首批事件不会落空
		watchSub:   bus.Subscribe(DefaultSubscriptionBuffer, EventHeartbeat),
		observeSub: bus.Subscribe(DefaultSubscriptionBuffer,
			EventSessionEnd, EventAudioChunk, EventBufferStatus, EventDialogue, EventSessionStatus),
	}

	for _, p := range cfg.Session.Participants {
		s.bridges = append(s.bridges, NewBridge(BridgeConfig{
			Target:       p,
			SessionID:    cfg.Session.SessionID,
			Topic:        cfg.Session.Topic,
			Provider:     deps.LM(p),
			Delimiters:   cfg.Delimiters,
			TurnTimeout:  cfg.Session.TurnTimeout,
			PromptBudget: cfg.PromptBudget,
		}, bus, logger))

		params := speech.Params{VoiceID: p.VoiceID, SampleRate: cfg.Session.SampleRate}
		params.ApplyDefaults()
		s.synths = append(s.synths, NewSynthesis(SynthesisConfig{
			Participant: p,
			SessionID:   cfg.Session.SessionID,
			Provider:    deps.TTS(p),
			Params:      params,
		}, bus, logger))
	}
	return s, nil
}

// Start 启动全部节点。重复调用报错。
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("session already started")
	}
	s.started = true
	s.startedAt = time.Now()
	s.finalState = StateRunning

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g

	node := func(name string, run func(context.Context) error) {
		g.Go(func() error {
			err := run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("node failed", zap.String("node", name), zap.Error(err))
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	node("mixer", s.mixer.Run)
	for _, b := range s.bridges {
		b := b
		node("bridge."+b.cfg.Target.ID, b.Run)
	}
	for _, sn := range s.synths {
		sn := sn
		node("synthesis."+sn.cfg.Participant.ID, sn.Run)
	}
	node("watchdog", s.watchdog)
	node("observer", s.observe)

	// 控制器走到 Ending 后整组关停
	g.Go(func() error {
		err := s.controller.Run(gctx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("controller: %w", err)
		}
		return nil
	})

	s.logger.Info("session started",
		zap.Int("participants", len(s.cfg.Session.Participants)),
		zap.String("policy", string(s.cfg.Session.Policy)),
		zap.Int("rounds", s.cfg.Session.RoundsPlanned))
	return nil
}

// Wait 阻塞至会话结束，归档后返回。致命错误时返回非 nil。
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return fmt.Errorf("session not started")
	}
	err := g.Wait()
	s.bus.Close()

	s.mu.Lock()
	if err != nil {
		s.finalState = StateError
		s.finalErr = err.Error()
	} else if s.finalState != StateError {
		s.finalState = StateEnding
	}
	s.mu.Unlock()

	s.persist(ctx)
	return err
}

// Stop 请求会话停止。控制器收到后走 Ending 收尾。
func (s *Supervisor) Stop(ctx context.Context) error {
	err := s.bus.Publish(ctx, &ControlEvent{Command: CommandStop, At: time.Now()})
	if err != nil {
		// 总线已关闭时直接取消
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
	}
	return nil
}

// Human 投递一段人类打断。
func (s *Supervisor) Human(ctx context.Context, text string) error {
	if s.deps.Metrics != nil {
		s.deps.Metrics.HumanInterrupts.Inc()
	}
	return s.gate.Interrupt(ctx, text)
}

// Reset 对会话做硬重置：清空缓冲、上下文与轮次计数。
func (s *Supervisor) Reset(ctx context.Context) error {
	return s.bus.Publish(ctx, &ControlEvent{Command: CommandReset, At: time.Now()})
}

// Cancel 中止指定问题的在飞工作，其余继续。
func (s *Supervisor) Cancel(ctx context.Context, questionID EQI) error {
	q := questionID
	return s.bus.Publish(ctx, &ControlEvent{Command: CommandCancel, QuestionID: &q, At: time.Now()})
}

// Events 订阅对外事件流（dialogue_entry、session_status、buffer_status 等）。
func (s *Supervisor) Events(buffer int, types ...EventType) *Subscription {
	return s.bus.Subscribe(buffer, types...)
}

// Unsubscribe 退订事件流。
func (s *Supervisor) Unsubscribe(sub *Subscription) {
	s.bus.Unsubscribe(sub)
}

// ReadAudio 读取混音后的播放样本，不足补零。
func (s *Supervisor) ReadAudio(out []float32) int {
	return s.mixer.Read(out)
}

// BufferStats 返回环形缓冲区即时状态。
func (s *Supervisor) BufferStats() ringbuf.Stats {
	return s.mixer.Stats()
}

// watchdog 心跳死人开关：任何节点静默超时即判定会话致命失败。
func (s *Supervisor) watchdog(ctx context.Context) error {
	sub := s.watchSub
	defer s.bus.Unsubscribe(sub)

	lastSeen := make(map[string]time.Time)
	check := time.NewTicker(s.cfg.HeartbeatTimeout / 2)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if hb, ok := ev.(*HeartbeatEvent); ok {
				lastSeen[hb.Node] = hb.At
			}
		case now := <-check.C:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for node, at := range lastSeen {
				if now.Sub(at) > s.cfg.HeartbeatTimeout {
					err := NewError(ErrCodeTimeout, StageController,
						fmt.Sprintf("node %s heartbeat lost", node))
					s.logger.Error("heartbeat lost", zap.String("node", node))
					return err
				}
			}
		}
	}
}

// observe 旁路观察者：更新指标并外发对话条目。
func (s *Supervisor) observe(ctx context.Context) error {
	sub := s.observeSub
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			// 收尾前排空已入队的事件，对话条目不因关停竞态丢失
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case ev, ok := <-sub.C():
					if !ok {
						return ctx.Err()
					}
					s.handleObserved(flush, ev)
				default:
					return ctx.Err()
				}
			}
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			s.handleObserved(ctx, ev)
		}
	}
}

func (s *Supervisor) handleObserved(ctx context.Context, ev Event) {
	m := s.deps.Metrics
	switch e := ev.(type) {
	case *SessionEndEvent:
		if m != nil {
			m.TurnsTotal.WithLabelValues(e.Participant, string(e.Status)).Inc()
			if e.Status == EndError {
				m.TurnErrorsTotal.WithLabelValues(string(e.Stage)).Inc()
			}
		}
	case *AudioChunkEvent:
		if m != nil {
			m.AudioChunksTotal.WithLabelValues(e.Participant).Inc()
			m.AudioSeconds.WithLabelValues(e.Participant).Add(e.Duration.Seconds())
		}
	case *BufferStatusEvent:
		if m != nil {
			m.BufferFillPct.Set(e.FillPct)
		}
	case *SessionStatusEvent:
		s.mu.Lock()
		s.finalState = e.State
		s.finalErr = e.Err
		s.mu.Unlock()
		if m != nil {
			m.SetState(string(e.State))
		}
	case *DialogueEvent:
		if s.deps.Sink == nil {
			return
		}
		entry := Utterance{
			EQI:         e.EQI,
			Participant: e.Participant,
			Role:        e.Role,
			Text:        e.Content,
			Kind:        e.Kind,
			ProducedAt:  e.At,
		}
		if err := s.deps.Sink.PublishEntry(ctx, s.cfg.Session.SessionID, entry); err != nil {
			s.logger.Warn("dialogue sink failed", zap.Error(err))
		}
	}
}

// persist 会话收尾后归档。
func (s *Supervisor) persist(ctx context.Context) {
	if s.deps.Recorder == nil {
		return
	}
	s.mu.Lock()
	rec := &SessionRecord{
		SessionID:    s.cfg.Session.SessionID,
		Participants: s.cfg.Session.Participants,
		DialogueLog:  s.controller.DialogueLog(),
		CreatedAt:    s.startedAt,
		ClosedAt:     time.Now(),
		FinalState:   s.finalState,
		FinalError:   s.finalErr,
	}
	s.mu.Unlock()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.deps.Recorder.SaveSession(pctx, rec); err != nil {
		s.logger.Error("session archive failed", zap.Error(err))
	} else {
		s.logger.Info("session archived", zap.Int("entries", len(rec.DialogueLog)))
	}
}
