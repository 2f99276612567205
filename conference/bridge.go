package conference

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mofa-org/mofa-fm-sub000/llm"
)

// BridgeConfig 单个参与者的桥接配置。
type BridgeConfig struct {
	Target       ParticipantConfig
	SessionID    string
	Topic        string
	Provider     llm.Provider
	Delimiters   string
	TurnTimeout  time.Duration
	PromptBudget int
	Temperature  float32
	MaxTokens    int
}

// Bridge 上下文桥接节点，每个参与者一个。
//
// 订阅其他参与者的对话条目和人类打断，维护私有上下文日志；收到
// 发给自己的 resume 后渲染提示词、驱动 LM 流式输出并切分成片段。
// 每个 resume 最终恰好产生一个 session_end：LM 失败或取消时由桥接器
// 直接发出（此时不再下发收尾片段），正常路径由合成节点在冲刷完
// 收尾片段后发出。
type Bridge struct {
	cfg    BridgeConfig
	bus    *Bus
	sub    *Subscription
	logger *zap.Logger
	prompt *PromptBuilder

	contextLog []ContextEntry

	mu         sync.Mutex
	turnCancel context.CancelFunc
	turnEQI    EQI
	wg         sync.WaitGroup
}

// NewBridge 创建桥接节点。
func NewBridge(cfg BridgeConfig, bus *Bus, logger *zap.Logger) *Bridge {
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = 60 * time.Second
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.9
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		cfg:    cfg,
		bus:    bus,
		sub:    bus.Subscribe(DefaultSubscriptionBuffer, EventDialogue, EventControl),
		logger: logger.With(zap.String("component", "bridge"), zap.String("participant", cfg.Target.ID)),
		prompt: NewPromptBuilder(cfg.Topic, llm.NewTokenCounter(""), cfg.PromptBudget),
	}
}

// Run 事件循环，阻塞直到 ctx 取消或总线关闭。
// 订阅在构造期注册，Run 启动前发布的事件进入订阅缓冲不会丢失。
func (b *Bridge) Run(ctx context.Context) error {
	defer b.bus.Unsubscribe(b.sub)

	hb := time.NewTicker(time.Second)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			b.abortTurn()
			b.wg.Wait()
			return ctx.Err()
		case <-hb.C:
			b.bus.TryPublish(&HeartbeatEvent{Node: "bridge." + b.cfg.Target.ID, At: time.Now()})
		case ev, ok := <-b.sub.C():
			if !ok {
				b.abortTurn()
				b.wg.Wait()
				return nil
			}
			b.handle(ctx, ev)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case *DialogueEvent:
		// 自己的发言不进入自己的上下文
		if e.Participant == b.cfg.Target.ID {
			return
		}
		if e.Kind == KindSkipped || e.Kind == KindPrompt {
			return
		}
		b.mu.Lock()
		b.contextLog = append(b.contextLog, ContextEntry{
			Participant: e.Participant,
			Role:        e.Role,
			Content:     e.Content,
			Kind:        e.Kind,
		})
		b.mu.Unlock()
	case *ControlEvent:
		b.handleControl(ctx, e)
	}
}

func (b *Bridge) handleControl(ctx context.Context, e *ControlEvent) {
	switch e.Command {
	case CommandResume:
		if e.Target != b.cfg.Target.ID {
			return
		}
		b.startTurn(ctx, e)
	case CommandReset:
		if e.QuestionID == nil {
			// 硬重置：清空上下文并中止在飞的发言
			b.mu.Lock()
			b.contextLog = b.contextLog[:0]
			b.mu.Unlock()
			b.abortTurn()
			return
		}
		// 智能重置：只中止不属于该问题的在飞工作，上下文保留
		b.mu.Lock()
		cancel := b.turnCancel
		stale := b.turnCancel != nil && b.turnEQI != *e.QuestionID
		b.mu.Unlock()
		if stale {
			cancel()
		}
	case CommandCancel:
		if e.QuestionID == nil {
			return
		}
		b.mu.Lock()
		cancel := b.turnCancel
		match := b.turnCancel != nil && b.turnEQI == *e.QuestionID
		b.mu.Unlock()
		if match {
			cancel()
		}
	case CommandStop:
		b.abortTurn()
	}
}

func (b *Bridge) startTurn(ctx context.Context, e *ControlEvent) {
	b.mu.Lock()
	if b.turnCancel != nil {
		prev := b.turnCancel
		b.mu.Unlock()
		b.logger.Warn("resume while previous turn in flight", zap.String("eqi", e.EQI.String()))
		prev()
		b.mu.Lock()
	}
	tctx, cancel := context.WithTimeout(ctx, b.cfg.TurnTimeout)
	b.turnCancel = cancel
	b.turnEQI = e.EQI
	b.mu.Unlock()

	b.mu.Lock()
	snapshot := make([]ContextEntry, len(b.contextLog))
	copy(snapshot, b.contextLog)
	b.mu.Unlock()
	turn := &Turn{Opening: e.Opening, Closing: e.Closing}
	messages := b.prompt.Build(b.cfg.Target, turn, e.EQI.Round(), snapshot, e.Text)

	b.wg.Add(1)
	go b.runTurn(tctx, e.EQI, messages)
}

// runTurn 驱动一次 LM 流式发言。收尾片段只在流正常结束时下发。
func (b *Bridge) runTurn(ctx context.Context, eqi EQI, messages []llm.Message) {
	defer b.wg.Done()
	defer b.clearTurn(eqi)

	seg := NewSegmenter(b.cfg.Delimiters)

	stream, err := b.cfg.Provider.Stream(ctx, &llm.ChatRequest{
		Messages:    messages,
		Temperature: b.cfg.Temperature,
		MaxTokens:   b.cfg.MaxTokens,
		Timeout:     b.cfg.TurnTimeout,
	})
	if err != nil {
		b.emitEnd(eqi, b.classifyErr(ctx, err))
		return
	}

	for chunk := range stream {
		if chunk.Err != nil {
			b.emitEnd(eqi, b.classifyErr(ctx, chunk.Err))
			return
		}
		if chunk.Delta.Content == "" {
			continue
		}
		b.publish(&TextDeltaEvent{
			Participant: b.cfg.Target.ID,
			Text:        chunk.Delta.Content,
			EQI:         eqi,
			At:          time.Now(),
		})
		for _, s := range seg.Feed(chunk.Delta.Content) {
			b.publishSegment(eqi, s)
		}
	}

	if ctx.Err() != nil {
		b.emitEnd(eqi, b.classifyErr(ctx, ctx.Err()))
		return
	}
	b.publishSegment(eqi, seg.Finish())
}

func (b *Bridge) publishSegment(eqi EQI, s Segment) {
	b.publish(&SegmentEvent{
		Participant: b.cfg.Target.ID,
		Text:        s.Text,
		EQI:         eqi,
		Status:      s.Status,
		Kind:        s.Kind,
		SessionID:   b.cfg.SessionID,
		At:          time.Now(),
	})
}

type endResult struct {
	status EndStatus
	stage  ErrorStage
	err    string
}

// classifyErr 区分超时、取消、拒答与一般 LM 错误。
func (b *Bridge) classifyErr(ctx context.Context, err error) endResult {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return endResult{EndError, StageLLM, "turn timeout: " + err.Error()}
	case errors.Is(ctx.Err(), context.Canceled):
		return endResult{EndCancelled, StageLLM, ""}
	case llm.IsRefusal(err):
		return endResult{EndError, StagePolicy, err.Error()}
	default:
		return endResult{EndError, StageLLM, err.Error()}
	}
}

func (b *Bridge) emitEnd(eqi EQI, r endResult) {
	if r.status == EndError {
		b.logger.Warn("turn failed",
			zap.String("eqi", eqi.String()),
			zap.String("stage", string(r.stage)),
			zap.String("error", r.err))
	}
	b.publish(&SessionEndEvent{
		Participant: b.cfg.Target.ID,
		EQI:         eqi,
		Status:      r.status,
		SessionID:   b.cfg.SessionID,
		Err:         r.err,
		Stage:       r.stage,
		At:          time.Now(),
	})
}

// publish 用独立的短超时上下文发布，避免发言上下文取消后丢失终态事件。
func (b *Bridge) publish(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.bus.Publish(ctx, ev); err != nil {
		b.logger.Warn("publish failed", zap.String("type", string(ev.Type())), zap.Error(err))
	}
}

func (b *Bridge) clearTurn(eqi EQI) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.turnEQI == eqi && b.turnCancel != nil {
		b.turnCancel()
		b.turnCancel = nil
	}
}

func (b *Bridge) abortTurn() {
	b.mu.Lock()
	cancel := b.turnCancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ContextSize 返回当前上下文条目数，测试用。
func (b *Bridge) ContextSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contextLog)
}
