package conference

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// 背压水位与饱和判定参数。
const (
	DefaultHighWaterPct = 80.0
	DefaultLowWaterPct  = 50.0

	saturationPct    = 95.0
	saturationWindow = 5 * time.Second
)

type ctrlState int

const (
	ctrlIdle ctrlState = iota
	ctrlOpening
	ctrlAwaitingTurn
	ctrlSpeaking
	ctrlAwaitingCompletion
	ctrlRoundClosed
	ctrlEnding
)

// ControllerConfig 控制器配置。
type ControllerConfig struct {
	Session      SessionConfig
	HighWaterPct float64
	LowWaterPct  float64
	// PollInterval 等待背压释放时的重试节奏，缺省 1s。
	PollInterval time.Duration
}

// Controller 会话控制器。
//
// 独占轮次与对话日志的所有权，驱动 Opening → AwaitingTurn →
// Speaking → AwaitingCompletion → RoundClosed → Ending 状态机。
// 通过 buffer_status 实施高低水位背压；人类打断后在下一次 resume
// 前先向混音器发出携带新 EQI 的智能重置。
type Controller struct {
	cfg    ControllerConfig
	bus    *Bus
	sub    *Subscription
	policy Policy
	logger *zap.Logger

	state       ctrlState
	round       int
	turnInRound int

	inTurn      bool
	current     *Turn
	currentEQI  EQI
	openingTurn bool
	turnText    strings.Builder

	lastSpeaker   string
	wordCounts    map[string]int
	dialogueLog   []Utterance
	roundEligible []string
	excludedRound map[string]int // 参与者 -> 被剔除的轮次

	fillPct    float64
	blocked    bool
	satSince   time.Time
	selfResets int

	humanPending string
}

// NewController 创建控制器。配置必须已通过 Validate。
func NewController(cfg ControllerConfig, bus *Bus, logger *zap.Logger) (*Controller, error) {
	if cfg.HighWaterPct == 0 {
		cfg.HighWaterPct = DefaultHighWaterPct
	}
	if cfg.LowWaterPct == 0 {
		cfg.LowWaterPct = DefaultLowWaterPct
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policy, err := NewPolicy(cfg.Session.Policy)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:           cfg,
		bus:           bus,
		policy:        policy,
		logger:        logger.With(zap.String("component", "controller"), zap.String("session_id", cfg.Session.SessionID)),
		state:         ctrlIdle,
		wordCounts:    make(map[string]int),
		excludedRound: make(map[string]int),
	}
	// 订阅在构造期注册：Run 启动前发布的事件进入订阅缓冲，不会丢失
	c.sub = bus.Subscribe(DefaultSubscriptionBuffer,
		EventSegment, EventSessionEnd, EventBufferStatus, EventControl, EventDialogue)
	return c, nil
}

// DialogueLog 返回对话日志副本。Run 退出后调用。
func (c *Controller) DialogueLog() []Utterance {
	out := make([]Utterance, len(c.dialogueLog))
	copy(out, c.dialogueLog)
	return out
}

// WordCounts 返回各参与者累计字数副本。Run 退出后调用。
func (c *Controller) WordCounts() map[string]int {
	out := make(map[string]int, len(c.wordCounts))
	for k, v := range c.wordCounts {
		out[k] = v
	}
	return out
}

// Round 返回当前轮次。Run 退出后调用。
func (c *Controller) Round() int { return c.round }

// Run 事件循环。会话正常走到 Ending 时返回 nil，致命错误返回非 nil。
func (c *Controller) Run(ctx context.Context) error {
	defer c.bus.Unsubscribe(c.sub)

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	c.publishStatus(ctx, StateRunning, "", "")
	if err := c.open(ctx); err != nil {
		return err
	}
	if c.state == ctrlEnding {
		c.publishStatus(ctx, StateEnding, "", "")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			c.bus.TryPublish(&HeartbeatEvent{Node: "controller", At: time.Now()})
			if c.state == ctrlAwaitingTurn {
				if err := c.tryNextTurn(ctx); err != nil {
					return c.fatal(ctx, err)
				}
			}
		case ev, ok := <-c.sub.C():
			if !ok {
				return nil
			}
			if err := c.handle(ctx, ev); err != nil {
				if errors.Is(err, errSessionDone) {
					c.publishStatus(ctx, StateEnding, "", "")
					return nil
				}
				return c.fatal(ctx, err)
			}
			if c.state == ctrlEnding {
				c.publishStatus(ctx, StateEnding, "", "")
				return nil
			}
		}
	}
}

var errSessionDone = errors.New("session done")

// open 实现 Opening：重置所有节点并请求首个发言。
func (c *Controller) open(ctx context.Context) error {
	c.state = ctrlOpening
	c.selfResets++
	c.publish(ctx, &ControlEvent{Command: CommandReset, At: time.Now()})

	if c.cfg.Session.RoundsPlanned == 0 {
		c.state = ctrlEnding
		return nil
	}
	c.roundEligible = c.computeEligible()
	c.state = ctrlAwaitingTurn
	return c.tryNextTurn(ctx)
}

func (c *Controller) handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case *SegmentEvent:
		c.handleSegment(e)
	case *SessionEndEvent:
		return c.handleEnd(ctx, e)
	case *BufferStatusEvent:
		c.handleBufferStatus(e)
		if c.state == ctrlAwaitingTurn {
			return c.tryNextTurn(ctx)
		}
	case *ControlEvent:
		return c.handleControl(ctx, e)
	case *DialogueEvent:
		// 人类打断由打断门发布，这里只负责归档
		if e.Participant == HumanParticipantID {
			c.dialogueLog = append(c.dialogueLog, Utterance{
				EQI:         e.EQI,
				Participant: e.Participant,
				Role:        e.Role,
				Text:        e.Content,
				Kind:        KindHuman,
				ProducedAt:  e.At,
			})
		}
	}
	return nil
}

func (c *Controller) handleSegment(e *SegmentEvent) {
	if !c.inTurn || e.EQI != c.currentEQI || e.Participant != c.current.Participant {
		return
	}
	if e.Kind != KindSkipped {
		c.turnText.WriteString(e.Text)
	}
	if e.Status == StatusEnded && c.state == ctrlSpeaking {
		c.state = ctrlAwaitingCompletion
	}
}

func (c *Controller) handleEnd(ctx context.Context, e *SessionEndEvent) error {
	if !c.inTurn {
		c.logger.Warn("session_end without in-flight turn", zap.String("eqi", e.EQI.String()))
		return nil
	}
	if e.EQI.Round() != c.round {
		// 跨轮次的迟到终态：记录并忽略，current_round 是唯一权威游标
		c.logger.Info("stale session_end ignored",
			zap.String("eqi", e.EQI.String()), zap.Int("current_round", c.round))
		return nil
	}
	if e.EQI != c.currentEQI || e.Participant != c.current.Participant {
		c.logger.Warn("session_end does not match in-flight turn",
			zap.String("eqi", e.EQI.String()), zap.String("participant", e.Participant))
		return nil
	}

	c.appendUtterance(ctx, e)

	wasOpening := c.openingTurn
	c.inTurn = false
	c.openingTurn = false
	c.turnText.Reset()

	if e.Status == EndCancelled {
		// 取消不推进轮次，重新排同一槽位
		c.turnInRound--
		c.state = ctrlAwaitingTurn
		return c.tryNextTurn(ctx)
	}

	c.lastSpeaker = e.Participant
	if !wasOpening && e.EQI.IsLast() {
		c.state = ctrlRoundClosed
		return c.closeRound(ctx)
	}
	c.state = ctrlAwaitingTurn
	return c.tryNextTurn(ctx)
}

func (c *Controller) appendUtterance(ctx context.Context, e *SessionEndEvent) {
	text := c.turnText.String()
	kind := KindResponse
	if c.current.Opening || c.current.Closing || e.Participant == c.cfg.Session.PriorityID {
		kind = KindModerator
	}
	role := ""
	if i := c.cfg.Session.ParticipantIndex(e.Participant); i >= 0 {
		role = c.cfg.Session.Participants[i].Role
	}
	now := time.Now()
	c.dialogueLog = append(c.dialogueLog, Utterance{
		EQI:         e.EQI,
		Participant: e.Participant,
		Role:        role,
		Text:        text,
		Kind:        kind,
		ProducedAt:  now,
		CompletedAt: &now,
		Err:         e.Err,
	})
	c.wordCounts[e.Participant] += CountWords(text)

	c.publish(ctx, &DialogueEvent{
		Participant: e.Participant,
		Role:        role,
		Content:     text,
		Kind:        kind,
		EQI:         e.EQI,
		At:          now,
	})
}

// closeRound 实现 RoundClosed：还有计划轮次则推进，否则收尾。
func (c *Controller) closeRound(ctx context.Context) error {
	if c.round+1 >= c.cfg.Session.RoundsPlanned {
		c.state = ctrlEnding
		return nil
	}
	c.round++
	c.turnInRound = 0
	c.roundEligible = c.computeEligible()
	c.state = ctrlAwaitingTurn
	return c.tryNextTurn(ctx)
}

// tryNextTurn 实现 AwaitingTurn：背压放行后向策略要下一个发言者。
func (c *Controller) tryNextTurn(ctx context.Context) error {
	if c.state != ctrlAwaitingTurn || c.inTurn {
		return nil
	}
	if c.blocked {
		return nil
	}

	turn, err := c.policy.NextTurn(PolicyInput{
		Round:       c.round,
		TurnInRound: c.turnInRound,
		FinalRound:  c.round == c.cfg.Session.RoundsPlanned-1,
		Moderator:   c.cfg.Session.PriorityID,
		LastSpeaker: c.lastSpeaker,
		Eligible:    c.roundEligible,
		WordCounts:  c.wordCounts,
	})
	if err != nil {
		if errors.Is(err, ErrNoEligibleSpeaker) && c.fillPct > c.cfg.LowWaterPct {
			// 背压尚未释放：等待而不是报错
			return nil
		}
		return NewError(ErrCodePolicyStall, StagePolicy, "no eligible speaker").WithCause(err)
	}
	if turn == nil {
		// 本轮发言已排完
		c.state = ctrlRoundClosed
		return c.closeRound(ctx)
	}

	c.emitResume(ctx, turn)
	return nil
}

func (c *Controller) emitResume(ctx context.Context, turn *Turn) {
	eqi := MustEncodeEQI(c.round, turn.Slot, turn.Total)

	humanText := c.humanPending
	if humanText != "" {
		// 智能重置：混音器清空缓冲并只放行新问题的音频
		c.humanPending = ""
		q := eqi
		c.publish(ctx, &ControlEvent{Command: CommandReset, QuestionID: &q, At: time.Now()})
		c.publishStatus(ctx, StateRunning, "", "")
	}

	c.publish(ctx, &ControlEvent{
		Command: CommandResume,
		Target:  turn.Participant,
		EQI:     eqi,
		Text:    humanText,
		Opening: turn.Opening,
		Closing: turn.Closing,
		At:      time.Now(),
	})

	c.current = turn
	c.currentEQI = eqi
	c.inTurn = true
	c.openingTurn = turn.Opening
	c.turnText.Reset()
	c.turnInRound++
	c.state = ctrlSpeaking

	c.logger.Info("resume",
		zap.String("participant", turn.Participant),
		zap.String("eqi", eqi.String()),
		zap.Int("round", c.round))
}

func (c *Controller) handleBufferStatus(e *BufferStatusEvent) {
	c.fillPct = e.FillPct

	switch {
	case e.FillPct > c.cfg.HighWaterPct:
		if !c.blocked {
			c.logger.Info("backpressure engaged", zap.Float64("fill_pct", e.FillPct))
		}
		c.blocked = true
	case e.FillPct < c.cfg.LowWaterPct:
		if c.blocked {
			c.logger.Info("backpressure released", zap.Float64("fill_pct", e.FillPct))
		}
		c.blocked = false
	}

	// 持续饱和：当前发言者下一轮出局
	if e.FillPct > saturationPct {
		if c.satSince.IsZero() {
			c.satSince = e.At
		} else if e.At.Sub(c.satSince) > saturationWindow && c.current != nil {
			c.logger.Warn("buffer saturated, excluding speaker for one round",
				zap.String("participant", c.current.Participant),
				zap.Float64("fill_pct", e.FillPct))
			c.excludedRound[c.current.Participant] = c.round + 1
			c.satSince = time.Time{}
		}
	} else {
		c.satSince = time.Time{}
	}
}

func (c *Controller) handleControl(ctx context.Context, e *ControlEvent) error {
	switch e.Command {
	case CommandHumanHint:
		c.humanPending = e.Text
		c.publishStatus(ctx, StateInterrupted, "", "")
	case CommandStop:
		c.state = ctrlEnding
		return errSessionDone
	case CommandReset:
		if e.QuestionID != nil {
			return nil
		}
		if c.selfResets > 0 {
			c.selfResets--
			return nil
		}
		// 外部硬重置：轮次计数归零，对话日志保留
		c.logger.Info("hard reset")
		c.round = 0
		c.turnInRound = 0
		c.inTurn = false
		c.openingTurn = false
		c.turnText.Reset()
		c.lastSpeaker = ""
		c.humanPending = ""
		c.excludedRound = make(map[string]int)
		c.roundEligible = c.computeEligible()
		c.state = ctrlAwaitingTurn
		return c.tryNextTurn(ctx)
	}
	return nil
}

// computeEligible 本轮候选集：花名册减去被饱和剔除的参与者。
// 每轮开始时快照一次，保证整轮 EQI 的 total 一致。
func (c *Controller) computeEligible() []string {
	out := make([]string, 0, len(c.cfg.Session.Participants))
	for _, p := range c.cfg.Session.Participants {
		if r, ok := c.excludedRound[p.ID]; ok && r == c.round {
			continue
		}
		out = append(out, p.ID)
	}
	return out
}

func (c *Controller) fatal(ctx context.Context, err error) error {
	var cerr *Error
	stage := StageController
	if errors.As(err, &cerr) {
		stage = cerr.Stage
	}
	c.logger.Error("session failed", zap.Error(err))
	c.publishStatus(ctx, StateError, err.Error(), string(stage))
	return err
}

func (c *Controller) publishStatus(ctx context.Context, state SessionState, errMsg, stage string) {
	c.publish(ctx, &SessionStatusEvent{
		State:     state,
		SessionID: c.cfg.Session.SessionID,
		Round:     c.round,
		Err:       errMsg,
		Stage:     ErrorStage(stage),
		At:        time.Now(),
	})
}

func (c *Controller) publish(ctx context.Context, ev Event) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.bus.Publish(pctx, ev); err != nil && ctx.Err() == nil {
		c.logger.Warn("publish failed", zap.String("type", string(ev.Type())), zap.Error(err))
	}
}
