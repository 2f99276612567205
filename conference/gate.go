package conference

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Gate 人类打断门。任意时刻接受一段打断文本：追加一条
// participant=human 的对话条目（所有桥接器由此更新上下文），
// 并向控制器投递"下一发言需回应人类"的提示；控制器随后在下一次
// resume 前对混音器做携带新 EQI 的智能重置。
type Gate struct {
	sessionID string
	bus       *Bus
	logger    *zap.Logger
}

// NewGate 创建打断门。
func NewGate(sessionID string, bus *Bus, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		sessionID: sessionID,
		bus:       bus,
		logger:    logger.With(zap.String("component", "gate")),
	}
}

// Interrupt 接收一段人类打断。空白文本忽略。
func (g *Gate) Interrupt(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	now := time.Now()
	if err := g.bus.Publish(ctx, &DialogueEvent{
		Participant: HumanParticipantID,
		Role:        "听众",
		Content:     text,
		Kind:        KindHuman,
		At:          now,
	}); err != nil {
		return err
	}
	if err := g.bus.Publish(ctx, &ControlEvent{
		Command: CommandHumanHint,
		Text:    text,
		At:      now,
	}); err != nil {
		return err
	}
	g.logger.Info("human interrupt", zap.Int("chars", len([]rune(text))))
	return nil
}
