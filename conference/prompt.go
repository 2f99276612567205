package conference

import (
	"fmt"
	"strings"

	"github.com/mofa-org/mofa-fm-sub000/llm"
)

// DefaultPromptBudget 提示词 Token 预算，超出时从最旧的上下文开始裁剪。
const DefaultPromptBudget = 6000

// ContextEntry 桥接器上下文日志中的一条记录。
type ContextEntry struct {
	Participant string
	Role        string
	Content     string
	Kind        EntryKind
}

// PromptBuilder 按发言类型渲染提示词：开场白、常规发言、收尾总结，
// 以及携带听众提问的变体。
type PromptBuilder struct {
	Topic   string
	Counter *llm.TokenCounter
	Budget  int
}

// NewPromptBuilder 创建渲染器。budget<=0 时使用 DefaultPromptBudget。
func NewPromptBuilder(topic string, counter *llm.TokenCounter, budget int) *PromptBuilder {
	if budget <= 0 {
		budget = DefaultPromptBudget
	}
	if counter == nil {
		counter = llm.NewTokenCounter("")
	}
	return &PromptBuilder{Topic: topic, Counter: counter, Budget: budget}
}

// Build 渲染一次发言的完整消息列表。log 是目标参与者视角的上下文
// 快照（不含其自己的发言），humanText 非空时优先回应听众。
func (b *PromptBuilder) Build(target ParticipantConfig, turn *Turn, round int, log []ContextEntry, humanText string) []llm.Message {
	var prompt string
	switch {
	case turn.Opening:
		prompt = fmt.Sprintf(
			"请为以下主题生成开场白：%s\n\n开场白要求：简洁、引人入胜，30-50字。",
			b.Topic)
	case turn.Closing:
		prompt = fmt.Sprintf(
			"对话即将结束，请对整场讨论进行总结。\n\n最近的对话：\n%s\n\n"+
				"总结要求：概括双方观点，给出中立的结论。长度150-250字。",
			b.renderRecent(log, 6))
	default:
		prompt = fmt.Sprintf(
			"当前正在讨论：%s\n这是第%d轮发言。\n\n其他人的发言：\n%s\n\n"+
				"请基于你的角色和立场，给出你的观点。长度100-200字。",
			b.Topic, round+1, b.renderContext(target, log))
	}
	if humanText != "" {
		prompt += fmt.Sprintf("\n\n听众刚刚提问：%s\n请优先回应听众的问题。", humanText)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: target.SystemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	}
	return messages
}

// renderContext 渲染其他参与者的发言，超预算时丢弃最旧的条目。
func (b *PromptBuilder) renderContext(target ParticipantConfig, log []ContextEntry) string {
	var entries []string
	for _, e := range log {
		if e.Participant == target.ID {
			continue
		}
		name := e.Role
		if name == "" {
			name = e.Participant
		}
		entries = append(entries, fmt.Sprintf("%s：%s", name, e.Content))
	}
	if len(entries) == 0 {
		return "（暂无）"
	}

	for len(entries) > 1 {
		joined := strings.Join(entries, "\n")
		if b.Counter.Count(joined) <= b.Budget {
			break
		}
		entries = entries[1:]
	}
	return strings.Join(entries, "\n")
}

// renderRecent 渲染最近 n 条发言的摘要，每条截断到 100 字。
func (b *PromptBuilder) renderRecent(log []ContextEntry, n int) string {
	start := len(log) - n
	if start < 0 {
		start = 0
	}
	var lines []string
	for _, e := range log[start:] {
		content := []rune(e.Content)
		if len(content) > 100 {
			lines = append(lines, fmt.Sprintf("%s: %s...", e.Participant, string(content[:100])))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s", e.Participant, string(content)))
		}
	}
	if len(lines) == 0 {
		return "（暂无）"
	}
	return strings.Join(lines, "\n\n")
}
