package conference

import (
	"fmt"
)

// PolicyInput 策略决策所需的全部可观测状态。策略本身是纯函数，
// 不持有任何会话状态；控制器负责提供实时计数与候选集。
type PolicyInput struct {
	Round       int            // 当前轮次（0 基）
	TurnInRound int            // 本轮已发出的发言数（含开场）
	FinalRound  bool           // 是否最后一轮
	Moderator   string         // 主持人/导师 ID，可为空
	LastSpeaker string         // 上一发言者，可为空
	Eligible    []string       // 候选参与者（插入序，背压剔除后）
	WordCounts  map[string]int // 各参与者累计字数
}

// Turn 策略选出的一次发言。
//
// Slot 是参与者在本轮计数序列中的零基序号，Total 是本轮计数发言总数；
// 二者与轮次共同构成 EQI。开场发言（Opening）不计入序列，
// 复用主持人收尾槽位的 EQI，因此其 is_last 标记不触发轮次完成。
type Turn struct {
	Participant string
	Slot        int
	Total       int
	Opening     bool // 主持人开场，不计入轮次完成
	Closing     bool // 主持人收尾
}

// Policy 发言策略。NextTurn 返回 nil 表示本轮发言已排完。
type Policy interface {
	Name() PolicyName
	NextTurn(in PolicyInput) (*Turn, error)
}

// NewPolicy 按名称创建策略。
func NewPolicy(name PolicyName) (Policy, error) {
	switch name {
	case PolicySequential:
		return &sequentialPolicy{}, nil
	case PolicyUnifiedRatio:
		return &unifiedRatioPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown policy: %s", name)
	}
}

// ============================================================
// sequential：固定插入序轮转
// ============================================================

type sequentialPolicy struct{}

func (p *sequentialPolicy) Name() PolicyName { return PolicySequential }

// NextTurn 轮次 r 从插入序的第 r mod N 位开始轮转。声明了主持人时，
// 主持人不参与轮转，而是开启第 0 轮并收尾最后一轮。
func (p *sequentialPolicy) NextTurn(in PolicyInput) (*Turn, error) {
	if len(in.Eligible) == 0 {
		return nil, ErrNoEligibleSpeaker
	}

	moderator := ""
	others := make([]string, 0, len(in.Eligible))
	for _, id := range in.Eligible {
		if id == in.Moderator {
			moderator = id
			continue
		}
		others = append(others, id)
	}

	var counted []string
	if moderator != "" && len(others) > 0 {
		start := in.Round % len(others)
		counted = append(counted, others[start:]...)
		counted = append(counted, others[:start]...)
		if in.FinalRound {
			counted = append(counted, moderator)
		}
	} else if moderator != "" {
		// 只剩主持人自己
		counted = []string{moderator}
	} else {
		start := in.Round % len(in.Eligible)
		counted = append(counted, in.Eligible[start:]...)
		counted = append(counted, in.Eligible[:start]...)
	}

	total := len(counted)
	idx := in.TurnInRound

	// 第 0 轮的主持人开场不计入序列
	if moderator != "" && in.Round == 0 && len(others) > 0 {
		if in.TurnInRound == 0 {
			return &Turn{
				Participant: moderator,
				Slot:        total - 1,
				Total:       total,
				Opening:     true,
			}, nil
		}
		idx = in.TurnInRound - 1
	}

	if idx >= total {
		return nil, nil
	}
	return &Turn{
		Participant: counted[idx],
		Slot:        idx,
		Total:       total,
		Closing:     counted[idx] == moderator && moderator != "",
	}, nil
}

// ============================================================
// unified_ratio：按字数比例均衡发言
// ============================================================

type unifiedRatioPolicy struct{}

func (p *unifiedRatioPolicy) Name() PolicyName { return PolicyUnifiedRatio }

// NextTurn 第 0 轮首位由优先参与者（主持人/导师）发言；冷启动时选首个
// 非优先参与者；其余位置选字数比例严格最小者，比例相同比绝对字数，
// 再相同按插入序。候选达三人时上一发言者不会被立即重选；两人对谈
// 不排除上一发言者，始终按比例选择。
func (p *unifiedRatioPolicy) NextTurn(in PolicyInput) (*Turn, error) {
	if len(in.Eligible) == 0 {
		return nil, ErrNoEligibleSpeaker
	}

	total := len(in.Eligible)
	if in.TurnInRound >= total {
		return nil, nil
	}

	pick := ""
	if in.Round == 0 && in.TurnInRound == 0 {
		pick = p.pickOpener(in)
	} else {
		pick = p.pickByRatio(in)
	}

	return &Turn{
		Participant: pick,
		Slot:        in.TurnInRound,
		Total:       total,
	}, nil
}

func (p *unifiedRatioPolicy) pickOpener(in PolicyInput) string {
	if in.Moderator != "" {
		for _, id := range in.Eligible {
			if id == in.Moderator {
				return id
			}
		}
	}
	// 冷启动：让非优先参与者先发言
	for _, id := range in.Eligible {
		if id != in.Moderator {
			return id
		}
	}
	return in.Eligible[0]
}

func (p *unifiedRatioPolicy) pickByRatio(in PolicyInput) string {
	candidates := in.Eligible
	if len(candidates) > 2 && in.LastSpeaker != "" {
		filtered := make([]string, 0, len(candidates)-1)
		for _, id := range candidates {
			if id != in.LastSpeaker {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	totalWords := 0
	for _, id := range candidates {
		totalWords += in.WordCounts[id]
	}
	if totalWords == 0 {
		for _, id := range candidates {
			if id != in.Moderator {
				return id
			}
		}
		return candidates[0]
	}

	best := candidates[0]
	bestCount := in.WordCounts[best]
	for _, id := range candidates[1:] {
		count := in.WordCounts[id]
		// 总字数对所有候选相同，比较比例等价于比较绝对字数；
		// 比例并列时同样落到更小的绝对字数上，最后保持插入序。
		if count < bestCount {
			best, bestCount = id, count
		}
	}
	return best
}
