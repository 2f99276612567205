package conference

import "fmt"

// EQI（增强问题 ID）是跨越音频/合成边界携带轮次完成意图的唯一载体。
// 16 位布局为 `RRRR RRRR TTTT PPPP`：
//
//	bits 15-8  轮次索引（0..255）
//	bits 7-4   本轮参与者总数减一（1..16 人）
//	bits 3-0   参与者在本轮中的零基索引
type EQI uint16

const (
	// MaxRounds EQI 可编码的最大轮次数
	MaxRounds = 256
	// MaxParticipantsPerRound 单轮最大参与者数
	MaxParticipantsPerRound = 16
)

// EncodeEQI 将 (轮次, 参与者索引, 本轮总数) 编码为 16 位 EQI。
func EncodeEQI(round, index, total int) (EQI, error) {
	if round < 0 || round >= MaxRounds {
		return 0, fmt.Errorf("round %d out of range [0, %d)", round, MaxRounds)
	}
	if total < 1 || total > MaxParticipantsPerRound {
		return 0, fmt.Errorf("total %d out of range [1, %d]", total, MaxParticipantsPerRound)
	}
	if index < 0 || index >= total {
		return 0, fmt.Errorf("participant index %d out of range [0, %d)", index, total)
	}
	return EQI(round<<8 | (total-1)<<4 | index), nil
}

// MustEncodeEQI 与 EncodeEQI 相同，参数非法时 panic。仅用于常量场景与测试。
func MustEncodeEQI(round, index, total int) EQI {
	id, err := EncodeEQI(round, index, total)
	if err != nil {
		panic(err)
	}
	return id
}

// Round 返回轮次索引。
func (q EQI) Round() int { return int(q>>8) & 0xFF }

// Index 返回参与者在本轮中的零基索引。
func (q EQI) Index() int { return int(q) & 0xF }

// Total 返回本轮参与者总数。
func (q EQI) Total() int { return (int(q>>4) & 0xF) + 1 }

// IsLast 报告该 EQI 是否属于本轮最后一个参与者。
// 轮次完成检测依赖该标记：单个 TTS 完成信号即可判定整轮结束。
func (q EQI) IsLast() bool { return q.Index()+1 == q.Total() }

// Decode 一次性返回 (轮次, 参与者索引, 本轮总数)。
func (q EQI) Decode() (round, index, total int) {
	return q.Round(), q.Index(), q.Total()
}

// String 以调试格式输出，如 "0x0022(R1P3/3[LAST])"。
func (q EQI) String() string {
	last := ""
	if q.IsLast() {
		last = "[LAST]"
	}
	return fmt.Sprintf("0x%04X(R%dP%d/%d%s)", uint16(q), q.Round()+1, q.Index()+1, q.Total(), last)
}
