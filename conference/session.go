package conference

import (
	"fmt"
	"time"
)

// Mode 会话模式。
type Mode string

const (
	ModeDebate     Mode = "debate"     // 辩论：双方辩手 + 裁判
	ModeConference Mode = "conference" // 会议：学生 + 导师
)

// PolicyName 轮次策略名。
type PolicyName string

const (
	PolicySequential   PolicyName = "sequential"
	PolicyUnifiedRatio PolicyName = "unified_ratio"
)

// SessionStatus 单次发言在流水线中的阶段标记。
type SessionStatus string

const (
	StatusStarted SessionStatus = "started" // resume 后首个片段
	StatusOngoing SessionStatus = "ongoing"
	StatusEnded   SessionStatus = "ended" // LM 流关闭后的收尾片段
)

// EndStatus session_end 事件的终态。
type EndStatus string

const (
	EndCompleted EndStatus = "completed"
	EndError     EndStatus = "error"
	EndCancelled EndStatus = "cancelled"
)

// EntryKind 对话日志条目类型。
type EntryKind string

const (
	KindPrompt    EntryKind = "prompt"
	KindResponse  EntryKind = "response"
	KindModerator EntryKind = "moderator"
	KindHuman     EntryKind = "human"
	KindBundle    EntryKind = "bundle"
	KindSkipped   EntryKind = "skipped" // 纯标点片段
)

// SessionState 对外暴露的会话状态。
type SessionState string

const (
	StateIdle        SessionState = "idle"
	StateRunning     SessionState = "running"
	StateInterrupted SessionState = "interrupted"
	StateEnding      SessionState = "ending"
	StateError       SessionState = "error"
)

// HumanParticipantID 人类打断条目使用的保留参与者 ID。
const HumanParticipantID = "human"

// SupportedSampleRates 合成音频允许的采样率。
var SupportedSampleRates = map[int]bool{
	8000:  true,
	16000: true,
	22050: true,
	24000: true,
	32000: true,
}

// ParticipantConfig 单个参与者的静态配置。
type ParticipantConfig struct {
	ID           string `json:"id" yaml:"id"`       // 会话内唯一短标识，如 llm1/judge/tutor
	Role         string `json:"role" yaml:"role"`   // 展示用角色名，如 正方辩手/主持人
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	VoiceID      string `json:"voice_id,omitempty" yaml:"voice_id"`
}

// Participant 带运行时计数的参与者。仅控制器可变更计数。
type Participant struct {
	ParticipantConfig
	WordCount  int `json:"word_count"`
	Utterances int `json:"utterances"`
}

// SessionConfig 启动一次会话所需的全部配置。
type SessionConfig struct {
	SessionID     string              `json:"session_id" yaml:"session_id"`
	Topic         string              `json:"topic" yaml:"topic"`
	Participants  []ParticipantConfig `json:"participants" yaml:"participants"`
	Mode          Mode                `json:"mode" yaml:"mode"`
	Policy        PolicyName          `json:"policy" yaml:"policy"`
	RoundsPlanned int                 `json:"rounds_planned" yaml:"rounds_planned"`
	PriorityID    string              `json:"priority_id,omitempty" yaml:"priority_id"` // 主持人/导师
	SampleRate    int                 `json:"sample_rate" yaml:"sample_rate"`
	TurnTimeout   time.Duration       `json:"turn_timeout" yaml:"turn_timeout"` // 单轮 LM 超时
}

// Validate 校验配置。失败时会话不得进入 Opening。
func (c *SessionConfig) Validate() error {
	if len(c.Participants) < 2 || len(c.Participants) > MaxParticipantsPerRound {
		return NewError(ErrCodeInvalidConfig, StageConfig,
			fmt.Sprintf("participant count %d out of range [2, %d]", len(c.Participants), MaxParticipantsPerRound))
	}
	seen := make(map[string]bool, len(c.Participants))
	for _, p := range c.Participants {
		if p.ID == "" {
			return NewError(ErrCodeInvalidConfig, StageConfig, "participant id must not be empty")
		}
		if p.ID == HumanParticipantID {
			return NewError(ErrCodeInvalidConfig, StageConfig, `participant id "human" is reserved`)
		}
		if seen[p.ID] {
			return NewError(ErrCodeInvalidConfig, StageConfig, "duplicate participant id: "+p.ID)
		}
		seen[p.ID] = true
	}
	if c.PriorityID != "" && !seen[c.PriorityID] {
		return NewError(ErrCodeInvalidConfig, StageConfig, "priority participant not in roster: "+c.PriorityID)
	}
	switch c.Mode {
	case ModeDebate, ModeConference:
	default:
		return NewError(ErrCodeInvalidConfig, StageConfig, "unknown mode: "+string(c.Mode))
	}
	switch c.Policy {
	case PolicySequential, PolicyUnifiedRatio:
	default:
		return NewError(ErrCodeInvalidConfig, StageConfig, "unknown policy: "+string(c.Policy))
	}
	if c.RoundsPlanned < 0 || c.RoundsPlanned > MaxRounds {
		return NewError(ErrCodeInvalidConfig, StageConfig,
			fmt.Sprintf("rounds_planned %d out of range [0, %d]", c.RoundsPlanned, MaxRounds))
	}
	if c.SampleRate != 0 && !SupportedSampleRates[c.SampleRate] {
		return NewError(ErrCodeInvalidConfig, StageConfig,
			fmt.Sprintf("unsupported sample rate: %d", c.SampleRate))
	}
	return nil
}

// ApplyDefaults 填充缺省值。
func (c *SessionConfig) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDebate
	}
	if c.Policy == "" {
		c.Policy = PolicySequential
	}
	if c.SampleRate == 0 {
		c.SampleRate = 32000
	}
	if c.TurnTimeout == 0 {
		c.TurnTimeout = 60 * time.Second
	}
}

// ParticipantIndex 返回参与者在 roster 中的插入序索引，未找到时为 -1。
func (c *SessionConfig) ParticipantIndex(id string) int {
	for i, p := range c.Participants {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Utterance 对话日志中的一条发言。追加写入，生成后不再改写。
type Utterance struct {
	EQI         EQI        `json:"eqi"`
	Participant string     `json:"participant"`
	Role        string     `json:"role"`
	Text        string     `json:"text"`
	Kind        EntryKind  `json:"kind"`
	ProducedAt  time.Time  `json:"produced_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Err         string     `json:"error,omitempty"`
}
