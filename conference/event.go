package conference

import (
	"time"
)

// EventType 事件类型。
type EventType string

const (
	EventTextDelta     EventType = "text_delta"     // LM 流式输出增量
	EventSegment       EventType = "segment"        // 切分后的待合成片段
	EventAudioChunk    EventType = "audio_chunk"    // 合成器产出的 PCM 块
	EventAudioComplete EventType = "audio_complete" // 混音器收到一块音频
	EventSessionStart  EventType = "session_start"  // 新发言会话的首块音频
	EventSessionEnd    EventType = "session_end"    // 一次发言的唯一终态信号
	EventBufferStatus  EventType = "buffer_status"  // 环形缓冲区占用（背压信号）
	EventDialogue      EventType = "dialogue_entry" // 对话日志条目
	EventControl       EventType = "control"        // resume/reset/cancel/stop/human
	EventSessionStatus EventType = "session_status" // 对外会话状态
	EventHeartbeat     EventType = "heartbeat"      // 节点心跳
)

// ControlCommand 控制命令。
type ControlCommand string

const (
	CommandResume    ControlCommand = "resume"
	CommandReset     ControlCommand = "reset"
	CommandCancel    ControlCommand = "cancel"
	CommandStop      ControlCommand = "stop"
	CommandHuman     ControlCommand = "human"
	CommandHumanHint ControlCommand = "human_hint" // 打断门 → 控制器：下一发言需回应人类
)

// Event 事件接口。所有节点间通信都经由事件总线传递事件。
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// TextDeltaEvent LM 流式文本增量。
type TextDeltaEvent struct {
	Participant string
	Text        string
	EQI         EQI
	At          time.Time
}

func (e *TextDeltaEvent) Type() EventType      { return EventTextDelta }
func (e *TextDeltaEvent) Timestamp() time.Time { return e.At }

// SegmentEvent 切分器产出的完整片段，携带发言阶段标记。
type SegmentEvent struct {
	Participant string
	Text        string
	EQI         EQI
	Status      SessionStatus
	Kind        EntryKind // 纯标点片段为 KindSkipped
	SessionID   string
	At          time.Time
}

func (e *SegmentEvent) Type() EventType      { return EventSegment }
func (e *SegmentEvent) Timestamp() time.Time { return e.At }

// AudioChunkEvent 合成器产出的一块单声道 PCM。
type AudioChunkEvent struct {
	Participant string
	PCM         []float32
	SampleRate  int
	Duration    time.Duration
	EQI         EQI
	Status      SessionStatus
	SessionID   string
	At          time.Time
}

func (e *AudioChunkEvent) Type() EventType      { return EventAudioChunk }
func (e *AudioChunkEvent) Timestamp() time.Time { return e.At }

// AudioCompleteEvent 混音器每收到一块音频立即回发的流控信号。
type AudioCompleteEvent struct {
	Participant string
	EQI         EQI
	Status      SessionStatus
	SessionID   string
	At          time.Time
}

func (e *AudioCompleteEvent) Type() EventType      { return EventAudioComplete }
func (e *AudioCompleteEvent) Timestamp() time.Time { return e.At }

// SessionStartEvent 某个 session_id 的首块音频到达。
type SessionStartEvent struct {
	Participant string
	EQI         EQI
	SessionID   string
	At          time.Time
}

func (e *SessionStartEvent) Type() EventType      { return EventSessionStart }
func (e *SessionStartEvent) Timestamp() time.Time { return e.At }

// SessionEndEvent 一次发言的终态。每个 resume 恰好对应一个该事件，
// 无论成功、出错还是取消；控制器的活性依赖这一约定。
type SessionEndEvent struct {
	Participant string
	EQI         EQI
	Status      EndStatus
	SessionID   string
	RequestID   string
	Err         string
	Stage       ErrorStage
	At          time.Time
}

func (e *SessionEndEvent) Type() EventType      { return EventSessionEnd }
func (e *SessionEndEvent) Timestamp() time.Time { return e.At }

// BufferStatusEvent 环形缓冲区状态，≥1Hz 节奏发出，用作背压信号。
type BufferStatusEvent struct {
	FillPct          float64
	AvailableSeconds float64
	Overruns         uint64
	Underruns        uint64
	At               time.Time
}

func (e *BufferStatusEvent) Type() EventType      { return EventBufferStatus }
func (e *BufferStatusEvent) Timestamp() time.Time { return e.At }

// DialogueEvent 对话日志条目，供 UI 消费，也是桥接器积累上下文的来源。
type DialogueEvent struct {
	Participant string
	Role        string
	Content     string
	Kind        EntryKind
	EQI         EQI
	At          time.Time
}

func (e *DialogueEvent) Type() EventType      { return EventDialogue }
func (e *DialogueEvent) Timestamp() time.Time { return e.At }

// ControlEvent 控制命令。Target 为空表示广播。
type ControlEvent struct {
	Command    ControlCommand
	Target     string // 目标参与者，空为广播
	EQI        EQI    // resume 携带的新 EQI
	QuestionID *EQI   // reset/cancel 可选携带的问题 ID
	Text       string // human 携带的打断文本；resume 携带待回应的提问
	Opening    bool   // resume：主持人开场
	Closing    bool   // resume：主持人收尾
	At         time.Time
}

func (e *ControlEvent) Type() EventType      { return EventControl }
func (e *ControlEvent) Timestamp() time.Time { return e.At }

// SessionStatusEvent 对外会话状态。
type SessionStatusEvent struct {
	State     SessionState
	SessionID string
	Round     int
	Err       string
	Stage     ErrorStage
	At        time.Time
}

func (e *SessionStatusEvent) Type() EventType      { return EventSessionStatus }
func (e *SessionStatusEvent) Timestamp() time.Time { return e.At }

// HeartbeatEvent 节点心跳，监督器的死人开关依赖它。
type HeartbeatEvent struct {
	Node string
	At   time.Time
}

func (e *HeartbeatEvent) Type() EventType      { return EventHeartbeat }
func (e *HeartbeatEvent) Timestamp() time.Time { return e.At }
