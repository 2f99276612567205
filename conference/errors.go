package conference

import (
	"errors"
	"fmt"
)

// 统一的会话错误码，用于对齐外部状态上报与降级策略。
type ErrorCode string

const (
	ErrCodeInvalidConfig     ErrorCode = "CONF_INVALID_CONFIG"     // 会话配置非法，start 阶段拒绝
	ErrCodeTransport         ErrorCode = "CONF_TRANSPORT"          // LM/TTS 连接失败
	ErrCodePolicyStall       ErrorCode = "CONF_POLICY_STALL"       // 背压已解除仍无可选发言者，致命
	ErrCodeBufferSaturation  ErrorCode = "CONF_BUFFER_SATURATION"  // 缓冲区持续饱和
	ErrCodeProtocolViolation ErrorCode = "CONF_PROTOCOL_VIOLATION" // session_end 无匹配 EQI 或乱序
	ErrCodeCancelled         ErrorCode = "CONF_CANCELLED"          // 预期内取消，非错误
	ErrCodeTimeout           ErrorCode = "CONF_TIMEOUT"            // 单轮超时
)

// ErrorStage 标记错误发生的阶段，随 session_end 与 session_status 一起对外暴露。
type ErrorStage string

const (
	StageLLM        ErrorStage = "llm"
	StageTTS        ErrorStage = "tts"
	StageSynthesis  ErrorStage = "synthesis"
	StagePolicy     ErrorStage = "policy"
	StageConfig     ErrorStage = "config"
	StageController ErrorStage = "controller"
	StageBridge     ErrorStage = "bridge"
	StageStore      ErrorStage = "store"
)

// ErrNoEligibleSpeaker 表示策略在空的候选集上被调用。
// 背压未解除时控制器会等待而非报错；背压已解除时升级为 PolicyStall。
var ErrNoEligibleSpeaker = errors.New("no eligible speaker")

// Error 是带错误码与阶段标记的结构化错误。
type Error struct {
	Code    ErrorCode  `json:"code"`
	Stage   ErrorStage `json:"stage,omitempty"`
	Message string     `json:"message"`
	Cause   error      `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError 创建结构化错误。
func NewError(code ErrorCode, stage ErrorStage, message string) *Error {
	return &Error{Code: code, Stage: stage, Message: message}
}

// WithCause 附加底层错误。
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// IsFatal 报告错误是否应终止整个会话。
// 单个发言轮次内的 LM/TTS 错误会被计为完成，不属于致命错误。
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case ErrCodePolicyStall, ErrCodeInvalidConfig:
			return true
		}
		return e.Stage == StageController
	}
	return false
}
