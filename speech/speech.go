// Package speech 定义流式语音合成的统一接口。具体厂商实现位于子包
// （如 minimax）。合成输出是归一化到 [-1, 1] 的单声道 float32 PCM。
package speech

import (
	"context"
	"fmt"
)

// Chunk 一段合成音频。流以通道关闭结束，错误通过 Err 随片下发。
type Chunk struct {
	PCM        []float32
	SampleRate int
	Err        error
}

// Duration 返回该片的时长（秒）。
func (c Chunk) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.PCM)) / float64(c.SampleRate)
}

// Params 建立合成通道时协商的声音与音频参数。
type Params struct {
	Model      string  `yaml:"model"`
	VoiceID    string  `yaml:"voice_id"`
	Speed      float64 `yaml:"speed"`   // 0.5~2.0
	Volume     float64 `yaml:"volume"`  // 0~2.0
	Pitch      int     `yaml:"pitch"`   // -12~12
	SampleRate int     `yaml:"sample_rate"`
}

// Validate 校验参数范围。
func (p *Params) Validate() error {
	if p.VoiceID == "" {
		return fmt.Errorf("voice_id is required")
	}
	switch p.SampleRate {
	case 8000, 16000, 24000, 32000:
	default:
		return fmt.Errorf("unsupported sample rate: %d", p.SampleRate)
	}
	if p.Speed < 0.5 || p.Speed > 2.0 {
		return fmt.Errorf("speed %v out of range [0.5, 2.0]", p.Speed)
	}
	if p.Volume < 0 || p.Volume > 2.0 {
		return fmt.Errorf("volume %v out of range [0, 2.0]", p.Volume)
	}
	if p.Pitch < -12 || p.Pitch > 12 {
		return fmt.Errorf("pitch %d out of range [-12, 12]", p.Pitch)
	}
	return nil
}

// ApplyDefaults 填充缺省值。VoiceID 没有缺省，必须显式配置。
func (p *Params) ApplyDefaults() {
	if p.Speed == 0 {
		p.Speed = 1.0
	}
	if p.Volume == 0 {
		p.Volume = 1.0
	}
	if p.SampleRate == 0 {
		p.SampleRate = 32000
	}
}

// Provider 流式 TTS 客户端。
//
// Connect 建立传输并协商参数，可重复调用（已连接时为空操作）。
// Synthesize 将一段文本转为 PCM 流，通道在该段合成完毕后关闭；
// 同一连接上的调用必须串行。传输错误后连接失效，下一次
// Synthesize 前需重新 Connect。
type Provider interface {
	Name() string
	Connect(ctx context.Context, params Params) error
	Synthesize(ctx context.Context, text string) (<-chan Chunk, error)
	Close() error
}
