// Package minimax 实现 MiniMax T2A 流式语音合成的 WebSocket 客户端。
//
// 协议：携带 Bearer 鉴权建连，收到 connected_success 后发送 task_start
// 协商声音与音频参数，收到 task_started 进入就绪态。之后每段文本通过
// task_continue 下发，服务端以十六进制编码的 PCM16 分片返回，
// is_final 标记该段结束。关闭前发送 task_finish。
package minimax

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/mofa-org/mofa-fm-sub000/speech"
)

const (
	// DefaultURL MiniMax T2A WebSocket 地址。
	DefaultURL = "wss://api.minimax.io/ws/v1/t2a_v2"
	// DefaultModel 未指定模型时使用。
	DefaultModel = "speech-2.5-hd-preview"

	defaultBitrate = 128000
	defaultBatch   = 2 * time.Second
)

// Config MiniMax 客户端配置。
type Config struct {
	APIKey string `yaml:"api_key"`
	URL    string `yaml:"url"`
	// BatchDuration 音频分片聚批时长，避免下游收到过碎的片。
	BatchDuration time.Duration `yaml:"batch_duration"`
	// EnglishNormalization 开启英文文本归一化。
	EnglishNormalization bool `yaml:"english_normalization"`
}

// Client 实现 speech.Provider。非并发安全，单个参与者独占一个实例。
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	params speech.Params
	ready  bool
}

// New 创建客户端。logger 为 nil 时使用 zap.NewNop()。
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.BatchDuration == 0 {
		cfg.BatchDuration = defaultBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "speech.minimax")),
	}
}

func (c *Client) Name() string { return "minimax" }

type serverEvent struct {
	Event   string `json:"event"`
	IsFinal bool   `json:"is_final"`
	Data    struct {
		Audio string `json:"audio"`
	} `json:"data"`
	BaseResp struct {
		StatusCode int    `json:"status_code"`
		StatusMsg  string `json:"status_msg"`
	} `json:"base_resp"`
}

// Connect 建连并完成 task_start 协商。已就绪时为空操作。
func (c *Client) Connect(ctx context.Context, params speech.Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}
	if c.cfg.APIKey == "" {
		return fmt.Errorf("minimax: api key not configured")
	}
	params.ApplyDefaults()
	if params.Model == "" {
		params.Model = DefaultModel
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("minimax: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("minimax: dial: %w", err)
	}
	// 合成分片可能很大
	conn.SetReadLimit(16 << 20)

	ev, err := readEvent(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("minimax: handshake: %w", err)
	}
	if ev.Event != "connected_success" {
		conn.Close(websocket.StatusProtocolError, "unexpected handshake event")
		return fmt.Errorf("minimax: handshake: unexpected event %q (%s)", ev.Event, ev.BaseResp.StatusMsg)
	}

	start := map[string]any{
		"event": "task_start",
		"model": params.Model,
		"voice_setting": map[string]any{
			"voice_id":              params.VoiceID,
			"speed":                 params.Speed,
			"vol":                   params.Volume,
			"pitch":                 params.Pitch,
			"english_normalization": c.cfg.EnglishNormalization,
		},
		"audio_setting": map[string]any{
			"sample_rate": params.SampleRate,
			"bitrate":     defaultBitrate,
			"format":      "pcm",
			"channel":     1,
		},
	}
	if err := writeJSON(ctx, conn, start); err != nil {
		conn.Close(websocket.StatusInternalError, "task_start failed")
		return fmt.Errorf("minimax: task_start: %w", err)
	}
	ev, err = readEvent(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "task_start failed")
		return fmt.Errorf("minimax: task_start: %w", err)
	}
	if ev.Event != "task_started" {
		conn.Close(websocket.StatusProtocolError, "task not started")
		return fmt.Errorf("minimax: task_start rejected: %q (%s)", ev.Event, ev.BaseResp.StatusMsg)
	}

	c.conn = conn
	c.params = params
	c.ready = true
	c.logger.Info("minimax connected",
		zap.String("voice_id", params.VoiceID),
		zap.Int("sample_rate", params.SampleRate))
	return nil
}

// Synthesize 下发一段文本并流式返回 PCM。通道在该段合成完毕后关闭。
func (c *Client) Synthesize(ctx context.Context, text string) (<-chan speech.Chunk, error) {
	c.mu.Lock()
	conn, ready := c.conn, c.ready
	params := c.params
	c.mu.Unlock()
	if !ready || conn == nil {
		return nil, fmt.Errorf("minimax: not connected")
	}

	if err := writeJSON(ctx, conn, map[string]any{"event": "task_continue", "text": text}); err != nil {
		c.invalidate()
		return nil, fmt.Errorf("minimax: task_continue: %w", err)
	}

	out := make(chan speech.Chunk)
	go func() {
		defer close(out)
		batchSamples := int(float64(params.SampleRate) * c.cfg.BatchDuration.Seconds())
		var batch []float32

		flush := func() bool {
			if len(batch) == 0 {
				return true
			}
			chunk := speech.Chunk{PCM: batch, SampleRate: params.SampleRate}
			batch = nil
			select {
			case <-ctx.Done():
				return false
			case out <- chunk:
				return true
			}
		}

		for {
			ev, err := readEvent(ctx, conn)
			if err != nil {
				c.invalidate()
				select {
				case <-ctx.Done():
				case out <- speech.Chunk{Err: fmt.Errorf("minimax: read: %w", err)}:
				}
				return
			}
			if ev.BaseResp.StatusCode != 0 {
				c.invalidate()
				select {
				case <-ctx.Done():
				case out <- speech.Chunk{Err: fmt.Errorf("minimax: server error %d: %s",
					ev.BaseResp.StatusCode, ev.BaseResp.StatusMsg)}:
				}
				return
			}

			if ev.Data.Audio != "" {
				pcm, err := decodePCM16Hex(ev.Data.Audio)
				if err != nil {
					c.invalidate()
					select {
					case <-ctx.Done():
					case out <- speech.Chunk{Err: fmt.Errorf("minimax: decode audio: %w", err)}:
					}
					return
				}
				batch = append(batch, pcm...)
				if len(batch) >= batchSamples {
					if !flush() {
						return
					}
				}
			}
			if ev.IsFinal {
				flush()
				return
			}
		}
	}()
	return out, nil
}

// Close 发送 task_finish 并关闭连接。
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	// 尽力通知收尾，失败也继续关闭
	_ = writeJSON(ctx, c.conn, map[string]any{"event": "task_finish"})
	err := c.conn.Close(websocket.StatusNormalClosure, "closing")
	c.conn = nil
	c.ready = false
	return err
}

// invalidate 标记连接失效，下一次 Synthesize 前需重新 Connect。
func (c *Client) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusInternalError, "stream error")
		c.conn = nil
	}
	c.ready = false
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readEvent(ctx context.Context, conn *websocket.Conn) (*serverEvent, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// decodePCM16Hex 将十六进制编码的 PCM16LE 解为归一化 float32。
func decodePCM16Hex(s string) ([]float32, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("odd pcm16 payload length %d", len(raw))
	}
	out := make([]float32, len(raw)/2)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		out[i] = float32(sample) / 32768.0
	}
	return out, nil
}
