package conference

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mofa-org/mofa-fm-sub000/internal/ringbuf"
)

// MixerConfig 混音器配置。
type MixerConfig struct {
	SessionID string
	// Capacity 环形缓冲区容量（秒）。
	Capacity time.Duration
	// SampleRate 初始播放采样率，块声明的采样率不同时切换。
	SampleRate int
	// StatusInterval buffer_status 发布节奏，缺省 1s。
	StatusInterval time.Duration
}

// Mixer 音频混音节点。
//
// 按到达顺序把各参与者的 PCM 块写入环形缓冲区（FIFO，不做交织）。
// 智能重置后按 question_id 过滤来块：清空缓冲区，丢弃不匹配的块，
// 首个匹配块到达时解除过滤。每收到一块回发 audio_complete，新发言
// 的首块回发 session_start，并按固定节奏发布 buffer_status 作为
// 背压信号。
type Mixer struct {
	cfg    MixerConfig
	bus    *Bus
	sub    *Subscription
	buf    *ringbuf.Buffer
	logger *zap.Logger

	filter      *EQI
	sampleRate  int
	lastEQI     EQI
	hasLast     bool
	dropped     uint64
	statusLimit *rate.Limiter
}

// NewMixer 创建混音节点。
func NewMixer(cfg MixerConfig, bus *Bus, logger *zap.Logger) *Mixer {
	if cfg.Capacity == 0 {
		cfg.Capacity = 30 * time.Second
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 32000
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := int(cfg.Capacity.Seconds() * float64(cfg.SampleRate))
	return &Mixer{
		cfg:         cfg,
		bus:         bus,
		sub:         bus.Subscribe(DefaultSubscriptionBuffer, EventAudioChunk, EventControl),
		buf:         ringbuf.NewWithCapacity(capacity, cfg.SampleRate),
		logger:      logger.With(zap.String("component", "mixer")),
		sampleRate:  cfg.SampleRate,
		statusLimit: rate.NewLimiter(rate.Every(cfg.StatusInterval), 1),
	}
}

// Read 从环形缓冲区读出 len(out) 个样本，不足时尾部补零。
// 供外层播放/采集调用，与混音循环并发安全。
func (m *Mixer) Read(out []float32) int {
	return m.buf.Read(out)
}

// Stats 返回环形缓冲区的即时状态。
func (m *Mixer) Stats() ringbuf.Stats {
	return m.buf.Stats()
}

// Run 事件循环，阻塞直到 ctx 取消或总线关闭。
// 订阅在构造期注册，Run 启动前发布的事件进入订阅缓冲不会丢失。
func (m *Mixer) Run(ctx context.Context) error {
	defer m.bus.Unsubscribe(m.sub)

	status := time.NewTicker(m.cfg.StatusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-status.C:
			if m.statusLimit.Allow() {
				m.publishStatus(ctx)
			}
			m.bus.TryPublish(&HeartbeatEvent{Node: "mixer", At: time.Now()})
		case ev, ok := <-m.sub.C():
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case *AudioChunkEvent:
				m.handleChunk(ctx, e)
			case *ControlEvent:
				m.handleControl(e)
			}
		}
	}
}

func (m *Mixer) handleControl(e *ControlEvent) {
	switch e.Command {
	case CommandReset:
		m.buf.Reset()
		m.hasLast = false
		if e.QuestionID != nil {
			q := *e.QuestionID
			m.filter = &q
			m.logger.Info("smart reset: filtering by question id", zap.String("eqi", q.String()))
		} else {
			m.filter = nil
		}
	case CommandStop:
		m.buf.Reset()
		m.filter = nil
	}
}

func (m *Mixer) handleChunk(ctx context.Context, e *AudioChunkEvent) {
	if m.filter != nil {
		if e.EQI != *m.filter {
			m.dropped++
			return
		}
		m.filter = nil
	}

	if e.SampleRate != 0 && e.SampleRate != m.sampleRate {
		m.logger.Info("playback rate changed",
			zap.Int("from", m.sampleRate), zap.Int("to", e.SampleRate))
		m.sampleRate = e.SampleRate
		m.buf.SetSampleRate(e.SampleRate)
	}

	m.buf.Write(e.PCM)

	// 来块密集时再按同一节奏补发占用信号，背压不等下一个 tick
	if m.statusLimit.Allow() {
		m.publishStatus(ctx)
	}

	if !m.hasLast || m.lastEQI != e.EQI {
		m.lastEQI = e.EQI
		m.hasLast = true
		m.publish(ctx, &SessionStartEvent{
			Participant: e.Participant,
			EQI:         e.EQI,
			SessionID:   e.SessionID,
			At:          time.Now(),
		})
	}
	m.publish(ctx, &AudioCompleteEvent{
		Participant: e.Participant,
		EQI:         e.EQI,
		Status:      e.Status,
		SessionID:   e.SessionID,
		At:          time.Now(),
	})
}

func (m *Mixer) publishStatus(ctx context.Context) {
	st := m.buf.Stats()
	m.publish(ctx, &BufferStatusEvent{
		FillPct:          st.FillPct,
		AvailableSeconds: st.AvailableSeconds,
		Overruns:         st.Overruns,
		Underruns:        st.Underruns,
		At:               time.Now(),
	})
}

func (m *Mixer) publish(ctx context.Context, ev Event) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.bus.Publish(pctx, ev); err != nil && ctx.Err() == nil {
		m.logger.Warn("publish failed", zap.String("type", string(ev.Type())), zap.Error(err))
	}
}
