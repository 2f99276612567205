package conference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mixerHarness struct {
	t     *testing.T
	bus   *Bus
	mixer *Mixer
	sub   *Subscription
	done  chan error
}

func newMixerHarness(t *testing.T) *mixerHarness {
	t.Helper()
	bus := NewBus(zap.NewNop())
	m := NewMixer(MixerConfig{
		SessionID:      "s-mix",
		Capacity:       time.Second,
		SampleRate:     16000,
		StatusInterval: 50 * time.Millisecond,
	}, bus, zap.NewNop())
	return &mixerHarness{
		t:     t,
		bus:   bus,
		mixer: m,
		sub:   bus.Subscribe(128, EventAudioComplete, EventSessionStart, EventBufferStatus),
		done:  make(chan error, 1),
	}
}

func (h *mixerHarness) start(ctx context.Context) {
	go func() { h.done <- h.mixer.Run(ctx) }()
}

func (h *mixerHarness) chunk(ctx context.Context, participant string, eqi EQI, n int) {
	h.t.Helper()
	require.NoError(h.t, h.bus.Publish(ctx, &AudioChunkEvent{
		Participant: participant,
		PCM:         make([]float32, n),
		SampleRate:  16000,
		EQI:         eqi,
		Status:      StatusOngoing,
		SessionID:   "s-mix",
		At:          time.Now(),
	}))
}

// waitComplete 等待下一条 audio_complete。
func (h *mixerHarness) waitComplete(timeout time.Duration) *AudioCompleteEvent {
	h.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			h.t.Fatal("no audio_complete")
			return nil
		case ev, ok := <-h.sub.C():
			require.True(h.t, ok)
			if e, ok := ev.(*AudioCompleteEvent); ok {
				return e
			}
		}
	}
}

func TestMixer_WritesChunksAndAcks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newMixerHarness(t)
	h.start(ctx)

	eqi := MustEncodeEQI(0, 0, 2)
	h.chunk(ctx, "llm1", eqi, 800)
	ack := h.waitComplete(2 * time.Second)
	assert.Equal(t, "llm1", ack.Participant)
	assert.Equal(t, eqi, ack.EQI)

	// 样本已入缓冲
	assert.Eventually(t, func() bool {
		return h.mixer.Stats().AvailableSamples == 800
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-h.done
}

// 订阅在构造期注册：Run 启动前发布的音频块照常入缓冲。
func TestMixer_ChunkBeforeRunIsDelivered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newMixerHarness(t)

	eqi := MustEncodeEQI(0, 0, 1)
	h.chunk(ctx, "llm1", eqi, 300)
	h.start(ctx)

	ack := h.waitComplete(2 * time.Second)
	assert.Equal(t, eqi, ack.EQI)
	assert.Eventually(t, func() bool {
		return h.mixer.Stats().AvailableSamples == 300
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-h.done
}

func TestMixer_SmartResetFiltersByQuestionID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newMixerHarness(t)
	h.start(ctx)

	oldQ := EQI(42)
	newQ := EQI(43)

	h.chunk(ctx, "llm1", oldQ, 100)
	h.waitComplete(2 * time.Second)

	// 智能重置：清空缓冲并只放行新问题的音频
	q := newQ
	require.NoError(t, h.bus.Publish(ctx, &ControlEvent{
		Command: CommandReset, QuestionID: &q, At: time.Now(),
	}))
	assert.Eventually(t, func() bool {
		return h.mixer.Stats().AvailableSamples == 0
	}, time.Second, 10*time.Millisecond)

	// 旧问题的块被丢弃：不产生 audio_complete，也不写入
	h.chunk(ctx, "llm1", oldQ, 100)
	// 新问题的首块解除过滤
	h.chunk(ctx, "llm2", newQ, 200)

	ack := h.waitComplete(2 * time.Second)
	assert.Equal(t, newQ, ack.EQI)
	assert.Equal(t, "llm2", ack.Participant)
	assert.Eventually(t, func() bool {
		return h.mixer.Stats().AvailableSamples == 200
	}, time.Second, 10*time.Millisecond)

	// 过滤解除后旧问题的块也照常通过（过滤只到首个匹配块为止）
	h.chunk(ctx, "llm1", oldQ, 50)
	ack = h.waitComplete(2 * time.Second)
	assert.Equal(t, oldQ, ack.EQI)

	cancel()
	<-h.done
}

func TestMixer_SessionStartOncePerUtterance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newMixerHarness(t)
	h.start(ctx)

	eqi1 := MustEncodeEQI(0, 0, 2)
	eqi2 := MustEncodeEQI(0, 1, 2)
	h.chunk(ctx, "llm1", eqi1, 10)
	h.chunk(ctx, "llm1", eqi1, 10)
	h.chunk(ctx, "llm2", eqi2, 10)

	var starts []EQI
	var acks int
	deadline := time.After(2 * time.Second)
	for acks < 3 {
		select {
		case <-deadline:
			t.Fatal("missing events")
		case ev, ok := <-h.sub.C():
			require.True(t, ok)
			switch e := ev.(type) {
			case *SessionStartEvent:
				starts = append(starts, e.EQI)
			case *AudioCompleteEvent:
				acks++
			}
		}
	}
	assert.Equal(t, []EQI{eqi1, eqi2}, starts)

	cancel()
	<-h.done
}

func TestMixer_PublishesBufferStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newMixerHarness(t)
	h.start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("no buffer_status within 2s")
		case ev, ok := <-h.sub.C():
			require.True(t, ok)
			if e, ok := ev.(*BufferStatusEvent); ok {
				assert.GreaterOrEqual(t, e.FillPct, 0.0)
				cancel()
				<-h.done
				return
			}
		}
	}
}

func TestMixer_ReadDrainsBuffer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newMixerHarness(t)
	h.start(ctx)

	h.chunk(ctx, "llm1", MustEncodeEQI(0, 0, 1), 500)
	h.waitComplete(2 * time.Second)

	out := make([]float32, 500)
	assert.Eventually(t, func() bool {
		return h.mixer.Stats().AvailableSamples == 500
	}, time.Second, 10*time.Millisecond)
	got := h.mixer.Read(out)
	assert.Equal(t, 500, got)
	assert.Zero(t, h.mixer.Stats().AvailableSamples)

	cancel()
	<-h.done
}
