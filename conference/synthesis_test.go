package conference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mofa-org/mofa-fm-sub000/speech"
)

type synthHarness struct {
	t     *testing.T
	bus   *Bus
	tts   *fakeTTS
	synth *Synthesis
	sub   *Subscription
	done  chan error
}

func newSynthHarness(t *testing.T, tts *fakeTTS) *synthHarness {
	t.Helper()
	bus := NewBus(zap.NewNop())
	s := NewSynthesis(SynthesisConfig{
		Participant: ParticipantConfig{ID: "llm1", VoiceID: "v1"},
		SessionID:   "s-synth",
		Provider:    tts,
		Params:      speech.Params{VoiceID: "v1", SampleRate: 32000, Speed: 1, Volume: 1},
	}, bus, zap.NewNop())
	return &synthHarness{
		t:     t,
		bus:   bus,
		tts:   tts,
		synth: s,
		sub:   bus.Subscribe(256, EventAudioChunk, EventSessionEnd),
		done:  make(chan error, 1),
	}
}

func (h *synthHarness) start(ctx context.Context) {
	go func() { h.done <- h.synth.Run(ctx) }()
}

func (h *synthHarness) segment(ctx context.Context, eqi EQI, text string, status SessionStatus, kind EntryKind) {
	h.t.Helper()
	require.NoError(h.t, h.bus.Publish(ctx, &SegmentEvent{
		Participant: "llm1", Text: text, EQI: eqi,
		Status: status, Kind: kind, SessionID: "s-synth", At: time.Now(),
	}))
}

// collect 收集音频块直到出现 session_end。
func (h *synthHarness) collect(timeout time.Duration) (chunks []*AudioChunkEvent, end *SessionEndEvent) {
	h.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			h.t.Fatal("no session_end observed")
			return
		case ev, ok := <-h.sub.C():
			require.True(h.t, ok)
			switch e := ev.(type) {
			case *AudioChunkEvent:
				chunks = append(chunks, e)
			case *SessionEndEvent:
				return chunks, e
			}
		}
	}
}

func TestSynthesis_SegmentsToAudioAndCompletedEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newSynthHarness(t, &fakeTTS{})
	h.start(ctx)

	eqi := MustEncodeEQI(0, 0, 2)
	h.segment(ctx, eqi, "第一句。", StatusStarted, KindResponse)
	h.segment(ctx, eqi, "第二句。", StatusOngoing, KindResponse)
	h.segment(ctx, eqi, "结尾", StatusEnded, KindResponse)

	chunks, end := h.collect(3 * time.Second)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].PCM, len([]rune("第一句。")))
	assert.Len(t, chunks[2].PCM, len([]rune("结尾")))
	for _, c := range chunks {
		assert.Equal(t, eqi, c.EQI)
		assert.Equal(t, 32000, c.SampleRate)
	}
	require.NotNil(t, end)
	assert.Equal(t, EndCompleted, end.Status)
	assert.Equal(t, eqi, end.EQI)
	assert.NotEmpty(t, end.RequestID)

	cancel()
	<-h.done
}

func TestSynthesis_PunctuationOnlyTurnCompletesWithoutAudio(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newSynthHarness(t, &fakeTTS{})
	h.start(ctx)

	eqi := MustEncodeEQI(0, 1, 2)
	h.segment(ctx, eqi, "……", StatusStarted, KindSkipped)
	h.segment(ctx, eqi, "", StatusEnded, KindSkipped)

	chunks, end := h.collect(3 * time.Second)
	assert.Empty(t, chunks)
	require.NotNil(t, end)
	assert.Equal(t, EndCompleted, end.Status)

	cancel()
	<-h.done
}

func TestSynthesis_ProviderErrorEndsTurnAndDropsRemainder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	calls := 0
	tts := &fakeTTS{synthFn: func(ctx context.Context, text string) (<-chan speech.Chunk, error) {
		calls++
		if calls == 1 {
			ch := make(chan speech.Chunk, 1)
			ch <- speech.Chunk{Err: errors.New("ws closed")}
			close(ch)
			return ch, nil
		}
		ch := make(chan speech.Chunk, 1)
		ch <- speech.Chunk{PCM: make([]float32, 8), SampleRate: 32000}
		close(ch)
		return ch, nil
	}}
	h := newSynthHarness(t, tts)
	h.start(ctx)

	eqi := MustEncodeEQI(1, 0, 1)
	h.segment(ctx, eqi, "坏片段。", StatusStarted, KindResponse)
	h.segment(ctx, eqi, "被丢弃。", StatusOngoing, KindResponse)
	h.segment(ctx, eqi, "同样丢弃", StatusEnded, KindResponse)

	chunks, end := h.collect(3 * time.Second)
	assert.Empty(t, chunks)
	require.NotNil(t, end)
	assert.Equal(t, EndError, end.Status)
	assert.Equal(t, StageTTS, end.Stage)
	assert.Equal(t, 1, calls, "segments after the failure must not reach the provider")

	// 下一次发言自动重连并恢复合成
	firstConnects := tts.connects
	next := MustEncodeEQI(2, 0, 1)
	h.segment(ctx, next, "恢复。", StatusEnded, KindResponse)

	chunks, end = h.collect(3 * time.Second)
	require.Len(t, chunks, 1)
	assert.Equal(t, EndCompleted, end.Status)
	assert.Greater(t, tts.connects, firstConnects)

	cancel()
	<-h.done
}

func TestSynthesis_ConnectErrorEndsTurn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newSynthHarness(t, &fakeTTS{connectErr: errors.New("dial refused")})
	h.start(ctx)

	h.segment(ctx, MustEncodeEQI(0, 0, 1), "你好。", StatusEnded, KindResponse)
	chunks, end := h.collect(3 * time.Second)
	assert.Empty(t, chunks)
	require.NotNil(t, end)
	assert.Equal(t, EndError, end.Status)
	assert.Equal(t, StageTTS, end.Stage)

	cancel()
	<-h.done
}

func TestSynthesis_CancelMidTurnEmitsCancelledEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newSynthHarness(t, &fakeTTS{})
	h.start(ctx)

	eqi := MustEncodeEQI(0, 0, 2)
	h.segment(ctx, eqi, "第一句。", StatusStarted, KindResponse)

	q := eqi
	require.NoError(t, h.bus.Publish(ctx, &ControlEvent{
		Command: CommandCancel, QuestionID: &q, At: time.Now(),
	}))
	h.segment(ctx, eqi, "第二句。", StatusOngoing, KindResponse)
	h.segment(ctx, eqi, "", StatusEnded, KindResponse)

	chunks, end := h.collect(3 * time.Second)
	require.Len(t, chunks, 1, "only pre-cancel audio is emitted")
	require.NotNil(t, end)
	assert.Equal(t, EndCancelled, end.Status)

	cancel()
	<-h.done
}

func TestSynthesis_SmartResetForOtherQuestionCancelsCurrent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newSynthHarness(t, &fakeTTS{})
	h.start(ctx)

	eqi := MustEncodeEQI(0, 0, 2)
	h.segment(ctx, eqi, "第一句。", StatusStarted, KindResponse)

	other := MustEncodeEQI(0, 1, 2)
	require.NoError(t, h.bus.Publish(ctx, &ControlEvent{
		Command: CommandReset, QuestionID: &other, At: time.Now(),
	}))
	h.segment(ctx, eqi, "", StatusEnded, KindResponse)

	_, end := h.collect(3 * time.Second)
	require.NotNil(t, end)
	assert.Equal(t, EndCancelled, end.Status)

	cancel()
	<-h.done
}

// 主持人的收尾发言复用开场槽位的 EQI，仍须作为独立发言产出音频
// 与自己的终态事件。
func TestSynthesis_ClosingTurnReusesOpeningEQI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newSynthHarness(t, &fakeTTS{})
	h.start(ctx)

	eqi := MustEncodeEQI(0, 2, 3)

	// 开场发言
	h.segment(ctx, eqi, "欢迎收听本场辩论。", StatusStarted, KindResponse)
	h.segment(ctx, eqi, "", StatusEnded, KindResponse)
	chunks, end := h.collect(3 * time.Second)
	require.Len(t, chunks, 1)
	require.NotNil(t, end)
	assert.Equal(t, EndCompleted, end.Status)
	openingRequest := end.RequestID

	// 收尾发言：同一 EQI，另一次发言
	h.segment(ctx, eqi, "感谢双方的精彩论述。", StatusStarted, KindResponse)
	h.segment(ctx, eqi, "", StatusEnded, KindResponse)
	chunks, end = h.collect(3 * time.Second)
	require.Len(t, chunks, 1)
	require.NotNil(t, end)
	assert.Equal(t, EndCompleted, end.Status)
	assert.Equal(t, eqi, end.EQI)
	assert.NotEqual(t, openingRequest, end.RequestID)

	cancel()
	<-h.done
}

func TestSynthesis_ClosesProviderOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newSynthHarness(t, &fakeTTS{})
	h.start(ctx)

	cancel()
	<-h.done
	assert.True(t, h.tts.closed)
}
