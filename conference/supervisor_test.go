package conference

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mofa-org/mofa-fm-sub000/internal/metrics"
	"github.com/mofa-org/mofa-fm-sub000/llm"
	"github.com/mofa-org/mofa-fm-sub000/speech"
)

type memRecorder struct {
	mu  sync.Mutex
	rec *SessionRecord
}

func (r *memRecorder) SaveSession(ctx context.Context, rec *SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec = rec
	return nil
}

func (r *memRecorder) record() *SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec
}

type memSink struct {
	mu      sync.Mutex
	entries []Utterance
}

func (s *memSink) PublishEntry(ctx context.Context, sessionID string, entry Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memSink) all() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Utterance(nil), s.entries...)
}

func TestSupervisor_SingleRoundDebateEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	scripts := map[string]*fakeLM{
		"judge": scriptedLM("欢迎收听本场辩论。"),
		"llm1":  scriptedLM("我方认为 AI 会创造新的岗位。"),
		"llm2":  scriptedLM("我方认为替代速度远超创造速度。"),
	}
	rec := &memRecorder{}
	sink := &memSink{}

	sup, err := NewSupervisor(SupervisorConfig{
		Session:          debateConfig(1),
		HeartbeatTimeout: 10 * time.Second,
	}, Deps{
		LM:       func(p ParticipantConfig) llm.Provider { return scripts[p.ID] },
		TTS:      func(p ParticipantConfig) speech.Provider { return &fakeTTS{} },
		Recorder: rec,
		Sink:     sink,
		Metrics:  metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start(ctx))
	require.NoError(t, sup.Wait(ctx))

	saved := rec.record()
	require.NotNil(t, saved, "session must be archived after Wait")
	assert.Equal(t, "s-test", saved.SessionID)
	assert.Equal(t, StateEnding, saved.FinalState)
	assert.Empty(t, saved.FinalError)

	require.Len(t, saved.DialogueLog, 4)
	var eqis []EQI
	var speakers []string
	for _, u := range saved.DialogueLog {
		eqis = append(eqis, u.EQI)
		speakers = append(speakers, u.Participant)
	}
	assert.Equal(t, []EQI{0x0022, 0x0020, 0x0021, 0x0022}, eqis)
	assert.Equal(t, []string{"judge", "llm1", "llm2", "judge"}, speakers)
	assert.Equal(t, KindModerator, saved.DialogueLog[0].Kind)
	assert.Equal(t, KindResponse, saved.DialogueLog[1].Kind)

	// 对话条目实时外发
	assert.Len(t, sink.all(), 4)

	// 混音缓冲收到了全部音频
	assert.Greater(t, sup.BufferStats().TotalWritten, uint64(0))
	out := make([]float32, 16)
	assert.Equal(t, 16, sup.ReadAudio(out))
}

func TestSupervisor_HumanInterruptReachesNextSpeaker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	release := make(chan struct{})
	speaking := make(chan struct{})
	var speakOnce sync.Once
	blocking := &fakeLM{streamFn: func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk, 1)
		go func() {
			defer close(ch)
			ch <- llm.StreamChunk{Delta: llm.Message{Content: "第一位的发言。"}}
			speakOnce.Do(func() { close(speaking) })
			select {
			case <-ctx.Done():
			case <-release:
			}
		}()
		return ch, nil
	}}
	lms := map[string]llm.Provider{
		"llm1": blocking,
		"llm2": scriptedLM("回应听众的发言。"),
	}

	cfg := SessionConfig{
		SessionID: "s-human",
		Topic:     "测试",
		Participants: []ParticipantConfig{
			{ID: "llm1", Role: "甲"},
			{ID: "llm2", Role: "乙"},
		},
		Policy:        PolicySequential,
		RoundsPlanned: 1,
	}
	rec := &memRecorder{}
	sup, err := NewSupervisor(SupervisorConfig{
		Session:          cfg,
		HeartbeatTimeout: 10 * time.Second,
	}, Deps{
		LM:       func(p ParticipantConfig) llm.Provider { return lms[p.ID] },
		TTS:      func(p ParticipantConfig) speech.Provider { return &fakeTTS{} },
		Recorder: rec,
	})
	require.NoError(t, err)

	events := sup.Events(256, EventControl)
	require.NoError(t, sup.Start(ctx))

	<-speaking
	require.NoError(t, sup.Human(ctx, "能展开说说吗？"))
	close(release)

	// 下一次 resume 必须先做携带新 EQI 的智能重置，并把提问带给发言者
	var sawReset *ControlEvent
	deadline := time.After(10 * time.Second)
observe:
	for {
		select {
		case <-deadline:
			t.Fatal("no resume for second speaker")
		case ev, ok := <-events.C():
			require.True(t, ok)
			c, isCtl := ev.(*ControlEvent)
			if !isCtl {
				continue
			}
			switch {
			case c.Command == CommandReset && c.QuestionID != nil:
				sawReset = c
			case c.Command == CommandResume && c.Target == "llm2":
				require.NotNil(t, sawReset, "smart reset must precede the resume")
				assert.Equal(t, *sawReset.QuestionID, c.EQI)
				assert.Equal(t, "能展开说说吗？", c.Text)
				break observe
			}
		}
	}
	sup.Unsubscribe(events)

	require.NoError(t, sup.Wait(ctx))

	saved := rec.record()
	require.NotNil(t, saved)
	// 归档包含人类条目与两位发言者的发言
	var kinds []EntryKind
	for _, u := range saved.DialogueLog {
		kinds = append(kinds, u.Kind)
	}
	assert.Contains(t, kinds, KindHuman)
	assert.Len(t, saved.DialogueLog, 3)
}

func TestSupervisor_StopEndsSessionEarly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stall := &fakeLM{streamFn: func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk)
		go func() {
			defer close(ch)
			<-ctx.Done()
		}()
		return ch, nil
	}}
	rec := &memRecorder{}
	sup, err := NewSupervisor(SupervisorConfig{
		Session:          debateConfig(200),
		HeartbeatTimeout: 10 * time.Second,
	}, Deps{
		LM:       func(p ParticipantConfig) llm.Provider { return stall },
		TTS:      func(p ParticipantConfig) speech.Provider { return &fakeTTS{} },
		Recorder: rec,
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start(ctx))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, sup.Stop(ctx))
	require.NoError(t, sup.Wait(ctx))
	require.NotNil(t, rec.record())
}

func TestSupervisor_RejectsMissingFactories(t *testing.T) {
	_, err := NewSupervisor(SupervisorConfig{Session: debateConfig(1)}, Deps{})
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeInvalidConfig, ce.Code)
}

func TestSupervisor_DoubleStartFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sup, err := NewSupervisor(SupervisorConfig{
		Session:          debateConfig(0),
		HeartbeatTimeout: 10 * time.Second,
	}, Deps{
		LM:  func(p ParticipantConfig) llm.Provider { return scriptedLM("好。") },
		TTS: func(p ParticipantConfig) speech.Provider { return &fakeTTS{} },
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start(ctx))
	assert.Error(t, sup.Start(ctx))
	require.NoError(t, sup.Wait(ctx))
}
