package conference

import (
	"context"
	"fmt"

	"github.com/mofa-org/mofa-fm-sub000/llm"
	"github.com/mofa-org/mofa-fm-sub000/speech"
)

// fakeLM 回调式 LM 桩。
type fakeLM struct {
	name     string
	streamFn func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)
}

func (f *fakeLM) Name() string {
	if f.name == "" {
		return "fake-lm"
	}
	return f.name
}

func (f *fakeLM) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *fakeLM) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return f.streamFn(ctx, req)
}

// scriptedLM 按固定增量输出文本后正常关流。
func scriptedLM(deltas ...string) *fakeLM {
	return &fakeLM{streamFn: func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk)
		go func() {
			defer close(ch)
			for _, d := range deltas {
				select {
				case <-ctx.Done():
					return
				case ch <- llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: d}}:
				}
			}
		}()
		return ch, nil
	}}
}

// fakeTTS 回调式 TTS 桩。缺省把每个字符合成为一个采样点。
type fakeTTS struct {
	connectErr error
	connects   int
	closed     bool
	synthFn    func(ctx context.Context, text string) (<-chan speech.Chunk, error)
}

func (f *fakeTTS) Name() string { return "fake-tts" }

func (f *fakeTTS) Connect(ctx context.Context, params speech.Params) error {
	f.connects++
	return f.connectErr
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) (<-chan speech.Chunk, error) {
	if f.synthFn != nil {
		return f.synthFn(ctx, text)
	}
	ch := make(chan speech.Chunk, 1)
	ch <- speech.Chunk{PCM: make([]float32, len([]rune(text))), SampleRate: 32000}
	close(ch)
	return ch, nil
}

func (f *fakeTTS) Close() error {
	f.closed = true
	return nil
}
