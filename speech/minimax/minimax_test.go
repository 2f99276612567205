package minimax

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mofa-org/mofa-fm-sub000/speech"
)

func pcm16Hex(samples []int16) string {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return hex.EncodeToString(raw)
}

// newTTSServer 模拟 MiniMax T2A 协议：握手、task_start 应答，
// 对每个 task_continue 返回若干音频分片并以 is_final 收尾。
func newTTSServer(t *testing.T, chunks [][]int16) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()

		send := func(v any) bool {
			data, _ := json.Marshal(v)
			return conn.Write(ctx, websocket.MessageText, data) == nil
		}
		if !send(map[string]any{"event": "connected_success"}) {
			return
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				return
			}
			switch msg["event"] {
			case "task_start":
				voice := msg["voice_setting"].(map[string]any)
				assert.Equal(t, "voice-1", voice["voice_id"])
				send(map[string]any{"event": "task_started"})
			case "task_continue":
				for _, chunk := range chunks {
					send(map[string]any{"data": map[string]any{"audio": pcm16Hex(chunk)}})
				}
				send(map[string]any{"is_final": true, "data": map[string]any{"audio": ""}})
			case "task_finish":
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_SynthesizeStreamsNormalizedPCM(t *testing.T) {
	srv := newTTSServer(t, [][]int16{
		{0, 16384, -16384},
		{32767, -32768},
	})

	c := New(Config{APIKey: "test-key", URL: wsURL(srv), BatchDuration: time.Millisecond}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx, speech.Params{VoiceID: "voice-1"}))
	defer c.Close()

	ch, err := c.Synthesize(ctx, "你好。")
	require.NoError(t, err)

	var got []float32
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		assert.Equal(t, 32000, chunk.SampleRate)
		got = append(got, chunk.PCM...)
	}
	require.Len(t, got, 5)
	assert.InDelta(t, 0.0, got[0], 1e-6)
	assert.InDelta(t, 0.5, got[1], 1e-6)
	assert.InDelta(t, -0.5, got[2], 1e-6)
	assert.InDelta(t, 1.0, got[3], 1e-4)
	assert.InDelta(t, -1.0, got[4], 1e-6)
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	srv := newTTSServer(t, nil)

	c := New(Config{APIKey: "test-key", URL: wsURL(srv)}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx, speech.Params{VoiceID: "voice-1"}))
	require.NoError(t, c.Connect(ctx, speech.Params{VoiceID: "voice-1"}))
	require.NoError(t, c.Close())
}

func TestClient_SynthesizeRequiresConnect(t *testing.T) {
	c := New(Config{APIKey: "test-key"}, nil)
	_, err := c.Synthesize(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestClient_RejectsInvalidParams(t *testing.T) {
	c := New(Config{APIKey: "test-key"}, nil)
	err := c.Connect(context.Background(), speech.Params{VoiceID: "v", SampleRate: 44100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample rate")
}

func TestClient_ServerErrorInvalidatesConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()
		send := func(v any) {
			data, _ := json.Marshal(v)
			conn.Write(ctx, websocket.MessageText, data)
		}
		send(map[string]any{"event": "connected_success"})
		conn.Read(ctx)
		send(map[string]any{"event": "task_started"})
		conn.Read(ctx)
		send(map[string]any{"base_resp": map[string]any{"status_code": 1004, "status_msg": "unauthorized"}})
	}))
	t.Cleanup(srv.Close)

	c := New(Config{APIKey: "test-key", URL: wsURL(srv)}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx, speech.Params{VoiceID: "voice-1"}))
	ch, err := c.Synthesize(ctx, "text")
	require.NoError(t, err)

	var last speech.Chunk
	for chunk := range ch {
		last = chunk
	}
	require.Error(t, last.Err)
	assert.Contains(t, last.Err.Error(), "1004")

	// 连接失效后需要重新 Connect
	_, err = c.Synthesize(ctx, "again")
	require.Error(t, err)
}

func TestDecodePCM16Hex(t *testing.T) {
	_, err := decodePCM16Hex("abc")
	require.Error(t, err)

	out, err := decodePCM16Hex(pcm16Hex([]int16{8192}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.25, out[0], 1e-6)
}
