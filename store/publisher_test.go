package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mofa-org/mofa-fm-sub000/conference"
)

func setupPublisher(t *testing.T) (*miniredis.Miniredis, *Publisher) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	p, err := NewPublisher(PublisherConfig{
		Addr:         mr.Addr(),
		StreamPrefix: "test:dialogue:",
		StreamMaxLen: 100,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return mr, p
}

func streamLen(t *testing.T, addr, key string) int64 {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: addr})
	defer c.Close()
	n, err := c.XLen(context.Background(), key).Result()
	require.NoError(t, err)
	return n
}

func utterance(eqi conference.EQI, participant, text string) conference.Utterance {
	return conference.Utterance{
		EQI:         eqi,
		Participant: participant,
		Role:        "正方辩手",
		Text:        text,
		Kind:        conference.KindResponse,
		ProducedAt:  time.Now().Truncate(time.Second),
	}
}

func TestPublisher_PublishAppendsToSessionStream(t *testing.T) {
	ctx := context.Background()
	mr, p := setupPublisher(t)

	require.NoError(t, p.PublishEntry(ctx, "s-1", utterance(0x0020, "llm1", "第一条。")))
	require.NoError(t, p.PublishEntry(ctx, "s-1", utterance(0x0021, "llm2", "第二条。")))
	require.NoError(t, p.PublishEntry(ctx, "s-2", utterance(0x0020, "llm1", "另一场。")))

	assert.EqualValues(t, 2, streamLen(t, mr.Addr(), "test:dialogue:s-1"))
	assert.EqualValues(t, 1, streamLen(t, mr.Addr(), "test:dialogue:s-2"))
}

func TestPublisher_ReadEntriesRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, p := setupPublisher(t)

	want := []conference.Utterance{
		utterance(0x0020, "llm1", "观点一。"),
		utterance(0x0021, "llm2", "观点二。"),
		utterance(0x0022, "judge", "总结。"),
	}
	for _, u := range want {
		require.NoError(t, p.PublishEntry(ctx, "s-rt", u))
	}

	got, lastID, err := p.ReadEntries(ctx, "s-rt", "", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.NotEmpty(t, lastID)
	for i := range want {
		assert.Equal(t, want[i].EQI, got[i].EQI)
		assert.Equal(t, want[i].Participant, got[i].Participant)
		assert.Equal(t, want[i].Text, got[i].Text)
	}
}

func TestPublisher_ReadEntriesResumesAfterLastID(t *testing.T) {
	ctx := context.Background()
	_, p := setupPublisher(t)

	require.NoError(t, p.PublishEntry(ctx, "s-cur", utterance(0x0020, "llm1", "早的。")))

	_, lastID, err := p.ReadEntries(ctx, "s-cur", "", 10)
	require.NoError(t, err)

	require.NoError(t, p.PublishEntry(ctx, "s-cur", utterance(0x0021, "llm2", "晚的。")))

	got, _, err := p.ReadEntries(ctx, "s-cur", lastID, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "晚的。", got[0].Text)
}

func TestPublisher_StreamTrimsToMaxLen(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	p, err := NewPublisher(PublisherConfig{
		Addr:         mr.Addr(),
		StreamPrefix: "trim:",
		StreamMaxLen: 5,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	for i := 0; i < 20; i++ {
		require.NoError(t, p.PublishEntry(ctx, "s", utterance(0x0020, "llm1", fmt.Sprintf("第%d条", i))))
	}
	// MAXLEN ~ 是近似裁剪，只保证不会无限增长
	assert.LessOrEqual(t, streamLen(t, mr.Addr(), "trim:s"), int64(20))
}

func TestPublisher_UnreachableRedisFails(t *testing.T) {
	_, err := NewPublisher(PublisherConfig{Addr: "127.0.0.1:1"}, zap.NewNop())
	require.Error(t, err)
}
