package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mofa-org/mofa-fm-sub000/conference"
)

// PublisherConfig 对话条目外发配置。
type PublisherConfig struct {
	// Addr Redis 地址
	Addr string
	// Password 密码
	Password string
	// DB 数据库编号
	DB int
	// PoolSize 连接池大小
	PoolSize int
	// StreamPrefix Stream 名称前缀，最终 key 为 prefix + session_id
	StreamPrefix string
	// StreamMaxLen Stream 最大长度，近似裁剪。0 不裁剪
	StreamMaxLen int64
}

// Publisher 把对话条目推入 Redis Stream，实现 conference.DialogueSink。
// 外层 HTTP/SSE 网关按 session 的 Stream 实时拉取。
type Publisher struct {
	client *redis.Client
	cfg    PublisherConfig
	logger *zap.Logger
}

// NewPublisher 创建外发器并校验连接。
func NewPublisher(cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "mofafm:dialogue:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Publisher{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "store.publisher")),
	}, nil
}

// PublishEntry 把一条对话条目追加到该会话的 Stream。
func (p *Publisher) PublishEntry(ctx context.Context, sessionID string, entry conference.Utterance) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dialogue entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.streamKey(sessionID),
		Values: map[string]interface{}{
			"eqi":         uint16(entry.EQI),
			"participant": entry.Participant,
			"kind":        string(entry.Kind),
			"entry":       string(payload),
		},
	}
	if p.cfg.StreamMaxLen > 0 {
		args.MaxLen = p.cfg.StreamMaxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish dialogue entry: %w", err)
	}
	return nil
}

// ReadEntries 从指定位置读取会话 Stream，供网关补拉历史。
// lastID 为空时从头读取。
func (p *Publisher) ReadEntries(ctx context.Context, sessionID, lastID string, count int64) ([]conference.Utterance, string, error) {
	if count <= 0 {
		count = 100
	}
	start := "-"
	if lastID != "" {
		start = "(" + lastID
	}

	msgs, err := p.client.XRangeN(ctx, p.streamKey(sessionID), start, "+", count).Result()
	if err != nil {
		return nil, lastID, fmt.Errorf("failed to read dialogue stream: %w", err)
	}

	entries := make([]conference.Utterance, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["entry"].(string)
		if !ok {
			continue
		}
		var u conference.Utterance
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			p.logger.Warn("skipping malformed dialogue entry", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		entries = append(entries, u)
		lastID = m.ID
	}
	return entries, lastID, nil
}

// Close 关闭 Redis 连接。
func (p *Publisher) Close() error {
	return p.client.Close()
}

func (p *Publisher) streamKey(sessionID string) string {
	return p.cfg.StreamPrefix + sessionID
}
