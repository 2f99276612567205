package llm

import (
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter 基于 tiktoken 的 Token 计数器，用于提示词预算裁剪。
// 编码数据懒加载；加载失败时退化为 CJK 感知的估算。
type TokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTokenCounter 创建计数器。encoding 为空时使用 cl100k_base。
func NewTokenCounter(encoding string) *TokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TokenCounter{encoding: encoding}
}

func (t *TokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = err
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Count 返回文本的 Token 数。
func (t *TokenCounter) Count(text string) int {
	if err := t.init(); err != nil {
		return estimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessages 返回消息列表的 Token 总数，含每条消息的固定开销。
func (t *TokenCounter) CountMessages(messages []Message) int {
	total := 3 // 会话收尾开销
	for _, msg := range messages {
		total += 4
		total += t.Count(msg.Content)
		total += t.Count(string(msg.Role))
	}
	return total
}

// estimateTokens CJK 按 1 字 1 token，其余按 4 字符 1 token 估算。
func estimateTokens(text string) int {
	cjk, other := 0, 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			other++
		}
	}
	return cjk + (other+3)/4
}
