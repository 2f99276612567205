package conference

import (
	"strings"
	"unicode"
)

// DefaultDelimiters 默认断句标点集，覆盖中英文句读。
const DefaultDelimiters = "。！？.!?，,、；;：:"

// Segment 切分后的一段完整文本。Status 按流位置推导：
// 本次回复的首段为 started，中间为 ongoing，Finish 产生的尾段为 ended。
type Segment struct {
	Text   string
	Status SessionStatus
	Kind   EntryKind
}

// Segmenter 流式断句器。每次 resume 对应一个实例（或 Reset 复用），
// 不完整的尾部片段跨 delta 保留。非并发安全，由桥接节点独占使用。
type Segmenter struct {
	delims  map[rune]struct{}
	pending []rune
	started bool
}

// NewSegmenter 创建断句器。delimiters 为空时使用 DefaultDelimiters。
func NewSegmenter(delimiters string) *Segmenter {
	if delimiters == "" {
		delimiters = DefaultDelimiters
	}
	set := make(map[rune]struct{}, len(delimiters))
	for _, r := range delimiters {
		set[r] = struct{}{}
	}
	return &Segmenter{delims: set}
}

// Feed 接收一个文本增量，返回其中已完整的段落（可能为空）。
func (s *Segmenter) Feed(delta string) []Segment {
	var out []Segment
	for _, r := range delta {
		s.pending = append(s.pending, r)
		if _, ok := s.delims[r]; ok {
			text := string(s.pending)
			s.pending = s.pending[:0]
			out = append(out, s.emit(text, false))
		}
	}
	return out
}

// Finish 在上游流关闭后调用，返回携带 ended 状态的尾段。
// 即使没有剩余文本也会返回一段，下游依赖 ended 段落触发 session_end。
func (s *Segmenter) Finish() Segment {
	text := string(s.pending)
	s.pending = s.pending[:0]
	return s.emit(text, true)
}

// Pending 返回当前未完成的尾部片段长度（按 rune 计）。
func (s *Segmenter) Pending() int { return len(s.pending) }

// Reset 清空缓冲与状态，供下一次 resume 复用。
func (s *Segmenter) Reset() {
	s.pending = s.pending[:0]
	s.started = false
}

func (s *Segmenter) emit(text string, final bool) Segment {
	status := StatusOngoing
	if !s.started {
		status = StatusStarted
	}
	if final {
		status = StatusEnded
	}
	s.started = true

	kind := KindResponse
	if s.isSkippable(text) {
		kind = KindSkipped
	}
	return Segment{Text: text, Status: status, Kind: kind}
}

// isSkippable 判断段落是否只含标点和空白，这类段落不送合成。
func (s *Segmenter) isSkippable(text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		if _, ok := s.delims[r]; !ok {
			return false
		}
	}
	return true
}
