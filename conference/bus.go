package conference

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultSubscriptionBuffer 订阅通道的默认容量。
const DefaultSubscriptionBuffer = 256

var subscriptionCounter int64

// Subscription 一个订阅者的有界接收通道。
type Subscription struct {
	id    string
	ch    chan Event
	types map[EventType]bool // 空表示订阅全部
}

// C 返回接收通道。总线关闭时通道被关闭。
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus 进程内类型化事件总线。节点之间没有共享可变状态，
// 全部通信经由 Publish/Subscribe 的有界通道完成。
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	logger *zap.Logger
}

// NewBus 创建事件总线。
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger.With(zap.String("component", "bus")),
	}
}

// Subscribe 注册订阅。types 为空表示订阅全部事件。
func (b *Bus) Subscribe(buffer int, types ...EventType) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	typeSet := make(map[EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	sub := &Subscription{
		id:    fmt.Sprintf("sub-%d", atomic.AddInt64(&subscriptionCounter, 1)),
		ch:    make(chan Event, buffer),
		types: typeSet,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe 取消订阅并关闭其通道。
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish 将事件投递给所有匹配的订阅者。订阅者通道满时阻塞等待，
// 直到投递完成或 ctx 取消；事件不会被静默丢弃。
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	// 投递期间持有读锁，保证 Unsubscribe/Close 不会并发关闭目标通道。
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}

	for _, sub := range b.subs {
		if !sub.wants(ev.Type()) {
			continue
		}
		select {
		case sub.ch <- ev:
		case <-ctx.Done():
			b.logger.Warn("publish cancelled",
				zap.String("event", string(ev.Type())),
				zap.String("subscription", sub.id))
			return ctx.Err()
		}
	}
	return nil
}

// TryPublish 非阻塞投递，返回成功投递的订阅者数。
// 仅用于可丢弃的高频事件（如心跳）。
func (b *Bus) TryPublish(ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for _, sub := range b.subs {
		if !sub.wants(ev.Type()) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// Close 关闭总线与所有订阅通道。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
