package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryBus 在进程内向订阅者广播事件，主要用于测试与单机部署。
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[int]chan Record
	nextID int
	buffer int
	closed bool
}

// NewMemoryBus 创建一个内存事件总线，buffer 为每个订阅者的缓冲大小。
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{subs: make(map[int]chan Record), buffer: buffer}
}

// Subscribe 注册一个订阅者，返回的取消函数可重复调用。
func (b *MemoryBus) Subscribe() (<-chan Record, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Record, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish 将事件投递给所有订阅者。缓冲已满的订阅者会阻塞发布直到 ctx 结束。
func (b *MemoryBus) Publish(ctx context.Context, record Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("事件总线已关闭")
	}
	for _, ch := range b.subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch <- record:
		}
	}
	return nil
}

// Close 关闭总线以及所有订阅通道。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	return nil
}
