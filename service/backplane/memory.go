package backplane

import (
	"sync"

	"golang.org/x/net/context"
)

// MemoryBackplane 进程内背板：单节点部署和单测用。
// 同一实现语义：本地投递 + Origin 跳过（进程内没有"其他实例"，
// 所以 Publish 只分发一次）。
type MemoryBackplane struct {
	nodeID string

	mu       sync.RWMutex
	handlers map[string]Handler
	mws      []Middleware
	stateFns []func(bool)
}

func NewMemoryBackplane(nodeID string, mws ...Middleware) *MemoryBackplane {
	return &MemoryBackplane{
		nodeID:   nodeID,
		handlers: make(map[string]Handler),
		mws:      mws,
	}
}

func (b *MemoryBackplane) Publish(ctx context.Context, channel string, ev *Event) error {
	if ev.Origin == "" {
		ev.Origin = b.nodeID
	}
	if ev.Channel == "" {
		ev.Channel = channel
	}
	b.mu.RLock()
	h := b.handlers[channel]
	b.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h(ctx, ev)
}

func (b *MemoryBackplane) Subscribe(channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = Chain(h, b.mws...)
	return nil
}

func (b *MemoryBackplane) Degraded() bool { return false }

func (b *MemoryBackplane) OnStateChange(fn func(bool)) {
	b.mu.Lock()
	b.stateFns = append(b.stateFns, fn)
	b.mu.Unlock()
}

func (b *MemoryBackplane) Close() error { return nil }
