package backplane

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EY-Engage/realtime-core/logger"
	"github.com/EY-Engage/realtime-core/tools/errs"

	"github.com/nats-io/nats.go"
	"golang.org/x/net/context"
)

// ===== 配置 =====

type NatsConfig struct {
	Servers       []string
	Name          string
	NodeID        string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsBackplane 基于 core NATS 的背板实现（广播，无队列组）。
// 重连交给 nats 客户端（MaxReconnects(-1) + 指数抖动），
// 断开/恢复回调映射为降级信号。
type NatsBackplane struct {
	nc   *nats.Conn
	conf NatsConfig

	mu       sync.RWMutex
	handlers map[string]Handler
	subs     map[string]*nats.Subscription
	mws      []Middleware

	degraded atomic.Bool
	stateFns []func(bool)
}

func NewNatsBackplane(conf NatsConfig, mws ...Middleware) (*NatsBackplane, error) {
	if len(conf.Servers) == 0 {
		return nil, errs.New("nats servers missing")
	}
	if conf.ReconnectWait == 0 {
		conf.ReconnectWait = 500 * time.Millisecond
	}
	if conf.Timeout == 0 {
		conf.Timeout = 3 * time.Second
	}

	b := &NatsBackplane{
		conf:     conf,
		handlers: make(map[string]Handler),
		subs:     make(map[string]*nats.Subscription),
		mws:      mws,
	}

	opts := []nats.Option{
		nats.Name(conf.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(conf.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(conf.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.setDegraded(true)
			logger.Warnf("[backplane] nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.setDegraded(false)
			logger.Info("[backplane] nats reconnected")
		}),
	}
	nc, err := nats.Connect(strings.Join(conf.Servers, ","), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect")
	}
	b.nc = nc
	return b, nil
}

func (b *NatsBackplane) Publish(ctx context.Context, channel string, ev *Event) error {
	if ev.Origin == "" {
		ev.Origin = b.conf.NodeID
	}
	if ev.Channel == "" {
		ev.Channel = channel
	}
	raw, err := ev.Encode()
	if err != nil {
		return errs.WrapMsg(err, "encode event", "channel", channel)
	}

	b.dispatch(ctx, channel, ev)

	if err := b.nc.Publish(channel, raw); err != nil {
		b.setDegraded(true)
		return errs.ErrBackplaneUnavailable.WrapMsg("publish", "channel", channel, "err", err)
	}
	return nil
}

func (b *NatsBackplane) Subscribe(channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[channel] = Chain(h, b.mws...)
	if _, ok := b.subs[channel]; ok {
		return nil
	}
	sub, err := b.nc.Subscribe(channel, func(m *nats.Msg) {
		ev, derr := DecodeEvent(m.Data)
		if derr != nil {
			logger.Warnf("[backplane] channel=%s bad event: %v", channel, derr)
			return
		}
		if ev.Origin == b.conf.NodeID {
			return
		}
		b.dispatch(context.Background(), channel, ev)
	})
	if err != nil {
		return errs.WrapMsg(err, "subscribe", "channel", channel)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	b.subs[channel] = sub
	return nil
}

func (b *NatsBackplane) Degraded() bool { return b.degraded.Load() }

func (b *NatsBackplane) OnStateChange(fn func(bool)) {
	b.mu.Lock()
	b.stateFns = append(b.stateFns, fn)
	b.mu.Unlock()
}

func (b *NatsBackplane) Close() error {
	b.mu.Lock()
	for ch, sub := range b.subs {
		_ = sub.Drain()
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}

func (b *NatsBackplane) dispatch(ctx context.Context, channel string, ev *Event) {
	b.mu.RLock()
	h := b.handlers[channel]
	b.mu.RUnlock()
	if h == nil {
		return
	}
	if err := h(ctx, ev); err != nil {
		logger.Warnf("[backplane] handler error channel=%s event=%s err=%v", channel, ev.EventID, err)
	}
}

func (b *NatsBackplane) setDegraded(v bool) {
	if b.degraded.Swap(v) == v {
		return
	}
	b.mu.RLock()
	fns := append(([]func(bool))(nil), b.stateFns...)
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}
