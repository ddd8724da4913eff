package backplane

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/EY-Engage/realtime-core/logger"
	"github.com/EY-Engage/realtime-core/tools/errs"
	"github.com/EY-Engage/realtime-core/tools/safe"

	"github.com/redis/go-redis/v9"
	"golang.org/x/net/context"
)

// ===== 配置 =====

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	NodeID   string

	ReconnectMin time.Duration // 重连退避下限（默认 500ms）
	ReconnectMax time.Duration // 重连退避上限（默认 30s）
}

func (c *RedisConfig) norm() {
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// RedisBackplane 基于 Redis Pub/Sub 的跨实例背板。
// 发布时本地订阅者先行投递，Redis 只负责送达其他实例；
// 连接断开自动指数退避重连，期间退化为本地投递并打降级标记。
type RedisBackplane struct {
	rdb  *redis.Client
	conf RedisConfig

	mu       sync.RWMutex
	handlers map[string]Handler  // channel -> 已套中间件的处理链
	active   map[string]struct{} // 已起消费协程的频道
	mws      []Middleware

	degraded atomic.Bool
	stateFns []func(bool)

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRedisBackplane(conf RedisConfig, mws ...Middleware) *RedisBackplane {
	conf.norm()
	return &RedisBackplane{
		rdb: redis.NewClient(&redis.Options{
			Addr:     conf.Addr,
			Password: conf.Password,
			DB:       conf.DB,
		}),
		conf:     conf,
		handlers: make(map[string]Handler),
		active:   make(map[string]struct{}),
		mws:      mws,
		stopCh:   make(chan struct{}),
	}
}

func (b *RedisBackplane) Publish(ctx context.Context, channel string, ev *Event) error {
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

	// 本地先投递：背板挂了同实例的 socket 也要收到
	b.dispatch(ctx, channel, ev)

	if err := b.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		b.setDegraded(true)
		return errs.ErrBackplaneUnavailable.WrapMsg("publish", "channel", channel, "err", err)
	}
	return nil
}

func (b *RedisBackplane) Subscribe(channel string, h Handler) error {
	b.mu.Lock()
	b.handlers[channel] = Chain(h, b.mws...)
	_, running := b.active[channel]
	if !running {
		b.active[channel] = struct{}{}
	}
	b.mu.Unlock()

	if !running {
		safe.SafeGo("backplane-sub-"+channel, func() { b.consumeLoop(channel) })
	}
	return nil
}

func (b *RedisBackplane) Degraded() bool { return b.degraded.Load() }

func (b *RedisBackplane) OnStateChange(fn func(bool)) {
	b.mu.Lock()
	b.stateFns = append(b.stateFns, fn)
	b.mu.Unlock()
}

func (b *RedisBackplane) Close() error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	return b.rdb.Close()
}

// ===== 内部 =====

func (b *RedisBackplane) dispatch(ctx context.Context, channel string, ev *Event) {
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

// consumeLoop 单协程消费一个频道，保证频道内 FIFO；断线退避重连
func (b *RedisBackplane) consumeLoop(channel string) {
	backoff := b.conf.ReconnectMin
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		ps := b.rdb.Subscribe(context.Background(), channel)
		if _, err := ps.Receive(context.Background()); err != nil {
			_ = ps.Close()
			b.setDegraded(true)
			logger.Warnf("[backplane] subscribe %s failed: %v, retry in %v", channel, err, backoff)
			if !b.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, b.conf.ReconnectMax)
			continue
		}

		b.setDegraded(false)
		backoff = b.conf.ReconnectMin
		logger.Infof("[backplane] subscribed channel=%s", channel)

		for {
			msg, err := ps.ReceiveMessage(context.Background())
			if err != nil {
				_ = ps.Close()
				b.setDegraded(true)
				logger.Warnf("[backplane] channel=%s receive err: %v, reconnecting", channel, err)
				break
			}
			ev, derr := DecodeEvent([]byte(msg.Payload))
			if derr != nil {
				logger.Warnf("[backplane] channel=%s bad event: %v", channel, derr)
				continue
			}
			if ev.Origin == b.conf.NodeID {
				continue // 自己发的，本地投递已完成
			}
			b.dispatch(context.Background(), channel, ev)
		}

		if !b.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff, b.conf.ReconnectMax)
	}
}

func (b *RedisBackplane) sleep(d time.Duration) bool {
	select {
	case <-b.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (b *RedisBackplane) setDegraded(v bool) {
	if b.degraded.Swap(v) == v {
		return // 状态没变，不重复通知
	}
	if v {
		logger.Warn("[backplane] degraded: local-only delivery")
	} else {
		logger.Info("[backplane] recovered: cross-instance delivery resumed")
	}
	b.mu.RLock()
	fns := append(([]func(bool))(nil), b.stateFns...)
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
