package backplane

import (
	"sync"
	"time"

	"golang.org/x/net/context"
)

// ----- 抽象存储 -----

type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
}

// ----- 内存实现（单进程，去重窗口按 TTL） -----

type memIdem struct {
	mu  sync.Mutex
	m   map[string]int64 // key -> expireUnix
	ttl time.Duration
}

func NewMemIdem(defaultTTL time.Duration) IdemStore {
	mi := &memIdem{m: make(map[string]int64), ttl: defaultTTL}
	// 清理协程
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for range t.C {
			now := time.Now().Unix()
			mi.mu.Lock()
			for k, exp := range mi.m {
				if exp <= now {
					delete(mi.m, k)
				}
			}
			mi.mu.Unlock()
		}
	}()
	return mi
}

func (mi *memIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	exp := time.Now().Add(ttl).Unix()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if old, ok := mi.m[key]; ok && old > time.Now().Unix() {
		return true, nil // 已见过
	}
	mi.m[key] = exp
	return false, nil
}

// ----- 幂等中间件 -----
// 背板 at-least-once，按 EventID 挡掉重复投递；重复不算错误。
func IdemMiddleware(store IdemStore, ttl time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, ev *Event) error {
			if ev.EventID == "" {
				return next(ctx, ev)
			}
			seen, _ := store.SeenOnce("bp:"+ev.Channel+"|"+ev.EventID, ttl)
			if seen {
				return nil
			}
			return next(ctx, ev)
		}
	}
}
