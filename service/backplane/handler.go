package backplane

import (
	"encoding/json"

	"golang.org/x/net/context"
)

// Event 跨实例广播的统一事件对象。
// 每个事件带全局唯一 EventID，接收端按 (eventId, connId) 去重，
// 背板本身 at-least-once，套接字投递 exactly-once。
type Event struct {
	EventID   string          `json:"event_id"`
	Channel   string          `json:"channel"`
	Namespace string          `json:"namespace"` // chat / notifications / social / admin
	Name      string          `json:"name"`      // 事件名（message.new / presence.changed ...）
	Origin    string          `json:"origin"`    // 发布节点ID，接收端跳过自己发的
	Ts        int64           `json:"ts"`        // unix ms
	Payload   json.RawMessage `json:"payload"`
}

func (e *Event) Encode() ([]byte, error) { return json.Marshal(e) }

func DecodeEvent(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Handler 业务处理函数
type Handler func(ctx context.Context, ev *Event) error

// Middleware 中间件（日志、去重、指标等）
type Middleware func(Handler) Handler

// Chain 组合中间件
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Adapter 背板抽象：核心只依赖这一个接口，测试用内存实现替换。
type Adapter interface {
	// Publish 发布到逻辑频道；本地订阅者总是先行投递（降级模式兜底）
	Publish(ctx context.Context, channel string, ev *Event) error
	// Subscribe 订阅逻辑频道；每个实例启动时对同一组频道各订阅一次
	Subscribe(channel string, h Handler) error
	// Degraded 背板连接断开时为 true（只影响跨实例投递）
	Degraded() bool
	// OnStateChange 注册降级/恢复回调
	OnStateChange(fn func(degraded bool))
	Close() error
}
