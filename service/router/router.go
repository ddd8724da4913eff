package router

import (
	"context"
	"encoding/json"

	"github.com/EY-Engage/realtime-core/tools/errs"
)

// ===== 命名空间路由 =====
//
// 客户端事件统一走 namespace + event 二级寻址（chat / notifications / social / admin），
// 进处理器前按顺序过三道闸：命名空间准入 → 事件存在 → 载荷校验。

// Identity 网关授权后挂在连接上的身份快照
type Identity struct {
	UserID     string   `json:"user_id"`
	Roles      []string `json:"roles"`
	Department string   `json:"department"`
	IsActive   bool     `json:"is_active"`
}

func (id *Identity) HasRole(roles ...string) bool {
	for _, want := range roles {
		for _, r := range id.Roles {
			if r == want {
				return true
			}
		}
	}
	return false
}

// HandlerFunc 事件处理器；返回值作为 ack 载荷回给客户端
type HandlerFunc func(ctx context.Context, id *Identity, payload json.RawMessage) (any, error)

type route struct {
	rules   []FieldRule
	handler HandlerFunc
}

// Namespace 一个命名空间：准入策略 + 事件表
type Namespace struct {
	name      string
	authorize func(id *Identity) error
	routes    map[string]*route
}

// Handle 注册事件处理器
func (n *Namespace) Handle(event string, rules []FieldRule, h HandlerFunc) *Namespace {
	n.routes[event] = &route{rules: rules, handler: h}
	return n
}

type Router struct {
	namespaces map[string]*Namespace
}

func New() *Router {
	return &Router{namespaces: make(map[string]*Namespace)}
}

// Namespace 声明一个命名空间；authorize 为 nil 表示仅要求活跃用户
func (r *Router) Namespace(name string, authorize func(id *Identity) error) *Namespace {
	ns := &Namespace{name: name, authorize: authorize, routes: make(map[string]*route)}
	r.namespaces[name] = ns
	return ns
}

// AdminOnly 管理命名空间准入
func AdminOnly(id *Identity) error {
	if !id.HasRole("admin", "super_admin") {
		return errs.ErrUnauthorized.WithDetail("admin namespace requires admin role")
	}
	return nil
}

// Dispatch 路由一条客户端事件。
// 未知命名空间与未知事件同码返回，不向客户端泄露事件表。
func (r *Router) Dispatch(ctx context.Context, id *Identity, namespace, event string, payload json.RawMessage) (any, error) {
	ns, ok := r.namespaces[namespace]
	if !ok {
		return nil, errs.ErrUnknownEvent.WithDetail(namespace + "/" + event)
	}
	if id == nil || !id.IsActive {
		return nil, errs.ErrUnauthorized.WithDetail("inactive identity")
	}
	if ns.authorize != nil {
		if err := ns.authorize(id); err != nil {
			return nil, err
		}
	}
	rt, ok := ns.routes[event]
	if !ok {
		return nil, errs.ErrUnknownEvent.WithDetail(namespace + "/" + event)
	}
	if err := CheckPayload(payload, rt.rules); err != nil {
		return nil, err
	}
	return rt.handler(ctx, id, payload)
}
