package gateway

import (
	"sync"
	"time"

	"github.com/EY-Engage/realtime-core/service/router"
	"github.com/EY-Engage/realtime-core/tools/errs"
)

// ===== 配置 =====

type RegistryConf struct {
	UnauthTTL   time.Duration    // 未授权连接 TTL（如 60s）
	AuthTTL     time.Duration    // 已授权连接 TTL（如 2h）
	SweepEvery  time.Duration    // 清理周期
	MaxPerUser  int              // 每用户最大连接数（<=0 不限制）
	SendQueue   int              // 每连接发送队列长度
	Clock       func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 60 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 2 * time.Hour
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
}

// Registry 本节点连接登记表。
// 主索引 connID，辅助索引 userID -> (connID -> conn)；
// 用户的在线判定靠连接计数：第一条上线、最后一条下线才触发状态翻转，
// 翻转回调由上层（Server）挂接，Registry 本身不碰 Redis。
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*Conn
	byUser map[string]map[string]*Conn

	conf     RegistryConf
	nodeID   string
	onRemove func(c *Conn, reason string) // 持锁外回调

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRegistry(nodeID string, conf RegistryConf) *Registry {
	conf.norm()
	r := &Registry{
		byConn: make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
		conf:   conf,
		nodeID: nodeID,
		stopCh: make(chan struct{}),
	}
	go r.sweeper()
	return r
}

func (r *Registry) NodeID() string { return r.nodeID }

// OnRemove 挂接移除回调（淘汰/过期/显式移除都会走到）
func (r *Registry) OnRemove(fn func(c *Conn, reason string)) { r.onRemove = fn }

// AddUnauth 新连接登记（未授权态，短 TTL）
func (r *Registry) AddUnauth(connID string, c *Conn) error {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byConn[connID]; exists {
		return errs.New("connID exists", "conn", connID)
	}
	c.ConnID = connID
	c.TTL = r.conf.UnauthTTL
	c.ExpireAt = now.Add(r.conf.UnauthTTL)
	r.byConn[connID] = c
	return nil
}

// BindUser 未授权连接绑定用户：切长 TTL，执行最大连接数淘汰。
// 身份在锁内写入，背板投递协程经 ConnsOf 拿到的连接一定带完整身份。
// 返回 (本节点该用户连接数是否从 0 变 1, 被淘汰的连接)。
func (r *Registry) BindUser(connID string, id *router.Identity) (firstLocal bool, evicted *Conn, err error) {
	userID := id.UserID
	now := r.conf.Clock()
	r.mu.Lock()
	c, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return false, nil, errs.New("connID not found", "conn", connID)
	}

	if r.conf.MaxPerUser > 0 {
		evicted = r.evictOldestLocked(userID)
	}

	firstLocal = len(r.byUser[userID]) == 0
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Conn)
	}
	r.byUser[userID][connID] = c

	c.UserID = userID
	c.Identity = id
	c.Authorized = true
	c.TTL = r.conf.AuthTTL
	c.ExpireAt = now.Add(r.conf.AuthTTL)
	c.UpdatedAt = now
	c.Heartbeat = now
	r.mu.Unlock()

	if evicted != nil {
		r.fireRemove(evicted, "evicted")
	}
	return firstLocal, evicted, nil
}

// 持锁调用：名额满时摘掉该用户最老的连接，摘索引不关连接
func (r *Registry) evictOldestLocked(userID string) *Conn {
	mm := r.byUser[userID]
	if len(mm) < r.conf.MaxPerUser {
		return nil
	}
	var oldest *Conn
	for _, w := range mm {
		if oldest == nil || w.CreatedAt.Before(oldest.CreatedAt) {
			oldest = w
		}
	}
	if oldest != nil {
		delete(mm, oldest.ConnID)
		delete(r.byConn, oldest.ConnID)
	}
	return oldest
}

// Remove 显式移除一条连接；返回 (连接, 是否该用户本节点最后一条)
func (r *Registry) Remove(connID string) (c *Conn, lastLocal bool) {
	r.mu.Lock()
	c, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.byConn, connID)
	if c.Authorized && c.UserID != "" {
		if mm := r.byUser[c.UserID]; mm != nil {
			delete(mm, connID)
			if len(mm) == 0 {
				delete(r.byUser, c.UserID)
				lastLocal = true
			}
		}
	}
	r.mu.Unlock()

	r.fireRemove(c, "removed")
	return c, lastLocal
}

func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[connID]
	return c, ok
}

// RenewHeartbeat 刷新心跳与到期时间
func (r *Registry) RenewHeartbeat(connID string) error {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConn[connID]
	if !ok {
		return errs.New("connID not found", "conn", connID)
	}
	c.Heartbeat = now
	c.ExpireAt = now.Add(c.TTL)
	c.UpdatedAt = now
	return nil
}

// ConnsOf 用户在本节点的所有连接快照
func (r *Registry) ConnsOf(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mm := r.byUser[userID]
	out := make([]*Conn, 0, len(mm))
	for _, c := range mm {
		out = append(out, c)
	}
	return out
}

// CountOf 用户本节点连接数
func (r *Registry) CountOf(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Users 本节点所有在线用户（关机时批量摘 presence 用）
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}

func (r *Registry) fireRemove(c *Conn, reason string) {
	if r.onRemove != nil {
		r.onRemove(c, reason)
	}
	c.close()
}

// ===== 清理协程 =====

func (r *Registry) sweeper() {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-t.C:
			r.sweepOnce(now)
		}
	}
}

func (r *Registry) sweepOnce(now time.Time) {
	var expired []*Conn
	r.mu.Lock()
	for id, c := range r.byConn {
		if now.After(c.ExpireAt) {
			// 收集后统一关闭，避免持锁期间关 socket
			expired = append(expired, c)
			delete(r.byConn, id)
			if c.Authorized && c.UserID != "" {
				if mm := r.byUser[c.UserID]; mm != nil {
					delete(mm, id)
					if len(mm) == 0 {
						delete(r.byUser, c.UserID)
					}
				}
			}
		}
	}
	r.mu.Unlock()

	for _, c := range expired {
		r.fireRemove(c, "expired")
	}
}

// Close 停掉清理协程并移除全部连接。每条连接都走 onRemove 回调，
// 上层据此把本节点的 presence 成员逐条下线并广播状态翻转。
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.byConn))
	for _, c := range r.byConn {
		conns = append(conns, c)
	}
	r.byConn = map[string]*Conn{}
	r.byUser = map[string]map[string]*Conn{}
	r.mu.Unlock()

	for _, c := range conns {
		r.fireRemove(c, "shutdown")
	}
}
