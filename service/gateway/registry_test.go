package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/EY-Engage/realtime-core/service/router"
)

func identityOf(userID string) *router.Identity {
	return &router.Identity{UserID: userID, Roles: []string{"employee"}, IsActive: true}
}

func testRegistry(maxPerUser int) (*Registry, *time.Time) {
	now := time.Now()
	r := NewRegistry("node-test", RegistryConf{
		UnauthTTL:  time.Minute,
		AuthTTL:    time.Hour,
		SweepEvery: time.Hour, // 测试里手动 sweepOnce
		MaxPerUser: maxPerUser,
		Clock:      func() time.Time { return now },
	})
	return r, &now
}

func addBound(t *testing.T, r *Registry, connID, userID string) *Conn {
	t.Helper()
	c := newConn(connID, nil, time.Minute, time.Now(), 8)
	if err := r.AddUnauth(connID, c); err != nil {
		t.Fatalf("add %s: %v", connID, err)
	}
	if _, _, err := r.BindUser(connID, identityOf(userID)); err != nil {
		t.Fatalf("bind %s: %v", connID, err)
	}
	return c
}

func TestRegistryRefcount(t *testing.T) {
	r, _ := testRegistry(0)
	defer r.Close()

	// 首条连接 firstLocal=true，后续为 false
	c1 := newConn("c1", nil, time.Minute, time.Now(), 8)
	_ = r.AddUnauth("c1", c1)
	first, _, err := r.BindUser("c1", identityOf("alice"))
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !first {
		t.Fatalf("first connection should report firstLocal")
	}
	if c1.Identity == nil || c1.Identity.UserID != "alice" {
		t.Fatalf("identity not bound: %+v", c1.Identity)
	}
	for i := 2; i <= 3; i++ {
		id := fmt.Sprintf("c%d", i)
		c := newConn(id, nil, time.Minute, time.Now(), 8)
		_ = r.AddUnauth(id, c)
		first, _, _ := r.BindUser(id, identityOf("alice"))
		if first {
			t.Fatalf("conn %s should not be first", id)
		}
	}
	if n := r.CountOf("alice"); n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}

	// 断 N-1 条不触发 lastLocal
	for _, id := range []string{"c1", "c2"} {
		if _, last := r.Remove(id); last {
			t.Fatalf("removing %s should not be last", id)
		}
	}
	if n := r.CountOf("alice"); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	// 最后一条才是 lastLocal
	if _, last := r.Remove("c3"); !last {
		t.Fatalf("removing final conn should report lastLocal")
	}
	if n := r.CountOf("alice"); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestRegistryEvictOldest(t *testing.T) {
	r, _ := testRegistry(2)
	defer r.Close()

	var removed []string
	r.OnRemove(func(c *Conn, reason string) {
		removed = append(removed, c.ConnID+":"+reason)
	})

	addBound(t, r, "old", "alice")
	time.Sleep(2 * time.Millisecond) // CreatedAt 排序用
	addBound(t, r, "mid", "alice")
	time.Sleep(2 * time.Millisecond)

	// 第三条触发淘汰最老的
	c := newConn("new", nil, time.Minute, time.Now(), 8)
	_ = r.AddUnauth("new", c)
	_, evicted, err := r.BindUser("new", identityOf("alice"))
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if evicted == nil || evicted.ConnID != "old" {
		t.Fatalf("evicted = %+v, want old", evicted)
	}
	if n := r.CountOf("alice"); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	if _, ok := r.Get("old"); ok {
		t.Fatalf("evicted conn still registered")
	}
	if len(removed) != 1 || removed[0] != "old:evicted" {
		t.Fatalf("remove callback = %v", removed)
	}
}

func TestRegistrySweepExpired(t *testing.T) {
	r, nowPtr := testRegistry(0)
	defer r.Close()

	var removed []string
	r.OnRemove(func(c *Conn, reason string) {
		removed = append(removed, c.ConnID+":"+reason)
	})

	// 未授权连接只有短 TTL
	c := newConn("ghost", nil, time.Minute, *nowPtr, 8)
	if err := r.AddUnauth("ghost", c); err != nil {
		t.Fatalf("add: %v", err)
	}
	addBound(t, r, "live", "alice")

	// 过 UnauthTTL 后 ghost 被清理，live 的 AuthTTL 还没到
	r.sweepOnce(nowPtr.Add(2 * time.Minute))
	if _, ok := r.Get("ghost"); ok {
		t.Fatalf("expired unauth conn not swept")
	}
	if _, ok := r.Get("live"); !ok {
		t.Fatalf("live conn swept too early")
	}
	if len(removed) != 1 || removed[0] != "ghost:expired" {
		t.Fatalf("remove callback = %v", removed)
	}

	// AuthTTL 也过了
	r.sweepOnce(nowPtr.Add(2 * time.Hour))
	if _, ok := r.Get("live"); ok {
		t.Fatalf("expired auth conn not swept")
	}
}

func TestRegistryHeartbeatExtends(t *testing.T) {
	r, nowPtr := testRegistry(0)
	defer r.Close()

	addBound(t, r, "c1", "alice")

	// 心跳把到期时间推后
	*nowPtr = nowPtr.Add(50 * time.Minute)
	if err := r.RenewHeartbeat("c1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	r.sweepOnce(nowPtr.Add(55 * time.Minute)) // 原 AuthTTL 已过，但续过期
	if _, ok := r.Get("c1"); !ok {
		t.Fatalf("renewed conn swept")
	}
}

func TestRegistryCloseFiresRemove(t *testing.T) {
	r, _ := testRegistry(0)

	var removed []string
	r.OnRemove(func(c *Conn, reason string) {
		removed = append(removed, c.ConnID+":"+reason)
	})

	addBound(t, r, "c1", "alice")
	addBound(t, r, "c2", "bob")

	// 关机也要走移除回调，上层靠它做 presence 收尾
	r.Close()
	if len(removed) != 2 {
		t.Fatalf("remove callbacks = %v, want 2", removed)
	}
	for _, ev := range removed {
		if ev != "c1:shutdown" && ev != "c2:shutdown" {
			t.Fatalf("unexpected callback %s", ev)
		}
	}
	if len(r.Users()) != 0 {
		t.Fatalf("registry not emptied: %v", r.Users())
	}
}

func TestConnPushNonBlocking(t *testing.T) {
	c := newConn("c1", nil, time.Minute, time.Now(), 2)
	if !c.Push([]byte("a")) || !c.Push([]byte("b")) {
		t.Fatalf("push within queue should succeed")
	}
	// 队列满丢帧，不阻塞
	if c.Push([]byte("c")) {
		t.Fatalf("push beyond queue should drop")
	}
	c.close()
	// 关闭后 push 安全返回
	if c.Push([]byte("d")) {
		t.Fatalf("push after close should drop")
	}
}
