package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/EY-Engage/realtime-core/service/backplane"
	"github.com/EY-Engage/realtime-core/service/router"
	"github.com/EY-Engage/realtime-core/service/storage"
	"github.com/EY-Engage/realtime-core/tools/security"
)

// ===== presence 的内存替身（记录迁移顺序） =====

type fakePresence struct {
	mu     sync.Mutex
	conns  map[string]map[string]bool
	events []string
}

func newFakePresence() *fakePresence {
	return &fakePresence{conns: make(map[string]map[string]bool)}
}

func (p *fakePresence) ConnOnline(ctx context.Context, user, connID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.conns[user]
	if m == nil {
		m = make(map[string]bool)
		p.conns[user] = m
	}
	first := len(m) == 0
	m[connID] = true
	p.events = append(p.events, "online:"+user+":"+connID)
	return first, nil
}

func (p *fakePresence) ConnOffline(ctx context.Context, user, connID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.conns[user]
	delete(m, connID)
	p.events = append(p.events, "offline:"+user+":"+connID)
	return len(m) == 0, nil
}

func (p *fakePresence) Renew(ctx context.Context, user, connID string) error { return nil }

func (p *fakePresence) StatusOf(ctx context.Context, user string) (storage.PresencePayload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := storage.PresencePayload{UserID: user, IsOnline: len(p.conns[user]) > 0}
	if out.IsOnline {
		out.Status = storage.StatusOnline
	} else {
		out.Status = storage.StatusOffline
	}
	return out, nil
}

func (p *fakePresence) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// ===== 组装 =====

type serverFixture struct {
	srv      *Server
	reg      *Registry
	presence *fakePresence
	bp       *backplane.MemoryBackplane
	jwt      security.Options

	mu        sync.Mutex
	published []storage.PresencePayload
}

func newServerFixture(t *testing.T, maxPerUser int) *serverFixture {
	t.Helper()
	f := &serverFixture{
		presence: newFakePresence(),
		bp:       backplane.NewMemoryBackplane("node-test"),
		jwt:      security.DefaultOptions([]byte("gw-test-secret")),
	}
	f.reg = NewRegistry("node-test", RegistryConf{
		UnauthTTL:  time.Minute,
		AuthTTL:    time.Hour,
		SweepEvery: time.Hour,
		MaxPerUser: maxPerUser,
	})
	if err := f.bp.Subscribe(backplane.ChannelPresence, func(ctx context.Context, ev *backplane.Event) error {
		var p storage.PresencePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		f.mu.Lock()
		f.published = append(f.published, p)
		f.mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	f.srv = NewServer("node-test", f.reg, NewFanout(1, 16), f.presence,
		router.New(), f.bp, backplane.NewMemIdem(time.Minute), f.jwt)
	return f
}

func (f *serverFixture) authConn(t *testing.T, connID string, id security.Identity) *Conn {
	t.Helper()
	token, _, err := security.Generate(f.jwt, id)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	c := newConn(connID, nil, time.Minute, time.Now(), 16)
	if err := f.reg.AddUnauth(connID, c); err != nil {
		t.Fatalf("add %s: %v", connID, err)
	}
	f.srv.handleAuth(c, &Frame{Type: FrameAuth, ID: "1", Token: token})
	return c
}

func (f *serverFixture) presenceChanges() []storage.PresencePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.PresencePayload(nil), f.published...)
}

// ===== 用例 =====

func TestAuthBindsIdentity(t *testing.T) {
	f := newServerFixture(t, 0)
	defer f.reg.Close()

	f.authConn(t, "c1", security.Identity{
		UserID:     "u1",
		Roles:      []string{"manager"},
		Department: "Finance",
		IsActive:   true,
	})

	conns := f.reg.ConnsOf("u1")
	if len(conns) != 1 {
		t.Fatalf("conns = %d, want 1", len(conns))
	}
	c := conns[0]
	if !c.Authorized || c.Identity == nil {
		t.Fatalf("conn not authorized: %+v", c)
	}
	// 身份随绑定写入，投递协程经注册表拿到的连接带完整身份
	if c.Identity.UserID != "u1" || c.Identity.Department != "Finance" || !c.Identity.HasRole("manager") {
		t.Fatalf("identity = %+v", c.Identity)
	}

	evs := f.presenceChanges()
	if len(evs) != 1 || !evs[0].IsOnline {
		t.Fatalf("presence events = %+v, want single online", evs)
	}
}

func TestReconnectAtCapKeepsUserOnline(t *testing.T) {
	f := newServerFixture(t, 1)
	defer f.reg.Close()

	id := security.Identity{UserID: "u1", IsActive: true}
	f.authConn(t, "c1", id)
	time.Sleep(2 * time.Millisecond) // CreatedAt 排序用
	f.authConn(t, "c2", id)          // 名额 1：挤掉 c1

	if n := f.reg.CountOf("u1"); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	if _, ok := f.reg.Get("c1"); ok {
		t.Fatalf("old conn still registered")
	}

	// 新连接先上线、旧连接后下线，状态不闪断
	want := []string{"online:u1:c1", "online:u1:c2", "offline:u1:c1"}
	got := f.presence.log()
	if len(got) != len(want) {
		t.Fatalf("presence log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("presence log = %v, want %v", got, want)
		}
	}

	// 对外只广播过一次 online，没有 offline 翻转
	for _, ev := range f.presenceChanges() {
		if !ev.IsOnline {
			t.Fatalf("spurious offline broadcast: %+v", ev)
		}
	}
}

func TestShutdownTakesConnectionsOffline(t *testing.T) {
	f := newServerFixture(t, 0)

	f.authConn(t, "c1", security.Identity{UserID: "u1", IsActive: true})
	f.authConn(t, "c2", security.Identity{UserID: "u2", IsActive: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.srv.Shutdown(ctx)

	if len(f.reg.Users()) != 0 {
		t.Fatalf("registry not emptied: %v", f.reg.Users())
	}
	for _, u := range []string{"u1", "u2"} {
		st, _ := f.presence.StatusOf(context.Background(), u)
		if st.IsOnline {
			t.Fatalf("%s still online after shutdown", u)
		}
	}

	// 每个用户各广播过一次 offline
	offline := map[string]bool{}
	for _, ev := range f.presenceChanges() {
		if !ev.IsOnline {
			offline[ev.UserID] = true
		}
	}
	if !offline["u1"] || !offline["u2"] {
		t.Fatalf("offline broadcasts missing: %v", offline)
	}
}
