package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/EY-Engage/realtime-core/service/router"

	"github.com/gorilla/websocket"
)

// Conn 网关侧的一条用户会话连接。
// 一个用户可以有多端多连接，每条独立维护；
// 出站统一走 Send 队列，由唯一的写协程消费。
type Conn struct {
	ConnID     string
	UserID     string           // 授权后才有
	Identity   *router.Identity // 授权后挂上，路由分发用
	Authorized bool
	WS         *websocket.Conn
	Remote     net.Addr
	Send       chan []byte

	CreatedAt time.Time
	UpdatedAt time.Time
	Heartbeat time.Time
	TTL       time.Duration // 随授权态切换
	ExpireAt  time.Time     // 过期由 sweeper 清理

	closeOnce sync.Once
}

func newConn(connID string, ws *websocket.Conn, ttl time.Duration, now time.Time, sendQueue int) *Conn {
	c := &Conn{
		ConnID:    connID,
		WS:        ws,
		Send:      make(chan []byte, sendQueue),
		CreatedAt: now,
		UpdatedAt: now,
		Heartbeat: now,
		TTL:       ttl,
		ExpireAt:  now.Add(ttl),
	}
	if ws != nil {
		if ra := ws.RemoteAddr(); ra != nil {
			c.Remote = ra
		}
	}
	return c
}

// close 关闭发送队列与底层连接；并发安全，重复调用无害
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.Send)
		if c.WS != nil {
			_ = c.WS.Close()
		}
	})
}

// Push 非阻塞投递；慢客户端丢帧而不是拖垮广播
func (c *Conn) Push(data []byte) bool {
	defer func() { recover() }() // Send 可能已关闭
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// writePump 唯一写协程：消费 Send 队列 + 周期 ping
func (c *Conn) writePump(pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		if c.WS != nil {
			_ = c.WS.Close()
		}
	}()
	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				_ = c.WS.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := writeText(c.WS, data, 5); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.WS.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeText(conn *websocket.Conn, data []byte, deadlineSec int) error {
	if err := conn.SetWriteDeadline(time.Now().Add(time.Duration(deadlineSec) * time.Second)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
