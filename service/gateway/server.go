package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/EY-Engage/realtime-core/logger"
	"github.com/EY-Engage/realtime-core/service/backplane"
	"github.com/EY-Engage/realtime-core/service/router"
	"github.com/EY-Engage/realtime-core/service/storage"
	"github.com/EY-Engage/realtime-core/tools/errs"
	"github.com/EY-Engage/realtime-core/tools/ids"
	"github.com/EY-Engage/realtime-core/tools/safe"
	"github.com/EY-Engage/realtime-core/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }}

// PresenceTracker 网关用到的在线状态操作子集；生产实现是 storage.PresenceStore
type PresenceTracker interface {
	ConnOnline(ctx context.Context, user, connID string) (first bool, err error)
	ConnOffline(ctx context.Context, user, connID string) (last bool, err error)
	Renew(ctx context.Context, user, connID string) error
	StatusOf(ctx context.Context, user string) (storage.PresencePayload, error)
}

// Server 网关：WebSocket 接入 + 授权 + 路由分发 + 背板投递。
type Server struct {
	nodeID   string
	reg      *Registry
	fan      *Fanout
	presence PresenceTracker
	rt       *router.Router
	bp       backplane.Adapter
	idem     backplane.IdemStore
	jwtOpts  security.Options
}

func NewServer(nodeID string, reg *Registry, fan *Fanout, presence PresenceTracker,
	rt *router.Router, bp backplane.Adapter, idem backplane.IdemStore, jwtOpts security.Options) *Server {
	s := &Server{
		nodeID:   nodeID,
		reg:      reg,
		fan:      fan,
		presence: presence,
		rt:       rt,
		bp:       bp,
		idem:     idem,
		jwtOpts:  jwtOpts,
	}
	// 所有移除路径（显式断开/过期/挤下线）收敛到这一个回调做 presence 收尾
	reg.OnRemove(s.onConnRemoved)
	return s
}

func (s *Server) Registry() *Registry { return s.reg }

// HandleWS gin 入口：升级 → 未授权登记 → 读循环
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade error: %v", err)
		return
	}

	connID := ids.GenerateString()
	conn := newConn(connID, ws, s.reg.conf.UnauthTTL, s.reg.conf.Clock(), s.reg.conf.SendQueue)
	if err := s.reg.AddUnauth(connID, conn); err != nil {
		logger.Warnf("[ws] register failed conn=%s: %v", connID, err)
		_ = ws.Close()
		return
	}

	ws.SetPongHandler(func(string) error {
		_ = s.reg.RenewHeartbeat(connID) // 连接可能刚好被清理，忽略错误
		return nil
	})

	go conn.writePump(30 * time.Second)
	s.readLoop(conn)
}

// ---- 读循环：只读不写，出错即退出，写协程收尾 ----
func (s *Server) readLoop(conn *Conn) {
	defer func() {
		if c, _ := s.reg.Remove(conn.ConnID); c != nil {
			logger.Infof("[ws] disconnected conn=%s user=%s", c.ConnID, c.UserID)
		}
	}()

	for {
		mt, data, rerr := conn.WS.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s err=%v", conn.ConnID, rerr)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s err=%v", conn.ConnID, rerr)
			} else {
				logger.Infof("[ws] read err conn=%s err=%v", conn.ConnID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, perr := ParseFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] parse frame err conn=%s err=%v sample=%q", conn.ConnID, perr, sample)
			conn.Push(ErrFrame("", perr))
			continue
		}

		// 帧处理不能带崩读循环：某个 handler panic 只丢这一帧
		safe.Run("ws-frame-"+f.Type, func() {
			switch f.Type {
			case FramePing:
				s.handlePing(conn, f)
			case FrameAuth:
				s.handleAuth(conn, f)
			case FrameEvent:
				s.handleEvent(conn, f)
			default:
				conn.Push(ErrFrame(f.ID, errs.ErrUnknownEvent.WithDetail(f.Type)))
			}
		})
	}
}

func (s *Server) handlePing(conn *Conn, f *Frame) {
	_ = s.reg.RenewHeartbeat(conn.ConnID)
	if conn.Authorized {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.presence.Renew(ctx, conn.UserID, conn.ConnID); err != nil {
			logger.Warnf("[ws] presence renew failed user=%s: %v", conn.UserID, err)
		}
		cancel()
	}
	conn.Push(PongFrame(f.ID))
}

// handleAuth auth 帧：token 换授权；首条连接上线触发 presence 翻转广播
func (s *Server) handleAuth(conn *Conn, f *Frame) {
	id, err := security.Verify(s.jwtOpts, f.Token)
	if err != nil {
		conn.Push(ErrFrame(f.ID, err))
		return
	}
	if !id.IsActive {
		conn.Push(ErrFrame(f.ID, errs.ErrUnauthorized.WithDetail("inactive user")))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// 先登记 presence 再绑定：名额满时淘汰旧连接会触发 ConnOffline，
	// 新连接已在集合里，单设备换连不会对外闪一次 offline。
	first, err := s.presence.ConnOnline(ctx, id.UserID, conn.ConnID)
	if err != nil {
		logger.Errorf("[ws] presence online failed user=%s: %v", id.UserID, err)
	}

	_, evicted, err := s.reg.BindUser(conn.ConnID, &router.Identity{
		UserID:     id.UserID,
		Roles:      id.Roles,
		Department: id.Department,
		IsActive:   id.IsActive,
	})
	if err != nil {
		if _, oerr := s.presence.ConnOffline(ctx, id.UserID, conn.ConnID); oerr != nil {
			logger.Warnf("[ws] presence rollback failed user=%s: %v", id.UserID, oerr)
		}
		conn.Push(ErrFrame(f.ID, errs.Wrap(err)))
		return
	}
	if evicted != nil {
		logger.Infof("[ws] evicted oldest conn=%s user=%s", evicted.ConnID, id.UserID)
	}
	if first {
		s.publishPresence(ctx, id.UserID, true)
	}

	conn.Push(AckFrame(f.ID, gin.H{"user_id": id.UserID, "conn_id": conn.ConnID}))
	logger.Infof("[ws] authorized conn=%s user=%s first=%v", conn.ConnID, id.UserID, first)
}

// handleEvent 业务事件：未授权直接拒，其余交命名空间路由
func (s *Server) handleEvent(conn *Conn, f *Frame) {
	if !conn.Authorized || conn.Identity == nil {
		conn.Push(ErrFrame(f.ID, errs.ErrUnauthorized.WithDetail("auth first")))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := s.rt.Dispatch(ctx, conn.Identity, f.Namespace, f.Event, f.Payload)
	if err != nil {
		logger.Infof("[ws] dispatch rejected conn=%s ns=%s ev=%s: %v", conn.ConnID, f.Namespace, f.Event, err)
		conn.Push(ErrFrame(f.ID, err))
		return
	}
	conn.Push(AckFrame(f.ID, result))
}

// onConnRemoved 连接移除收尾：最后一条连接下线才广播 offline
func (s *Server) onConnRemoved(c *Conn, reason string) {
	if !c.Authorized || c.UserID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	last, err := s.presence.ConnOffline(ctx, c.UserID, c.ConnID)
	if err != nil {
		logger.Errorf("[ws] presence offline failed user=%s: %v", c.UserID, err)
		return
	}
	if last {
		s.publishPresence(ctx, c.UserID, false)
	}
	if reason == "evicted" {
		c.Push(ErrFrame("", errs.New("connection evicted", "conn", c.ConnID)))
	}
}

func (s *Server) publishPresence(ctx context.Context, userID string, online bool) {
	st, err := s.presence.StatusOf(ctx, userID)
	if err != nil {
		st = storage.PresencePayload{UserID: userID, IsOnline: online}
	}
	payload, err := json.Marshal(&st)
	if err != nil {
		return
	}
	ev := &backplane.Event{
		EventID:   ids.GenerateString(),
		Namespace: "social",
		Name:      "presence.changed",
		Origin:    s.nodeID,
		Ts:        time.Now().UnixMilli(),
		Payload:   payload,
	}
	if err := s.bp.Publish(ctx, backplane.ChannelPresence, ev); err != nil {
		logger.Warnf("[ws] presence publish degraded user=%s: %v", userID, err)
	}
}

// Shutdown 关机：Registry.Close 对每条连接走移除回调，
// 本节点的 presence 成员逐条下线、该广播的 offline 翻转照常广播。
func (s *Server) Shutdown(ctx context.Context) {
	s.reg.Close()
	s.fan.Close()
}
