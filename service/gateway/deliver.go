package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/EY-Engage/realtime-core/logger"
	chatsvc "github.com/EY-Engage/realtime-core/module/chat/service"
	notifysvc "github.com/EY-Engage/realtime-core/module/notify/service"
	"github.com/EY-Engage/realtime-core/service/backplane"
)

// ===== 背板 -> 本地连接的投递面 =====
//
// 背板 at-least-once，这里两道去重：
//   1) IdemMiddleware 按 (channel, eventId) 挡整条事件重放；
//   2) 投递前按 (eventId, connId) 再挡一次，同一事件对同一连接只出一帧。

const deliverDedupTTL = 5 * time.Minute

// SubscribeAll 启动时对全部逻辑频道各订阅一次
func (s *Server) SubscribeAll() error {
	mw := backplane.IdemMiddleware(s.idem, deliverDedupTTL)
	subs := map[string]backplane.Handler{
		backplane.ChannelChat:     s.onChatEvent,
		backplane.ChannelNotify:   s.onNotifyEvent,
		backplane.ChannelPresence: s.onPresenceEvent,
		backplane.ChannelSocial:   s.onSocialEvent,
		backplane.ChannelAdmin:    s.onAdminEvent,
	}
	for ch, h := range subs {
		if err := s.bp.Subscribe(ch, backplane.Chain(h, mw)); err != nil {
			return err
		}
	}
	return nil
}

// pushUser 给某用户本节点所有连接各投一帧，带 (eventId, connId) 去重
func (s *Server) pushUser(eventID, userID string, frame []byte) {
	conns := s.reg.ConnsOf(userID)
	if len(conns) == 0 {
		return
	}
	kept := conns[:0]
	for _, c := range conns {
		if eventID != "" {
			seen, _ := s.idem.SeenOnce("dlv:"+eventID+"|"+c.ConnID, deliverDedupTTL)
			if seen {
				continue
			}
		}
		kept = append(kept, c)
	}
	s.fan.Broadcast(kept, frame)
}

func (s *Server) onChatEvent(ctx context.Context, ev *backplane.Event) error {
	switch ev.Name {
	case "message.new":
		var p chatsvc.ChatDeliverPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Warnf("[deliver] bad chat payload ev=%s: %v", ev.EventID, err)
			return nil // 坏负载不重试
		}
		// 接收者名单里含发送者本人（多端回显，未读为 0）
		for _, rc := range p.Recipients {
			frame := EventFrame("chat", "message.new", map[string]any{
				"message": p.Message,
				"unread":  rc.Unread,
			})
			s.pushUser(ev.EventID, rc.UserID, frame)
		}
	case "typing":
		var p chatsvc.TypingPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil
		}
		frame := EventFrame("chat", "typing", &p)
		for _, uid := range p.Recipients {
			s.pushUser(ev.EventID, uid, frame)
		}
	default:
		logger.Debug("[deliver] unknown chat event: " + ev.Name)
	}
	return nil
}

func (s *Server) onNotifyEvent(ctx context.Context, ev *backplane.Event) error {
	if ev.Name != "notification.new" {
		return nil
	}
	var p notifysvc.NotifyPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		logger.Warnf("[deliver] bad notify payload ev=%s: %v", ev.EventID, err)
		return nil
	}
	frame := EventFrame("notifications", "notification.new", p.Notification)
	for _, uid := range p.Recipients {
		s.pushUser(ev.EventID, uid, frame)
	}
	return nil
}

// onPresenceEvent 在线状态翻转：广播给本节点所有授权连接
func (s *Server) onPresenceEvent(ctx context.Context, ev *backplane.Event) error {
	frame := EventFrame("social", ev.Name, ev.Payload)
	s.broadcastAll(ev.EventID, frame, nil)
	return nil
}

func (s *Server) onSocialEvent(ctx context.Context, ev *backplane.Event) error {
	frame := EventFrame("social", ev.Name, ev.Payload)
	s.broadcastAll(ev.EventID, frame, nil)
	return nil
}

// onAdminEvent 管理事件只投给持 admin 角色的连接
func (s *Server) onAdminEvent(ctx context.Context, ev *backplane.Event) error {
	frame := EventFrame("admin", ev.Name, ev.Payload)
	s.broadcastAll(ev.EventID, frame, func(c *Conn) bool {
		return c.Identity != nil && c.Identity.HasRole("admin", "super_admin")
	})
	return nil
}

func (s *Server) broadcastAll(eventID string, frame []byte, filter func(c *Conn) bool) {
	for _, uid := range s.reg.Users() {
		for _, c := range s.reg.ConnsOf(uid) {
			if !c.Authorized {
				continue
			}
			if filter != nil && !filter(c) {
				continue
			}
			if eventID != "" {
				seen, _ := s.idem.SeenOnce("dlv:"+eventID+"|"+c.ConnID, deliverDedupTTL)
				if seen {
					continue
				}
			}
			c.Push(frame)
		}
	}
}
