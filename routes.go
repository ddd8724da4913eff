package main

import (
	"context"
	"encoding/json"
	"time"

	chatsvc "github.com/EY-Engage/realtime-core/module/chat/service"
	chatstore "github.com/EY-Engage/realtime-core/module/chat/store"
	notifymodel "github.com/EY-Engage/realtime-core/module/notify/model"
	notifysvc "github.com/EY-Engage/realtime-core/module/notify/service"
	"github.com/EY-Engage/realtime-core/service/backplane"
	"github.com/EY-Engage/realtime-core/service/router"
	"github.com/EY-Engage/realtime-core/service/storage"
	"github.com/EY-Engage/realtime-core/tools/decode"
	"github.com/EY-Engage/realtime-core/tools/errs"
	"github.com/EY-Engage/realtime-core/tools/ids"
)

// ===== 事件路由装配 =====

type routeDeps struct {
	msg      *chatsvc.MessageService
	conv     *chatsvc.ConversationService
	engine   *chatsvc.PermissionEngine
	notify   *notifysvc.Service
	presence *storage.PresenceStore
	chatRepo chatstore.Repo
	bp       backplane.Adapter
	nodeID   string
}

// decodePayload JSON 载荷 -> 结构体（json tag + 弱类型）
func decodePayload[T any](payload json.RawMessage) (*T, error) {
	var m map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, errs.ErrPayloadInvalid.WithDetail(err.Error())
		}
	}
	return decode.DecodeMap[T](m)
}

func buildRouter(d *routeDeps) *router.Router {
	rt := router.New()
	registerChatRoutes(rt, d)
	registerNotifyRoutes(rt, d)
	registerSocialRoutes(rt, d)
	registerAdminRoutes(rt, d)
	return rt
}

// ---- chat ----

func registerChatRoutes(rt *router.Router, d *routeDeps) {
	ns := rt.Namespace("chat", nil)

	type sendReq struct {
		ConversationID string `json:"conversationId"`
		Body           string `json:"body"`
	}
	ns.Handle("message.send", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
		{Field: "body", Kind: router.KindString, Required: true, MaxLen: 8192},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[sendReq](payload)
		if err != nil {
			return nil, err
		}
		return d.msg.Send(ctx, req.ConversationID, id.UserID, req.Body)
	})

	type convReq struct {
		ConversationID string `json:"conversationId"`
	}
	ns.Handle("message.read", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[convReq](payload)
		if err != nil {
			return nil, err
		}
		seq, err := d.msg.MarkRead(ctx, req.ConversationID, id.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"readSeq": seq}, nil
	})

	type typingReq struct {
		ConversationID string `json:"conversationId"`
		IsTyping       bool   `json:"isTyping"`
	}
	ns.Handle("typing", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
		{Field: "isTyping", Kind: router.KindBool, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[typingReq](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.msg.Typing(ctx, req.ConversationID, id.UserID, req.IsTyping)
	})

	ns.Handle("unread.get", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[convReq](payload)
		if err != nil {
			return nil, err
		}
		n, err := d.msg.UnreadFor(ctx, req.ConversationID, id.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"unread": n}, nil
	})

	type createReq struct {
		Title   string   `json:"title"`
		IsGroup bool     `json:"isGroup"`
		Members []string `json:"members"`
	}
	ns.Handle("conversation.create", []router.FieldRule{
		{Field: "title", Kind: router.KindString, MaxLen: 256},
		{Field: "members", Kind: router.KindArray},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[createReq](payload)
		if err != nil {
			return nil, err
		}
		return d.conv.Create(ctx, id.UserID, req.Title, req.IsGroup, req.Members)
	})

	type addReq struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
		Nickname       string `json:"nickname"`
	}
	ns.Handle("participant.add", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
		{Field: "userId", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[addReq](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.conv.Add(ctx, req.ConversationID, id.UserID, req.UserID, req.Nickname)
	})

	ns.Handle("conversation.leave", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[convReq](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.conv.Leave(ctx, req.ConversationID, id.UserID)
	})

	ns.Handle("conversation.archive", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[convReq](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.conv.Archive(ctx, req.ConversationID, id.UserID)
	})

	ns.Handle("conversation.participants", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[convReq](payload)
		if err != nil {
			return nil, err
		}
		if _, err := d.chatRepo.GetParticipant(ctx, req.ConversationID, id.UserID); err != nil {
			return nil, err
		}
		return d.conv.Participants(ctx, req.ConversationID)
	})

	type muteReq struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
		Minutes        int    `json:"minutes"` // <=0 表示无限期
	}
	ns.Handle("participant.mute", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
		{Field: "userId", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[muteReq](payload)
		if err != nil {
			return nil, err
		}
		var until *time.Time
		if req.Minutes > 0 {
			t := time.Now().Add(time.Duration(req.Minutes) * time.Minute)
			until = &t
		}
		return nil, d.engine.Mute(ctx, req.ConversationID, id.UserID, req.UserID, until)
	})

	ns.Handle("participant.unmute", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
		{Field: "userId", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[addReq](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.engine.Unmute(ctx, req.ConversationID, id.UserID, req.UserID)
	})

	ns.Handle("participant.remove", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
		{Field: "userId", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[addReq](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.engine.Remove(ctx, req.ConversationID, id.UserID, req.UserID)
	})

	type roleReq struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
		Role           string `json:"role"`
	}
	ns.Handle("participant.role", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
		{Field: "userId", Kind: router.KindString, Required: true},
		{Field: "role", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[roleReq](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.engine.ChangeRole(ctx, req.ConversationID, id.UserID, req.UserID, req.Role)
	})

	type grantReq struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
		Permission     string `json:"permission"`
		Granted        bool   `json:"granted"`
	}
	ns.Handle("participant.grant", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
		{Field: "userId", Kind: router.KindString, Required: true},
		{Field: "permission", Kind: router.KindString, Required: true},
		{Field: "granted", Kind: router.KindBool, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[grantReq](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.engine.GrantPermission(ctx, req.ConversationID, id.UserID, req.UserID, req.Permission, req.Granted)
	})
}

// ---- notifications ----

func registerNotifyRoutes(rt *router.Router, d *routeDeps) {
	ns := rt.Namespace("notifications", nil)

	type readReq struct {
		NotificationID string `json:"notificationId"`
	}
	ns.Handle("notification.read", []router.FieldRule{
		{Field: "notificationId", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[readReq](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.notify.MarkRead(ctx, req.NotificationID, id.UserID)
	})

	ns.Handle("notification.list", nil,
		func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
			return d.notify.UnreadFor(ctx, id.UserID, 100)
		})
}

// ---- social ----

func registerSocialRoutes(rt *router.Router, d *routeDeps) {
	ns := rt.Namespace("social", nil)

	type statusReq struct {
		Status string `json:"status"`
	}
	ns.Handle("status.set", []router.FieldRule{
		{Field: "status", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[statusReq](payload)
		if err != nil {
			return nil, err
		}
		st := storage.Status(req.Status)
		switch st {
		case storage.StatusOnline, storage.StatusAway, storage.StatusBusy:
		default:
			return nil, errs.ErrPayloadInvalid.WithDetail("bad status: " + req.Status)
		}
		if err := d.presence.SetStatus(ctx, id.UserID, st); err != nil {
			return nil, err
		}
		publishPresenceSnapshot(ctx, d, id.UserID)
		return nil, nil
	})

	type presenceReq struct {
		UserID string `json:"userId"`
	}
	ns.Handle("presence.get", []router.FieldRule{
		{Field: "userId", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[presenceReq](payload)
		if err != nil {
			return nil, err
		}
		return d.presence.StatusOf(ctx, req.UserID)
	})
}

// ---- admin ----

func registerAdminRoutes(rt *router.Router, d *routeDeps) {
	ns := rt.Namespace("admin", router.AdminOnly)

	type publishReq struct {
		Type             string         `json:"type"`
		Title            string         `json:"title"`
		Content          string         `json:"content"`
		UserID           string         `json:"userId"`
		DepartmentFilter string         `json:"departmentFilter"`
		RoleFilter       []string       `json:"roleFilter"`
		TargetID         string         `json:"targetId"`
		TargetType       string         `json:"targetType"`
		Data             map[string]any `json:"data"`
		ExpiresInMinutes int            `json:"expiresInMinutes"`
	}
	ns.Handle("notification.publish", []router.FieldRule{
		{Field: "type", Kind: router.KindString, Required: true},
		{Field: "title", Kind: router.KindString, Required: true, MaxLen: 512},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[publishReq](payload)
		if err != nil {
			return nil, err
		}
		n := &notifymodel.Notification{
			Type:             req.Type,
			Title:            req.Title,
			Content:          req.Content,
			UserID:           req.UserID,
			DepartmentFilter: req.DepartmentFilter,
			RoleFilter:       req.RoleFilter,
			SenderID:         id.UserID,
			TargetID:         req.TargetID,
			TargetType:       req.TargetType,
			Data:             req.Data,
		}
		if req.ExpiresInMinutes > 0 {
			t := time.Now().Add(time.Duration(req.ExpiresInMinutes) * time.Minute)
			n.ExpiresAt = &t
		}
		audience, err := d.notify.Publish(ctx, n)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": n.ID, "audience": len(audience)}, nil
	})

	type delReq struct {
		ConversationID string `json:"conversationId"`
	}
	ns.Handle("conversation.delete", []router.FieldRule{
		{Field: "conversationId", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[delReq](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.chatRepo.DeleteConversation(ctx, req.ConversationID)
	})

	type broadcastReq struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	ns.Handle("broadcast", []router.FieldRule{
		{Field: "event", Kind: router.KindString, Required: true},
	}, func(ctx context.Context, id *router.Identity, payload json.RawMessage) (any, error) {
		req, err := decodePayload[broadcastReq](payload)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, errs.Wrap(err)
		}
		return nil, d.bp.Publish(ctx, backplane.ChannelAdmin, &backplane.Event{
			EventID:   ids.GenerateString(),
			Namespace: "admin",
			Name:      req.Event,
			Origin:    d.nodeID,
			Ts:        time.Now().UnixMilli(),
			Payload:   raw,
		})
	})
}

func publishPresenceSnapshot(ctx context.Context, d *routeDeps, userID string) {
	st, err := d.presence.StatusOf(ctx, userID)
	if err != nil {
		return
	}
	raw, err := json.Marshal(&st)
	if err != nil {
		return
	}
	_ = d.bp.Publish(ctx, backplane.ChannelPresence, &backplane.Event{
		EventID:   ids.GenerateString(),
		Namespace: "social",
		Name:      "presence.changed",
		Origin:    d.nodeID,
		Ts:        time.Now().UnixMilli(),
		Payload:   raw,
	})
}
