package main

import (
	"net/http"

	midsec "github.com/EY-Engage/realtime-core/middleware/security"
	"github.com/EY-Engage/realtime-core/tools/errs"

	"github.com/gin-gonic/gin"
)

// ===== REST 读模型面 =====
// 实时面走 WS，这里只给客户端冷启动/补拉用。

func restOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func restErr(c *gin.Context, err error) {
	status := http.StatusBadRequest
	switch errs.ECode(err) {
	case errs.ErrTokenInvalid.Code, errs.ErrTokenExpired.Code, errs.ErrUnauthorized.Code:
		status = http.StatusUnauthorized
	case errs.ErrPermissionDenied.Code:
		status = http.StatusForbidden
	case errs.ErrConversationNotFound.Code, errs.ErrParticipantNotFound.Code, errs.ErrNotificationNotFound.Code:
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"code": errs.ECode(err), "msg": errs.EMsg(err)})
}

func registerREST(r *gin.Engine, d *routeDeps) {
	api := r.Group("/api", midsec.Middleware())

	// 未读通知补拉
	api.GET("/notifications", func(c *gin.Context) {
		id := midsec.IdentityFrom(c)
		list, err := d.notify.UnreadFor(c.Request.Context(), id.UserID, 100)
		if err != nil {
			restErr(c, err)
			return
		}
		restOK(c, list)
	})

	api.POST("/notifications/:id/read", func(c *gin.Context) {
		id := midsec.IdentityFrom(c)
		if err := d.notify.MarkRead(c.Request.Context(), c.Param("id"), id.UserID); err != nil {
			restErr(c, err)
			return
		}
		restOK(c, nil)
	})

	// 会话标记已读（返回已读到的 seq）
	api.POST("/conversations/:id/read", func(c *gin.Context) {
		id := midsec.IdentityFrom(c)
		seq, err := d.msg.MarkRead(c.Request.Context(), c.Param("id"), id.UserID)
		if err != nil {
			restErr(c, err)
			return
		}
		restOK(c, gin.H{"readSeq": seq})
	})

	api.GET("/conversations/:id/unread", func(c *gin.Context) {
		id := midsec.IdentityFrom(c)
		n, err := d.msg.UnreadFor(c.Request.Context(), c.Param("id"), id.UserID)
		if err != nil {
			restErr(c, err)
			return
		}
		restOK(c, gin.H{"unread": n})
	})

	api.GET("/conversations/:id/participants", func(c *gin.Context) {
		id := midsec.IdentityFrom(c)
		ctx := c.Request.Context()
		if _, err := d.chatRepo.GetParticipant(ctx, c.Param("id"), id.UserID); err != nil {
			restErr(c, err)
			return
		}
		parts, err := d.conv.Participants(ctx, c.Param("id"))
		if err != nil {
			restErr(c, err)
			return
		}
		restOK(c, parts)
	})

	// 在线状态快照
	api.GET("/presence/:userId", func(c *gin.Context) {
		st, err := d.presence.StatusOf(c.Request.Context(), c.Param("userId"))
		if err != nil {
			restErr(c, err)
			return
		}
		restOK(c, st)
	})
}
