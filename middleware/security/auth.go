package security

import (
	"net/http"
	"strings"

	"github.com/EY-Engage/realtime-core/global/config"
	"github.com/EY-Engage/realtime-core/service/router"
	"github.com/EY-Engage/realtime-core/tools/errs"
	"github.com/EY-Engage/realtime-core/tools/security"

	"github.com/gin-gonic/gin"
)

// —— context key ——
const (
	CtxIdentityKey = "identity" // *router.Identity
)

// Middleware REST 面的鉴权：Authorization: Bearer xxx → Identity 进 context。
// WS 面不走这里（升级连接先进未授权态，auth 帧里换授权）。
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var token string
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": errs.ErrTokenInvalid.Code, "msg": errs.ErrTokenInvalid.Msg,
			})
			return
		}

		opts := security.DefaultOptions([]byte(config.GetJwtSecret()))
		id, err := security.Verify(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": errs.ECode(err), "msg": errs.EMsg(err),
			})
			return
		}
		if !id.IsActive {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": errs.ErrUnauthorized.Code, "msg": errs.ErrUnauthorized.Msg,
			})
			return
		}

		c.Set(CtxIdentityKey, &router.Identity{
			UserID:     id.UserID,
			Roles:      id.Roles,
			Department: id.Department,
			IsActive:   id.IsActive,
		})
		c.Next()
	}
}

// IdentityFrom 从 gin context 取身份；仅在 Middleware 之后可用
func IdentityFrom(c *gin.Context) *router.Identity {
	v, ok := c.Get(CtxIdentityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*router.Identity)
	return id
}
