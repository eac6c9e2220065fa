package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"driftmail/backend/internal/service"
)

// ContextInboxKey 认证通过后收件箱在 gin 上下文里的键名
const ContextInboxKey = "inbox"

// ContextSessionKey 认证通过后 SessionID 在 gin 上下文里的键名
const ContextSessionKey = "sessionID"

// SessionAuth 会话凭证认证中间件。
//
// SessionID 是持有者凭证：出示有效 SessionID 即可访问对应收件箱，
// 不存在独立的用户身份。过期且未保护的收件箱对认证不可见。
type SessionAuth struct {
	inboxes *service.InboxService
	log     *zap.Logger
}

// NewSessionAuth 创建会话认证中间件。
func NewSessionAuth(inboxes *service.InboxService, log *zap.Logger) *SessionAuth {
	return &SessionAuth{
		inboxes: inboxes,
		log:     log,
	}
}

// RequireSession 要求请求携带有效的会话凭证。
func (sa *SessionAuth) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := sa.extractSession(c)
		if sessionID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "session token required",
			})
			c.Abort()
			return
		}

		inbox, err := sa.inboxes.Get(sessionID)
		if err != nil {
			sa.log.Warn("Session rejected",
				zap.String("ip", c.ClientIP()),
				zap.Error(err),
			)
			c.JSON(http.StatusNotFound, gin.H{
				"error": "inbox not found or expired",
			})
			c.Abort()
			return
		}

		c.Set(ContextInboxKey, inbox)
		c.Set(ContextSessionKey, sessionID)
		c.Next()
	}
}

// extractSession 从多个来源提取会话凭证
func (sa *SessionAuth) extractSession(c *gin.Context) string {
	// 1. Authorization header（Bearer 格式）
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}

	// 2. X-Session-Id header
	if token := c.GetHeader("X-Session-Id"); token != "" {
		return token
	}

	// 3. query parameter
	return c.Query("session")
}
