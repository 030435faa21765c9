package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
)

const authKey = "crema.auth"

// Auth 从 Authorization 或 ?token= 提取 token，交给 Resolver 解析成 Authentication 放进 gin.Context
func Auth(resolver auth.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"fault": gin.H{"kind": apperr.KindNotAuthorized, "message": "Authorization header is missing or invalid"},
			})
			return
		}
		a, err := resolver.Resolve(c.Request.Context(), tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"fault": gin.H{"kind": apperr.KindOf(err), "message": err.Error()},
			})
			return
		}
		c.Set(authKey, a)
		c.Next()
	}
}

// AuthOf 取出中间件写入的身份；没有经过 Auth 的路由返回 false
func AuthOf(c *gin.Context) (auth.Authentication, bool) {
	v, ok := c.Get(authKey)
	if !ok {
		return auth.Authentication{}, false
	}
	a, ok := v.(auth.Authentication)
	return a, ok
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
