package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"crema/backend/internal/apperr"
	"crema/backend/internal/limit"
)

// Limit 限制同时在处理的修改请求数，等不到名额时返回 503
func Limit(sem *limit.Semaphore, wait time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		err := sem.Acquire(ctx)
		cancel()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"fault": gin.H{"kind": apperr.KindInternal, "message": "server is busy"},
			})
			return
		}
		defer sem.Release()
		c.Next()
	}
}
