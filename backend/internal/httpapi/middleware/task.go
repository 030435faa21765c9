package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"crema/backend/internal/domain"
)

const TaskHeader = "X-Task-Id"

// Task 给每个请求分配任务 id（客户端可以自带），推送的 CallbackInfo 用它关联原始请求
func Task() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(TaskHeader))
		if id == "" {
			id = ulid.Make().String()
		}
		c.Request = c.Request.WithContext(domain.WithTaskID(c.Request.Context(), id))
		c.Header(TaskHeader, id)
		c.Next()
	}
}
