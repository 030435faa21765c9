package httpapi

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"

	"crema/backend/internal/apperr"
)

type fault struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Result 是所有 RPC 的统一返回：成功时有 value，失败时有 fault
type Result struct {
	Value any    `json:"value,omitempty"`
	Fault *fault `json:"fault,omitempty"`
}

func respond(c *gin.Context, value any, err error) {
	if err != nil {
		kind := apperr.KindOf(err)
		c.JSON(apperr.HTTPStatus(kind), Result{Fault: &fault{Kind: kind, Message: err.Error()}})
		return
	}
	c.JSON(200, Result{Value: value})
}

func badRequest(c *gin.Context, err error) {
	respond(c, nil, apperr.New(apperr.KindInvalidArgument, "%v", err))
}

// bindOptionalJSON 允许请求体为空，但格式错误的 JSON 仍然是错误
func bindOptionalJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
