package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
	"crema/backend/internal/domain"
	"crema/backend/internal/domainctx"
	"crema/backend/internal/httpapi/middleware"
)

type rowsReq struct {
	Rows []domain.RowInfo `json:"rows" binding:"required"`
}

type propertyReq struct {
	Name  string `json:"name" binding:"required"`
	Value any    `json:"value"`
}

type beginEditReq struct {
	Location domain.Location `json:"location"`
	// 等待锁的毫秒数，0 表示冲突时立即失败
	WaitMs int64 `json:"waitMs"`
}

type userReq struct {
	UserID  string `json:"userId" binding:"required"`
	Comment string `json:"comment"`
}

type enterReq struct {
	Access domain.AccessType `json:"access"`
}

// withDomain 定位 Domain 所在的 Context 后再执行 fn
func (s *Server) withDomain(c *gin.Context, fn func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error)) {
	id := c.Param("id")
	dctx, err := s.deps.DataBases.FindDomain(id)
	if err != nil {
		respond(c, nil, err)
		return
	}
	a, _ := middleware.AuthOf(c)
	v, err := fn(dctx, a, id)
	respond(c, v, err)
}

func (s *Server) domainMetaData(c *gin.Context) {
	s.withDomain(c, func(dctx *domainctx.Context, _ auth.Authentication, id string) (any, error) {
		d, err := dctx.Domain(id)
		if err != nil {
			return nil, err
		}
		return d.MetaData(), nil
	})
}

func (s *Server) domainContent(c *gin.Context) {
	s.withDomain(c, func(dctx *domainctx.Context, _ auth.Authentication, id string) (any, error) {
		return dctx.Content(c.Request.Context(), id)
	})
}

// GET /v1/domains/:id/history?from=&limit=
func (s *Server) domainHistory(c *gin.Context) {
	from, err := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		badRequest(c, err)
		return
	}
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return dctx.History(c.Request.Context(), a, id, from, limit)
	})
}

func (s *Server) domainPresence(c *gin.Context) {
	if s.deps.Presence == nil {
		respond(c, nil, apperr.New(apperr.KindInvalidArgument, "presence cache is not configured"))
		return
	}
	s.withDomain(c, func(_ *domainctx.Context, _ auth.Authentication, id string) (any, error) {
		return s.deps.Presence.GetAliveMembersWithNames(c.Request.Context(), id)
	})
}

func (s *Server) enterDomain(c *gin.Context) {
	var req enterReq
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return dctx.Enter(c.Request.Context(), a, id, req.Access)
	})
}

func (s *Server) leaveDomain(c *gin.Context) {
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return nil, dctx.Leave(c.Request.Context(), a, id)
	})
}

func (s *Server) setLocation(c *gin.Context) {
	var loc domain.Location
	if err := c.ShouldBindJSON(&loc); err != nil {
		badRequest(c, err)
		return
	}
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return nil, dctx.SetUserLocation(c.Request.Context(), a, id, loc)
	})
}

func (s *Server) newRow(c *gin.Context) {
	var req rowsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return dctx.NewRow(c.Request.Context(), a, id, req.Rows)
	})
}

func (s *Server) setRow(c *gin.Context) {
	var req rowsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return dctx.SetRow(c.Request.Context(), a, id, req.Rows)
	})
}

func (s *Server) removeRow(c *gin.Context) {
	var req rowsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return dctx.RemoveRow(c.Request.Context(), a, id, req.Rows)
	})
}

func (s *Server) setProperty(c *gin.Context) {
	var req propertyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return nil, dctx.SetProperty(c.Request.Context(), a, id, req.Name, req.Value)
	})
}

func (s *Server) beginEdit(c *gin.Context) {
	var req beginEditReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	wait := time.Duration(req.WaitMs) * time.Millisecond
	if wait > s.deps.LockWaitMax {
		wait = s.deps.LockWaitMax
	}
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return nil, dctx.BeginEdit(c.Request.Context(), a, id, req.Location, wait)
	})
}

func (s *Server) endEdit(c *gin.Context) {
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return nil, dctx.EndEdit(c.Request.Context(), a, id)
	})
}

func (s *Server) kick(c *gin.Context) {
	var req userReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return nil, dctx.Kick(c.Request.Context(), a, id, req.UserID, req.Comment)
	})
}

func (s *Server) setOwner(c *gin.Context) {
	var req userReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return nil, dctx.SetOwner(c.Request.Context(), a, id, req.UserID)
	})
}

// DELETE /v1/domains/:id?force=true
func (s *Server) deleteDomain(c *gin.Context) {
	force, err := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if err != nil {
		badRequest(c, err)
		return
	}
	s.withDomain(c, func(dctx *domainctx.Context, a auth.Authentication, id string) (any, error) {
		return dctx.DeleteDomain(c.Request.Context(), a, id, force)
	})
}
