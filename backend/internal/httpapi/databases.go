package httpapi

import (
	"github.com/gin-gonic/gin"

	"crema/backend/internal/database"
	"crema/backend/internal/domain"
	"crema/backend/internal/httpapi/middleware"
)

type nameReq struct {
	Name    string `json:"name" binding:"required"`
	Comment string `json:"comment"`
}

type commentReq struct {
	Comment string `json:"comment"`
}

type tableReq struct {
	Schema domain.TableSchema `json:"schema"`
}

type typeReq struct {
	Type database.TypeInfo `json:"type"`
}

// GET /v1/databases?flags=Loaded|Public
func (s *Server) listDataBases(c *gin.Context) {
	raw := c.Query("flags")
	if raw == "" {
		respond(c, s.deps.DataBases.List(), nil)
		return
	}
	flags, err := database.ParseFlags(raw)
	if err != nil {
		respond(c, nil, err)
		return
	}
	infos, err := s.deps.DataBases.Filter(flags)
	respond(c, infos, err)
}

func (s *Server) getDataBase(c *gin.Context) {
	info, err := s.deps.DataBases.Get(c.Param("id"))
	respond(c, info, err)
}

func (s *Server) dataBaseDomains(c *gin.Context) {
	metas, err := s.deps.DataBases.GetMetaData(c.Param("id"))
	respond(c, metas, err)
}

func (s *Server) addDataBase(c *gin.Context) {
	var req nameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a, _ := middleware.AuthOf(c)
	info, err := s.deps.DataBases.AddNewDataBase(c.Request.Context(), a, req.Name, req.Comment)
	respond(c, info, err)
}

func (s *Server) copyDataBase(c *gin.Context) {
	var req nameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a, _ := middleware.AuthOf(c)
	info, err := s.deps.DataBases.Copy(c.Request.Context(), a, c.Param("id"), req.Name, req.Comment)
	respond(c, info, err)
}

func (s *Server) renameDataBase(c *gin.Context) {
	var req nameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a, _ := middleware.AuthOf(c)
	respond(c, nil, s.deps.DataBases.Rename(c.Request.Context(), a, c.Param("id"), req.Name))
}

func (s *Server) lockDataBase(c *gin.Context) {
	var req commentReq
	// comment 可省略
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	a, _ := middleware.AuthOf(c)
	respond(c, nil, s.deps.DataBases.Lock(c.Request.Context(), a, c.Param("id"), req.Comment))
}

func (s *Server) deleteDataBase(c *gin.Context) {
	a, _ := middleware.AuthOf(c)
	respond(c, nil, s.deps.DataBases.Delete(c.Request.Context(), a, c.Param("id")))
}

func (s *Server) loadDataBase(c *gin.Context) {
	a, _ := middleware.AuthOf(c)
	respond(c, nil, s.deps.DataBases.Load(c.Request.Context(), a, c.Param("id")))
}

func (s *Server) unloadDataBase(c *gin.Context) {
	a, _ := middleware.AuthOf(c)
	respond(c, nil, s.deps.DataBases.Unload(c.Request.Context(), a, c.Param("id")))
}

func (s *Server) unlockDataBase(c *gin.Context) {
	a, _ := middleware.AuthOf(c)
	respond(c, nil, s.deps.DataBases.Unlock(c.Request.Context(), a, c.Param("id")))
}

func (s *Server) publicDataBase(c *gin.Context) {
	a, _ := middleware.AuthOf(c)
	respond(c, nil, s.deps.DataBases.SetPublic(c.Request.Context(), a, c.Param("id")))
}

func (s *Server) privateDataBase(c *gin.Context) {
	a, _ := middleware.AuthOf(c)
	respond(c, nil, s.deps.DataBases.SetPrivate(c.Request.Context(), a, c.Param("id")))
}

func (s *Server) addTable(c *gin.Context) {
	var req tableReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a, _ := middleware.AuthOf(c)
	respond(c, nil, s.deps.DataBases.AddTable(c.Request.Context(), a, c.Param("id"), req.Schema))
}

func (s *Server) addType(c *gin.Context) {
	var req typeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a, _ := middleware.AuthOf(c)
	respond(c, nil, s.deps.DataBases.AddType(c.Request.Context(), a, c.Param("id"), req.Type))
}

// POST /v1/databases/:id/edit {"kind":"TableContent","name":"Items"}
func (s *Server) beginEditItem(c *gin.Context) {
	var target database.Target
	if err := c.ShouldBindJSON(&target); err != nil {
		badRequest(c, err)
		return
	}
	a, _ := middleware.AuthOf(c)
	meta, err := s.deps.DataBases.BeginEdit(c.Request.Context(), a, c.Param("id"), target)
	respond(c, meta, err)
}
