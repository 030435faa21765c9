package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"crema/backend/internal/auth"
	"crema/backend/internal/cache"
	"crema/backend/internal/database"
	"crema/backend/internal/httpapi/middleware"
	"crema/backend/internal/limit"
	"crema/backend/internal/ws"
)

type Deps struct {
	DataBases *database.Context
	Resolver  auth.Resolver
	Hub       *ws.Hub
	// Presence 可选；没有配置 redis 时为 nil
	Presence cache.PresenceCache
	// Sem 限制同时处理的修改请求
	Sem          *limit.Semaphore
	SemWait      time.Duration
	LockWaitMax  time.Duration
	AllowOrigins []string
}

type Server struct {
	deps Deps
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Sem == nil {
		deps.Sem = limit.NewSemaphore(0)
	}
	if deps.SemWait <= 0 {
		deps.SemWait = 200 * time.Millisecond
	}
	if deps.LockWaitMax <= 0 {
		deps.LockWaitMax = 30 * time.Second
	}
	s := &Server{deps: deps}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if len(deps.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     deps.AllowOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.TaskHeader},
			ExposeHeaders:    []string{"Content-Length", middleware.TaskHeader},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/v1/alive", func(c *gin.Context) {
		c.JSON(200, Result{Value: gin.H{"message": "ok"}})
	})

	v1 := r.Group("/v1")
	v1.Use(middleware.Auth(deps.Resolver), middleware.Task())
	v1.GET("/callbacks", s.callbacks)
	v1.POST("/unsubscribe", s.unsubscribe)

	// 只读请求不占用修改名额
	v1.GET("/databases", s.listDataBases)
	v1.GET("/databases/:id", s.getDataBase)
	v1.GET("/databases/:id/domains", s.dataBaseDomains)
	v1.GET("/domains/:id", s.domainMetaData)
	v1.GET("/domains/:id/content", s.domainContent)
	v1.GET("/domains/:id/history", s.domainHistory)
	v1.GET("/domains/:id/presence", s.domainPresence)

	w := v1.Group("")
	w.Use(middleware.Limit(deps.Sem, deps.SemWait))
	{
		w.POST("/databases", s.addDataBase)
		w.DELETE("/databases/:id", s.deleteDataBase)
		w.POST("/databases/:id/load", s.loadDataBase)
		w.POST("/databases/:id/unload", s.unloadDataBase)
		w.POST("/databases/:id/lock", s.lockDataBase)
		w.POST("/databases/:id/unlock", s.unlockDataBase)
		w.POST("/databases/:id/public", s.publicDataBase)
		w.POST("/databases/:id/private", s.privateDataBase)
		w.POST("/databases/:id/rename", s.renameDataBase)
		w.POST("/databases/:id/copy", s.copyDataBase)
		w.POST("/databases/:id/tables", s.addTable)
		w.POST("/databases/:id/types", s.addType)
		w.POST("/databases/:id/edit", s.beginEditItem)

		w.POST("/domains/:id/enter", s.enterDomain)
		w.POST("/domains/:id/leave", s.leaveDomain)
		w.POST("/domains/:id/location", s.setLocation)
		w.POST("/domains/:id/rows/new", s.newRow)
		w.POST("/domains/:id/rows/set", s.setRow)
		w.POST("/domains/:id/rows/remove", s.removeRow)
		w.POST("/domains/:id/property", s.setProperty)
		w.POST("/domains/:id/edit/begin", s.beginEdit)
		w.POST("/domains/:id/edit/end", s.endEdit)
		w.POST("/domains/:id/kick", s.kick)
		w.POST("/domains/:id/owner", s.setOwner)
		w.DELETE("/domains/:id", s.deleteDomain)
	}
	return r
}

func (s *Server) callbacks(c *gin.Context) {
	a, _ := middleware.AuthOf(c)
	s.deps.Hub.Serve(c, a)
}

func (s *Server) unsubscribe(c *gin.Context) {
	a, _ := middleware.AuthOf(c)
	respond(c, nil, s.deps.Hub.Unsubscribe(c.Request.Context(), a))
}
