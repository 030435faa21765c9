package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
	"crema/backend/internal/database"
)

type HubOptions struct {
	// AllowOrigins 为空时只允许本地开发来源
	AllowOrigins []string
	QueueSize    int
}

// Hub 管理所有推送连接，按会话 id 索引
type Hub struct {
	db       *database.Context
	opts     HubOptions
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewHub(db *database.Context, opts HubOptions) *Hub {
	h := &Hub{db: db, opts: opts, conns: make(map[string]*Conn)}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowed := h.opts.AllowOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"}
	}
	for _, p := range allowed {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// Serve 升级连接并订阅。先发送快照帧，再开始投递事件，最后阻塞在读循环直到连接关闭
func (h *Hub) Serve(c *gin.Context, a auth.Authentication) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	wsConn := NewConn(conn, h, a, h.opts.QueueSize)
	defer wsConn.Close()

	sub, snap, err := h.db.Subscribe(c.Request.Context(), a, wsConn)
	if err != nil {
		_ = conn.WriteJSON(Frame{Type: FrameError, Fault: &Fault{Kind: string(apperr.KindOf(err)), Message: err.Error()}})
		return
	}
	h.add(wsConn)
	defer func() {
		h.remove(wsConn)
		// CONNECTION_LOST：离开所有 Domain 并释放锁
		h.db.Disconnect(a)
	}()

	// 快照必须是第一帧，之后的事件在 Start 之后才入队
	wsConn.send <- Frame{Type: FrameSubscribed, Snapshot: &snap}
	go wsConn.writeLoop()
	sub.Start()

	wsConn.readLoop()
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.conns[c.auth.SessionID]; ok {
		old.Close()
	}
	h.conns[c.auth.SessionID] = c
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.auth.SessionID]; ok && cur == c {
		delete(h.conns, c.auth.SessionID)
	}
}

// Unsubscribe 显式退订并关闭该会话的推送连接
func (h *Hub) Unsubscribe(ctx context.Context, a auth.Authentication) error {
	if err := h.db.Unsubscribe(ctx, a); err != nil {
		return err
	}
	h.mu.Lock()
	c, ok := h.conns[a.SessionID]
	h.mu.Unlock()
	if ok {
		c.Close()
	}
	return nil
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close 关闭全部连接，进程退出时调用
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
