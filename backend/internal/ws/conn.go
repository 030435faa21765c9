package ws

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
	"crema/backend/internal/database"
	"crema/backend/internal/domain"
	"crema/backend/internal/domainctx"
)

const writeWait = 10 * time.Second

// Conn 是一个订阅会话的 websocket 连接，同时作为该会话的 database.Callback
type Conn struct {
	ws   *websocket.Conn
	hub  *Hub
	auth auth.Authentication
	// send 是出站队列，由 writeLoop 单独消费
	send chan Frame
	done chan struct{}
	once sync.Once
}

var _ database.Callback = (*Conn)(nil)

func NewConn(ws *websocket.Conn, hub *Hub, a auth.Authentication, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Conn{ws: ws, hub: hub, auth: a, send: make(chan Frame, queueSize), done: make(chan struct{})}
}

func (c *Conn) OnDomainEvent(info domainctx.CallbackInfo, e domain.Event) error {
	return c.enqueue(Frame{Type: FrameDomainEvent, Info: &info, Domain: &e})
}

func (c *Conn) OnDataBaseEvent(info domainctx.CallbackInfo, e database.Event) error {
	return c.enqueue(Frame{Type: FrameDataBaseEvent, Info: &info, DataBase: &e})
}

// enqueue 不阻塞。队列满说明客户端跟不上，丢一帧就会破坏顺序，直接断开让客户端重新订阅
func (c *Conn) enqueue(f Frame) error {
	select {
	case <-c.done:
		return apperr.New(apperr.KindConnectionLost, "session %s is closed", c.auth.SessionID)
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return apperr.New(apperr.KindConnectionLost, "session %s is closed", c.auth.SessionID)
	default:
		go c.Close()
		return apperr.New(apperr.KindConnectionLost, "session %s outbound queue is full", c.auth.SessionID)
	}
}

// Close 可重复调用
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop() {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			glog.V(1).Infof("read json error (session=%s, user=%s): %v", c.auth.SessionID, c.auth.UserID, err)
			return
		}
		switch msg.Type {
		case "heartbeat":
			_ = c.enqueue(Frame{Type: FrameFeedback, Content: "Heartbeat received"})
		default:
			// 所有操作都走 HTTP，websocket 只负责推送
			_ = c.enqueue(Frame{Type: FrameIgnored, Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				glog.V(1).Infof("write json error (session=%s): %v", c.auth.SessionID, err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
