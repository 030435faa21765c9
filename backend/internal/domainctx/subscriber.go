package domainctx

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"crema/backend/internal/auth"
	"crema/backend/internal/domain"
)

// CallbackInfo 附在每条推送上，把通知和触发它的客户端请求关联起来
type CallbackInfo struct {
	Index    uint64    `json:"index"`
	TaskID   string    `json:"taskId"`
	UserID   string    `json:"userId"`
	DateTime time.Time `json:"dateTime"`
}

// Callback 是推送通道（websocket 连接等）。返回的错误只记录，不影响其他订阅者
type Callback interface {
	OnDomainEvent(info CallbackInfo, e domain.Event) error
}

type CallbackFunc func(info CallbackInfo, e domain.Event) error

func (f CallbackFunc) OnDomainEvent(info CallbackInfo, e domain.Event) error { return f(info, e) }

// subscriber 拥有一个有界邮箱和一个投递 goroutine，投递顺序等于入队顺序
type subscriber struct {
	auth  auth.Authentication
	cb    Callback
	queue chan domain.Event
	// 订阅快照里各 Domain 的事件序号；不大于它的事件已体现在快照中
	watermark map[string]uint64
	quit      chan struct{}
	once      sync.Once
	started   sync.Once
	index     uint64
}

func newSubscriber(a auth.Authentication, cb Callback, size int) *subscriber {
	return &subscriber{
		auth:      a,
		cb:        cb,
		queue:     make(chan domain.Event, size),
		watermark: make(map[string]uint64),
		quit:      make(chan struct{}),
	}
}

func (s *subscriber) offer(e domain.Event) bool {
	select {
	case s.queue <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) run() {
	for {
		select {
		case e := <-s.queue:
			if e.Seq <= s.watermark[e.DomainID] {
				continue
			}
			s.index++
			info := CallbackInfo{Index: s.index, TaskID: e.TaskID, UserID: e.ActorID, DateTime: e.DateTime}
			if err := s.cb.OnDomainEvent(info, e); err != nil {
				glog.Warningf("push %s to session %s failed: %v", e.Kind, s.auth.SessionID, err)
			}
		case <-s.quit:
			return
		}
	}
}

func (s *subscriber) start() {
	s.started.Do(func() { go s.run() })
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.quit) })
}

// Subscription 是 Subscribe 返回的句柄。
// 调用方先把快照交给客户端，再 Start 开始投递；期间的事件留在邮箱里
type Subscription struct {
	c    *Context
	auth auth.Authentication
	sub  *subscriber
	once sync.Once
}

func (s *Subscription) SessionID() string { return s.auth.SessionID }

func (s *Subscription) Start() { s.sub.start() }

// Cancel 等同于 Unsubscribe，可以重复调用
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if err := s.c.Unsubscribe(context.Background(), s.auth); err != nil {
			glog.V(1).Infof("cancel subscription %s: %v", s.auth.SessionID, err)
		}
	})
}
