package database

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
	"crema/backend/internal/domain"
	"crema/backend/internal/domainctx"
)

// session 是一个订阅了回调的客户端会话，持有它在每个已加载 data-base 上的 Domain 订阅。
// 字段由 Context.mu 保护
type session struct {
	auth    auth.Authentication
	cb      Callback
	subs    map[string]*domainctx.Subscription
	started bool
	pending []Event
	index   atomic.Uint64
}

func (s *session) deliver(e Event) {
	if !s.started {
		s.pending = append(s.pending, e)
		return
	}
	info := domainctx.CallbackInfo{Index: s.index.Add(1), TaskID: e.TaskID, UserID: e.ActorID, DateTime: e.DateTime}
	if err := s.cb.OnDataBaseEvent(info, e); err != nil {
		glog.Warningf("push %s to session %s failed: %v", e.Kind, s.auth.SessionID, err)
	}
}

// Snapshot 是订阅时的一致视图：全部 data-base 以及每个已加载 data-base 的 Domain
type Snapshot struct {
	DataBases []Info                       `json:"dataBases"`
	Domains   map[string][]domain.MetaData `json:"domains"`
}

type Subscription struct {
	c    *Context
	s    *session
	once sync.Once
}

// Start 在快照交给客户端之后调用，开始投递之前缓存的和之后的事件
func (sub *Subscription) Start() {
	c := sub.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub.s.started {
		return
	}
	sub.s.started = true
	for _, e := range sub.s.pending {
		sub.s.deliver(e)
	}
	sub.s.pending = nil
	for _, ds := range sub.s.subs {
		ds.Start()
	}
}

func (sub *Subscription) Cancel() {
	sub.once.Do(func() {
		if err := sub.c.Unsubscribe(context.Background(), sub.s.auth); err != nil {
			glog.V(1).Infof("cancel subscription %s: %v", sub.s.auth.SessionID, err)
		}
	})
}

// Subscribe 注册会话：订阅 data-base 事件以及所有已加载 data-base 的 Domain 事件
func (c *Context) Subscribe(ctx context.Context, a auth.Authentication, cb Callback) (*Subscription, Snapshot, error) {
	if a.SessionID == "" {
		return nil, Snapshot{}, apperr.New(apperr.KindInvalidArgument, "subscribe needs a session id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[a.SessionID]; ok {
		return nil, Snapshot{}, apperr.New(apperr.KindAlreadySubscribed, "session %s is already subscribed", a.SessionID)
	}
	s := &session{auth: a, cb: cb, subs: make(map[string]*domainctx.Subscription)}
	snap := Snapshot{DataBases: c.listLocked(), Domains: make(map[string][]domain.MetaData)}
	for id, e := range c.bases {
		if e.domains == nil {
			continue
		}
		sub, metas, err := e.domains.Subscribe(ctx, a, cb)
		if err != nil {
			for _, done := range s.subs {
				done.Cancel()
			}
			return nil, Snapshot{}, err
		}
		s.subs[id] = sub
		snap.Domains[id] = metas
	}
	c.sessions[a.SessionID] = s
	glog.Infof("session %s of %s subscribed (%d databases loaded)", a.SessionID, a.UserID, len(s.subs))
	return &Subscription{c: c, s: s}, snap, nil
}

func (c *Context) Unsubscribe(_ context.Context, a auth.Authentication) error {
	c.mu.Lock()
	s, ok := c.sessions[a.SessionID]
	if ok {
		delete(c.sessions, a.SessionID)
	}
	c.mu.Unlock()
	if !ok {
		return apperr.New(apperr.KindNotSubscribed, "session %s is not subscribed", a.SessionID)
	}
	for _, sub := range s.subs {
		sub.Cancel()
	}
	glog.Infof("session %s of %s unsubscribed", a.SessionID, a.UserID)
	return nil
}

// Disconnect 是传输层断开：等同于 Unsubscribe，从所有 Domain 中离开并释放锁
func (c *Context) Disconnect(a auth.Authentication) {
	err := c.Unsubscribe(context.Background(), a)
	if err != nil && !errors.Is(err, apperr.ErrNotSubscribed) {
		glog.Warningf("disconnect %s: %v", a.SessionID, err)
	}
}

func (c *Context) notifyLocked(a auth.Authentication, taskID string, e Event) {
	e.ActorID = a.UserID
	e.TaskID = taskID
	e.DateTime = c.opts.Now().UTC()
	for _, s := range c.sessions {
		s.deliver(e)
	}
}

// completeLocked 只通知发起请求的会话
func (c *Context) completeLocked(a auth.Authentication, taskID string) {
	s, ok := c.sessions[a.SessionID]
	if !ok {
		return
	}
	s.deliver(Event{Kind: EventTaskCompleted, ActorID: a.UserID, TaskID: taskID, DateTime: c.opts.Now().UTC()})
}
