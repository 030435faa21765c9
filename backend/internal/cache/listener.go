package cache

import (
	"context"
	"encoding/json"
	"time"

	"crema/backend/internal/domain"
	"crema/backend/internal/domainctx"
)

// 参与者在线信息的逻辑 TTL；每次该用户在 Domain 内有动作都会刷新
const defaultPresenceTTL = 10 * time.Minute

type locationState struct {
	Location domain.Location `json:"location"`
	Editing  bool            `json:"editing"`
	At       time.Time       `json:"at"`
}

// PresenceListener 把 Domain 的参与者事件同步进 PresenceCache
type PresenceListener struct {
	cache PresenceCache
	ttl   time.Duration
}

func NewPresenceListener(c PresenceCache, ttl time.Duration) *PresenceListener {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &PresenceListener{cache: c, ttl: ttl}
}

// Register 挂到关心的事件类型上
func (l *PresenceListener) Register(ls *domainctx.Listeners) {
	for _, k := range []domain.EventKind{
		domain.EventUserAdded,
		domain.EventUserChanged,
		domain.EventUserRemoved,
		domain.EventLocationChanged,
		domain.EventEditBegun,
		domain.EventEditEnded,
		domain.EventDeleted,
	} {
		ls.On(k, l)
	}
}

func (l *PresenceListener) Handle(ctx context.Context, e domain.Event) error {
	switch e.Kind {
	case domain.EventDeleted:
		return l.cache.Clear(ctx, e.DomainID)
	case domain.EventUserRemoved:
		return l.cache.Leave(ctx, e.DomainID, e.UserID)
	}
	p := e.Participant
	if p == nil {
		return nil
	}
	// 离线但仍保留参与关系的用户不算在线
	if !p.Online {
		return l.cache.Leave(ctx, e.DomainID, p.UserID)
	}
	if err := l.cache.Join(ctx, e.DomainID, p.UserID, p.UserName, l.ttl); err != nil {
		return err
	}
	b, err := json.Marshal(locationState{Location: p.Location, Editing: p.Editing, At: e.DateTime})
	if err != nil {
		return err
	}
	return l.cache.SetLocation(ctx, e.DomainID, p.UserID, b, l.ttl)
}
