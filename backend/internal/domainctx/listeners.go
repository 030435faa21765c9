package domainctx

import (
	"context"
	"time"

	"github.com/golang/glog"

	"crema/backend/internal/domain"
)

// Listener 处理某类 Domain 事件（同步 presence、导出到 Kafka 等），
// 在 Context 的观察者 goroutine 里调用，不占用 Domain 的 dispatcher
type Listener interface {
	Handle(ctx context.Context, e domain.Event) error
}

type ListenerFunc func(ctx context.Context, e domain.Event) error

func (f ListenerFunc) Handle(ctx context.Context, e domain.Event) error { return f(ctx, e) }

// Listeners 是事件类型到处理器的静态表，进程启动时构建，之后只读
type Listeners struct {
	byKind map[domain.EventKind][]Listener
	all    []Listener
}

func NewListeners() *Listeners {
	return &Listeners{byKind: make(map[domain.EventKind][]Listener)}
}

func (l *Listeners) On(kind domain.EventKind, h Listener) *Listeners {
	l.byKind[kind] = append(l.byKind[kind], h)
	return l
}

func (l *Listeners) OnAll(h Listener) *Listeners {
	l.all = append(l.all, h)
	return l
}

func (l *Listeners) dispatch(e domain.Event) {
	if l == nil {
		return
	}
	handlers := append(append([]Listener(nil), l.byKind[e.Kind]...), l.all...)
	for _, h := range handlers {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.Handle(ctx, e); err != nil {
			glog.Warningf("listener for %s on domain %s failed: %v", e.Kind, e.DomainID, err)
		}
		cancel()
	}
}
