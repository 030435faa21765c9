package domainctx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
	"crema/backend/internal/domain"
	"crema/backend/internal/domainlog"
)

var (
	alice = auth.Authentication{UserID: "alice", UserName: "Alice", Authority: auth.Member, SessionID: "s-alice"}
	bob   = auth.Authentication{UserID: "bob", UserName: "Bob", Authority: auth.Member, SessionID: "s-bob"}
	root  = auth.Authentication{UserID: "root", UserName: "Root", Authority: auth.Admin, SessionID: "s-root"}
)

type pushes struct {
	ch chan domain.Event
}

func newPushes() *pushes { return &pushes{ch: make(chan domain.Event, 128)} }

func (p *pushes) OnDomainEvent(_ CallbackInfo, e domain.Event) error {
	p.ch <- e
	return nil
}

// next 跳过其他事件，直到收到 kind
func (p *pushes) next(t *testing.T, kind domain.EventKind) domain.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-p.ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s push within 2s", kind)
			return domain.Event{}
		}
	}
}

func (p *pushes) first(t *testing.T) domain.Event {
	t.Helper()
	select {
	case e := <-p.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("no push within 2s")
		return domain.Event{}
	}
}

type commits struct {
	mu   sync.Mutex
	data map[string]domain.ContentData
}

func (h *commits) CommitDomain(_ context.Context, info domain.Info, data domain.ContentData) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.data == nil {
		h.data = make(map[string]domain.ContentData)
	}
	h.data[info.ItemPath] = data
	return nil
}

func itemsContent() domain.ContentData {
	return domain.ContentData{
		Tables: []domain.TableData{{
			Schema: domain.TableSchema{Name: "Items", Columns: []domain.Column{
				{Name: "id", Type: domain.TypeInt, IsKey: true, AutoIncrement: true},
				{Name: "name", Type: domain.TypeString},
			}},
		}},
		Properties: []domain.PropertyInfo{{Name: "name", Type: domain.TypeString}},
	}
}

func newTestContext(t *testing.T, base string, opts Options) *Context {
	t.Helper()
	store, err := domainlog.NewStore(base)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	opts.Logs = store
	return New("db1", opts)
}

func createItems(t *testing.T, c *Context) *domain.Domain {
	t.Helper()
	d, err := c.Create(context.Background(), alice, CreateRequest{
		ItemPath:          "/tables/Items",
		ItemType:          domain.KindTableContent,
		RequiredAuthority: auth.Member,
		Content:           itemsContent(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return d
}

func TestCreateReturnsLiveDomainForSameItem(t *testing.T) {
	c := newTestContext(t, t.TempDir(), Options{})
	defer c.Close()
	d1 := createItems(t, c)
	d2 := createItems(t, c)
	assert.Equal(t, d1.ID(), d2.ID())
	assert.Equal(t, len(c.GetMetaData()), 1)
}

func TestSubscribeSnapshotThenActivePush(t *testing.T) {
	c := newTestContext(t, t.TempDir(), Options{})
	defer c.Close()
	ctx := context.Background()
	d := createItems(t, c)
	if _, err := c.Enter(ctx, alice, d.ID(), ""); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := c.Leave(ctx, alice, d.ID()); err != nil {
		t.Fatalf("leave: %v", err)
	}

	p := newPushes()
	sub, snap, err := c.Subscribe(ctx, root, p)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	sub.Start()
	assert.Equal(t, len(snap), 1)
	assert.Equal(t, snap[0].State, domain.StateIdle)
	assert.Equal(t, len(snap[0].Participants), 0)

	if err := c.BeginEdit(ctx, alice, d.ID(), domain.Location{TableName: "Items"}, 0); err != nil {
		t.Fatalf("begin edit: %v", err)
	}
	e := p.first(t)
	assert.Equal(t, e.Kind, domain.EventUserAdded)
	assert.Equal(t, e.MetaData.State, domain.StateActive)
	assert.Equal(t, len(e.MetaData.Participants), 1)
	assert.Equal(t, e.MetaData.Participants[0].UserID, "alice")
}

func TestSnapshotFiltersEarlierEvents(t *testing.T) {
	c := newTestContext(t, t.TempDir(), Options{})
	defer c.Close()
	ctx := context.Background()
	d := createItems(t, c)

	p := newPushes()
	sub, snap, err := c.Subscribe(ctx, root, p)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	// 未 Start 之前的事件留在邮箱里
	if _, err := c.NewRow(ctx, alice, d.ID(), []domain.RowInfo{{TableName: "Items", Fields: map[string]any{"name": "x"}}}); err != nil {
		t.Fatalf("new row: %v", err)
	}
	sub.Start()
	e := p.first(t)
	if e.Seq <= snap[0].EventSeq {
		t.Fatalf("push %s seq %d is already in the snapshot (seq %d)", e.Kind, e.Seq, snap[0].EventSeq)
	}
	added := p.next(t, domain.EventRowAdded)
	assert.Equal(t, added.Rows[0].Keys, []any{int64(1)})
}

func TestForceDeleteNotifiesParticipants(t *testing.T) {
	host := &commits{}
	c := newTestContext(t, t.TempDir(), Options{Host: host})
	defer c.Close()
	ctx := context.Background()
	d := createItems(t, c)
	id := d.ID()

	pa, pb := newPushes(), newPushes()
	for _, s := range []struct {
		a auth.Authentication
		p *pushes
	}{{alice, pa}, {bob, pb}} {
		sub, _, err := c.Subscribe(ctx, s.a, s.p)
		if err != nil {
			t.Fatalf("subscribe %s: %v", s.a.UserID, err)
		}
		defer sub.Cancel()
		sub.Start()
	}
	if err := c.BeginEdit(ctx, alice, id, domain.Location{TableName: "Items", RowKey: "1"}, 0); err != nil {
		t.Fatalf("alice edit: %v", err)
	}
	if err := c.BeginEdit(ctx, bob, id, domain.Location{TableName: "Items", RowKey: "2"}, 0); err != nil {
		t.Fatalf("bob edit: %v", err)
	}

	if _, err := c.DeleteDomain(ctx, root, id, false); !errors.Is(err, apperr.ErrDomainBusy) {
		t.Fatalf("delete without force: want DOMAIN_BUSY, got %v", err)
	}
	if _, err := c.DeleteDomain(ctx, root, id, true); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	for _, p := range []*pushes{pa, pb} {
		e := p.next(t, domain.EventDeleted)
		assert.Equal(t, e.DomainID, id)
		assert.Equal(t, e.MetaData.State, domain.StateDeleted)
	}

	if _, err := c.NewRow(ctx, alice, id, []domain.RowInfo{{TableName: "Items", Fields: map[string]any{"name": "x"}}}); !errors.Is(err, apperr.ErrDomainNotFound) {
		t.Fatalf("want DOMAIN_NOT_FOUND after delete, got %v", err)
	}
	if err := c.EndEdit(ctx, bob, id); !errors.Is(err, apperr.ErrDomainNotFound) {
		t.Fatalf("want DOMAIN_NOT_FOUND after delete, got %v", err)
	}
	assert.Equal(t, len(c.GetMetaData()), 0)
	if _, ok := host.data["/tables/Items"]; !ok {
		t.Fatalf("host did not receive the final content")
	}
}

func TestAlreadySubscribed(t *testing.T) {
	c := newTestContext(t, t.TempDir(), Options{})
	defer c.Close()
	ctx := context.Background()
	sub, _, err := c.Subscribe(ctx, alice, newPushes())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, _, err := c.Subscribe(ctx, alice, newPushes()); !errors.Is(err, apperr.ErrAlreadySubscribed) {
		t.Fatalf("want ALREADY_SUBSCRIBED, got %v", err)
	}
	sub.Cancel()
	if err := c.Unsubscribe(ctx, alice); !errors.Is(err, apperr.ErrNotSubscribed) {
		t.Fatalf("want NOT_SUBSCRIBED, got %v", err)
	}
	again, _, err := c.Subscribe(ctx, alice, newPushes())
	if err != nil {
		t.Fatalf("subscribe after cancel: %v", err)
	}
	again.Cancel()
}

func TestUnsubscribeReleasesLocks(t *testing.T) {
	c := newTestContext(t, t.TempDir(), Options{})
	defer c.Close()
	ctx := context.Background()
	d := createItems(t, c)
	loc := domain.Location{TableName: "Items", RowKey: "1"}

	if _, _, err := c.Subscribe(ctx, alice, newPushes()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.BeginEdit(ctx, alice, d.ID(), loc, 0); err != nil {
		t.Fatalf("alice edit: %v", err)
	}
	if err := c.BeginEdit(ctx, bob, d.ID(), loc, 0); !errors.Is(err, apperr.ErrLockConflict) {
		t.Fatalf("want LOCK_CONFLICT, got %v", err)
	}
	if err := c.Unsubscribe(ctx, alice); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := c.BeginEdit(ctx, bob, d.ID(), loc, 0); err != nil {
		t.Fatalf("bob edit after alice left: %v", err)
	}
	for _, p := range d.MetaData().Participants {
		if p.UserID == "alice" {
			t.Fatalf("alice is still a participant")
		}
	}
}

func TestRestoreReattachesOnSubscribe(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()
	c := newTestContext(t, base, Options{})
	d := createItems(t, c)
	id := d.ID()
	if _, err := c.NewRow(ctx, alice, id, []domain.RowInfo{{TableName: "Items", Fields: map[string]any{"name": "kept"}}}); err != nil {
		t.Fatalf("new row: %v", err)
	}
	c.Close()

	c2 := newTestContext(t, base, Options{})
	defer c2.Close()
	if err := c2.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	metas := c2.GetMetaData()
	assert.Equal(t, len(metas), 1)
	assert.Equal(t, metas[0].State, domain.StateIdle)
	assert.Equal(t, metas[0].OnlineCount(), 0)

	data, err := c2.Content(ctx, id)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	assert.Equal(t, data.Tables[0].Rows[0]["name"], "kept")

	sub, _, err := c2.Subscribe(ctx, alice, newPushes())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	restored, _ := c2.Domain(id)
	assert.Equal(t, restored.MetaData().State, domain.StateActive)
}

func TestListenersObserveEvents(t *testing.T) {
	seen := make(chan domain.EventKind, 16)
	listeners := NewListeners().On(domain.EventCreated, ListenerFunc(func(_ context.Context, e domain.Event) error {
		seen <- e.Kind
		return nil
	}))
	c := newTestContext(t, t.TempDir(), Options{Listeners: listeners})
	defer c.Close()
	createItems(t, c)
	select {
	case k := <-seen:
		assert.Equal(t, k, domain.EventCreated)
	case <-time.After(2 * time.Second):
		t.Fatalf("listener was not called")
	}
}
