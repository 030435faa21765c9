package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"crema/backend/internal/domain"
)

func TestRedisPresence(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	ctx := context.Background()
	p := NewRedisPresence(rdb)
	domainID := uuid.NewString()
	defer p.Clear(ctx, domainID)

	if err := p.Join(ctx, domainID, "alice", "Alice", time.Minute); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	// 已过期的成员会被 Lua 脚本清掉
	if err := p.Join(ctx, domainID, "bob", "Bob", -time.Minute); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	members, err := p.GetAliveMembersWithNames(ctx, domainID)
	if err != nil {
		t.Fatalf("alive: %v", err)
	}
	assert.Equal(t, members, []PresenceMember{{UserID: "alice", Username: "Alice"}})

	if err := p.SetLocation(ctx, domainID, "alice", []byte(`{"editing":true}`), time.Minute); err != nil {
		t.Fatalf("location: %v", err)
	}
	got, err := p.GetLocation(ctx, domainID, "alice")
	if err != nil {
		t.Fatalf("get location: %v", err)
	}
	assert.Equal(t, string(got), `{"editing":true}`)

	ids, err := p.GetDomains(ctx)
	if err != nil {
		t.Fatalf("domains: %v", err)
	}
	found := false
	for _, id := range ids {
		found = found || id == domainID
	}
	if !found {
		t.Fatalf("domain %s not indexed", domainID)
	}

	if err := p.Leave(ctx, domainID, "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := p.GetLocation(ctx, domainID, "alice"); err != redis.Nil {
		t.Fatalf("location should be gone, got %v", err)
	}
}

type memPresence struct {
	names     map[string]string
	locations map[string][]byte
	cleared   []string
}

func newMemPresence() *memPresence {
	return &memPresence{names: map[string]string{}, locations: map[string][]byte{}}
}

func (m *memPresence) Join(_ context.Context, domainID, userID, username string, _ time.Duration) error {
	m.names[domainID+"/"+userID] = username
	return nil
}

func (m *memPresence) Leave(_ context.Context, domainID, userID string) error {
	delete(m.names, domainID+"/"+userID)
	delete(m.locations, domainID+"/"+userID)
	return nil
}

func (m *memPresence) SetLocation(_ context.Context, domainID, userID string, b []byte, _ time.Duration) error {
	m.locations[domainID+"/"+userID] = b
	return nil
}

func (m *memPresence) GetLocation(_ context.Context, domainID, userID string) ([]byte, error) {
	return m.locations[domainID+"/"+userID], nil
}

func (m *memPresence) GetDomains(context.Context) ([]string, error) { return nil, nil }

func (m *memPresence) GetAliveMembersWithNames(context.Context, string) ([]PresenceMember, error) {
	return nil, nil
}

func (m *memPresence) Clear(_ context.Context, domainID string) error {
	m.cleared = append(m.cleared, domainID)
	return nil
}

func TestPresenceListenerFollowsParticipants(t *testing.T) {
	mem := newMemPresence()
	l := NewPresenceListener(mem, 0)
	ctx := context.Background()
	alice := &domain.ParticipantInfo{UserID: "alice", UserName: "Alice", Online: true}

	if err := l.Handle(ctx, domain.Event{Kind: domain.EventUserAdded, DomainID: "d1", UserID: "alice", Participant: alice}); err != nil {
		t.Fatalf("added: %v", err)
	}
	assert.Equal(t, mem.names["d1/alice"], "Alice")

	editing := *alice
	editing.Location = domain.Location{TableName: "Items", RowKey: "1"}
	editing.Editing = true
	if err := l.Handle(ctx, domain.Event{Kind: domain.EventEditBegun, DomainID: "d1", UserID: "alice", Participant: &editing}); err != nil {
		t.Fatalf("edit begun: %v", err)
	}
	var st locationState
	if err := json.Unmarshal(mem.locations["d1/alice"], &st); err != nil {
		t.Fatalf("decode location: %v", err)
	}
	assert.Equal(t, st.Location.TableName, "Items")
	assert.Equal(t, st.Editing, true)

	// 断线后仍是参与者，但不再在线
	offline := *alice
	offline.Online = false
	if err := l.Handle(ctx, domain.Event{Kind: domain.EventUserChanged, DomainID: "d1", UserID: "alice", Participant: &offline}); err != nil {
		t.Fatalf("changed: %v", err)
	}
	if _, ok := mem.names["d1/alice"]; ok {
		t.Fatalf("offline participant still present")
	}

	if err := l.Handle(ctx, domain.Event{Kind: domain.EventDeleted, DomainID: "d1"}); err != nil {
		t.Fatalf("deleted: %v", err)
	}
	assert.Equal(t, mem.cleared, []string{"d1"})
}
