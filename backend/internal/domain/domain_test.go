package domain

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
	"crema/backend/internal/domainlog"
)

var (
	alice = auth.Authentication{UserID: "alice", UserName: "Alice", Authority: auth.Member, SessionID: "s-alice"}
	bob   = auth.Authentication{UserID: "bob", UserName: "Bob", Authority: auth.Member, SessionID: "s-bob"}
	guest = auth.Authentication{UserID: "gina", UserName: "Gina", Authority: auth.Guest, SessionID: "s-gina"}
	root  = auth.Authentication{UserID: "root", UserName: "Root", Authority: auth.Admin, SessionID: "s-root"}
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func testContent() ContentData {
	return ContentData{
		Tables: []TableData{{
			Schema: TableSchema{Name: "Items", Columns: []Column{
				{Name: "id", Type: TypeInt, IsKey: true, AutoIncrement: true},
				{Name: "name", Type: TypeString, Unique: true},
				{Name: "price", Type: TypeFloat, AllowNull: true},
			}},
		}},
		Properties: []PropertyInfo{{Name: "name", Type: TypeString}, {Name: "tags", Type: TypeString}},
	}
}

func newTestDomain(t *testing.T) (*Domain, *recorder, string) {
	t.Helper()
	info := Info{
		DomainID:          "d1",
		DataBaseID:        "db1",
		ItemPath:          "/tables/Items",
		ItemType:          KindTableContent,
		RequiredAuthority: auth.Member,
		CreatedBy:         "alice",
		CreatedAt:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	header, err := EncodeHeader(info, testContent())
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "d1")
	log, err := domainlog.Create(dir, header)
	if err != nil {
		t.Fatalf("create log: %v", err)
	}
	rec := &recorder{}
	d, err := New(info, testContent(), log, Options{Sink: rec})
	if err != nil {
		t.Fatalf("new domain: %v", err)
	}
	return d, rec, dir
}

func TestNewRowGeneratesKeysAndRejectsUnauthorized(t *testing.T) {
	d, _, _ := newTestDomain(t)
	defer d.Close()
	ctx := context.Background()

	rows, err := d.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"name": "rowX", "price": 1.5}}})
	if err != nil {
		t.Fatalf("new row: %v", err)
	}
	assert.Equal(t, len(rows), 1)
	assert.Equal(t, rows[0].Keys, []any{int64(1)})
	assert.Equal(t, rows[0].Fields["name"], "rowX")

	postID := d.MetaData().PostID
	if err := d.SetProperty(ctx, guest, "name", "v"); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("expected NOT_AUTHORIZED, got %v", err)
	}
	assert.Equal(t, d.MetaData().PostID, postID)

	data, err := d.Content(ctx)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	assert.Equal(t, len(data.Tables[0].Rows), 1)
	assert.Equal(t, data.Tables[0].Rows[0]["name"], "rowX")
	if _, ok := data.Values["name"]; ok {
		t.Fatalf("property must not be set")
	}
	for _, p := range d.MetaData().Participants {
		if p.UserID == guest.UserID {
			t.Fatalf("rejected caller must not become a participant")
		}
	}
}

func TestRejectedBatchIsAllOrNothing(t *testing.T) {
	d, _, _ := newTestDomain(t)
	defer d.Close()
	ctx := context.Background()

	if _, err := d.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"name": "a"}}}); err != nil {
		t.Fatalf("new row: %v", err)
	}
	before := d.MetaData().PostID

	_, err := d.NewRow(ctx, alice, []RowInfo{
		{TableName: "Items", Fields: map[string]any{"name": "b"}},
		{TableName: "Items", Fields: map[string]any{"name": "a"}},
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected VALIDATION_ERROR for unique violation, got %v", err)
	}
	_, err = d.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"name": 12}}})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected VALIDATION_ERROR for type mismatch, got %v", err)
	}
	assert.Equal(t, d.MetaData().PostID, before)

	data, _ := d.Content(ctx)
	assert.Equal(t, len(data.Tables[0].Rows), 1)
}

func TestSetAndRemoveRow(t *testing.T) {
	d, rec, _ := newTestDomain(t)
	defer d.Close()
	ctx := context.Background()

	d.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"name": "a"}}})
	rows, err := d.SetRow(ctx, alice, []RowInfo{{TableName: "Items", Keys: []any{1}, Fields: map[string]any{"price": 9.0}}})
	if err != nil {
		t.Fatalf("set row: %v", err)
	}
	assert.Equal(t, rows[0].Fields["price"], 9.0)

	if _, err := d.SetRow(ctx, alice, []RowInfo{{TableName: "Items", Keys: []any{1}, Fields: map[string]any{"id": 5}}}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("key change must be rejected, got %v", err)
	}
	if _, err := d.RemoveRow(ctx, alice, []RowInfo{{TableName: "Items", Keys: []any{1}}}); err != nil {
		t.Fatalf("remove row: %v", err)
	}
	if _, err := d.RemoveRow(ctx, alice, []RowInfo{{TableName: "Items", Keys: []any{1}}}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected VALIDATION_ERROR for missing row, got %v", err)
	}

	kinds := rec.kinds()
	assert.Equal(t, kinds[len(kinds)-1], EventRowRemoved)
	assert.Equal(t, d.MetaData().ModifiedTables, []string{"Items"})
}

func TestBeginEditConflict(t *testing.T) {
	d, _, _ := newTestDomain(t)
	defer d.Close()
	ctx := context.Background()
	loc := Location{TableName: "Items", RowKey: "1", ColumnName: "name"}

	if err := d.BeginEdit(ctx, alice, loc, 0); err != nil {
		t.Fatalf("alice begin edit: %v", err)
	}
	if err := d.BeginEdit(ctx, bob, loc, 0); !errors.Is(err, apperr.ErrLockConflict) {
		t.Fatalf("expected LOCK_CONFLICT, got %v", err)
	}
	if err := d.EndEdit(ctx, alice); err != nil {
		t.Fatalf("end edit: %v", err)
	}
	if err := d.EndEdit(ctx, alice); err != nil {
		t.Fatalf("end edit must be idempotent: %v", err)
	}
	if err := d.BeginEdit(ctx, bob, loc, 0); err != nil {
		t.Fatalf("bob begin edit after release: %v", err)
	}
}

func TestBeginEditWaitsForRelease(t *testing.T) {
	d, _, _ := newTestDomain(t)
	defer d.Close()
	ctx := context.Background()
	loc := Location{TableName: "Items"}

	if err := d.BeginEdit(ctx, alice, loc, 0); err != nil {
		t.Fatalf("alice begin edit: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- d.BeginEdit(ctx, bob, loc, 5*time.Second) }()

	time.Sleep(50 * time.Millisecond)
	if err := d.EndEdit(ctx, alice); err != nil {
		t.Fatalf("end edit: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("bob should acquire after release: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("bob never acquired the lock")
	}
}

func TestBeginEditTimeout(t *testing.T) {
	d, _, _ := newTestDomain(t)
	defer d.Close()
	ctx := context.Background()
	loc := Location{TableName: "Items"}

	d.BeginEdit(ctx, alice, loc, 0)
	if err := d.BeginEdit(ctx, bob, loc, 50*time.Millisecond); !errors.Is(err, apperr.ErrLockTimeout) {
		t.Fatalf("expected LOCK_TIMEOUT, got %v", err)
	}
}

func TestForceDeleteCancelsLockWait(t *testing.T) {
	d, rec, _ := newTestDomain(t)
	ctx := context.Background()
	loc := Location{TableName: "Items"}

	d.BeginEdit(ctx, alice, loc, 0)
	done := make(chan error, 1)
	go func() { done <- d.BeginEdit(ctx, bob, loc, time.Minute) }()
	time.Sleep(50 * time.Millisecond)

	if _, err := d.Delete(ctx, root, false); !errors.Is(err, apperr.ErrDomainBusy) {
		t.Fatalf("expected DOMAIN_BUSY, got %v", err)
	}
	if _, err := d.Delete(ctx, root, true); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, apperr.ErrDomainDeleted) {
			t.Fatalf("expected DOMAIN_DELETED, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("lock wait was not cancelled")
	}
	if _, err := d.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"name": "x"}}}); !errors.Is(err, apperr.ErrDomainDeleted) {
		t.Fatalf("expected DOMAIN_DELETED after delete, got %v", err)
	}
	kinds := rec.kinds()
	assert.Equal(t, kinds[len(kinds)-1], EventDeleted)
	assert.Equal(t, d.MetaData().State, StateDeleted)
}

func TestDeleteRequiresOwnerOrAdmin(t *testing.T) {
	d, _, _ := newTestDomain(t)
	ctx := context.Background()
	d.Enter(ctx, alice, AccessWrite)
	d.Enter(ctx, bob, AccessWrite)

	if _, err := d.Delete(ctx, bob, true); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("expected NOT_AUTHORIZED, got %v", err)
	}
	if _, err := d.Delete(ctx, alice, false); !errors.Is(err, apperr.ErrDomainBusy) {
		t.Fatalf("expected DOMAIN_BUSY, got %v", err)
	}
	d.Leave(ctx, bob)
	if _, err := d.Delete(ctx, alice, false); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
}

func TestKickRules(t *testing.T) {
	d, rec, _ := newTestDomain(t)
	defer d.Close()
	ctx := context.Background()
	loc := Location{TableName: "Items"}

	d.Enter(ctx, alice, AccessWrite)
	d.BeginEdit(ctx, bob, loc, 0)

	if err := d.Kick(ctx, alice, "bob", "out"); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("member kick: expected NOT_AUTHORIZED, got %v", err)
	}
	if err := d.Kick(ctx, root, "alice", "owner"); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("kicking the owner must fail, got %v", err)
	}
	if err := d.Kick(ctx, root, "root", "self"); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("kicking yourself must fail, got %v", err)
	}
	if err := d.Kick(ctx, root, "bob", "out"); err != nil {
		t.Fatalf("admin kick: %v", err)
	}
	if err := d.BeginEdit(ctx, alice, loc, 0); err != nil {
		t.Fatalf("kick must release the lock: %v", err)
	}

	var removed *Event
	for _, e := range rec.events {
		if e.Kind == EventUserRemoved && e.UserID == "bob" {
			e := e
			removed = &e
		}
	}
	if removed == nil || removed.Reason != RemoveKick || removed.Comment != "out" {
		t.Fatalf("missing kick notification: %+v", removed)
	}
}

func TestSetOwner(t *testing.T) {
	d, _, _ := newTestDomain(t)
	defer d.Close()
	ctx := context.Background()
	d.Enter(ctx, alice, AccessWrite)
	d.Enter(ctx, bob, AccessWrite)
	assert.Equal(t, d.MetaData().OwnerID, "alice")

	if err := d.SetOwner(ctx, bob, "bob"); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("expected NOT_AUTHORIZED, got %v", err)
	}
	if err := d.SetOwner(ctx, alice, "bob"); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	assert.Equal(t, d.MetaData().OwnerID, "bob")

	// owner 离开后所有权顺延
	d.Leave(ctx, bob)
	assert.Equal(t, d.MetaData().OwnerID, "alice")
}

func TestStateTransitions(t *testing.T) {
	d, _, _ := newTestDomain(t)
	defer d.Close()
	ctx := context.Background()
	assert.Equal(t, d.MetaData().State, StateCreated)

	d.Enter(ctx, alice, "")
	assert.Equal(t, d.MetaData().State, StateActive)
	d.Detach(ctx, alice)
	assert.Equal(t, d.MetaData().State, StateIdle)
	assert.Equal(t, len(d.MetaData().Participants), 0)
	d.Enter(ctx, bob, "")
	assert.Equal(t, d.MetaData().State, StateActive)
}

func TestReplayEquivalence(t *testing.T) {
	d, _, dir := newTestDomain(t)
	ctx := context.Background()

	d.NewRow(ctx, alice, []RowInfo{
		{TableName: "Items", Fields: map[string]any{"name": "a", "price": 1.25}},
		{TableName: "Items", Fields: map[string]any{"name": "b"}},
	})
	d.BeginEdit(ctx, bob, Location{TableName: "Items", RowKey: "2"}, 0)
	d.SetRow(ctx, bob, []RowInfo{{TableName: "Items", Keys: []any{2}, Fields: map[string]any{"price": 3.0}}})
	d.EndEdit(ctx, bob)
	d.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"name": "c"}}})
	d.RemoveRow(ctx, alice, []RowInfo{{TableName: "Items", Keys: []any{1}}})
	d.SetProperty(ctx, alice, "name", "inventory")
	d.SetOwner(ctx, alice, "bob")

	want, err := d.Content(ctx)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	wantMeta := d.MetaData()
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	log, err := domainlog.Open(dir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	r, err := Restore(log, Options{})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	defer r.Close()

	got, err := r.Content(ctx)
	if err != nil {
		t.Fatalf("restored content: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("replayed state differs:\n got %+v\nwant %+v", got, want)
	}
	meta := r.MetaData()
	assert.Equal(t, meta.PostID, wantMeta.PostID)
	assert.Equal(t, meta.OwnerID, "bob")
	assert.Equal(t, meta.State, StateIdle)
	assert.Equal(t, meta.OnlineCount(), 0)

	var next uint64 = 1
	for item, err := range r.History(0) {
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		assert.Equal(t, item.Post.ID, next)
		next++
	}
	assert.Equal(t, next-1, wantMeta.PostID)

	// 恢复后继续写入，序号不出现空洞
	if _, err := r.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"name": "d"}}}); err != nil {
		t.Fatalf("write after restore: %v", err)
	}
	assert.Equal(t, r.MetaData().PostID, wantMeta.PostID+1)
}

func TestEventsAreOrderedAndCarrySnapshot(t *testing.T) {
	d, rec, _ := newTestDomain(t)
	defer d.Close()
	ctx := context.Background()

	d.BeginEdit(ctx, alice, Location{TableName: "Items"}, 0)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var last uint64
	for _, e := range rec.events {
		if e.Seq <= last {
			t.Fatalf("event sequence not increasing: %d after %d", e.Seq, last)
		}
		last = e.Seq
	}
	final := rec.events[len(rec.events)-1]
	assert.Equal(t, final.MetaData.State, StateActive)
	assert.Equal(t, final.MetaData.Participants[0].UserID, "alice")
	assert.Equal(t, final.MetaData.Participants[0].Editing, true)
}

func restoreFrom(t *testing.T, dir string) *Domain {
	t.Helper()
	log, err := domainlog.Open(dir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	r, err := Restore(log, Options{})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	return r
}

func TestEdgeValuesReplayToSameState(t *testing.T) {
	d, _, dir := newTestDomain(t)
	ctx := context.Background()

	// 超出 int64 的整数和非法 UTF-8 在接受时就被拒绝
	if _, err := d.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"id": 1e20, "name": "big"}}}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected VALIDATION_ERROR for out-of-range int, got %v", err)
	}
	if _, err := d.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"name": "a\xff"}}}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected VALIDATION_ERROR for invalid UTF-8, got %v", err)
	}
	if err := d.SetProperty(ctx, alice, "tags", "x\xfe"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected VALIDATION_ERROR for invalid UTF-8 property, got %v", err)
	}
	if err := d.BeginEdit(ctx, alice, Location{TableName: "Items", RowKey: "k\xff"}, 0); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected VALIDATION_ERROR for invalid UTF-8 location, got %v", err)
	}

	// 边界内的值以转换后的形式落盘
	if _, err := d.NewRow(ctx, alice, []RowInfo{
		{TableName: "Items", Fields: map[string]any{"id": 4e18, "name": "big", "price": json.Number("0.1")}},
		{TableName: "Items", Fields: map[string]any{"name": "héllo"}},
	}); err != nil {
		t.Fatalf("new row: %v", err)
	}
	if _, err := d.SetRow(ctx, alice, []RowInfo{{TableName: "Items", Keys: []any{4e18}, Fields: map[string]any{"price": float32(2.5)}}}); err != nil {
		t.Fatalf("set row: %v", err)
	}
	if err := d.SetProperty(ctx, alice, "tags", "ünïcode"); err != nil {
		t.Fatalf("set property: %v", err)
	}
	want, err := d.Content(ctx)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r := restoreFrom(t, dir)
	defer r.Close()
	if err := r.Fault(); err != nil {
		t.Fatalf("restored domain faulted: %v", err)
	}
	got, err := r.Content(ctx)
	if err != nil {
		t.Fatalf("restored content: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("replayed state differs:\n got %+v\nwant %+v", got, want)
	}
	assert.Equal(t, got.Tables[0].Rows[0]["id"], int64(4e18))
	assert.Equal(t, got.Tables[0].Rows[1]["id"], int64(4e18)+1)

	for item, err := range r.History(0) {
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if item.Action.Type == ActionSetRow {
			assert.Equal(t, item.Action.Rows[0].Keys, []any{json.Number("4000000000000000000")})
		}
	}
}

func TestFailedWriteFaultsDomain(t *testing.T) {
	d, rec, dir := newTestDomain(t)
	defer d.Close()
	ctx := context.Background()

	if _, err := d.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"name": "a"}}}); err != nil {
		t.Fatalf("new row: %v", err)
	}
	postID := d.MetaData().PostID

	// 载荷目录消失后 Post 无法落盘
	if err := os.RemoveAll(filepath.Join(dir, "actions")); err != nil {
		t.Fatalf("remove actions: %v", err)
	}
	if _, err := d.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"name": "b"}}}); !errors.Is(err, apperr.ErrDomainFaulted) {
		t.Fatalf("expected DOMAIN_FAULTED, got %v", err)
	}
	meta := d.MetaData()
	assert.Equal(t, meta.State, StateFaulted)
	assert.Equal(t, meta.PostID, postID)
	kinds := rec.kinds()
	assert.Equal(t, kinds[len(kinds)-1], EventStateChanged)
	if err := d.Fault(); !errors.Is(err, apperr.ErrDomainFaulted) {
		t.Fatalf("fault should record the write failure, got %v", err)
	}

	if err := d.SetProperty(ctx, alice, "name", "x"); !errors.Is(err, apperr.ErrDomainFaulted) {
		t.Fatalf("expected DOMAIN_FAULTED for later mutation, got %v", err)
	}
	if _, err := d.Enter(ctx, bob, ""); !errors.Is(err, apperr.ErrDomainFaulted) {
		t.Fatalf("expected DOMAIN_FAULTED for enter, got %v", err)
	}
	// 读取仍然可用，内容停在最后一次成功的写入
	data, err := d.Content(ctx)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	assert.Equal(t, len(data.Tables[0].Rows), 1)
	assert.Equal(t, data.Tables[0].Rows[0]["name"], "a")
}

func TestRestoreStopsAtCorruptEntry(t *testing.T) {
	d, _, dir := newTestDomain(t)
	ctx := context.Background()
	// #1 Enter，#2..#4 NewRow
	for _, name := range []string{"a", "b", "c"} {
		if _, err := d.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"name": name}}}); err != nil {
			t.Fatalf("new row %s: %v", name, err)
		}
	}
	d.Close()

	path := filepath.Join(dir, "posted")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read posted: %v", err)
	}
	lines := strings.SplitAfter(string(b), "\n")
	lines[2] = "3\talice\tnot-a-time\tNewRow\n"
	if err := os.WriteFile(path, []byte(strings.Join(lines, "")), 0o644); err != nil {
		t.Fatalf("rewrite posted: %v", err)
	}

	r := restoreFrom(t, dir)
	defer r.Close()
	meta := r.MetaData()
	assert.Equal(t, meta.State, StateFaulted)
	assert.Equal(t, meta.PostID, uint64(2))
	if err := r.Fault(); !errors.Is(err, apperr.ErrCorruptLogEntry) {
		t.Fatalf("expected CORRUPT_LOG_ENTRY, got %v", err)
	}
	data, err := r.Content(ctx)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	assert.Equal(t, len(data.Tables[0].Rows), 1)
	assert.Equal(t, data.Tables[0].Rows[0]["name"], "a")
	if _, err := r.NewRow(ctx, alice, []RowInfo{{TableName: "Items", Fields: map[string]any{"name": "d"}}}); !errors.Is(err, apperr.ErrDomainFaulted) {
		t.Fatalf("expected DOMAIN_FAULTED, got %v", err)
	}
}
