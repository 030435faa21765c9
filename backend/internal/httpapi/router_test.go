package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
	"crema/backend/internal/database"
	"crema/backend/internal/domain"
	"crema/backend/internal/domainlog"
	"crema/backend/internal/ws"
)

type apiResult struct {
	Value json.RawMessage `json:"value"`
	Fault *fault          `json:"fault"`
}

type env struct {
	router   *gin.Engine
	db       *database.Context
	resolver *auth.JWTResolver
	admin    string
	member   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logs, err := domainlog.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("log store: %v", err)
	}
	db := database.New(database.Options{Snapshots: database.NewMemorySnapshots(), Logs: logs})
	if err := db.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(db.Close)
	resolver := auth.NewJWTResolver("test-secret", "crema")
	admin, err := resolver.SignAccessToken("root", "Root", auth.Admin, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	member, err := resolver.SignAccessToken("alice", "Alice", auth.Member, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	hub := ws.NewHub(db, ws.HubOptions{})
	t.Cleanup(hub.Close)
	r := NewRouter(Deps{DataBases: db, Resolver: resolver, Hub: hub})
	return &env{router: r, db: db, resolver: resolver, admin: admin, member: member}
}

func (e *env) call(t *testing.T, method, path, token string, body any) (int, apiResult) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var res apiResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, res
}

func (e *env) ok(t *testing.T, method, path, token string, body, out any) {
	t.Helper()
	code, res := e.call(t, method, path, token, body)
	if code != http.StatusOK || res.Fault != nil {
		t.Fatalf("%s %s: status %d fault %+v", method, path, code, res.Fault)
	}
	if out != nil {
		if err := json.Unmarshal(res.Value, out); err != nil {
			t.Fatalf("%s %s: decode value: %v", method, path, err)
		}
	}
}

var itemsSchema = domain.TableSchema{Name: "Items", Columns: []domain.Column{
	{Name: "id", Type: domain.TypeInt, IsKey: true, AutoIncrement: true},
	{Name: "name", Type: domain.TypeString},
}}

func TestAliveAndAuth(t *testing.T) {
	e := newEnv(t)
	code, _ := e.call(t, http.MethodGet, "/v1/alive", "", nil)
	assert.Equal(t, code, http.StatusOK)

	code, res := e.call(t, http.MethodGet, "/v1/databases", "", nil)
	assert.Equal(t, code, http.StatusUnauthorized)
	assert.Equal(t, res.Fault.Kind, apperr.KindNotAuthorized)

	code, res = e.call(t, http.MethodGet, "/v1/databases", "not-a-token", nil)
	assert.Equal(t, code, http.StatusUnauthorized)

	code, res = e.call(t, http.MethodPost, "/v1/databases", e.member, gin.H{"name": "game"})
	assert.Equal(t, code, http.StatusForbidden)
	assert.Equal(t, res.Fault.Kind, apperr.KindNotAuthorized)
}

func TestEditTableOverHTTP(t *testing.T) {
	e := newEnv(t)
	var info database.Info
	e.ok(t, http.MethodPost, "/v1/databases", e.admin, gin.H{"name": "game", "comment": "main"}, &info)
	e.ok(t, http.MethodPost, "/v1/databases/"+info.ID+"/tables", e.admin, gin.H{"schema": itemsSchema}, nil)

	code, res := e.call(t, http.MethodPost, "/v1/databases/"+info.ID+"/edit", e.member,
		database.Target{Kind: domain.KindTableContent, Name: "Items"})
	assert.Equal(t, code, http.StatusBadRequest)
	assert.Equal(t, res.Fault.Kind, apperr.KindDataBaseNotLoaded)

	e.ok(t, http.MethodPost, "/v1/databases/"+info.ID+"/load", e.member, nil, nil)
	var meta domain.MetaData
	e.ok(t, http.MethodPost, "/v1/databases/"+info.ID+"/edit", e.member,
		database.Target{Kind: domain.KindTableContent, Name: "Items"}, &meta)
	id := meta.Info.DomainID
	base := "/v1/domains/" + id

	var rows []domain.RowInfo
	e.ok(t, http.MethodPost, base+"/rows/new", e.member,
		gin.H{"rows": []gin.H{{"tableName": "Items", "fields": gin.H{"name": "sword"}}}}, &rows)
	assert.Equal(t, len(rows), 1)

	e.ok(t, http.MethodPost, base+"/edit/begin", e.member,
		gin.H{"location": gin.H{"tableName": "Items", "rowKey": "1", "columnName": "name"}}, nil)
	e.ok(t, http.MethodPost, base+"/edit/end", e.member, nil, nil)

	var data domain.ContentData
	e.ok(t, http.MethodGet, base+"/content", e.member, nil, &data)
	assert.Equal(t, len(data.Tables[0].Rows), 1)

	var history []json.RawMessage
	e.ok(t, http.MethodGet, base+"/history?from=0", e.member, nil, &history)
	if len(history) == 0 {
		t.Fatalf("history is empty")
	}

	var metas []domain.MetaData
	e.ok(t, http.MethodGet, "/v1/databases/"+info.ID+"/domains", e.member, nil, &metas)
	assert.Equal(t, len(metas), 1)

	// 还有参与者，非强制删除失败
	code, res = e.call(t, http.MethodDelete, base, e.admin, nil)
	assert.Equal(t, res.Fault.Kind, apperr.KindDomainBusy)
	assert.Equal(t, code, http.StatusConflict)

	e.ok(t, http.MethodDelete, base+"?force=true", e.admin, nil, nil)
	code, res = e.call(t, http.MethodGet, base, e.member, nil)
	assert.Equal(t, code, http.StatusNotFound)
	assert.Equal(t, res.Fault.Kind, apperr.KindDomainNotFound)

	code, res = e.call(t, http.MethodGet, base+"/presence", e.member, nil)
	assert.Equal(t, res.Fault.Kind, apperr.KindInvalidArgument)
}

func (e *env) raw(t *testing.T, method, path, token, body string) (int, apiResult) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var res apiResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, res
}

func TestMalformedRequestsAreRejected(t *testing.T) {
	e := newEnv(t)
	var info database.Info
	e.ok(t, http.MethodPost, "/v1/databases", e.admin, gin.H{"name": "game"}, &info)
	e.ok(t, http.MethodPost, "/v1/databases/"+info.ID+"/tables", e.admin, gin.H{"schema": itemsSchema}, nil)
	e.ok(t, http.MethodPost, "/v1/databases/"+info.ID+"/load", e.member, nil, nil)
	var meta domain.MetaData
	e.ok(t, http.MethodPost, "/v1/databases/"+info.ID+"/edit", e.member,
		database.Target{Kind: domain.KindTableContent, Name: "Items"}, &meta)
	base := "/v1/domains/" + meta.Info.DomainID

	code, res := e.raw(t, http.MethodPost, base+"/enter", e.admin, `{"access":`)
	assert.Equal(t, code, http.StatusBadRequest)
	assert.Equal(t, res.Fault.Kind, apperr.KindInvalidArgument)
	e.ok(t, http.MethodGet, base, e.member, nil, &meta)
	for _, p := range meta.Participants {
		if p.UserID == "root" {
			t.Fatalf("malformed enter must not add a participant")
		}
	}
	// 空请求体仍按默认权限进入
	e.ok(t, http.MethodPost, base+"/enter", e.admin, nil, nil)

	code, res = e.call(t, http.MethodDelete, base+"?force=yes", e.admin, nil)
	assert.Equal(t, code, http.StatusBadRequest)
	assert.Equal(t, res.Fault.Kind, apperr.KindInvalidArgument)
	e.ok(t, http.MethodGet, base, e.member, nil, nil)

	code, res = e.raw(t, http.MethodPost, "/v1/databases/"+info.ID+"/lock", e.admin, `{"comment": 1`)
	assert.Equal(t, code, http.StatusBadRequest)
	assert.Equal(t, res.Fault.Kind, apperr.KindInvalidArgument)
}

func TestTaskIDHeaderEchoed(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/databases", nil)
	req.Header.Set("Authorization", "Bearer "+e.admin)
	req.Header.Set("X-Task-Id", "task-42")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, w.Header().Get("X-Task-Id"), "task-42")
}

func TestCallbacksSnapshotThenPush(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/callbacks?token=" + e.member
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first ws.Frame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	assert.Equal(t, first.Type, ws.FrameSubscribed)
	if first.Snapshot == nil {
		t.Fatalf("snapshot frame has no snapshot")
	}

	// 通过 HTTP 的修改会推送到已订阅的连接
	req := httptest.NewRequest(http.MethodPost, "/v1/databases", strings.NewReader(`{"name":"pushed"}`))
	req.Header.Set("Authorization", "Bearer "+e.admin)
	req.Header.Set("X-Task-Id", "task-7")
	e.router.ServeHTTP(httptest.NewRecorder(), req)

	var next ws.Frame
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read push: %v", err)
	}
	assert.Equal(t, next.Type, ws.FrameDataBaseEvent)
	assert.Equal(t, next.DataBase.Kind, database.EventCreated)
	assert.Equal(t, next.Info.TaskID, "task-7")
	assert.Equal(t, next.Info.Index, uint64(1))

	if err := conn.WriteJSON(ws.ClientMessage{Type: "heartbeat"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	var fb ws.Frame
	if err := conn.ReadJSON(&fb); err != nil {
		t.Fatalf("read feedback: %v", err)
	}
	assert.Equal(t, fb.Type, ws.FrameFeedback)
}
