package domain

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"crema/backend/internal/auth"
)

type Kind string

const (
	KindTableContent  Kind = "TableContent"
	KindTableTemplate Kind = "TableTemplate"
	KindTypeTemplate  Kind = "TypeTemplate"
)

// State: Created → Active ⇄ Idle → Deleted；Faulted 表示日志写入失败，等待管理员修复
type State string

const (
	StateCreated State = "Created"
	StateActive  State = "Active"
	StateIdle    State = "Idle"
	StateDeleted State = "Deleted"
	StateFaulted State = "Faulted"
)

type AccessType string

const (
	AccessRead  AccessType = "read"
	AccessWrite AccessType = "write"
)

type Info struct {
	DomainID          string         `json:"domainId"`
	DataBaseID        string         `json:"dataBaseId"`
	ItemPath          string         `json:"itemPath"`
	ItemType          Kind           `json:"itemType"`
	RequiredAuthority auth.Authority `json:"requiredAuthority"`
	CreatedBy         string         `json:"createdBy"`
	CreatedAt         time.Time      `json:"createdAt"`
	ModifiedBy        string         `json:"modifiedBy,omitempty"`
	ModifiedAt        time.Time      `json:"modifiedAt,omitempty"`
}

// Location 是参与者正在查看/编辑的位置；锁以 Key() 为粒度
type Location struct {
	TableName  string `json:"tableName"`
	RowKey     string `json:"rowKey,omitempty"`
	ColumnName string `json:"columnName,omitempty"`
}

func (l Location) Key() string {
	return strings.Join([]string{l.TableName, l.RowKey, l.ColumnName}, "/")
}

func (l Location) IsZero() bool { return l == Location{} }

type ParticipantInfo struct {
	UserID    string         `json:"userId"`
	UserName  string         `json:"userName"`
	Authority auth.Authority `json:"authority"`
	Access    AccessType     `json:"access"`
	Online    bool           `json:"online"`
	IsOwner   bool           `json:"isOwner"`
	Location  Location       `json:"location"`
	Editing   bool           `json:"editing"`
}

// MetaData 是 Domain 在某个事件序号时刻的一致快照，读取不经过 dispatcher
type MetaData struct {
	Info           Info              `json:"info"`
	State          State             `json:"state"`
	OwnerID        string            `json:"ownerId,omitempty"`
	Participants   []ParticipantInfo `json:"participants"`
	PostID         uint64            `json:"postId"`
	EventSeq       uint64            `json:"eventSeq"`
	ModifiedTables []string          `json:"modifiedTables,omitempty"`
}

// OnlineCount 只统计在线参与者；恢复出来的离线参与者不算
func (m MetaData) OnlineCount() int {
	n := 0
	for _, p := range m.Participants {
		if p.Online {
			n++
		}
	}
	return n
}

type RemoveReason string

const (
	RemoveLeave   RemoveReason = "Leave"
	RemoveKick    RemoveReason = "Kick"
	RemoveDeleted RemoveReason = "Deleted"
)

type taskKey struct{}

// WithTaskID 把客户端请求的任务 id 放进 ctx，推送里的 CallbackInfo 用它关联原始请求
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

func TaskIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(taskKey{}).(string); ok && v != "" {
		return v
	}
	return ulid.Make().String()
}
