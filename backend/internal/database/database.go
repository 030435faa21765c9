package database

import (
	"context"
	"slices"
	"time"

	"crema/backend/internal/apperr"
	"crema/backend/internal/domain"
	"crema/backend/internal/domainctx"
)

type LockInfo struct {
	UserID  string    `json:"userId"`
	Comment string    `json:"comment,omitempty"`
	At      time.Time `json:"at"`
}

type TypeMember struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

type TypeInfo struct {
	Name    string       `json:"name"`
	Comment string       `json:"comment,omitempty"`
	IsFlag  bool         `json:"isFlag,omitempty"`
	Members []TypeMember `json:"members"`
}

func (t TypeInfo) Validate() error {
	if t.Name == "" {
		return apperr.New(apperr.KindValidation, "type name is empty")
	}
	names := make(map[string]bool, len(t.Members))
	values := make(map[int64]bool, len(t.Members))
	for _, m := range t.Members {
		if m.Name == "" || names[m.Name] {
			return apperr.New(apperr.KindValidation, "type %s: bad or duplicate member %q", t.Name, m.Name)
		}
		if values[m.Value] {
			return apperr.New(apperr.KindValidation, "type %s: duplicate value %d", t.Name, m.Value)
		}
		if t.IsFlag && m.Value != 0 && m.Value&(m.Value-1) != 0 {
			return apperr.New(apperr.KindValidation, "type %s: flag member %s must be a single bit", t.Name, m.Name)
		}
		names[m.Name] = true
		values[m.Value] = true
	}
	return nil
}

// Info 是 data-base 的目录记录：表/类型定义与访问、锁、加载状态
type Info struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Comment    string               `json:"comment,omitempty"`
	CreatedBy  string               `json:"createdBy"`
	CreatedAt  time.Time            `json:"createdAt"`
	ModifiedBy string               `json:"modifiedBy,omitempty"`
	ModifiedAt time.Time            `json:"modifiedAt"`
	Loaded     bool                 `json:"loaded"`
	Private    bool                 `json:"private"`
	Lock       *LockInfo            `json:"lock,omitempty"`
	Tables     []domain.TableSchema `json:"tables"`
	Types      []TypeInfo           `json:"types"`
	Revision   uint64               `json:"revision"`
}

func (i Info) Flags() Flags {
	var f Flags
	if i.Loaded {
		f |= Loaded
	} else {
		f |= NotLoaded
	}
	if i.Private {
		f |= Private
	} else {
		f |= Public
	}
	if i.Lock != nil {
		f |= Locked
	} else {
		f |= NotLocked
	}
	return f
}

// Verify 判断 data-base 是否满足 f 中的全部标志；f 本身不合法时一律不满足
func (i Info) Verify(f Flags) bool {
	if f.Validate() != nil {
		return false
	}
	return i.Flags().Has(f)
}

func (i Info) table(name string) (domain.TableSchema, int) {
	for n, t := range i.Tables {
		if t.Name == name {
			return t, n
		}
	}
	return domain.TableSchema{}, -1
}

func (i Info) typ(name string) (TypeInfo, int) {
	for n, t := range i.Types {
		if t.Name == name {
			return t, n
		}
	}
	return TypeInfo{}, -1
}

func (i Info) clone() Info {
	cp := i
	cp.Tables = slices.Clone(i.Tables)
	cp.Types = slices.Clone(i.Types)
	if i.Lock != nil {
		l := *i.Lock
		cp.Lock = &l
	}
	return cp
}

// Repository 持久化 data-base 目录（gorm/mysql 或内存实现）
type Repository interface {
	ListDataBases(ctx context.Context) ([]Info, error)
	SaveDataBase(ctx context.Context, info Info) error
	DeleteDataBase(ctx context.Context, id string) error
}

// SnapshotStore 保存已结束 Domain 的表内容，作为下一次编辑的初始内容
type SnapshotStore interface {
	SaveContent(ctx context.Context, dataBaseID, itemPath string, revision uint64, data domain.ContentData) error
	LatestContent(ctx context.Context, dataBaseID, itemPath string) (domain.ContentData, bool, error)
	CopyContents(ctx context.Context, fromID, toID string) error
	DeleteContents(ctx context.Context, dataBaseID string) error
}

type EventKind string

const (
	EventCreated       EventKind = "DataBasesCreated"
	EventRenamed       EventKind = "DataBasesRenamed"
	EventDeleted       EventKind = "DataBasesDeleted"
	EventLoaded        EventKind = "DataBasesLoaded"
	EventUnloaded      EventKind = "DataBasesUnloaded"
	EventLockChanged   EventKind = "DataBasesLockChanged"
	EventAccessChanged EventKind = "DataBasesAccessChanged"
	EventReset         EventKind = "DataBasesReset"
	EventTaskCompleted EventKind = "TaskCompleted"
)

type Event struct {
	Kind       EventKind `json:"kind"`
	DataBaseID string    `json:"dataBaseId,omitempty"`
	ActorID    string    `json:"actorId"`
	TaskID     string    `json:"taskId"`
	DateTime   time.Time `json:"dateTime"`
	Info       *Info     `json:"info,omitempty"`
	OldName    string    `json:"oldName,omitempty"`
	// 只在 Loaded 中出现：新加载的 data-base 里恢复出来的 Domain
	Domains []domain.MetaData `json:"domains,omitempty"`
}

// Callback 同时接收 data-base 事件和各 Domain 的事件。
// OnDataBaseEvent 在持有 Context 锁时调用，实现必须只入队不阻塞
type Callback interface {
	domainctx.Callback
	OnDataBaseEvent(info domainctx.CallbackInfo, e Event) error
}
