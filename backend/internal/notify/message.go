package notify

import (
	"time"

	"crema/backend/internal/domain"
)

// DomainEventMessage 是写入 Kafka 的 Domain 事件，下游按 (domainId, seq) 去重排序
type DomainEventMessage struct {
	EventType    string           `json:"eventType"`
	DataBaseID   string           `json:"dataBaseId"`
	DomainID     string           `json:"domainId"`
	ItemPath     string           `json:"itemPath"`
	Seq          uint64           `json:"seq"`
	PostID       uint64           `json:"postId"`
	ActorID      string           `json:"actorId"`
	TaskID       string           `json:"taskId"`
	UserID       string           `json:"userId,omitempty"`
	Rows         []domain.RowInfo `json:"rows,omitempty"`
	PropertyName string           `json:"propertyName,omitempty"`
	Value        any              `json:"value,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	AppliedAt    time.Time        `json:"appliedAt"`
}

func messageOf(e domain.Event) DomainEventMessage {
	return DomainEventMessage{
		EventType:    string(e.Kind),
		DataBaseID:   e.DataBaseID,
		DomainID:     e.DomainID,
		ItemPath:     e.MetaData.Info.ItemPath,
		Seq:          e.Seq,
		PostID:       e.MetaData.PostID,
		ActorID:      e.ActorID,
		TaskID:       e.TaskID,
		UserID:       e.UserID,
		Rows:         e.Rows,
		PropertyName: e.PropertyName,
		Value:        e.Value,
		Reason:       string(e.Reason),
		AppliedAt:    e.DateTime,
	}
}

// ExportedKinds 是默认导出的事件类型：内容变更和 Domain 生命周期，不含位置移动这类高频事件
var ExportedKinds = []domain.EventKind{
	domain.EventCreated,
	domain.EventDeleted,
	domain.EventRowAdded,
	domain.EventRowChanged,
	domain.EventRowRemoved,
	domain.EventPropertyChanged,
	domain.EventOwnerChanged,
}
