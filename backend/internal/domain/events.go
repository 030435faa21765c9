package domain

import "time"

type EventKind string

const (
	EventCreated         EventKind = "DomainCreated"
	EventDeleted         EventKind = "DomainDeleted"
	EventStateChanged    EventKind = "DomainStateChanged"
	EventUserAdded       EventKind = "DomainUserAdded"
	EventUserRemoved     EventKind = "DomainUserRemoved"
	EventUserChanged     EventKind = "DomainUserChanged"
	EventLocationChanged EventKind = "DomainUserLocationChanged"
	EventEditBegun       EventKind = "DomainUserEditBegun"
	EventEditEnded       EventKind = "DomainUserEditEnded"
	EventOwnerChanged    EventKind = "DomainOwnerChanged"
	EventRowAdded        EventKind = "DomainRowAdded"
	EventRowChanged      EventKind = "DomainRowChanged"
	EventRowRemoved      EventKind = "DomainRowRemoved"
	EventPropertyChanged EventKind = "DomainPropertyChanged"
)

// Event 是 Domain 在 dispatcher 内按应用顺序发出的通知。
// Seq 在单个 Domain 内严格递增，订阅方据此过滤快照之前的事件
type Event struct {
	Seq        uint64    `json:"seq"`
	Kind       EventKind `json:"kind"`
	DomainID   string    `json:"domainId"`
	DataBaseID string    `json:"dataBaseId"`
	// 触发者与其请求的任务 id
	ActorID  string    `json:"actorId"`
	TaskID   string    `json:"taskId"`
	DateTime time.Time `json:"dateTime"`

	UserID       string           `json:"userId,omitempty"`
	Participant  *ParticipantInfo `json:"participant,omitempty"`
	Rows         []RowInfo        `json:"rows,omitempty"`
	PropertyName string           `json:"propertyName,omitempty"`
	Value        any              `json:"value,omitempty"`
	Location     *Location        `json:"location,omitempty"`
	Comment      string           `json:"comment,omitempty"`
	Reason       RemoveReason     `json:"reason,omitempty"`

	// 事件发生后的 Domain 快照
	MetaData MetaData `json:"metaData"`
}

// Sink 接收 Domain 事件。Publish 在 dispatcher 内被调用，不能阻塞
type Sink interface {
	Publish(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

type discardSink struct{}

func (discardSink) Publish(Event) {}
