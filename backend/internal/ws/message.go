package ws

import (
	"crema/backend/internal/database"
	"crema/backend/internal/domain"
	"crema/backend/internal/domainctx"
)

const (
	FrameSubscribed    = "subscribed"
	FrameDomainEvent   = "domainEvent"
	FrameDataBaseEvent = "dataBaseEvent"
	FrameFeedback      = "feedback"
	FrameIgnored       = "ignored"
	FrameError         = "error"
)

type ClientMessage struct {
	Type string `json:"type"`
}

type Fault struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Frame 是服务端推送的一帧。订阅后的第一帧固定是 subscribed，携带快照
type Frame struct {
	Type     string                  `json:"type"`
	Info     *domainctx.CallbackInfo `json:"info,omitempty"`
	Snapshot *database.Snapshot      `json:"snapshot,omitempty"`
	Domain   *domain.Event           `json:"domain,omitempty"`
	DataBase *database.Event         `json:"dataBase,omitempty"`
	Fault    *Fault                  `json:"fault,omitempty"`
	Content  string                  `json:"content,omitempty"`
}
