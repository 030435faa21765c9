package auth

import (
	"strings"

	"crema/backend/internal/apperr"
)

type Authority int

const (
	Guest Authority = iota
	Member
	Master
	Admin
)

func (a Authority) String() string {
	switch a {
	case Guest:
		return "guest"
	case Member:
		return "member"
	case Master:
		return "master"
	case Admin:
		return "admin"
	default:
		return "unknown"
	}
}

func ParseAuthority(s string) (Authority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "guest":
		return Guest, nil
	case "member", "":
		return Member, nil
	case "master":
		return Master, nil
	case "admin":
		return Admin, nil
	}
	return Guest, apperr.New(apperr.KindInvalidArgument, "unknown authority %q", s)
}

// Authentication 是一次调用的身份，由调用方显式传入，不存在全局的“当前用户”
type Authentication struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Authority Authority `json:"authority"`
	// 同一用户可能有多个会话（多端），订阅按会话区分
	SessionID string `json:"sessionId"`
}

func (a Authentication) IsAdmin() bool {
	return a.Authority >= Admin
}

func (a Authentication) Require(level Authority) error {
	if a.Authority < level {
		return apperr.New(apperr.KindNotAuthorized, "user %s (%s) requires %s", a.UserID, a.Authority, level)
	}
	return nil
}
