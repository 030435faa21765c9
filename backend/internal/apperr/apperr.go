package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 是跨 RPC 边界传递的错误类别，客户端按 kind 判断失败原因
type Kind string

const (
	KindNotAuthorized     Kind = "NOT_AUTHORIZED"
	KindLockConflict      Kind = "LOCK_CONFLICT"
	KindLockTimeout       Kind = "LOCK_TIMEOUT"
	KindValidation        Kind = "VALIDATION_ERROR"
	KindDomainNotFound    Kind = "DOMAIN_NOT_FOUND"
	KindDataBaseNotFound  Kind = "DATABASE_NOT_FOUND"
	KindDomainBusy        Kind = "DOMAIN_BUSY"
	KindAlreadySubscribed Kind = "ALREADY_SUBSCRIBED"
	KindNotSubscribed     Kind = "NOT_SUBSCRIBED"
	KindCorruptLogEntry   Kind = "CORRUPT_LOG_ENTRY"
	KindConnectionLost    Kind = "CONNECTION_LOST"
	KindDomainDeleted     Kind = "DOMAIN_DELETED"
	KindDomainFaulted     Kind = "DOMAIN_FAULTED"
	KindDataBaseNotLoaded Kind = "DATABASE_NOT_LOADED"
	KindDataBaseLocked    Kind = "DATABASE_LOCKED"
	KindAlreadyExists     Kind = "ALREADY_EXISTS"
	KindInvalidArgument   Kind = "INVALID_ARGUMENT"
	KindInternal          Kind = "INTERNAL"
)

type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is 按 kind 比较，errors.Is(err, ErrLockConflict) 对任何 LOCK_CONFLICT 都成立
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotAuthorized     = &Error{Kind: KindNotAuthorized}
	ErrLockConflict      = &Error{Kind: KindLockConflict}
	ErrLockTimeout       = &Error{Kind: KindLockTimeout}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrDomainNotFound    = &Error{Kind: KindDomainNotFound}
	ErrDataBaseNotFound  = &Error{Kind: KindDataBaseNotFound}
	ErrDomainBusy        = &Error{Kind: KindDomainBusy}
	ErrAlreadySubscribed = &Error{Kind: KindAlreadySubscribed}
	ErrNotSubscribed     = &Error{Kind: KindNotSubscribed}
	ErrCorruptLogEntry   = &Error{Kind: KindCorruptLogEntry}
	ErrConnectionLost    = &Error{Kind: KindConnectionLost}
	ErrDomainDeleted     = &Error{Kind: KindDomainDeleted}
	ErrDomainFaulted     = &Error{Kind: KindDomainFaulted}
	ErrDataBaseNotLoaded = &Error{Kind: KindDataBaseNotLoaded}
	ErrDataBaseLocked    = &Error{Kind: KindDataBaseLocked}
	ErrAlreadyExists     = &Error{Kind: KindAlreadyExists}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf 把任意错误归类；未知错误一律视为 INTERNAL
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	// 调用方自己的超时或取消也归为 INTERNAL；CONNECTION_LOST 只由会话清理产生
	return KindInternal
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case "":
		return http.StatusOK
	case KindNotAuthorized:
		return http.StatusForbidden
	case KindDomainNotFound, KindDataBaseNotFound:
		return http.StatusNotFound
	case KindLockConflict, KindDomainBusy, KindAlreadySubscribed, KindAlreadyExists, KindDataBaseLocked:
		return http.StatusConflict
	case KindLockTimeout:
		return http.StatusRequestTimeout
	case KindValidation, KindInvalidArgument, KindNotSubscribed, KindDataBaseNotLoaded:
		return http.StatusBadRequest
	case KindDomainDeleted:
		return http.StatusGone
	case KindDomainFaulted, KindConnectionLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
