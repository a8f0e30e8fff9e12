package types

import (
	"errors"
	"fmt"
)

// Kind 错误分类，供调用方机器识别
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindNotAssigned       Kind = "NotAssigned"
	KindInvalidState      Kind = "InvalidState"
	KindAlreadyInProgress Kind = "AlreadyInProgress"
	KindNotFound          Kind = "NotFound"
	KindPermissionDenied  Kind = "PermissionDenied"
	KindInternal          Kind = "Internal"
)

// Error 携带分类与可读信息的业务错误
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按分类比较，使 errors.Is(err, types.ErrNotFound) 可用
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// 分类哨兵，仅用于 errors.Is 判断
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotAssigned       = &Error{Kind: KindNotAssigned}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrAlreadyInProgress = &Error{Kind: KindAlreadyInProgress}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
)

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) error {
	return newError(KindValidation, format, args...)
}

func NotAssigned(format string, args ...interface{}) error {
	return newError(KindNotAssigned, format, args...)
}

func InvalidState(format string, args ...interface{}) error {
	return newError(KindInvalidState, format, args...)
}

func AlreadyInProgress(format string, args ...interface{}) error {
	return newError(KindAlreadyInProgress, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newError(KindNotFound, format, args...)
}

func PermissionDenied(format string, args ...interface{}) error {
	return newError(KindPermissionDenied, format, args...)
}

// Internal 包装存储层等底层错误
func Internal(err error, format string, args ...interface{}) error {
	e := newError(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf 提取错误分类，非业务错误统一视为 Internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
