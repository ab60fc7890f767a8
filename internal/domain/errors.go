package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindInvalidRequest  ErrorKind = "INVALID_REQUEST"
	KindUnauthenticated ErrorKind = "UNAUTHENTICATED"
	KindForbidden       ErrorKind = "FORBIDDEN"
	KindNotFound        ErrorKind = "NOT_FOUND"
	KindStoreConflict   ErrorKind = "STORE_CONFLICT"
)

// Error is the typed failure returned by every core operation.
type Error struct {
	Kind    ErrorKind
	Message string
	Field   string
	Err     error
}

var (
	ErrInvalidRequest  = &Error{Kind: KindInvalidRequest}
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrStoreConflict   = &Error{Kind: KindStoreConflict}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any error of the same kind against a kind sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Field == ""
}

// Retryable reports whether the caller may safely retry the operation.
func (e *Error) Retryable() bool { return e.Kind == KindStoreConflict }

func InvalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func InvalidField(field, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Field: field, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(message string) *Error {
	return &Error{Kind: KindUnauthenticated, Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func StoreConflict(err error) *Error {
	return &Error{Kind: KindStoreConflict, Message: "concurrent write conflict, retry the request", Err: err}
}

// KindOf returns the kind of a typed failure, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
