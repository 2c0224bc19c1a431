// Package fault provides the error taxonomy shared by the project and editor services.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and the HTTP boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindBadRequest
	KindPreviousJob
	KindMethodNotAllowed
	KindNotAuthorized
	KindTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBadRequest:
		return "bad_request"
	case KindPreviousJob:
		return "previous_job"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	case KindNotAuthorized:
		return "not_authorized"
	case KindTooLarge:
		return "too_large"
	default:
		return "internal"
	}
}

// HTTPStatus returns the status code for a kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindPreviousJob:
		return http.StatusConflict
	case KindBadRequest:
		return http.StatusBadRequest
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindNotAuthorized:
		return http.StatusUnauthorized
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error with a short user-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Kind.String()
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrBadRequest       = &Error{Kind: KindBadRequest}
	ErrPreviousJob      = &Error{Kind: KindPreviousJob}
	ErrMethodNotAllowed = &Error{Kind: KindMethodNotAllowed}
	ErrNotAuthorized    = &Error{Kind: KindNotAuthorized}
)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error   { return newf(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error   { return newf(KindConflict, format, args...) }
func BadRequest(format string, args ...any) *Error { return newf(KindBadRequest, format, args...) }
func MethodNotAllowed(format string, args ...any) *Error {
	return newf(KindMethodNotAllowed, format, args...)
}
func NotAuthorized(format string, args ...any) *Error {
	return newf(KindNotAuthorized, format, args...)
}

// PreviousJob reports an unacknowledged failure of an earlier asynchronous job.
// The stored message is carried verbatim.
func PreviousJob(message string) *Error {
	return &Error{Kind: KindPreviousJob, Message: message}
}

// Wrap classifies err under kind, keeping it as the cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	return KindOf(err).HTTPStatus()
}

// Message returns the user-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
