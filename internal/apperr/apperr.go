package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Type classifies an error for callers and for HTTP status mapping.
type Type string

const (
	ArgumentNull       Type = "ArgumentNull"
	Argument           Type = "Argument"
	NotFound           Type = "NotFound"
	Forbidden          Type = "Forbidden"
	Unauthorized       Type = "Unauthorized"
	AlreadyInUse       Type = "AlreadyInUse"
	Conflict           Type = "Conflict"
	RateLimitExceeded  Type = "RateLimitExceeded"
	ServiceUnavailable Type = "ServiceUnavailable"
	NotImplemented     Type = "NotImplemented"
	InvalidState       Type = "InvalidState"
	Internal           Type = "Internal"
)

// Error is the typed error surfaced by orchestrators and gateways.
type Error struct {
	Type    Type
	Message string
	// Entity names the argument or entity the error is about, e.g. "transaction".
	Entity string
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Type)
	}
	if e.Entity != "" {
		msg = e.Entity + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status used when the error reaches an API caller.
func (e *Error) Status() int {
	switch e.Type {
	case ArgumentNull, Argument:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case AlreadyInUse, Conflict, InvalidState:
		return http.StatusConflict
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case NotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func newError(t Type, entity, format string, args ...any) *Error {
	return &Error{Type: t, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

func NewArgumentNull(entity string) *Error {
	return &Error{Type: ArgumentNull, Entity: entity, Message: "required"}
}

func NewArgument(entity, format string, args ...any) *Error {
	return newError(Argument, entity, format, args...)
}

func NewNotFound(entity string) *Error {
	return &Error{Type: NotFound, Entity: entity, Message: "not found"}
}

func NewForbidden(format string, args ...any) *Error {
	return newError(Forbidden, "", format, args...)
}

func NewUnauthorized(format string, args ...any) *Error {
	return newError(Unauthorized, "", format, args...)
}

func NewAlreadyInUse(entity, format string, args ...any) *Error {
	return newError(AlreadyInUse, entity, format, args...)
}

func NewConflict(entity, format string, args ...any) *Error {
	return newError(Conflict, entity, format, args...)
}

func NewRateLimitExceeded(format string, args ...any) *Error {
	return newError(RateLimitExceeded, "", format, args...)
}

func NewServiceUnavailable(format string, args ...any) *Error {
	return newError(ServiceUnavailable, "", format, args...)
}

func NewNotImplemented(format string, args ...any) *Error {
	return newError(NotImplemented, "", format, args...)
}

func NewInvalidState(entity, format string, args ...any) *Error {
	return newError(InvalidState, entity, format, args...)
}

// Wrap attaches cause to a new typed error.
func Wrap(t Type, cause error, format string, args ...any) *Error {
	e := newError(t, "", format, args...)
	e.Cause = cause
	return e
}

// TypeOf returns the taxonomy type of err, or Internal when err carries none.
func TypeOf(err error) Type {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return Internal
}

// Is reports whether err carries taxonomy type t anywhere in its chain.
func Is(err error, t Type) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}

func IsNotFound(err error) bool { return Is(err, NotFound) }

// FromStatus maps a downstream HTTP status to the taxonomy.
func FromStatus(status int, message string) *Error {
	var t Type
	switch {
	case status == http.StatusBadRequest:
		t = Argument
	case status == http.StatusUnauthorized:
		t = Unauthorized
	case status == http.StatusForbidden:
		t = Forbidden
	case status == http.StatusNotFound:
		t = NotFound
	case status == http.StatusTooManyRequests:
		t = RateLimitExceeded
	case status >= 400 && status < 500:
		t = Argument
	default:
		t = ServiceUnavailable
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{Type: t, Message: message}
}
