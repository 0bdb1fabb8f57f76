// Package rtsperrors classifies failures into coarse kinds, independent
// of any particular transport, so the RTSP layer can map them to status
// codes at exactly one place (the response boundary).
package rtsperrors

import (
	"fmt"

	"github.com/streamforge/rtspd/pkg/base"
)

// Kind is a coarse failure category.
type Kind int

// Kinds.
const (
	KindBadRequest Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindSessionNotFound
	KindMethodNotAllowed
	KindAggregateOptionDisallowed
	KindUnsupportedMedia
	KindIOWouldBlock
	KindIODisconnected
	KindIOOsError
	KindInternal
	KindTransient
)

// Error is a typed RTSP-layer error carrying enough context to produce a
// response (or, for Io/Transient kinds, to be handled without one).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusCode maps a Kind to the RTSP status code the response boundary
// must emit. Io/Transient/Internal-without-response kinds return 0 to
// signal "no status-line response applicable".
func (e *Error) StatusCode() base.StatusCode {
	switch e.Kind {
	case KindBadRequest:
		return base.StatusBadRequest
	case KindUnauthorized:
		return base.StatusUnauthorized
	case KindForbidden:
		return base.StatusForbidden
	case KindNotFound:
		return base.StatusNotFound
	case KindSessionNotFound:
		return base.StatusSessionNotFound
	case KindMethodNotAllowed:
		return base.StatusMethodNotValidInThisState
	case KindAggregateOptionDisallowed:
		return base.StatusAggregateOperationNotAllowed
	case KindUnsupportedMedia:
		return base.StatusUnsupportedMediaType
	case KindInternal:
		return base.StatusInternalServerError
	default:
		return 0
	}
}

// ClosesConnection reports whether this error should close the TCP
// session rather than keep it alive for more requests. Bad requests
// (parse failures), 403, disconnects and internal errors close; 401
// (including a stale-nonce challenge) and the other 4xx kinds stay open.
func (e *Error) ClosesConnection() bool {
	switch e.Kind {
	case KindBadRequest, KindForbidden, KindIODisconnected, KindInternal:
		return true
	default:
		return false
	}
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsWouldBlock reports whether err represents a non-blocking I/O retry
// signal, treated as non-error (yields the task) rather than a failure.
func IsWouldBlock(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindIOWouldBlock
}
