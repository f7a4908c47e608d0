package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the engine reacts to it.
type Kind string

const (
	// KindNetwork means the transport was unreachable. Not retried per call.
	KindNetwork Kind = "NETWORK"
	// KindUnauthorized means the session is no longer valid.
	KindUnauthorized Kind = "UNAUTHORIZED"
	// KindNotFound means an optional resource is absent.
	KindNotFound Kind = "NOT_FOUND"
	// KindValidation means the operation was not attempted.
	KindValidation Kind = "VALIDATION"
	// KindStaleSelection means a result arrived after the user navigated away.
	KindStaleSelection Kind = "STALE_SELECTION"
	// KindUsage means an intent was issued in a state that cannot serve it.
	KindUsage Kind = "USAGE"
	// KindRejected means the server answered with another non-2xx status.
	KindRejected Kind = "REJECTED"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Status  int
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.NotFound)
// works for wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Cause == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	Network        = &Error{Kind: KindNetwork}
	Unauthorized   = &Error{Kind: KindUnauthorized}
	NotFound       = &Error{Kind: KindNotFound}
	Validation     = &Error{Kind: KindValidation}
	StaleSelection = &Error{Kind: KindStaleSelection}
	Usage          = &Error{Kind: KindUsage}
	Rejected       = &Error{Kind: KindRejected}
)

func NewNetwork(op string, cause error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Message: "transport unreachable", Cause: cause}
}

func NewUnauthorized(op, msg string) *Error {
	return &Error{Kind: KindUnauthorized, Op: op, Message: msg, Status: 401}
}

func NewNotFound(op, msg string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: msg, Status: 404}
}

func NewValidation(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

func NewStaleSelection(op string) *Error {
	return &Error{Kind: KindStaleSelection, Op: op, Message: "selection changed before result arrived"}
}

func NewUsage(op, msg string) *Error {
	return &Error{Kind: KindUsage, Op: op, Message: msg}
}

func NewRejected(op string, status int) *Error {
	return &Error{Kind: KindRejected, Op: op, Message: fmt.Sprintf("server returned HTTP %d", status), Status: status}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Silent reports whether err should never reach the user.
func Silent(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindStaleSelection:
		return true
	}
	return false
}
