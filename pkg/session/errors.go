package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorDomain tags every error raised by this package, so callers can
// distinguish BLE-core failures from unrelated application errors
// without inspecting message text.
const ErrorDomain = "bleq"

// Kind identifies one of the closed set of logical failure kinds. Every
// failure surfaced by this package is exactly one of these four; no raw
// driver error escapes uncategorized.
type Kind string

const (
	// KindDisconnected means the peripheral link dropped before or
	// while the operation ran.
	KindDisconnected Kind = "disconnected"
	// KindInvalidCall means the peripheral or session is not in a
	// state that permits the request.
	KindInvalidCall Kind = "invalid_call"
	// KindInvalidParameters means the request's arguments are
	// malformed for the target operation.
	KindInvalidParameters Kind = "invalid_parameters"
	// KindCanceled means the operation was explicitly canceled
	// before completion.
	KindCanceled Kind = "canceled"
)

// Error is a classified BLE-core failure: one Kind plus a descriptive
// message, tagged with ErrorDomain.
type Error struct {
	Kind Kind
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", ErrorDomain, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", ErrorDomain, e.Kind, e.Msg)
}

// Is allows errors.Is to compare Error values by Kind, so wrapped
// errors match the package sentinels.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per Kind. Match with errors.Is.
var (
	ErrDisconnected      = &Error{Kind: KindDisconnected, Msg: "peripheral disconnected"}
	ErrInvalidCall       = &Error{Kind: KindInvalidCall, Msg: "peripheral not in proper state to execute request"}
	ErrInvalidParameters = &Error{Kind: KindInvalidParameters, Msg: "request has invalid parameters"}
	ErrCanceled          = &Error{Kind: KindCanceled, Msg: "request canceled"}
)

// Classify maps any raw driver outcome into exactly one Error. The
// mapping is deterministic and total: cancellation maps to
// KindCanceled, link-loss to KindDisconnected, malformed-argument
// conditions to KindInvalidParameters, and everything else (state
// mismatch, protocol violation, unknown driver error) defaults to
// KindInvalidCall. Classify(nil) is nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var serr *Error
	if errors.As(err, &serr) {
		return serr
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCanceled, Msg: err.Error()}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "disconnect"),
		strings.Contains(msg, "connection closed"),
		strings.Contains(msg, "connection lost"):
		return &Error{Kind: KindDisconnected, Msg: err.Error()}
	case strings.Contains(msg, "propert"),
		strings.Contains(msg, "parameter"),
		strings.Contains(msg, "malformed"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "invalid argument"):
		return &Error{Kind: KindInvalidParameters, Msg: err.Error()}
	default:
		return &Error{Kind: KindInvalidCall, Msg: err.Error()}
	}
}

// KindOf returns the classified Kind of err, or the empty Kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// classified is Classify with interface-safe nil handling, for wiring
// driver callbacks straight into queue completions.
func classified(err error) error {
	if err == nil {
		return nil
	}
	return Classify(err)
}
