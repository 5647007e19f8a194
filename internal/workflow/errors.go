package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies workflow failures; the HTTP layer maps kinds to
// status codes.
type Kind int

const (
	KindInternal        Kind = iota
	KindUnauthenticated      // no resolvable caller identity
	KindUnauthorized         // caller lacks role/ownership/approver match
	KindNotFound             // entity, approval, user or change request absent
	KindInvalidState         // action not valid for the current status
	KindValidation           // missing reason/comment/required field
	KindConflict             // concurrent modification detected (stale decision)
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	}
	return "internal"
}

// Error is the engine's failure type: a kind plus a caller-facing
// message, optionally wrapping a cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a workflow error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of an error, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInternal
}
