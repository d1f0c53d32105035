package attendance

import (
	"context"
	"errors"
	"fmt"
)

// Kind groups errors by how callers should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindState
	KindOutOfRange
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindOutOfRange:
		return "out_of_range"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is the structured error returned by the attendance core.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the caller may retry the operation.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// Sentinels for errors.Is checks.
var (
	ErrValidation        = &Error{Kind: KindValidation, Code: "VALIDATION", Message: "invalid request"}
	ErrBeaconInUse       = &Error{Kind: KindConflict, Code: "BEACON_IN_USE", Message: "this beacon is already in use by an active session"}
	ErrSessionNotFound   = &Error{Kind: KindNotFound, Code: "SESSION_NOT_FOUND", Message: "session not found"}
	ErrNoActiveSession   = &Error{Kind: KindState, Code: "NO_ACTIVE_SESSION", Message: "no active session found for this beacon"}
	ErrSessionNotStarted = &Error{Kind: KindState, Code: "SESSION_NOT_STARTED", Message: "session not started yet"}
	ErrSessionEnded      = &Error{Kind: KindState, Code: "SESSION_ENDED", Message: "session ended"}
	ErrOutOfRange        = &Error{Kind: KindOutOfRange, Code: "OUT_OF_RANGE", Message: "device too far from beacon"}
	ErrTransient         = &Error{Kind: KindTransient, Code: "STORE_UNAVAILABLE", Message: "storage temporarily unavailable, please retry"}
)

// Store-level sentinels. Store implementations return these (possibly wrapped)
// and the core translates them into the taxonomy above.
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate key")
	ErrBeaconClaimed = errors.New("beacon claimed by an open session")
)

// ErrRosterUnavailable tells the absentee sweep to skip silently.
var ErrRosterUnavailable = errors.New("roster unavailable")

func newError(base *Error, msg string) *Error {
	if msg == "" {
		msg = base.Message
	}
	return &Error{Kind: base.Kind, Code: base.Code, Message: msg}
}

func validationError(format string, args ...any) *Error {
	return newError(ErrValidation, fmt.Sprintf(format, args...))
}

// storeError maps an unexpected store failure onto the transient kind so it
// never crosses the boundary as an unstructured error.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindTransient, Code: ErrTransient.Code, Message: ErrTransient.Message, Err: fmt.Errorf("%s: %w", op, err)}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// MessageOf returns the human readable message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
