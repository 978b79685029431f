package supervisor

import (
	"errors"
	"fmt"
)

// Kind classifies why a task did not complete.
type Kind int

const (
	KindNone Kind = iota

	// KindFatalRender: the renderer printed a known fatal marker or
	// answered with an error. The message is surfaced verbatim.
	KindFatalRender

	// KindTimeout: the startup or idle window elapsed.
	KindTimeout

	// KindProtocol: the control channel misbehaved, e.g. a wrong token.
	KindProtocol

	// KindPopupBlocked: a modal dialog would hang the renderer.
	KindPopupBlocked

	// KindProcessExited: the renderer died outside of a shutdown.
	KindProcessExited

	// KindCanceled: the scheduler or the operator canceled the task.
	KindCanceled

	// KindLaunch: the renderer could not be started.
	KindLaunch
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFatalRender:
		return "fatal_render"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindPopupBlocked:
		return "popup_blocked"
	case KindProcessExited:
		return "process_exited"
	case KindCanceled:
		return "canceled"
	case KindLaunch:
		return "launch"
	default:
		return "unknown"
	}
}

// IsFatal reports whether the kind fails the task without retry. Popups and
// unexpected exits count as fatal render errors.
func (k Kind) IsFatal() bool {
	return k == KindFatalRender || k == KindPopupBlocked || k == KindProcessExited
}

// Error is a task failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
