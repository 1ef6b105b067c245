package errorsx

import (
	"errors"
	"fmt"
)

// Error tags a cause with the reason code logged and surfaced by the engine.
// The message is the cause's message; the code travels beside it.
type Error struct {
	Code ReasonCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a reasoned error with a plain message.
func New(reason ReasonCode, msg string) error {
	return &Error{Code: reason, Err: errors.New(msg)}
}

// Wrapf formats a message around err and tags the result with reason.
// The format should contain %w for err.
func Wrapf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

// Wrap tags err with reason. The innermost code wins: an error that already
// carries one is returned as is, so the first failure site names the cause.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if _, ok := find(err); ok {
		return err
	}
	return &Error{Code: reason, Err: err}
}

// Reason returns the code attached to err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	if e, ok := find(err); ok {
		return e.Code
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// IsFatal reports whether err carries a reason that should stop the engine.
func IsFatal(err error) bool {
	return Reason(err).Fatal()
}

func find(err error) (*Error, bool) {
	var e *Error
	if err == nil || !errors.As(err, &e) {
		return nil, false
	}
	return e, true
}
