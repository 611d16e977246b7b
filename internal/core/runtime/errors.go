package runtime

import (
	"errors"
	"fmt"
)

// Kind classifies a backend failure independently of the backend's own text.
type Kind string

const (
	KindFailed      Kind = "failed"
	KindTimeout     Kind = "timeout"
	KindNotFound    Kind = "not-found"
	KindUnavailable Kind = "unavailable"
	KindInvalid     Kind = "invalid"
)

// Error is the structured error every backend returns.
type Error struct {
	Op       string
	Kind     Kind
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted cause.
func Errorf(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or "" when err is not a runtime error.
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ""
}

func IsTimeout(err error) bool     { return KindOf(err) == KindTimeout }
func IsNotFound(err error) bool    { return KindOf(err) == KindNotFound }
func IsUnavailable(err error) bool { return KindOf(err) == KindUnavailable }

// StderrOf returns the captured stderr carried by err, if any.
func StderrOf(err error) string {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Stderr
	}
	return ""
}
