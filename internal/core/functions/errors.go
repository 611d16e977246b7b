package functions

import (
	"errors"
	"fmt"

	"faas-executor/internal/core/build"
	"faas-executor/internal/core/runtime"
)

// Code is the caller-visible error class.
type Code string

const (
	CodeValidation         Code = "validation"
	CodeCapacity           Code = "capacity"
	CodeNoDeployment       Code = "no-deployment"
	CodeMissingImage       Code = "missing-image"
	CodeTimeout            Code = "timeout"
	CodeBuildFailure       Code = "build-failure"
	CodePlatformMismatch   Code = "platform-mismatch"
	CodeInconsistentResult Code = "inconsistent-result"
	CodeRuntimeUnavailable Code = "runtime-unavailable"
	CodeNotFound           Code = "not-found"
	CodeInternal           Code = "internal"
)

// ErrNotFound is returned by stores for unknown functions and deployments.
var ErrNotFound = errors.New("not found")

// Error is a classified failure. Message is safe to show to callers; Err
// is only ever logged.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf classifies err. Unclassified errors are internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr.Code
	}
	var (
		verr *build.ValidationError
		serr *build.SynthesisError
		perr *build.PlatformMismatchError
		berr *build.BuildError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &serr):
		return CodeValidation
	case errors.As(err, &perr):
		return CodePlatformMismatch
	case errors.As(err, &berr):
		return CodeBuildFailure
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case runtime.IsTimeout(err):
		return CodeTimeout
	case runtime.IsUnavailable(err):
		return CodeRuntimeUnavailable
	}
	return CodeInternal
}

// PublicMessage returns the text of err that may cross into a response.
func PublicMessage(err error) string {
	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr.Message
	}
	var (
		verr *build.ValidationError
		serr *build.SynthesisError
		berr *build.BuildError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &serr), errors.As(err, &berr):
		return err.Error()
	case errors.Is(err, ErrNotFound):
		return "not found"
	}
	switch CodeOf(err) {
	case CodeTimeout:
		return "operation timed out"
	case CodeRuntimeUnavailable:
		return "container runtime unavailable"
	case CodePlatformMismatch:
		return "compiler image could not be rebuilt for the target platform"
	}
	return "internal error"
}
