// Package apperr defines the error kinds surfaced by a reconstruction run.
package apperr

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrEngineInvocation = errors.New("engine invocation error")
	ErrEngineOutput     = errors.New("engine output error")
	ErrResource         = errors.New("resource error")
	ErrStateCorruption  = errors.New("state corruption error")
	ErrLock             = errors.New("lock error")
)

// Error ties a failure to its kind and, when known, the stage that raised it.
type Error struct {
	Kind  error
	Stage string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Stage != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Stage)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps err with kind for stage.
func New(kind error, stage string, err error) error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Newf builds an error of kind from a format string.
func Newf(kind error, stage, format string, args ...any) error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Validation reports bad or missing input.
func Validation(format string, args ...any) error {
	return Newf(ErrValidation, "prepare", format, args...)
}

// KindOf returns the kind sentinel carried by err, or nil.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrEngineInvocation, ErrEngineOutput, ErrResource, ErrStateCorruption, ErrLock} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
