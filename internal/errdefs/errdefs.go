// Package errdefs defines the error kinds raised by pipeline stages.
//
// Every stage failure is an *Error whose Kind is one of the sentinels below,
// so callers can branch with errors.Is while still reaching the cause.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrExport        = errors.New("export failed")
	ErrOptimization  = errors.New("optimization failed")
	ErrQuantization  = errors.New("quantization failed")
	ErrEvaluation    = errors.New("evaluation failed")
	ErrConfiguration = errors.New("invalid configuration")
	ErrPublish       = errors.New("publish failed")
	ErrLoad          = errors.New("load failed")
	ErrMismatch      = errors.New("artifact and preprocessor mismatch")
)

// Error is a stage failure of a given Kind.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an error of the given kind.
func New(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind caused by err. A nil err yields nil.
func Wrap(kind error, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the first known kind in err's chain, or nil.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrMismatch, ErrConfiguration, ErrExport, ErrOptimization,
		ErrQuantization, ErrEvaluation, ErrPublish, ErrLoad,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
