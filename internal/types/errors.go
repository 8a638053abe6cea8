package types

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation across the core boundary.
// Nothing panics across the queue boundary; every failure carries a kind.
type Kind string

const (
	KindValidation Kind = "validation" // bad input, surfaced 4xx
	KindNotFound   Kind = "not_found"  // unknown KB, missing document
	KindConflict   Kind = "conflict"   // duplicate name, concurrent delete
	KindDependency Kind = "dependency" // embedder unreachable, parser missing
	KindIntegrity  Kind = "integrity"  // invariant violated on read
	KindFatal      Kind = "fatal"      // storage corruption, disk full
)

// Error is the typed failure used throughout the core.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a typed error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies an arbitrary error. Untyped errors default to fatal so
// that unknown failures are never silently treated as user mistakes.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindFatal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }
