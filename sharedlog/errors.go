package sharedlog

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind names the operation an error came out of.
type ErrorKind string

const (
	KindCommit ErrorKind = "COMMIT"
	KindNext   ErrorKind = "NEXT"
	KindAck    ErrorKind = "ACK"
	KindPull   ErrorKind = "PULL"
	KindPush   ErrorKind = "PUSH"
	KindApply  ErrorKind = "APPLY"
)

var (
	// ErrNotPending: the acked dot is not the pending head of its actor.
	ErrNotPending = errors.New("dot is not the pending head for its actor")
	// ErrAlreadyApplied: the acked dot was acked before.
	ErrAlreadyApplied = errors.New("dot already applied")
	// ErrDivergentHistory: a foreign actor's history was rewritten.
	ErrDivergentHistory = errors.New("divergent history")
	// ErrGap: entries skip counters for an actor.
	ErrGap = errors.New("entries leave a gap in actor history")
)

// LogError carries the failing operation kind and, when known, the dot.
type LogError struct {
	Kind ErrorKind
	Dot  string
	Err  error
}

func (e *LogError) Error() string {
	if e.Dot != "" {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Dot, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *LogError) Unwrap() error { return e.Err }

// NewError wraps err for the operation kind on dot.
func NewError[A comparable](kind ErrorKind, dot Dot[A], err error) *LogError {
	return &LogError{Kind: kind, Dot: dot.String(), Err: err}
}

// Wrap attaches kind and a message to err. It returns nil for a nil err.
func Wrap(kind ErrorKind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &LogError{Kind: kind, Err: errors.Wrap(err, msg)}
}

// IsKind reports whether err came out of an operation of kind.
func IsKind(err error, kind ErrorKind) bool {
	var le *LogError
	if errors.As(err, &le) {
		return le.Kind == kind
	}
	return false
}
