package crdt

import (
	"github.com/pkg/errors"

	"github.com/chn0318/replog/sharedlog"
)

// OpKind selects the variant of an operation.
type OpKind string

const (
	KindNop OpKind = "nop"
	KindAdd OpKind = "add"
	KindRm  OpKind = "rm"
	KindUp  OpKind = "up"
)

// ErrUnknownOp is returned when applying an operation of an unknown kind.
var ErrUnknownOp = errors.New("unknown operation kind")

// SetOp is an Orswot operation. An add carries the dot that tags Member;
// a remove carries the context under which Member was observed.
type SetOp[M comparable, A comparable] struct {
	Kind    OpKind              `json:"kind"`
	Dot     sharedlog.Dot[A]    `json:"dot"`
	Member  M                   `json:"member"`
	Context sharedlog.VClock[A] `json:"context"`
}

func (op SetOp[M, A]) Equal(other SetOp[M, A]) bool {
	return op.Kind == other.Kind &&
		op.Dot == other.Dot &&
		op.Member == other.Member &&
		op.Context.Equal(other.Context)
}

// MapOp is a Map operation: a no-op, the removal of Key under Context, or
// an update of the set at Key tagged with Dot.
type MapOp[K comparable, M comparable, A comparable] struct {
	Kind    OpKind              `json:"kind"`
	Dot     sharedlog.Dot[A]    `json:"dot"`
	Key     K                   `json:"key"`
	Op      *SetOp[M, A]        `json:"op,omitempty"`
	Context sharedlog.VClock[A] `json:"context"`
}

// Nop returns the operation that changes nothing.
func Nop[K comparable, M comparable, A comparable]() MapOp[K, M, A] {
	return MapOp[K, M, A]{Kind: KindNop}
}

// Equal compares two operations by value. Nil and empty clocks are equal.
func (op MapOp[K, M, A]) Equal(other MapOp[K, M, A]) bool {
	if op.Kind != other.Kind || op.Dot != other.Dot || op.Key != other.Key {
		return false
	}
	if !op.Context.Equal(other.Context) {
		return false
	}
	if op.Op == nil || other.Op == nil {
		return op.Op == nil && other.Op == nil
	}
	return op.Op.Equal(*other.Op)
}
