package crdt

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/chn0318/replog/sharedlog"
)

// mapEntry is one key of a Map: its value and the dots of the updates that
// touched it since it was last removed.
type mapEntry[M comparable, A comparable] struct {
	Clock sharedlog.VClock[A]
	Val   *Orswot[M, A]
}

// Map maps keys to Orswots. Concurrent update and remove of a key keep the
// updates the remover had not observed.
type Map[K comparable, M comparable, A comparable] struct {
	Clock    sharedlog.VClock[A]
	Entries  map[K]*mapEntry[M, A]
	Deferred deferredSet[K, A]
}

func NewMap[K comparable, M comparable, A comparable]() *Map[K, M, A] {
	return &Map[K, M, A]{
		Clock:   sharedlog.NewVClock[A](),
		Entries: make(map[K]*mapEntry[M, A]),
	}
}

// Dot returns the next dot of actor under the map's clock.
func (m *Map[K, M, A]) Dot(actor A) sharedlog.Dot[A] {
	return sharedlog.Dot[A]{Actor: actor, Counter: m.Clock.Get(actor)}.Next()
}

// Get returns the set at key and the context under which it was observed.
func (m *Map[K, M, A]) Get(key K) (*Orswot[M, A], sharedlog.VClock[A], bool) {
	e, ok := m.Entries[key]
	if !ok {
		return nil, nil, false
	}
	return e.Val, e.Clock.Clone(), true
}

// Context returns the removal context of key, empty if the key is absent.
func (m *Map[K, M, A]) Context(key K) sharedlog.VClock[A] {
	if e, ok := m.Entries[key]; ok {
		return e.Clock.Clone()
	}
	return sharedlog.NewVClock[A]()
}

func (m *Map[K, M, A]) Keys() mapset.Set[K] {
	out := mapset.NewThreadUnsafeSet[K]()
	for k := range m.Entries {
		out.Add(k)
	}
	return out
}

// Update builds the operation that applies fn's set operation to the set
// at key. fn must not modify the set it is given. m is not modified.
func (m *Map[K, M, A]) Update(key K, dot sharedlog.Dot[A], fn func(*Orswot[M, A], sharedlog.Dot[A]) SetOp[M, A]) MapOp[K, M, A] {
	set := NewOrswot[M, A]()
	if e, ok := m.Entries[key]; ok {
		set = e.Val
	}
	op := fn(set, dot)
	return MapOp[K, M, A]{Kind: KindUp, Dot: dot, Key: key, Op: &op}
}

// Rm builds the operation removing key as observed under ctx.
func (m *Map[K, M, A]) Rm(key K, ctx sharedlog.VClock[A]) MapOp[K, M, A] {
	return MapOp[K, M, A]{Kind: KindRm, Key: key, Context: ctx}
}

func (m *Map[K, M, A]) Apply(op MapOp[K, M, A]) error {
	switch op.Kind {
	case KindNop:
	case KindRm:
		m.applyRemove(op.Key, op.Context)
	case KindUp:
		if op.Op == nil {
			return errors.Errorf("update of key %v without a set operation", op.Key)
		}
		if m.Clock.Contains(op.Dot) {
			return nil
		}
		e, ok := m.Entries[op.Key]
		if !ok {
			e = &mapEntry[M, A]{Clock: sharedlog.NewVClock[A](), Val: NewOrswot[M, A]()}
		}
		if err := e.Val.Apply(*op.Op); err != nil {
			return errors.Wrapf(err, "update key %v", op.Key)
		}
		e.Clock.Apply(op.Dot)
		m.Entries[op.Key] = e
		m.Clock.Apply(op.Dot)
		m.applyDeferred()
	default:
		return errors.Wrapf(ErrUnknownOp, "map operation %q", op.Kind)
	}
	return nil
}

func (m *Map[K, M, A]) applyRemove(key K, ctx sharedlog.VClock[A]) {
	if !m.Clock.Dominates(ctx) {
		m.Deferred.add(ctx, key)
	}
	e, ok := m.Entries[key]
	if !ok {
		return
	}
	e.Clock.Forget(ctx)
	if e.Clock.IsEmpty() {
		delete(m.Entries, key)
		return
	}
	e.Val.ResetRemove(ctx)
}

func (m *Map[K, M, A]) applyDeferred() {
	for _, g := range m.Deferred.take() {
		for _, k := range g.Items.ToSlice() {
			m.applyRemove(k, g.Context)
		}
	}
}

func (m *Map[K, M, A]) Equal(other *Map[K, M, A]) bool {
	if !m.Clock.Equal(other.Clock) || len(m.Entries) != len(other.Entries) {
		return false
	}
	for k, e := range m.Entries {
		oe, ok := other.Entries[k]
		if !ok || !e.Clock.Equal(oe.Clock) || !e.Val.Equal(oe.Val) {
			return false
		}
	}
	return m.Deferred.equal(other.Deferred)
}
