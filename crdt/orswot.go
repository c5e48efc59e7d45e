package crdt

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/chn0318/replog/sharedlog"
)

// deferred groups the items whose removal waits for Context to be seen.
type deferred[T comparable, A comparable] struct {
	Context sharedlog.VClock[A]
	Items   mapset.Set[T]
}

type deferredSet[T comparable, A comparable] []deferred[T, A]

func (d *deferredSet[T, A]) add(ctx sharedlog.VClock[A], item T) {
	for _, g := range *d {
		if g.Context.Equal(ctx) {
			g.Items.Add(item)
			return
		}
	}
	*d = append(*d, deferred[T, A]{Context: ctx.Clone(), Items: mapset.NewThreadUnsafeSet(item)})
}

// take empties d and returns its previous groups.
func (d *deferredSet[T, A]) take() deferredSet[T, A] {
	out := *d
	*d = nil
	return out
}

// equal compares two deferred sets ignoring group order.
func (d deferredSet[T, A]) equal(other deferredSet[T, A]) bool {
	if len(d) != len(other) {
		return false
	}
	for _, g := range d {
		found := false
		for _, o := range other {
			if g.Context.Equal(o.Context) && g.Items.Equal(o.Items) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Orswot is an observed-remove set. Each member maps to the clock of the
// adds that produced it; a member whose clock empties is gone.
type Orswot[M comparable, A comparable] struct {
	Clock    sharedlog.VClock[A]
	Entries  map[M]sharedlog.VClock[A]
	Deferred deferredSet[M, A]
}

func NewOrswot[M comparable, A comparable]() *Orswot[M, A] {
	return &Orswot[M, A]{
		Clock:   sharedlog.NewVClock[A](),
		Entries: make(map[M]sharedlog.VClock[A]),
	}
}

// Add returns the operation adding member under dot. s is not modified.
func (s *Orswot[M, A]) Add(member M, dot sharedlog.Dot[A]) SetOp[M, A] {
	return SetOp[M, A]{Kind: KindAdd, Dot: dot, Member: member}
}

// Remove returns the operation removing member as observed under ctx.
func (s *Orswot[M, A]) Remove(member M, ctx sharedlog.VClock[A]) SetOp[M, A] {
	return SetOp[M, A]{Kind: KindRm, Member: member, Context: ctx}
}

// Context returns the clock under which member is currently present, empty
// if it is absent.
func (s *Orswot[M, A]) Context(member M) sharedlog.VClock[A] {
	if c, ok := s.Entries[member]; ok {
		return c.Clone()
	}
	return sharedlog.NewVClock[A]()
}

func (s *Orswot[M, A]) Contains(member M) bool {
	_, ok := s.Entries[member]
	return ok
}

func (s *Orswot[M, A]) Members() mapset.Set[M] {
	out := mapset.NewThreadUnsafeSet[M]()
	for m := range s.Entries {
		out.Add(m)
	}
	return out
}

func (s *Orswot[M, A]) Apply(op SetOp[M, A]) error {
	switch op.Kind {
	case KindAdd:
		if s.Clock.Contains(op.Dot) {
			return nil
		}
		c, ok := s.Entries[op.Member]
		if !ok {
			c = sharedlog.NewVClock[A]()
			s.Entries[op.Member] = c
		}
		c.Apply(op.Dot)
		s.Clock.Apply(op.Dot)
		s.applyDeferred()
	case KindRm:
		s.applyRemove(op.Member, op.Context)
	default:
		return errors.Wrapf(ErrUnknownOp, "set operation %q", op.Kind)
	}
	return nil
}

func (s *Orswot[M, A]) applyRemove(member M, ctx sharedlog.VClock[A]) {
	if !s.Clock.Dominates(ctx) {
		s.Deferred.add(ctx, member)
	}
	if c, ok := s.Entries[member]; ok {
		c.Forget(ctx)
		if c.IsEmpty() {
			delete(s.Entries, member)
		}
	}
}

func (s *Orswot[M, A]) applyDeferred() {
	for _, g := range s.Deferred.take() {
		for _, m := range g.Items.ToSlice() {
			s.applyRemove(m, g.Context)
		}
	}
}

// ResetRemove forgets every dot covered by ctx, as if everything observed
// under ctx had been removed.
func (s *Orswot[M, A]) ResetRemove(ctx sharedlog.VClock[A]) {
	s.Clock.Forget(ctx)
	for m, c := range s.Entries {
		c.Forget(ctx)
		if c.IsEmpty() {
			delete(s.Entries, m)
		}
	}
	for _, g := range s.Deferred.take() {
		g.Context.Forget(ctx)
		if g.Context.IsEmpty() {
			continue
		}
		for _, m := range g.Items.ToSlice() {
			s.Deferred.add(g.Context, m)
		}
	}
}

func (s *Orswot[M, A]) Equal(other *Orswot[M, A]) bool {
	if !s.Clock.Equal(other.Clock) || len(s.Entries) != len(other.Entries) {
		return false
	}
	for m, c := range s.Entries {
		oc, ok := other.Entries[m]
		if !ok || !c.Equal(oc) {
			return false
		}
	}
	return s.Deferred.equal(other.Deferred)
}
