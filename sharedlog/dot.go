package sharedlog

import "fmt"

// Dot locates one operation in the replicated log: the actor that minted it
// and that actor's counter at the time. Counters start at 1.
type Dot[A comparable] struct {
	Actor   A      `json:"actor"`
	Counter uint64 `json:"counter"`
}

// Next returns the dot that follows d for the same actor.
func (d Dot[A]) Next() Dot[A] { return Dot[A]{Actor: d.Actor, Counter: d.Counter + 1} }

func (d Dot[A]) String() string { return fmt.Sprintf("%v:%d", d.Actor, d.Counter) }

// VClock maps each actor to the highest counter observed for it.
// A nil VClock is a valid empty clock for reads.
type VClock[A comparable] map[A]uint64

func NewVClock[A comparable]() VClock[A] { return make(VClock[A]) }

// Get returns the counter for actor, 0 if unseen.
func (vc VClock[A]) Get(actor A) uint64 { return vc[actor] }

// Contains reports whether dot is covered by the clock.
func (vc VClock[A]) Contains(d Dot[A]) bool { return vc[d.Actor] >= d.Counter }

// Apply raises the actor's entry to d.Counter if it is behind.
func (vc VClock[A]) Apply(d Dot[A]) {
	if vc[d.Actor] < d.Counter {
		vc[d.Actor] = d.Counter
	}
}

// Merge takes the pairwise maximum with other.
func (vc VClock[A]) Merge(other VClock[A]) {
	for actor, counter := range other {
		if vc[actor] < counter {
			vc[actor] = counter
		}
	}
}

// Forget drops every entry that other has seen at least as far.
func (vc VClock[A]) Forget(other VClock[A]) {
	for actor, counter := range vc {
		if other[actor] >= counter {
			delete(vc, actor)
		}
	}
}

// Dominates reports whether vc has seen everything other has.
func (vc VClock[A]) Dominates(other VClock[A]) bool {
	for actor, counter := range other {
		if vc[actor] < counter {
			return false
		}
	}
	return true
}

func (vc VClock[A]) Equal(other VClock[A]) bool {
	return vc.Dominates(other) && other.Dominates(vc)
}

func (vc VClock[A]) IsEmpty() bool {
	for _, counter := range vc {
		if counter > 0 {
			return false
		}
	}
	return true
}

func (vc VClock[A]) Clone() VClock[A] {
	out := make(VClock[A], len(vc))
	for actor, counter := range vc {
		out[actor] = counter
	}
	return out
}
