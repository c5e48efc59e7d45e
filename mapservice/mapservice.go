// Package mapservice applies the entries of a replicated log to a local
// data type and builds the replication topologies out of log primitives.
package mapservice

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chn0318/replog/sharedlog"
)

// CRDT is the data type a replica maintains. Apply must be commutative for
// causally unrelated operations and idempotent for a repeated dot.
type CRDT[O any] interface {
	Apply(op O) error
}

// Replica binds a log to the state built from it. Every entry the log
// delivers is applied to the state exactly once and then acked.
type Replica[A comparable, O any, L sharedlog.Log[A, O, L], D CRDT[O]] struct {
	mu sync.RWMutex

	log   L
	state D
	// highest applied counter per actor
	frontier sharedlog.VClock[A]
	// set while an entry committed by Update is still pending
	stalled  bool
	logger   log.Logger
}

func NewReplica[A comparable, O any, L sharedlog.Log[A, O, L], D CRDT[O]](l L, state D, opts ...sharedlog.Option) *Replica[A, O, L, D] {
	o := sharedlog.BuildOptions(opts...)
	return &Replica[A, O, L, D]{
		log:      l,
		state:    state,
		frontier: sharedlog.NewVClock[A](),
		logger:   o.Logger,
	}
}

func (r *Replica[A, O, L, D]) Log() L { return r.log }

// Update commits op, applies it locally and acks it. If apply fails the
// entry stays pending and the next Drain retries it. While such an entry
// is pending, Update drains before committing, so own entries are never
// applied out of order.
func (r *Replica[A, O, L, D]) Update(op O) (*sharedlog.TaggedOp[A, O], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stalled {
		if _, err := r.drain(); err != nil {
			return nil, err
		}
	}
	t, err := r.log.Commit(op)
	if err != nil {
		return nil, err
	}
	if err := r.apply(t); err != nil {
		r.stalled = true
		return nil, err
	}
	return t, nil
}

func (r *Replica[A, O, L, D]) apply(t *sharedlog.TaggedOp[A, O]) error {
	if err := r.state.Apply(t.Op); err != nil {
		return sharedlog.NewError(sharedlog.KindApply, t.Dot, err)
	}
	if err := r.log.Ack(t); err != nil {
		return err
	}
	r.frontier.Apply(t.Dot)
	return nil
}

// Drain applies every pending entry in delivery order and returns how many
// were applied.
func (r *Replica[A, O, L, D]) Drain() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drain()
}

func (r *Replica[A, O, L, D]) drain() (int, error) {
	n := 0
	for {
		t, err := r.log.Next()
		if err != nil {
			return n, err
		}
		if t == nil {
			break
		}
		if err := r.apply(t); err != nil {
			level.Warn(r.logger).Log("msg", "apply failed", "dot", t.Dot, "err", err)
			return n, err
		}
		n++
	}
	r.stalled = false
	if n > 0 {
		level.Debug(r.logger).Log("msg", "drained", "count", n)
	}
	return n, nil
}

// Frontier returns the highest applied counter per actor.
func (r *Replica[A, O, L, D]) Frontier() sharedlog.VClock[A] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frontier.Clone()
}

// View runs fn with the state under the read lock.
func (r *Replica[A, O, L, D]) View(fn func(D)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.state)
}

// PeerPull makes a and b pull from each other, then drains both.
func PeerPull[A comparable, O any, L sharedlog.Log[A, O, L], D CRDT[O]](a, b *Replica[A, O, L, D]) error {
	if err := b.log.Pull(a.log); err != nil {
		return err
	}
	if err := a.log.Pull(b.log); err != nil {
		return err
	}
	for _, r := range []*Replica[A, O, L, D]{a, b} {
		if _, err := r.Drain(); err != nil {
			return err
		}
	}
	return nil
}

// Relay pushes every replica's log into hub, pulls hub back into every
// replica and drains them. hub only relays; it never commits.
func Relay[A comparable, O any, L sharedlog.Log[A, O, L], D CRDT[O]](hub L, replicas ...*Replica[A, O, L, D]) error {
	for _, r := range replicas {
		if err := r.log.Push(hub); err != nil {
			return err
		}
	}
	for _, r := range replicas {
		if err := r.log.Pull(hub); err != nil {
			return err
		}
	}
	for _, r := range replicas {
		if _, err := r.Drain(); err != nil {
			return err
		}
	}
	return nil
}
