package memorylog

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sanity-io/litter"

	"github.com/chn0318/replog/sharedlog"
)

const backend = "memory"

// MemoryLog is the volatile backend: entries live in a slice in arrival
// order, cursors are vector clocks.
type MemoryLog[A comparable, O any] struct {
	actor   A
	entries []sharedlog.TaggedOp[A, O]
	seen    mapset.Set[sharedlog.Dot[A]]
	known   sharedlog.VClock[A]
	applied sharedlog.VClock[A]
	// entries before head are all applied
	head int

	logger  log.Logger
	metrics *sharedlog.Metrics
	mu      sync.RWMutex
}

var (
	_ sharedlog.Log[string, int, *MemoryLog[string, int]] = (*MemoryLog[string, int])(nil)
	_ sharedlog.Exchanger[string, int]                    = (*MemoryLog[string, int])(nil)
)

func NewMemoryLog[A comparable, O any](actor A, opts ...sharedlog.Option) *MemoryLog[A, O] {
	o := sharedlog.BuildOptions(opts...)
	return &MemoryLog[A, O]{
		actor:   actor,
		seen:    mapset.NewThreadUnsafeSet[sharedlog.Dot[A]](),
		known:   sharedlog.NewVClock[A](),
		applied: sharedlog.NewVClock[A](),
		logger:  log.With(o.Logger, "backend", backend, "actor", actor),
		metrics: o.Metrics,
	}
}

func (l *MemoryLog[A, O]) Actor() A { return l.actor }

func (l *MemoryLog[A, O]) Commit(op O) (*sharedlog.TaggedOp[A, O], error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Entries for our own actor may have come back from a peer, so mint
	// past whatever we hold.
	dot := sharedlog.Dot[A]{Actor: l.actor, Counter: l.known.Get(l.actor)}.Next()
	tagged := sharedlog.TaggedOp[A, O]{Dot: dot, Op: op}
	l.append(tagged)

	l.metrics.Commits.Add(1)
	level.Debug(l.logger).Log("msg", "committed", "dot", dot)
	return &tagged, nil
}

func (l *MemoryLog[A, O]) append(t sharedlog.TaggedOp[A, O]) {
	l.entries = append(l.entries, t)
	l.seen.Add(t.Dot)
	l.known.Apply(t.Dot)
}

func (l *MemoryLog[A, O]) Next() (*sharedlog.TaggedOp[A, O], error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.head < len(l.entries) && l.applied.Contains(l.entries[l.head].Dot) {
		l.head++
	}
	for i := l.head; i < len(l.entries); i++ {
		if !l.applied.Contains(l.entries[i].Dot) {
			t := l.entries[i]
			return &t, nil
		}
	}
	return nil, nil
}

func (l *MemoryLog[A, O]) Ack(t *sharedlog.TaggedOp[A, O]) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.applied.Contains(t.Dot) {
		return sharedlog.NewError(sharedlog.KindAck, t.Dot, sharedlog.ErrAlreadyApplied)
	}
	if t.Dot.Counter != l.applied.Get(t.Dot.Actor)+1 || !l.seen.Contains(t.Dot) {
		return sharedlog.NewError(sharedlog.KindAck, t.Dot, sharedlog.ErrNotPending)
	}
	l.applied.Apply(t.Dot)
	l.metrics.Acks.Add(1)
	return nil
}

// Pull copies what other holds and l lacks. The two logs are never locked
// at the same time.
func (l *MemoryLog[A, O]) Pull(other *MemoryLog[A, O]) error {
	if other == l {
		return nil
	}
	if _, err := sharedlog.Transfer[A, O](l, other); err != nil {
		return sharedlog.Wrap(sharedlog.KindPull, err, "pull from memory log")
	}
	return nil
}

func (l *MemoryLog[A, O]) Push(other *MemoryLog[A, O]) error {
	if other == l {
		return nil
	}
	if _, err := sharedlog.Transfer[A, O](other, l); err != nil {
		return sharedlog.Wrap(sharedlog.KindPush, err, "push to memory log")
	}
	return nil
}

func (l *MemoryLog[A, O]) Known() (sharedlog.VClock[A], error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.known.Clone(), nil
}

func (l *MemoryLog[A, O]) Since(known sharedlog.VClock[A]) ([]sharedlog.TaggedOp[A, O], error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []sharedlog.TaggedOp[A, O]
	for _, e := range l.entries {
		if !known.Contains(e.Dot) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *MemoryLog[A, O]) Accept(entries []sharedlog.TaggedOp[A, O]) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fresh, err := sharedlog.CheckContiguous(l.known, entries)
	if err != nil {
		return 0, err
	}
	for _, e := range fresh {
		if l.seen.Contains(e.Dot) {
			continue
		}
		l.append(e)
	}

	if len(fresh) > 0 {
		l.metrics.Accepted.Add(float64(len(fresh)))
		level.Debug(l.logger).Log("msg", "accepted entries", "count", len(fresh))
	}
	return len(fresh), nil
}

// Entries returns a copy of the committed store in arrival order.
func (l *MemoryLog[A, O]) Entries() []sharedlog.TaggedOp[A, O] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]sharedlog.TaggedOp[A, O], len(l.entries))
	copy(out, l.entries)
	return out
}

// Dump renders the log's full state for debugging.
func (l *MemoryLog[A, O]) Dump() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return litter.Sdump(struct {
		Actor   A
		Entries []sharedlog.TaggedOp[A, O]
		Known   sharedlog.VClock[A]
		Applied sharedlog.VClock[A]
	}{l.actor, l.entries, l.known, l.applied})
}
