package gitlog

import (
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/chn0318/replog/sharedlog"
)

type refUpdate struct {
	key      string
	old, new plumbing.Hash
}

// branchHeads snapshots every actor branch head.
func (l *GitLog[A, O]) branchHeads() map[string]plumbing.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	heads := make(map[string]plumbing.Hash, len(l.states))
	for key, st := range l.states {
		heads[key] = st.head
	}
	return heads
}

// Pull fast-forwards every actor branch of l to other's head, copying the
// missing entries first. Only l is locked while objects move; committed
// objects are immutable, so reading other's store needs no lock.
func (l *GitLog[A, O]) Pull(other *GitLog[A, O]) error {
	if other == l {
		return nil
	}
	heads := other.branchHeads()

	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.fetch(other.store, heads)
	if err != nil {
		return sharedlog.Wrap(sharedlog.KindPull, err, "pull from "+other.name)
	}
	if n > 0 {
		level.Debug(l.logger).Log("msg", "pulled entries", "from", other.name, "count", n)
	}
	return nil
}

// Push is Pull seen from the other side: the objects land in other's
// repository.
func (l *GitLog[A, O]) Push(other *GitLog[A, O]) error {
	if other == l {
		return nil
	}
	heads := l.branchHeads()

	other.mu.Lock()
	defer other.mu.Unlock()
	n, err := other.fetch(l.store, heads)
	if err != nil {
		return sharedlog.Wrap(sharedlog.KindPush, err, "push to "+other.name)
	}
	if n > 0 {
		level.Debug(l.logger).Log("msg", "pushed entries", "to", other.name, "count", n)
	}
	return nil
}

// fetch plans every branch move first and only then touches refs, undoing
// the moves already made if one fails. Objects written for an aborted
// fetch stay unreferenced. The caller holds l.mu.
func (l *GitLog[A, O]) fetch(src storer.EncodedObjectStorer, heads map[string]plumbing.Hash) (int, error) {
	keys := make([]string, 0, len(heads))
	for k := range heads {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var plan []refUpdate
	for _, key := range keys {
		remote := heads[key]
		var local plumbing.Hash
		if st, ok := l.states[key]; ok {
			local = st.head
		}
		if remote == local || remote.IsZero() {
			continue
		}

		if hasObject(l.store, remote) {
			behind, err := isAncestor(l.store, remote, local)
			if err != nil {
				return 0, err
			}
			if behind {
				continue
			}
			ahead, err := isAncestor(l.store, local, remote)
			if err != nil {
				return 0, err
			}
			if !ahead {
				return 0, errors.Wrapf(sharedlog.ErrDivergentHistory, "branch %s", key)
			}
			plan = append(plan, refUpdate{key: key, old: local, new: remote})
			continue
		}

		var missing []plumbing.Hash
		base := remote
		for !base.IsZero() && !hasObject(l.store, base) {
			missing = append(missing, base)
			_, parent, err := readEntry[A, O](src, base)
			if err != nil {
				return 0, err
			}
			base = parent
		}
		if !local.IsZero() && base != local {
			return 0, errors.Wrapf(sharedlog.ErrDivergentHistory, "branch %s", key)
		}
		// Oldest first: a commit in the store implies its ancestors are.
		for i := len(missing) - 1; i >= 0; i-- {
			if err := copyEntry(l.store, src, missing[i]); err != nil {
				return 0, err
			}
		}
		plan = append(plan, refUpdate{key: key, old: local, new: remote})
	}

	return l.applyPlan(plan)
}

// applyPlan moves branch refs as planned and reloads the touched states.
// It returns the number of entries that became visible. Every new head is
// decoded before the first ref moves, so once the refs have moved nothing
// else can fail.
func (l *GitLog[A, O]) applyPlan(plan []refUpdate) (int, error) {
	heads := make([]entry[A, O], len(plan))
	for i, u := range plan {
		e, _, err := readEntry[A, O](l.store, u.new)
		if err != nil {
			return 0, errors.Wrapf(err, "resolve branch %s", u.key)
		}
		heads[i] = e
	}

	for i, u := range plan {
		if err := l.moveRef(branchRef(u.key), u.new, u.old); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := l.restoreRef(branchRef(plan[j].key), plan[j].old); rerr != nil {
					level.Error(l.logger).Log("msg", "failed to roll back branch", "branch", plan[j].key, "err", rerr)
				}
			}
			return 0, errors.Wrapf(err, "advance branch %s", u.key)
		}
	}

	n := 0
	for i, u := range plan {
		var before uint64
		if st, ok := l.states[u.key]; ok {
			before = st.headCounter
		}
		l.setHead(u.key, heads[i])
		n += int(heads[i].op.Dot.Counter - before)
	}
	if n > 0 {
		l.metrics.Accepted.Add(float64(n))
	}
	return n, nil
}

func (l *GitLog[A, O]) Known() (sharedlog.VClock[A], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	vc := sharedlog.NewVClock[A]()
	for _, st := range l.states {
		vc.Apply(sharedlog.Dot[A]{Actor: st.actor, Counter: st.headCounter})
	}
	return vc, nil
}

func (l *GitLog[A, O]) Since(known sharedlog.VClock[A]) ([]sharedlog.TaggedOp[A, O], error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []sharedlog.TaggedOp[A, O]
	for _, key := range l.sortedKeys() {
		st := l.states[key]
		have := known.Get(st.actor)
		if have >= st.headCounter {
			continue
		}
		var chain []sharedlog.TaggedOp[A, O]
		for h := st.head; !h.IsZero(); {
			e, parent, err := readEntry[A, O](l.store, h)
			if err != nil {
				return nil, sharedlog.Wrap(sharedlog.KindPush, err, "read branch "+key)
			}
			if e.op.Dot.Counter <= have {
				break
			}
			chain = append(chain, e.op)
			h = parent
		}
		for i := len(chain) - 1; i >= 0; i-- {
			out = append(out, chain[i])
		}
	}
	return out, nil
}

// Accept rebuilds the given entries as commits on their actors' branches.
// Since commits are a pure function of entry and parent, the result is
// byte-identical to the originating repository.
func (l *GitLog[A, O]) Accept(entries []sharedlog.TaggedOp[A, O]) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	known := sharedlog.NewVClock[A]()
	for _, st := range l.states {
		known.Apply(sharedlog.Dot[A]{Actor: st.actor, Counter: st.headCounter})
	}
	fresh, err := sharedlog.CheckContiguous(known, entries)
	if err != nil {
		return 0, err
	}

	tips := make(map[string]plumbing.Hash)
	olds := make(map[string]plumbing.Hash)
	var order []string
	for _, e := range fresh {
		key, err := actorKey(e.Dot.Actor)
		if err != nil {
			return 0, sharedlog.NewError(sharedlog.KindPull, e.Dot, err)
		}
		parent, seen := tips[key]
		if !seen {
			if st, ok := l.states[key]; ok {
				parent = st.head
			}
			olds[key] = parent
			order = append(order, key)
		}
		h, err := writeEntry(l.store, key, e, parent)
		if err != nil {
			return 0, sharedlog.NewError(sharedlog.KindPull, e.Dot, err)
		}
		tips[key] = h
	}

	plan := make([]refUpdate, 0, len(order))
	for _, key := range order {
		plan = append(plan, refUpdate{key: key, old: olds[key], new: tips[key]})
	}
	n, err := l.applyPlan(plan)
	if err != nil {
		return 0, sharedlog.Wrap(sharedlog.KindPull, err, "accept entries")
	}
	return n, nil
}
