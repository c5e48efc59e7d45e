// Package gitlog is the durable backend of the replicated log. Each actor
// owns a branch of a git repository whose commits are the actor's entries in
// commit order; a second ref per actor records how far the caller has acked.
// Synchronization is object transfer plus fast-forward of branch refs.
package gitlog

import (
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/chn0318/replog/sharedlog"
)

const backend = "git"

// actorState caches one actor's refs. pending is the chain between the
// applied cursor and the head; it is rebuilt lazily after the head moves.
type actorState[A comparable, O any] struct {
	actor          A
	head           plumbing.Hash
	headCounter    uint64
	applied        plumbing.Hash
	appliedCounter uint64
	pending        []entry[A, O]
	loaded         bool
}

type GitLog[A comparable, O any] struct {
	actor   A
	key     string
	name    string
	path    string
	repo    *git.Repository
	store   storage.Storer
	states  map[string]*actorState[A, O]
	logger  log.Logger
	metrics *sharedlog.Metrics
	mu      sync.Mutex
}

var (
	_ sharedlog.Log[string, int, *GitLog[string, int]] = (*GitLog[string, int])(nil)
	_ sharedlog.Exchanger[string, int]                 = (*GitLog[string, int])(nil)
)

// NewGitLog binds a log for actor to repo. name labels the log in logs and
// path is where repo lives. Existing heads and applied cursors are reloaded,
// so reopening a repository resumes delivery where the last ack left it.
func NewGitLog[A comparable, O any](actor A, repo *git.Repository, name, path string, opts ...sharedlog.Option) (*GitLog[A, O], error) {
	o := sharedlog.BuildOptions(opts...)

	key, err := actorKey(actor)
	if err != nil {
		return nil, err
	}

	l := &GitLog[A, O]{
		actor:   actor,
		key:     key,
		name:    name,
		path:    path,
		repo:    repo,
		store:   repo.Storer,
		states:  make(map[string]*actorState[A, O]),
		logger:  log.With(o.Logger, "backend", backend, "log", name, "actor", actor),
		metrics: o.Metrics,
	}
	if err := l.load(); err != nil {
		return nil, errors.Wrapf(err, "load log %s at %s", name, path)
	}
	return l, nil
}

// OpenGitLog opens the bare repository at path, initialising it if absent.
func OpenGitLog[A comparable, O any](actor A, path, name string, opts ...sharedlog.Option) (*GitLog[A, O], error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(path, true)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open repository %s", path)
	}
	return NewGitLog[A, O](actor, repo, name, path, opts...)
}

func (l *GitLog[A, O]) Actor() A { return l.actor }

func (l *GitLog[A, O]) Name() string { return l.name }

func (l *GitLog[A, O]) Path() string { return l.path }

func (l *GitLog[A, O]) load() error {
	iter, err := l.store.IterReferences()
	if err != nil {
		return err
	}
	applied := make(map[string]plumbing.Hash)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name().String()
		switch {
		case strings.HasPrefix(name, branchPrefix):
			return l.refreshHead(strings.TrimPrefix(name, branchPrefix), ref.Hash())
		case strings.HasPrefix(name, appliedPrefix):
			applied[strings.TrimPrefix(name, appliedPrefix)] = ref.Hash()
		}
		return nil
	})
	if err != nil {
		return err
	}

	for key, h := range applied {
		st, ok := l.states[key]
		if !ok {
			return errors.Errorf("applied cursor for %s without a branch", key)
		}
		e, _, err := readEntry[A, O](l.store, h)
		if err != nil {
			return err
		}
		st.applied = h
		st.appliedCounter = e.op.Dot.Counter
	}
	return nil
}

// refreshHead points key's state at head and drops its pending cache.
func (l *GitLog[A, O]) refreshHead(key string, head plumbing.Hash) error {
	e, _, err := readEntry[A, O](l.store, head)
	if err != nil {
		return err
	}
	l.setHead(key, e)
	return nil
}

func (l *GitLog[A, O]) setHead(key string, e entry[A, O]) {
	st, ok := l.states[key]
	if !ok {
		st = &actorState[A, O]{}
		l.states[key] = st
	}
	st.actor = e.op.Dot.Actor
	st.head = e.hash
	st.headCounter = e.op.Dot.Counter
	st.pending = nil
	st.loaded = false
}

// moveRef swings name from old to new. A zero old means the ref must not
// exist yet.
func (l *GitLog[A, O]) moveRef(name plumbing.ReferenceName, newHash, oldHash plumbing.Hash) error {
	next := plumbing.NewHashReference(name, newHash)
	if oldHash.IsZero() {
		if _, err := l.store.Reference(name); err == nil {
			return storage.ErrReferenceHasChanged
		}
		return l.store.SetReference(next)
	}
	return l.store.CheckAndSetReference(next, plumbing.NewHashReference(name, oldHash))
}

func (l *GitLog[A, O]) restoreRef(name plumbing.ReferenceName, oldHash plumbing.Hash) error {
	if oldHash.IsZero() {
		return l.store.RemoveReference(name)
	}
	return l.store.SetReference(plumbing.NewHashReference(name, oldHash))
}

func (l *GitLog[A, O]) Commit(op O) (*sharedlog.TaggedOp[A, O], error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var parent plumbing.Hash
	var counter uint64
	st := l.states[l.key]
	if st != nil {
		parent, counter = st.head, st.headCounter
	}
	tagged := sharedlog.TaggedOp[A, O]{
		Dot: sharedlog.Dot[A]{Actor: l.actor, Counter: counter + 1},
		Op:  op,
	}

	h, err := writeEntry(l.store, l.key, tagged, parent)
	if err != nil {
		return nil, sharedlog.NewError(sharedlog.KindCommit, tagged.Dot, err)
	}
	if err := l.moveRef(branchRef(l.key), h, parent); err != nil {
		return nil, sharedlog.NewError(sharedlog.KindCommit, tagged.Dot, errors.Wrap(err, "advance branch"))
	}

	if st == nil {
		st = &actorState[A, O]{actor: l.actor, loaded: true}
		l.states[l.key] = st
	}
	st.head = h
	st.headCounter = tagged.Dot.Counter
	if st.loaded {
		st.pending = append(st.pending, entry[A, O]{hash: h, op: tagged})
	}

	l.metrics.Commits.Add(1)
	level.Debug(l.logger).Log("msg", "committed", "dot", tagged.Dot, "commit", h)
	return &tagged, nil
}

func (l *GitLog[A, O]) ensurePending(st *actorState[A, O]) error {
	if st.loaded {
		return nil
	}
	var chain []entry[A, O]
	for h := st.head; h != st.applied; {
		if h.IsZero() {
			return errors.Errorf("applied cursor %s is not on the branch of %v", st.applied, st.actor)
		}
		e, parent, err := readEntry[A, O](l.store, h)
		if err != nil {
			return err
		}
		chain = append(chain, e)
		h = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	st.pending = chain
	st.loaded = true
	return nil
}

func (l *GitLog[A, O]) sortedKeys() []string {
	keys := make([]string, 0, len(l.states))
	for k := range l.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Next visits actors in ref-name order and returns the first pending entry.
func (l *GitLog[A, O]) Next() (*sharedlog.TaggedOp[A, O], error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, key := range l.sortedKeys() {
		st := l.states[key]
		if err := l.ensurePending(st); err != nil {
			return nil, sharedlog.Wrap(sharedlog.KindNext, err, "scan pending entries")
		}
		if len(st.pending) > 0 {
			t := st.pending[0].op
			return &t, nil
		}
	}
	return nil, nil
}

func (l *GitLog[A, O]) Ack(t *sharedlog.TaggedOp[A, O]) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, err := actorKey(t.Dot.Actor)
	if err != nil {
		return sharedlog.NewError(sharedlog.KindAck, t.Dot, err)
	}
	st, ok := l.states[key]
	if !ok {
		return sharedlog.NewError(sharedlog.KindAck, t.Dot, sharedlog.ErrNotPending)
	}
	if t.Dot.Counter <= st.appliedCounter {
		return sharedlog.NewError(sharedlog.KindAck, t.Dot, sharedlog.ErrAlreadyApplied)
	}
	if err := l.ensurePending(st); err != nil {
		return sharedlog.NewError(sharedlog.KindAck, t.Dot, err)
	}
	if len(st.pending) == 0 || st.pending[0].op.Dot != t.Dot {
		return sharedlog.NewError(sharedlog.KindAck, t.Dot, sharedlog.ErrNotPending)
	}

	head := st.pending[0].hash
	if err := l.moveRef(appliedRef(key), head, st.applied); err != nil {
		return sharedlog.NewError(sharedlog.KindAck, t.Dot, errors.Wrap(err, "advance applied cursor"))
	}
	st.applied = head
	st.appliedCounter = t.Dot.Counter
	st.pending = st.pending[1:]

	l.metrics.Acks.Add(1)
	return nil
}
