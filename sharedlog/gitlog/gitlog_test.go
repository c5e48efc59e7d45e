package gitlog

import (
	"encoding/json"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chn0318/replog/sharedlog"
	"github.com/chn0318/replog/sharedlog/memorylog"
)

func newLog[O any](t *testing.T, actor uint8, name string) *GitLog[uint8, O] {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, true)
	require.NoError(t, err)
	l, err := NewGitLog[uint8, O](actor, repo, name, dir)
	require.NoError(t, err)
	return l
}

func reopen[O any](t *testing.T, l *GitLog[uint8, O]) *GitLog[uint8, O] {
	t.Helper()
	r, err := OpenGitLog[uint8, O](l.Actor(), l.Path(), l.Name())
	require.NoError(t, err)
	return r
}

func commitAll(t *testing.T, l *GitLog[uint8, string], ops ...string) {
	t.Helper()
	for _, op := range ops {
		_, err := l.Commit(op)
		require.NoError(t, err)
	}
}

func drain(t *testing.T, l *GitLog[uint8, string]) []sharedlog.TaggedOp[uint8, string] {
	t.Helper()
	var out []sharedlog.TaggedOp[uint8, string]
	for {
		op, err := l.Next()
		require.NoError(t, err)
		if op == nil {
			return out
		}
		require.NoError(t, l.Ack(op))
		out = append(out, *op)
	}
}

func ops(entries []sharedlog.TaggedOp[uint8, string]) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Op
	}
	return out
}

func head(t *testing.T, l *GitLog[uint8, string], actor uint8) plumbing.Hash {
	t.Helper()
	key, err := actorKey(actor)
	require.NoError(t, err)
	ref, err := l.store.Reference(branchRef(key))
	require.NoError(t, err)
	return ref.Hash()
}

func TestCommitAndDeliverInOrder(t *testing.T) {
	l := newLog[string](t, 1, "log")
	commitAll(t, l, "a", "b", "c")

	first, err := l.Next()
	require.NoError(t, err)
	again, err := l.Next()
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, sharedlog.Dot[uint8]{Actor: 1, Counter: 1}, first.Dot)

	assert.Equal(t, []string{"a", "b", "c"}, ops(drain(t, l)))
	next, err := l.Next()
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestRoundTripOnReopen(t *testing.T) {
	l := newLog[string](t, 7, "log")
	committed, err := l.Commit("payload")
	require.NoError(t, err)

	r := reopen(t, l)
	got, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *committed, *got)
}

func TestAppliedCursorSurvivesReopen(t *testing.T) {
	l := newLog[string](t, 1, "log")
	commitAll(t, l, "a", "b", "c")

	for i := 0; i < 2; i++ {
		op, err := l.Next()
		require.NoError(t, err)
		require.NoError(t, l.Ack(op))
	}

	r := reopen(t, l)
	assert.Equal(t, []string{"c"}, ops(drain(t, r)))

	again := reopen(t, l)
	next, err := again.Next()
	require.NoError(t, err)
	assert.Nil(t, next)

	// The counter resumes past the reloaded head.
	tagged, err := again.Commit("d")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), tagged.Dot.Counter)
}

func TestAckErrors(t *testing.T) {
	l := newLog[string](t, 1, "log")
	commitAll(t, l, "a", "b")

	second := &sharedlog.TaggedOp[uint8, string]{Dot: sharedlog.Dot[uint8]{Actor: 1, Counter: 2}, Op: "b"}
	assert.ErrorIs(t, l.Ack(second), sharedlog.ErrNotPending)

	first, err := l.Next()
	require.NoError(t, err)
	require.NoError(t, l.Ack(first))
	err = l.Ack(first)
	assert.ErrorIs(t, err, sharedlog.ErrAlreadyApplied)
	assert.True(t, sharedlog.IsKind(err, sharedlog.KindAck))

	stranger := &sharedlog.TaggedOp[uint8, string]{Dot: sharedlog.Dot[uint8]{Actor: 9, Counter: 1}}
	assert.ErrorIs(t, l.Ack(stranger), sharedlog.ErrNotPending)
}

type brittleOp struct {
	Value string
	Fail  bool
}

func (o brittleOp) MarshalJSON() ([]byte, error) {
	if o.Fail {
		return nil, errors.New("refusing to encode")
	}
	return json.Marshal(o.Value)
}

func (o *brittleOp) UnmarshalJSON(raw []byte) error {
	return json.Unmarshal(raw, &o.Value)
}

func TestFailedCommitConsumesNoDot(t *testing.T) {
	l := newLog[brittleOp](t, 1, "log")

	_, err := l.Commit(brittleOp{Fail: true})
	require.Error(t, err)
	assert.True(t, sharedlog.IsKind(err, sharedlog.KindCommit))

	next, err := l.Next()
	require.NoError(t, err)
	assert.Nil(t, next)

	tagged, err := l.Commit(brittleOp{Value: "ok"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tagged.Dot.Counter)
}

func TestPullIsIdempotent(t *testing.T) {
	a := newLog[string](t, 1, "a")
	b := newLog[string](t, 2, "b")
	commitAll(t, a, "x", "y")

	require.NoError(t, b.Pull(a))
	require.NoError(t, b.Pull(a))
	assert.Equal(t, []string{"x", "y"}, ops(drain(t, b)))

	require.NoError(t, b.Pull(a))
	next, err := b.Next()
	require.NoError(t, err)
	assert.Nil(t, next)

	assert.Equal(t, head(t, a, 1), head(t, b, 1), "pulled entries keep their hashes")
}

func TestPullFastForwards(t *testing.T) {
	a := newLog[string](t, 1, "a")
	b := newLog[string](t, 2, "b")
	commitAll(t, a, "x")
	require.NoError(t, b.Pull(a))
	commitAll(t, a, "y", "z")
	require.NoError(t, b.Pull(a))

	assert.Equal(t, []string{"x", "y", "z"}, ops(drain(t, b)))

	// Pulling back a copy that is not ahead changes nothing.
	c := newLog[string](t, 3, "c")
	require.NoError(t, c.Pull(b))
	require.NoError(t, b.Pull(c))
	known, err := b.Known()
	require.NoError(t, err)
	assert.Equal(t, sharedlog.VClock[uint8]{1: 3}, known)
}

func TestDivergentHistoryIsRejected(t *testing.T) {
	a := newLog[string](t, 1, "a")
	impostor := newLog[string](t, 1, "impostor")
	b := newLog[string](t, 2, "b")

	commitAll(t, a, "x", "y")
	commitAll(t, impostor, "other")
	require.NoError(t, b.Pull(a))
	before := head(t, b, 1)

	err := b.Pull(impostor)
	assert.ErrorIs(t, err, sharedlog.ErrDivergentHistory)
	assert.True(t, sharedlog.IsKind(err, sharedlog.KindPull))
	assert.Equal(t, before, head(t, b, 1))

	err = impostor.Push(b)
	assert.ErrorIs(t, err, sharedlog.ErrDivergentHistory)
	assert.True(t, sharedlog.IsKind(err, sharedlog.KindPush))
	assert.Equal(t, before, head(t, b, 1))
}

func TestHubRelaysWithoutMinting(t *testing.T) {
	a := newLog[string](t, 1, "a")
	b := newLog[string](t, 2, "b")
	hub := newLog[string](t, 0, "hub")
	commitAll(t, a, "from a")
	commitAll(t, b, "from b")

	require.NoError(t, a.Push(hub))
	require.NoError(t, b.Push(hub))
	require.NoError(t, a.Pull(hub))
	require.NoError(t, b.Pull(hub))

	known, err := hub.Known()
	require.NoError(t, err)
	assert.Equal(t, sharedlog.VClock[uint8]{1: 1, 2: 1}, known)
	assert.Equal(t, head(t, a, 1), head(t, hub, 1))
	assert.Equal(t, head(t, b, 2), head(t, hub, 2))

	assert.ElementsMatch(t, []string{"from a", "from b"}, ops(drain(t, a)))
	assert.ElementsMatch(t, []string{"from a", "from b"}, ops(drain(t, b)))
}

func TestAcceptRebuildsIdenticalCommits(t *testing.T) {
	a := newLog[string](t, 1, "a")
	commitAll(t, a, "x", "y")

	mem := memorylog.NewMemoryLog[uint8, string](5)
	n, err := sharedlog.Transfer[uint8, string](mem, a)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c := newLog[string](t, 3, "c")
	n, err = sharedlog.Transfer[uint8, string](c, mem)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, head(t, a, 1), head(t, c, 1))

	// c and a can now trade by object transfer.
	commitAll(t, a, "z")
	require.NoError(t, c.Pull(a))
	assert.Equal(t, []string{"x", "y", "z"}, ops(drain(t, c)))
}

func TestAcceptRejectsGap(t *testing.T) {
	l := newLog[string](t, 0, "hub")
	n, err := l.Accept([]sharedlog.TaggedOp[uint8, string]{
		{Dot: sharedlog.Dot[uint8]{Actor: 1, Counter: 1}, Op: "x"},
		{Dot: sharedlog.Dot[uint8]{Actor: 1, Counter: 3}, Op: "z"},
	})
	assert.ErrorIs(t, err, sharedlog.ErrGap)
	assert.Zero(t, n)

	known, err := l.Known()
	require.NoError(t, err)
	assert.True(t, known.IsEmpty())
}

func TestSinceReturnsMissingSuffix(t *testing.T) {
	l := newLog[string](t, 1, "log")
	commitAll(t, l, "x", "y", "z")

	got, err := l.Since(sharedlog.VClock[uint8]{1: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "z"}, ops(got))
}

func TestMoveRefCompareAndSwap(t *testing.T) {
	l := newLog[string](t, 1, "log")
	commitAll(t, l, "x", "y")
	h := head(t, l, 1)

	name := branchRef(l.key)
	assert.Error(t, l.moveRef(name, h, plumbing.ZeroHash), "a zero old hash requires an absent ref")
	assert.Error(t, l.moveRef(name, h, plumbing.NewHash("0123456789012345678901234567890123456789")))
	assert.Equal(t, h, head(t, l, 1))
}

func TestFailedRefMoveRollsBackEarlierBranches(t *testing.T) {
	a := newLog[string](t, 1, "a")
	b := newLog[string](t, 2, "b")
	hub := newLog[string](t, 0, "hub")
	commitAll(t, a, "a1")
	commitAll(t, b, "b1")
	require.NoError(t, hub.Pull(a))
	require.NoError(t, hub.Pull(b))

	commitAll(t, a, "a2")
	commitAll(t, b, "b2")
	c := newLog[string](t, 3, "c")
	require.NoError(t, c.Pull(a))
	require.NoError(t, c.Pull(b))

	before := head(t, hub, 1)
	knownBefore, err := hub.Known()
	require.NoError(t, err)

	// Actor 2's branch sorts after actor 1's and moves behind the log's back,
	// so its compare-and-swap fails after actor 1's branch has advanced.
	key, err := actorKey(uint8(2))
	require.NoError(t, err)
	bogus := plumbing.NewHash("0123456789012345678901234567890123456789")
	require.NoError(t, hub.store.SetReference(plumbing.NewHashReference(branchRef(key), bogus)))

	err = hub.Pull(c)
	require.Error(t, err)
	assert.True(t, sharedlog.IsKind(err, sharedlog.KindPull))

	assert.Equal(t, before, head(t, hub, 1))
	known, err := hub.Known()
	require.NoError(t, err)
	assert.Equal(t, knownBefore, known)
	assert.Equal(t, sharedlog.VClock[uint8]{1: 1, 2: 1}, known)
}

func TestUnreadableHeadMovesNoRef(t *testing.T) {
	a := newLog[string](t, 1, "a")
	b := newLog[string](t, 2, "b")
	hub := newLog[string](t, 0, "hub")
	commitAll(t, a, "a1")
	commitAll(t, b, "b1")
	require.NoError(t, hub.Pull(a))
	commitAll(t, a, "a2")
	require.NoError(t, copyEntry(hub.store, a.store, head(t, a, 1)))

	keyA, err := actorKey(uint8(1))
	require.NoError(t, err)
	keyB, err := actorKey(uint8(2))
	require.NoError(t, err)
	before := head(t, hub, 1)

	n, err := hub.applyPlan([]refUpdate{
		{key: keyA, old: before, new: head(t, a, 1)},
		{key: keyB, new: head(t, b, 2)},
	})
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, before, head(t, hub, 1))
	_, err = hub.store.Reference(branchRef(keyB))
	assert.Error(t, err, "no branch for actor 2 was created")

	known, err := hub.Known()
	require.NoError(t, err)
	assert.Equal(t, sharedlog.VClock[uint8]{1: 1}, known)
}
