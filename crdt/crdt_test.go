package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chn0318/replog/sharedlog"
)

type testOp = MapOp[uint8, uint8, uint8]

func dot(actor uint8, counter uint64) sharedlog.Dot[uint8] {
	return sharedlog.Dot[uint8]{Actor: actor, Counter: counter}
}

func TestOrswotAddRemove(t *testing.T) {
	s := NewOrswot[string, uint8]()

	require.NoError(t, s.Apply(s.Add("a", dot(1, 1))))
	require.NoError(t, s.Apply(s.Add("b", dot(1, 2))))
	assert.True(t, s.Contains("a"))
	assert.Equal(t, 2, s.Members().Cardinality())

	require.NoError(t, s.Apply(s.Remove("a", s.Context("a"))))
	assert.False(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
	assert.Empty(t, s.Deferred)
}

func TestOrswotAddWins(t *testing.T) {
	a := NewOrswot[string, uint8]()
	b := NewOrswot[string, uint8]()

	add := a.Add("x", dot(1, 1))
	require.NoError(t, a.Apply(add))
	require.NoError(t, b.Apply(add))

	// b removes x while a concurrently re-adds it.
	rm := b.Remove("x", b.Context("x"))
	readd := a.Add("x", dot(1, 2))

	require.NoError(t, a.Apply(readd))
	require.NoError(t, a.Apply(rm))
	require.NoError(t, b.Apply(rm))
	require.NoError(t, b.Apply(readd))

	assert.True(t, a.Contains("x"))
	assert.True(t, a.Equal(b))
}

func TestOrswotDeferredRemove(t *testing.T) {
	s := NewOrswot[string, uint8]()

	ctx := sharedlog.VClock[uint8]{2: 1}
	require.NoError(t, s.Apply(s.Remove("y", ctx)))
	assert.Len(t, s.Deferred, 1)

	require.NoError(t, s.Apply(s.Add("y", dot(2, 1))))
	assert.False(t, s.Contains("y"), "parked remove should apply once its context is seen")
	assert.Empty(t, s.Deferred)
}

func TestOrswotDuplicateAdd(t *testing.T) {
	s := NewOrswot[string, uint8]()
	add := s.Add("a", dot(1, 1))
	require.NoError(t, s.Apply(add))
	require.NoError(t, s.Apply(s.Remove("a", s.Context("a"))))
	require.NoError(t, s.Apply(add))
	assert.False(t, s.Contains("a"))
}

func TestOrswotUnknownKind(t *testing.T) {
	s := NewOrswot[string, uint8]()
	err := s.Apply(SetOp[string, uint8]{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestMapUpdateAndRemove(t *testing.T) {
	m := NewMap[uint8, uint8, uint8]()

	op := m.Update(3, m.Dot(1), func(s *Orswot[uint8, uint8], d sharedlog.Dot[uint8]) SetOp[uint8, uint8] {
		return s.Add(21, d)
	})
	require.NoError(t, m.Apply(op))

	set, ctx, ok := m.Get(3)
	require.True(t, ok)
	assert.True(t, set.Contains(21))
	assert.Equal(t, sharedlog.VClock[uint8]{1: 1}, ctx)
	assert.Equal(t, dot(1, 2), m.Dot(1))

	require.NoError(t, m.Apply(m.Rm(3, m.Context(3))))
	_, _, ok = m.Get(3)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Keys().Cardinality())
}

func TestMapConcurrentUpdateSurvivesRemove(t *testing.T) {
	a := NewMap[uint8, uint8, uint8]()
	b := NewMap[uint8, uint8, uint8]()

	first := a.Update(7, a.Dot(1), func(s *Orswot[uint8, uint8], d sharedlog.Dot[uint8]) SetOp[uint8, uint8] {
		return s.Add(1, d)
	})
	require.NoError(t, a.Apply(first))
	require.NoError(t, b.Apply(first))

	rm := b.Rm(7, b.Context(7))
	second := a.Update(7, a.Dot(1), func(s *Orswot[uint8, uint8], d sharedlog.Dot[uint8]) SetOp[uint8, uint8] {
		return s.Add(2, d)
	})

	require.NoError(t, a.Apply(second))
	require.NoError(t, a.Apply(rm))
	require.NoError(t, b.Apply(rm))
	require.NoError(t, b.Apply(second))

	require.True(t, a.Equal(b))
	set, _, ok := a.Get(7)
	require.True(t, ok)
	assert.False(t, set.Contains(1))
	assert.True(t, set.Contains(2))
}

func TestMapDeferredRemove(t *testing.T) {
	m := NewMap[uint8, uint8, uint8]()
	require.NoError(t, m.Apply(testOp{Kind: KindRm, Key: 196, Context: sharedlog.VClock[uint8]{44: 17}}))
	assert.Len(t, m.Deferred, 1)

	other := NewMap[uint8, uint8, uint8]()
	assert.False(t, m.Equal(other), "deferred removes are part of the state")
	require.NoError(t, other.Apply(testOp{Kind: KindRm, Key: 196, Context: sharedlog.VClock[uint8]{44: 17}}))
	assert.True(t, m.Equal(other))
}

func TestMapDuplicateUpdate(t *testing.T) {
	m := NewMap[uint8, uint8, uint8]()
	op := m.Update(1, m.Dot(9), func(s *Orswot[uint8, uint8], d sharedlog.Dot[uint8]) SetOp[uint8, uint8] {
		return s.Add(5, d)
	})
	require.NoError(t, m.Apply(op))
	require.NoError(t, m.Apply(m.Rm(1, m.Context(1))))
	require.NoError(t, m.Apply(op))

	_, _, ok := m.Get(1)
	assert.False(t, ok)
}

func TestMapUpdateWithoutSetOp(t *testing.T) {
	m := NewMap[uint8, uint8, uint8]()
	assert.Error(t, m.Apply(testOp{Kind: KindUp, Dot: dot(1, 1), Key: 1}))
	assert.True(t, m.Clock.IsEmpty())
}

func TestMapOpJSON(t *testing.T) {
	m := NewMap[uint8, uint8, uint8]()
	op := m.Update(3, dot(51, 5), func(s *Orswot[uint8, uint8], _ sharedlog.Dot[uint8]) SetOp[uint8, uint8] {
		return s.Remove(21, sharedlog.NewVClock[uint8]())
	})

	raw, err := json.Marshal(op)
	require.NoError(t, err)

	var back testOp
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, op.Equal(back), "%s", raw)
	assert.True(t, Nop[uint8, uint8, uint8]().Equal(testOp{Kind: KindNop}))
}
