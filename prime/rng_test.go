package prime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionedRNG_SameKeySameStream(t *testing.T) {
	a := NewPartitionedRNG(NewRunKey(42)).Get(SubsystemRollout)
	b := NewPartitionedRNG(NewRunKey(42)).Get(SubsystemRollout)

	for i := 0; i < 16; i++ {
		assert.Equal(t, a.Int63(), b.Int63())
	}
}

func TestPartitionedRNG_SubsystemsIsolated(t *testing.T) {
	p := NewPartitionedRNG(NewRunKey(42))
	a := p.Get(SubsystemRollout)
	b := p.Get(SubsystemModelInit)

	equal := true
	for i := 0; i < 16; i++ {
		if a.Int63() != b.Int63() {
			equal = false
		}
	}
	assert.False(t, equal)
}

func TestPartitionedRNG_GetReturnsSameInstance(t *testing.T) {
	p := NewPartitionedRNG(NewRunKey(7))
	assert.Same(t, p.Get(SubsystemRollout), p.Get(SubsystemRollout))
}

func TestSubsystemRank_PerRankStreams(t *testing.T) {
	assert.Equal(t, "rollout_rank_3", SubsystemRank(SubsystemRollout, 3))

	p := NewPartitionedRNG(NewRunKey(42))
	r0 := p.Get(SubsystemRank(SubsystemRollout, 0))
	r1 := p.Get(SubsystemRank(SubsystemRollout, 1))
	assert.NotEqual(t, r0.Int63(), r1.Int63())
}
