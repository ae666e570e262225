package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deadStones(size int, points ...[2]int) *TerritoryMap {
	m := NewTerritoryMap(size)
	for _, p := range points {
		_ = m.Set(p[0], p[1], DeadBlack)
	}
	return m
}

func TestAgreeInFirstRound(t *testing.T) {
	local := deadStones(9, [2]int{1, 1}, [2]int{1, 2}, [2]int{2, 2})
	peer := deadStones(9, [2]int{1, 1}, [2]int{1, 2}, [2]int{2, 2})

	c := New(9, 3)
	require.NoError(t, c.Begin())

	round, state, err := c.MarkLocal(local)
	require.NoError(t, err)
	assert.Equal(t, 1, round)
	assert.Equal(t, AwaitingPeerMarks, state)

	state, err = c.PeerMarks(1, peer)
	require.NoError(t, err)
	assert.Equal(t, Agreed, state)
	assert.True(t, c.Agreed().Equal(local))
	assert.Equal(t, 3, c.Agreed().Count(DeadBlack))

	require.NoError(t, c.Finalize())
	assert.Equal(t, Finalized, c.State())
}

func TestPeerMarksBeforeLocal(t *testing.T) {
	c := New(9, 3)
	require.NoError(t, c.Begin())

	state, err := c.PeerMarks(1, deadStones(9))
	require.NoError(t, err)
	assert.Equal(t, MarkingLocal, state)

	_, state, err = c.MarkLocal(deadStones(9))
	require.NoError(t, err)
	assert.Equal(t, Agreed, state)
}

func TestDisagreementTerminates(t *testing.T) {
	c := New(9, 3)
	require.NoError(t, c.Begin())

	for round := 1; round <= 3; round++ {
		r, _, err := c.MarkLocal(deadStones(9, [2]int{0, round}))
		require.NoError(t, err)
		require.Equal(t, round, r)

		state, err := c.PeerMarks(round, deadStones(9, [2]int{4, round}))
		if round < 3 {
			assert.ErrorIs(t, err, ErrDisagreed)
			assert.Equal(t, Disagreed, state)
		} else {
			assert.ErrorIs(t, err, ErrConsensusFailed)
			assert.Equal(t, Failed, state)
		}
	}

	_, _, err := c.MarkLocal(deadStones(9))
	assert.ErrorIs(t, err, ErrWrongState)
	assert.Nil(t, c.Agreed())
}

func TestPeerAheadByOneRound(t *testing.T) {
	c := New(9, 3)
	require.NoError(t, c.Begin())

	_, _, err := c.MarkLocal(deadStones(9, [2]int{0, 0}))
	require.NoError(t, err)
	_, err = c.PeerMarks(1, deadStones(9, [2]int{1, 1}))
	require.ErrorIs(t, err, ErrDisagreed)

	// peer re-marked first
	state, err := c.PeerMarks(2, deadStones(9, [2]int{1, 1}))
	require.NoError(t, err)
	assert.Equal(t, Disagreed, state)

	round, state, err := c.MarkLocal(deadStones(9, [2]int{1, 1}))
	require.NoError(t, err)
	assert.Equal(t, 2, round)
	assert.Equal(t, Agreed, state)
}

func TestStaleAndInvalidMarks(t *testing.T) {
	c := New(9, 3)
	require.NoError(t, c.Begin())

	_, err := c.PeerMarks(1, NewTerritoryMap(13))
	assert.ErrorIs(t, err, ErrInvalidMap)

	_, err = c.PeerMarks(3, deadStones(9))
	assert.ErrorIs(t, err, ErrRoundMismatch)

	_, _, err = c.MarkLocal(deadStones(9, [2]int{0, 0}))
	require.NoError(t, err)
	_, err = c.PeerMarks(1, deadStones(9))
	require.ErrorIs(t, err, ErrDisagreed)

	// resend of round 1 is ignored
	state, err := c.PeerMarks(1, deadStones(9))
	require.NoError(t, err)
	assert.Equal(t, Disagreed, state)
	assert.Equal(t, 1, c.Round())
}

func TestFailOnTimeout(t *testing.T) {
	c := New(9, 3)
	require.NoError(t, c.Begin())
	_, _, err := c.MarkLocal(deadStones(9))
	require.NoError(t, err)

	c.Fail()
	assert.Equal(t, Failed, c.State())
	assert.ErrorIs(t, c.Finalize(), ErrWrongState)
}
