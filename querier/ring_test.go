package querier

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mulgadc/queryroute/wire"
)

func TestRingEmpty(t *testing.T) {
	r := NewRing(0, 0)

	_, err := r.Owner("trace-1")
	assert.ErrorIs(t, err, wire.ErrNoHealthyNode)

	_, err = r.Fallbacks("trace-1", 2)
	assert.ErrorIs(t, err, wire.ErrNoHealthyNode)

	assert.Equal(t, 0, r.Size())
}

func TestRingOwnerStable(t *testing.T) {
	r := NewRing(0, 0)
	for i := 0; i < 5; i++ {
		r.Add(NodeID(fmt.Sprintf("node-%d", i)))
	}

	first, err := r.Owner("trace-abc")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		got, err := r.Owner("trace-abc")
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestRingAddRemoveIdempotent(t *testing.T) {
	r := NewRing(0, 0)

	r.Add("n1")
	r.Add("n1")
	assert.Equal(t, 1, r.Size())

	r.Remove("n1")
	r.Remove("n1")
	r.Remove("ghost")
	assert.Equal(t, 0, r.Size())
}

func TestRingBoundedReassignment(t *testing.T) {
	const keys = 1000

	r := NewRing(0, 0)
	for i := 0; i < 5; i++ {
		r.Add(NodeID(fmt.Sprintf("node-%d", i)))
	}

	before := make(map[string]NodeID, keys)
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("trace-%d", i)
		owner, err := r.Owner(key)
		require.NoError(t, err)
		before[key] = owner
	}

	r.Remove("node-3")

	moved := 0
	for key, was := range before {
		now, err := r.Owner(key)
		require.NoError(t, err)
		assert.NotEqual(t, NodeID("node-3"), now)
		if now != was {
			moved++
		}
	}

	// Losing one of five nodes must not reshuffle the world: only the
	// departed node's share plus bounded-load spill moves.
	assert.Greater(t, moved, 0)
	assert.Less(t, moved, keys/2)
}

func TestRingFallbacksOrdered(t *testing.T) {
	r := NewRing(0, 0)
	for i := 0; i < 4; i++ {
		r.Add(NodeID(fmt.Sprintf("node-%d", i)))
	}

	owner, err := r.Owner("trace-xyz")
	require.NoError(t, err)

	fallbacks, err := r.Fallbacks("trace-xyz", 3)
	require.NoError(t, err)
	require.Len(t, fallbacks, 3)
	assert.Equal(t, owner, fallbacks[0])

	seen := make(map[NodeID]struct{})
	for _, id := range fallbacks {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 3, "fallbacks must be distinct")
}

func TestRingFallbacksClampedToSize(t *testing.T) {
	r := NewRing(0, 0)
	r.Add("n1")
	r.Add("n2")

	fallbacks, err := r.Fallbacks("trace-xyz", 10)
	require.NoError(t, err)
	assert.Len(t, fallbacks, 2)
}
