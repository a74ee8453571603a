package queue

import (
	"testing"
	"time"

	"github.com/shaharia-lab/claude-agent-core/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrdering(t *testing.T) {
	q := New(10)
	for i := 0; i < 5; i++ {
		assert.True(t, q.Push(wire.Record{"type": "assistant", "n": i}, time.Second))
	}
	q.PushEnd()

	it := q.NewIterator()
	for i := 0; i < 5; i++ {
		rec, ok, err := it.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, rec["n"])
	}

	_, ok, err := it.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueErrorSentinel(t *testing.T) {
	q := New(10)
	q.PushError("transport closed")

	it := q.NewIterator()
	_, ok, err := it.Next()
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport closed")
}

func TestQueueSignalClosedTerminatesIterator(t *testing.T) {
	q := New(10)
	q.SignalClosed()

	it := q.NewIterator()
	_, ok, err := it.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueuePushAfterCloseReturnsFalse(t *testing.T) {
	q := New(10)
	q.SignalClosed()
	assert.False(t, q.Push(wire.Record{"type": "result"}, time.Millisecond))
}

func TestQueueMultipleIteratorsDistributeRecords(t *testing.T) {
	const total = 20
	q := New(total + 2) // room for every record plus both end sentinels
	for i := 0; i < total; i++ {
		assert.True(t, q.Push(wire.Record{"type": "assistant", "n": i}, time.Second))
	}
	q.PushEnd()
	q.PushEnd()

	it1 := q.NewIterator()
	it2 := q.NewIterator()

	seen := make(map[int]bool)
	drain := func(it *Iterator) {
		for {
			rec, ok, err := it.Next()
			require.NoError(t, err)
			if !ok {
				return
			}
			seen[rec["n"].(int)] = true
		}
	}
	drain(it1)
	drain(it2)

	assert.Len(t, seen, total)
}
