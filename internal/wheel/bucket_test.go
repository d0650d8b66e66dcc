package wheel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketSetExpirationReportsChange(t *testing.T) {
	t.Parallel()
	b := newBucket()
	assert.EqualValues(t, -1, b.Expiration())

	assert.True(t, b.SetExpiration(1000))
	assert.False(t, b.SetExpiration(1000))
	assert.True(t, b.SetExpiration(2000))
}

func TestBucketAddRemove(t *testing.T) {
	t.Parallel()
	b := newBucket()
	other := newBucket()
	e := NewEntry(time.UnixMilli(10), "task")

	require.True(t, b.Add(e))
	assert.False(t, b.Add(e), "second add is a no-op")
	assert.False(t, other.Add(e), "entry already lives in another bucket")
	assert.Equal(t, 1, b.Len())
	assert.True(t, e.Scheduled())

	assert.False(t, other.Remove(e))
	assert.True(t, b.Remove(e))
	assert.False(t, b.Remove(e))
	assert.Zero(t, b.Len())
	assert.False(t, e.Scheduled())

	require.True(t, other.Add(e))
	assert.True(t, other.contains(e))
}

func TestBucketFlushDetachesInOrder(t *testing.T) {
	t.Parallel()
	b := newBucket()
	b.SetExpiration(5000)
	entries := []*Entry{
		NewEntry(time.UnixMilli(5001), 1),
		NewEntry(time.UnixMilli(5002), 2),
		NewEntry(time.UnixMilli(5003), 3),
	}
	for _, e := range entries {
		require.True(t, b.Add(e))
	}

	var got []any
	b.Flush(func(e *Entry) {
		assert.False(t, e.Scheduled())
		got = append(got, e.Task())
	})

	assert.Equal(t, []any{1, 2, 3}, got)
	assert.EqualValues(t, -1, b.Expiration())
	assert.Zero(t, b.Len())
	assert.True(t, b.SetExpiration(5000), "a flushed bucket accepts its old expiration again")
}

func TestBucketFlushSinkMayReinsert(t *testing.T) {
	t.Parallel()
	b := newBucket()
	e := NewEntry(time.UnixMilli(1), nil)
	require.True(t, b.Add(e))

	b.Flush(func(e *Entry) {
		assert.True(t, b.Add(e))
	})
	assert.Equal(t, 1, b.Len())
	assert.True(t, b.contains(e))
}

func TestEntryCancelIdempotent(t *testing.T) {
	t.Parallel()
	b := newBucket()
	e := NewEntry(time.UnixMilli(1), nil)
	require.True(t, b.Add(e))

	assert.True(t, e.Cancel())
	assert.False(t, e.Cancel())
	assert.True(t, e.Cancelled())
	assert.Zero(t, b.Len())
}
