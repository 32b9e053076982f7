package future

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelatorResolve(t *testing.T) {
	c := NewCorrelator()

	id := c.NextID()
	f := c.Register(id)
	assert.Equal(t, 1, c.PendingCount())

	assert.True(t, c.Resolve(id, "reply"))
	assert.Equal(t, 0, c.PendingCount())

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "reply", v)
}

func TestCorrelatorUnknownID(t *testing.T) {
	c := NewCorrelator()

	// A reply for an unknown id is discarded, not an error.
	assert.False(t, c.Resolve("nope", "reply"))
	assert.False(t, c.Reject("nope", ErrNotConnected))
}

func TestCorrelatorFailAll(t *testing.T) {
	c := NewCorrelator()

	const n = 7
	futures := make([]*Future, 0, n)
	for i := 0; i < n; i++ {
		futures = append(futures, c.Register(c.NextID()))
	}
	assert.Equal(t, n, c.PendingCount())

	assert.Equal(t, n, c.FailAll(ErrNotConnected))
	assert.Equal(t, 0, c.PendingCount(), "table must be empty after disconnect")

	for _, f := range futures {
		_, err := f.Await(context.Background())
		assert.ErrorIs(t, err, ErrNotConnected)
	}
}

func TestCorrelatorCancel(t *testing.T) {
	c := NewCorrelator()

	id := c.NextID()
	f := c.Register(id)

	assert.True(t, c.Cancel(id))
	assert.Equal(t, 0, c.PendingCount())
	assert.True(t, f.IsCancelled())

	// The late reply is discarded.
	assert.False(t, c.Resolve(id, "late"))
}

func TestFutureCancelDetachesFromCorrelator(t *testing.T) {
	c := NewCorrelator()

	id := c.NextID()
	f := c.Register(id)

	// Cancelling through the future removes the table entry; callers
	// never need the request id.
	assert.True(t, f.Cancel())
	assert.Equal(t, 0, c.PendingCount())
	assert.True(t, f.IsCancelled())
	assert.False(t, c.Resolve(id, "late"))
}

func TestFutureCancelAfterResolveLeavesOutcome(t *testing.T) {
	c := NewCorrelator()

	id := c.NextID()
	f := c.Register(id)
	require.True(t, c.Resolve(id, "reply"))

	assert.False(t, f.Cancel())
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "reply", v)
}

func TestCorrelatorUniqueIDs(t *testing.T) {
	c := NewCorrelator()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := c.NextID()
		assert.False(t, seen[id], "request id reused")
		seen[id] = true
	}
}
