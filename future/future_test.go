package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOnce(t *testing.T) {
	f := New()

	require.NoError(t, f.Resolve("hello"))
	assert.True(t, f.IsResolved())

	// Second resolution is a contract violation, reported not swallowed.
	assert.ErrorIs(t, f.Resolve("again"), ErrAlreadyResolved)
	assert.ErrorIs(t, f.Reject(errors.New("boom")), ErrAlreadyResolved)
}

func TestRejectOnce(t *testing.T) {
	f := New()
	boom := errors.New("boom")

	require.NoError(t, f.Reject(boom))
	assert.ErrorIs(t, f.Resolve("late"), ErrAlreadyResolved)

	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestContinuationBeforeResolution(t *testing.T) {
	f := New()
	got := make(chan interface{}, 1)

	f.OnSuccess(func(v interface{}) (*Future, error) {
		got <- v
		return nil, nil
	})

	require.NoError(t, f.Resolve(42))
	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("continuation did not fire")
	}
}

func TestContinuationAfterResolution(t *testing.T) {
	f := New()
	require.NoError(t, f.Resolve("done"))

	// Attached after resolution: fires immediately on this goroutine.
	fired := false
	f.OnSuccess(func(v interface{}) (*Future, error) {
		fired = true
		assert.Equal(t, "done", v)
		return nil, nil
	})
	assert.True(t, fired)
}

func TestFailureContinuationAfterRejection(t *testing.T) {
	boom := errors.New("boom")
	f := Rejected(boom)

	var seen error
	f.OnFailure(func(err error) (*Future, error) {
		seen = err
		return nil, err
	})
	assert.ErrorIs(t, seen, boom)
}

func TestChainFlattening(t *testing.T) {
	outer := New()
	inner := New()

	final := outer.OnSuccess(func(v interface{}) (*Future, error) {
		return inner, nil
	})

	require.NoError(t, outer.Resolve("first"))
	assert.False(t, final.IsResolved(), "outer chain must wait for the inner future")

	require.NoError(t, inner.Resolve("second"))

	v, err := final.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestFailureBypassesSuccessContinuations(t *testing.T) {
	boom := errors.New("boom")
	f := New()

	called := false
	final := f.OnSuccess(func(v interface{}) (*Future, error) {
		called = true
		return nil, nil
	})

	require.NoError(t, f.Reject(boom))
	assert.False(t, called, "success continuation must not run on failure")

	_, err := final.Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestFailureInterception(t *testing.T) {
	boom := errors.New("boom")
	f := Rejected(boom)

	// An intercepting failure handler turns the chain successful.
	final := f.Then(nil, func(err error) (*Future, error) {
		return Resolved("recovered"), nil
	})

	v, err := final.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
}

func TestSecondContinuationRejected(t *testing.T) {
	f := New()
	f.OnSuccess(func(v interface{}) (*Future, error) { return nil, nil })

	second := f.OnSuccess(func(v interface{}) (*Future, error) { return nil, nil })
	_, err := second.Await(context.Background())
	assert.Error(t, err)
}

func TestCancel(t *testing.T) {
	f := New()

	assert.True(t, f.Cancel())
	assert.True(t, f.IsCancelled())
	assert.False(t, f.Cancel(), "second cancel is a no-op")

	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestAwaitContext(t *testing.T) {
	f := New()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Resolution after the timeout still works for other waiters.
	require.NoError(t, f.Resolve("late"))
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", v)
}

func TestChainPassThrough(t *testing.T) {
	f := New()

	// A nil success continuation passes the value along unchanged.
	final := f.Then(nil, nil).OnSuccess(func(v interface{}) (*Future, error) {
		return Resolved(v.(int) + 1), nil
	})

	require.NoError(t, f.Resolve(1))
	v, err := final.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
