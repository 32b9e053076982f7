// Package future implements the one-shot reply future used to correlate
// client requests with out-of-order server responses, and the correlator
// table that tracks every request in flight on a connection.
//
// A Future resolves exactly once, with either a value or an error.
// Continuations may be attached before or after resolution; attached after,
// they fire immediately on the attaching goroutine. A success continuation
// may return a new Future, in which case the outer Future adopts the inner
// one's eventual outcome.
//
// Example:
//
//	f := future.New()
//	f.OnSuccess(func(v interface{}) (*future.Future, error) {
//	    fmt.Println("reply:", v)
//	    return nil, nil
//	})
//	f.Resolve(reply)
package future

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrAlreadyResolved indicates a second attempt to resolve a future.
	// This is a contract violation and is reported, never swallowed.
	ErrAlreadyResolved = errors.New("future already resolved")
	// ErrCancelled indicates the caller cancelled the future before a
	// reply arrived.
	ErrCancelled = errors.New("request cancelled")
	// ErrNotConnected indicates the connection dropped with the request
	// still outstanding.
	ErrNotConnected = errors.New("not connected")
)

// SuccessFunc is a success continuation. It may return a new Future, in
// which case the chain does not proceed until that future resolves.
type SuccessFunc func(result interface{}) (*Future, error)

// FailureFunc is a failure continuation. Returning a nil error intercepts
// the failure and turns the chain successful; returning a (possibly
// different) error propagates failure onward.
type FailureFunc func(err error) (*Future, error)

type futureState uint8

const (
	statePending futureState = iota
	stateResolved
	stateRejected
)

// Future is a single-resolution promise for one in-flight request.
type Future struct {
	mu sync.Mutex

	state  futureState
	result interface{}
	err    error

	onSuccess SuccessFunc
	onFailure FailureFunc
	next      *Future // continuation chain

	// detach removes the future from whatever table is tracking it.
	// Installed by Correlator.Register, invoked by Cancel.
	detach func()

	done chan struct{}
}

// New creates an unresolved Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved creates a Future already resolved with a value.
func Resolved(result interface{}) *Future {
	f := New()
	// cannot fail: the future is fresh
	_ = f.Resolve(result)
	return f
}

// Rejected creates a Future already resolved with an error.
func Rejected(err error) *Future {
	f := New()
	_ = f.Reject(err)
	return f
}

// Resolve completes the future successfully. Resolving a future that has
// already been resolved returns ErrAlreadyResolved.
func (f *Future) Resolve(result interface{}) error {
	f.mu.Lock()
	if f.state != statePending {
		f.mu.Unlock()
		return ErrAlreadyResolved
	}
	f.state = stateResolved
	f.result = result
	onSuccess := f.onSuccess
	onFailure := f.onFailure
	next := f.next
	close(f.done)
	f.mu.Unlock()

	if next != nil {
		completeChain(result, nil, onSuccess, onFailure, next)
	}
	return nil
}

// Reject completes the future with a failure. Rejecting a future that has
// already been resolved returns ErrAlreadyResolved.
func (f *Future) Reject(err error) error {
	f.mu.Lock()
	if f.state != statePending {
		f.mu.Unlock()
		return ErrAlreadyResolved
	}
	f.state = stateRejected
	f.err = err
	onSuccess := f.onSuccess
	onFailure := f.onFailure
	next := f.next
	close(f.done)
	f.mu.Unlock()

	if next != nil {
		completeChain(nil, err, onSuccess, onFailure, next)
	}
	return nil
}

// Cancel resolves the future with ErrCancelled and detaches it from the
// correlator that registered it, so the table entry does not linger until
// disconnect. It returns false if the future was already resolved.
// Cancellation does not un-send the underlying request; a late reply is
// simply discarded.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	detach := f.detach
	f.mu.Unlock()
	if detach != nil {
		detach()
	}
	return f.Reject(ErrCancelled) == nil
}

// IsResolved reports whether the future has completed, successfully or not.
func (f *Future) IsResolved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != statePending
}

// IsCancelled reports whether the future was cancelled.
func (f *Future) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateRejected && errors.Is(f.err, ErrCancelled)
}

// Then attaches both continuations and returns the next future in the
// chain. If this future is already resolved, the continuation fires
// immediately on the calling goroutine.
//
// The returned future resolves after the continuation runs. If a success
// continuation itself returns a Future, the chain waits for that inner
// future: the returned future adopts its outcome.
func (f *Future) Then(onSuccess SuccessFunc, onFailure FailureFunc) *Future {
	next := New()

	f.mu.Lock()
	if f.onSuccess != nil || f.onFailure != nil {
		// One continuation pair per future keeps resolution order
		// deterministic; chain further off the returned future.
		f.mu.Unlock()
		return Rejected(errors.New("future already has a continuation"))
	}
	f.onSuccess = onSuccess
	f.onFailure = onFailure
	f.next = next

	if f.state == statePending {
		f.mu.Unlock()
		return next
	}
	result, err := f.result, f.err
	f.mu.Unlock()

	completeChain(result, err, onSuccess, onFailure, next)
	return next
}

// OnSuccess attaches a success continuation. Failure passes through to the
// next future in the chain untouched.
func (f *Future) OnSuccess(onSuccess SuccessFunc) *Future {
	return f.Then(onSuccess, nil)
}

// OnFailure attaches a failure continuation. Success passes through to the
// next future in the chain untouched.
func (f *Future) OnFailure(onFailure FailureFunc) *Future {
	return f.Then(nil, onFailure)
}

// completeChain runs the continuation for a determined outcome and settles
// next accordingly, flattening any future a continuation returns.
func completeChain(result interface{}, err error, onSuccess SuccessFunc, onFailure FailureFunc, next *Future) {
	if err == nil {
		if onSuccess == nil {
			_ = next.Resolve(result)
			return
		}
		inner, serr := onSuccess(result)
		settle(next, result, inner, serr)
		return
	}

	// Failure propagates past success continuations unless intercepted.
	if onFailure == nil {
		_ = next.Reject(err)
		return
	}
	inner, ferr := onFailure(err)
	settle(next, nil, inner, ferr)
}

// settle completes next from a continuation's return values: an error
// rejects, a returned future is flattened, otherwise the carried result
// passes through.
func settle(next *Future, carried interface{}, inner *Future, err error) {
	if err != nil {
		_ = next.Reject(err)
		return
	}
	if inner == nil {
		_ = next.Resolve(carried)
		return
	}
	inner.Then(
		func(v interface{}) (*Future, error) {
			_ = next.Resolve(v)
			return nil, nil
		},
		func(e error) (*Future, error) {
			_ = next.Reject(e)
			// reported onward through next; stop propagation here
			return nil, nil
		},
	)
}

// Await blocks the calling goroutine until the future resolves or the
// context is done. It must never be called from the connection's reader
// goroutine.
func (f *Future) Await(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == stateRejected {
		return nil, f.err
	}
	return f.result, nil
}
