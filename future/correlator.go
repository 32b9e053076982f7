package future

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Correlator is the process-wide table of in-flight requests: request id
// to the Future awaiting the matching reply. Registration and resolution
// are O(1), so one lock over the whole table is enough.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Future
	epoch   uint64
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*Future)}
}

// NextID returns a fresh request id. Ids are random UUIDs, so no id is
// ever reused across connection epochs.
func (c *Correlator) NextID() string {
	return uuid.NewString()
}

// Register creates a Future for the given request id and tracks it until
// resolution, rejection, disconnect, or cancellation. The returned future
// carries a detach hook, so cancelling it also removes the table entry.
func (c *Correlator) Register(id string) *Future {
	f := New()
	f.detach = func() { c.take(id) }

	c.mu.Lock()
	c.pending[id] = f
	n := len(c.pending)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"id":       id,
		"pending":  n,
	}).Debug("Registered in-flight request")

	return f
}

// Resolve completes the future registered under id with a success value
// and removes it from the table. It returns false when no such request is
// pending, which happens for replies to cancelled or timed-out requests.
func (c *Correlator) Resolve(id string, result interface{}) bool {
	f := c.take(id)
	if f == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"id":       id,
		}).Debug("Discarding reply for unknown request id")
		return false
	}
	if err := f.Resolve(result); err != nil {
		// Cancelled after the reply was routed; the outcome stands.
		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"id":       id,
		}).Debug("Reply arrived for already-resolved future")
		return false
	}
	return true
}

// Reject completes the future registered under id with an error and
// removes it from the table.
func (c *Correlator) Reject(id string, err error) bool {
	f := c.take(id)
	if f == nil {
		return false
	}
	return f.Reject(err) == nil
}

// Cancel detaches the request from the table and cancels its future. The
// underlying request is not un-sent; a reply arriving later is discarded.
func (c *Correlator) Cancel(id string) bool {
	f := c.take(id)
	if f == nil {
		return false
	}
	return f.Cancel()
}

// FailAll rejects every outstanding request with the given error and
// clears the table. Called on disconnect so no caller is left waiting on
// a reply that can no longer arrive. A new connection epoch begins.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	orphaned := c.pending
	c.pending = make(map[string]*Future)
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	for id, f := range orphaned {
		if rerr := f.Reject(err); rerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "FailAll",
				"id":       id,
			}).Warn("Pending future was already resolved")
		}
	}

	if len(orphaned) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "FailAll",
			"count":    len(orphaned),
			"epoch":    epoch,
		}).Info("Failed all in-flight requests")
	}
	return len(orphaned)
}

// PendingCount returns the number of requests awaiting replies.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) take(id string) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return f
}
