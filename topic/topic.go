// Package topic implements the per-topic state machine: the
// subscribe/attach/detach lifecycle, merging of server-pushed metadata
// into local state, and the topic's sequence high-water marks.
//
// A Topic moves through five states:
//
//	NEW --Subscribe--> SUBSCRIBING --ack--> SUBSCRIBED --Leave--> DETACHED
//	DETACHED --Subscribe--> SUBSCRIBING (re-entrant)
//	any --Delete--> GONE (terminal)
//
// All mutable fields are guarded by one lock per topic. Storage writes
// happen before the in-memory fields change, so a failed write never
// leaves the cache claiming state the store does not have.
package topic

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/future"
	"github.com/opd-ai/chatsync/store"
	"github.com/opd-ai/chatsync/wire"
)

var (
	// ErrNotSubscribed indicates an operation that requires the topic to
	// be attached.
	ErrNotSubscribed = errors.New("not subscribed to topic")
	// ErrAlreadySubscribed indicates a Subscribe call on an attached or
	// attaching topic.
	ErrAlreadySubscribed = errors.New("already subscribed")
	// ErrTopicGone indicates the topic was deleted and cannot be used.
	ErrTopicGone = errors.New("topic gone")
)

// Kind classifies a topic by its name prefix. Kinds are mutually
// exclusive.
type Kind uint8

const (
	// KindGrp is a multi-user group topic.
	KindGrp Kind = iota
	// KindP2P is a two-party topic.
	KindP2P
	// KindMe is the account's own profile-and-presence topic.
	KindMe
	// KindFnd is the search/discovery topic.
	KindFnd
	// KindSys is the system maintenance topic.
	KindSys
)

func (k Kind) String() string {
	switch k {
	case KindP2P:
		return "p2p"
	case KindMe:
		return "me"
	case KindFnd:
		return "fnd"
	case KindSys:
		return "sys"
	}
	return "grp"
}

// KindOf derives the topic kind from its name.
func KindOf(name string) Kind {
	switch {
	case name == "me":
		return KindMe
	case name == "fnd":
		return KindFnd
	case name == "sys":
		return KindSys
	case strings.HasPrefix(name, "usr") || strings.HasPrefix(name, "p2p"):
		return KindP2P
	}
	// "grp..." and the "new" placeholder both resolve to a group.
	return KindGrp
}

// State is the topic's position in the subscribe lifecycle.
type State uint8

const (
	// StateNew is a topic referenced locally but never attached.
	StateNew State = iota
	// StateSubscribing means a subscribe request is in flight.
	StateSubscribing
	// StateSubscribed means the server confirmed the attachment.
	StateSubscribed
	// StateDetached means the topic was attached and then left, or the
	// connection dropped; in-memory state is retained.
	StateDetached
	// StateGone is terminal: the topic no longer exists.
	StateGone
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateDetached:
		return "detached"
	case StateGone:
		return "gone"
	}
	return "new"
}

// Conn is the slice of the engine a topic needs: sending envelopes that
// expect a reply, and fire-and-forget notes.
type Conn interface {
	SendSub(topic string, set *wire.SetQuery, get *wire.GetQuery) *future.Future
	SendLeave(topic string, unsub bool) *future.Future
	SendDel(topic, what string, before int, hard bool) *future.Future
	SendNote(topic, what string, seq int)
}

// Events holds optional per-topic callbacks. Nil fields are skipped.
// Callbacks fire outside the topic lock.
type Events struct {
	OnSubscribed     func()
	OnLeft           func()
	OnMetaDesc       func()
	OnMembersChanged func()
	OnPresence       func(pres *wire.ServerPres)
	OnInfo           func(info *wire.ServerInfo)
}

// Topic is one named channel's local state machine.
type Topic struct {
	mu sync.Mutex

	name  string
	kind  Kind
	state State
	// state to fall back to when an in-flight subscribe fails
	prevState State

	// Sequence counters. Invariants, restored after every merge:
	// read <= recv <= seq, clear <= seq.
	seq   int
	recv  int
	read  int
	clear int

	// Description with per-field merge timestamps.
	acs       wire.AccessMode
	acsAt     time.Time
	public    interface{}
	publicAt  time.Time
	private   interface{}
	privateAt time.Time
	updated   time.Time

	subs map[string]*store.Subscription
	// false until the first subscription-list fetch after an attach;
	// that first fetch replaces the member list wholesale.
	subsSynced bool

	conn   Conn
	st     store.Store
	events Events
}

// New creates a topic in NEW state, with the kind derived from the name.
func New(name string, conn Conn, st store.Store) *Topic {
	logrus.WithFields(logrus.Fields{
		"function": "New",
		"topic":    name,
		"kind":     KindOf(name).String(),
	}).Debug("Creating topic state machine")

	return &Topic{
		name: name,
		kind: KindOf(name),
		conn: conn,
		st:   st,
		subs: make(map[string]*store.Subscription),
	}
}

// Restore creates a topic from a persisted snapshot. A topic that was
// attached when last persisted comes back DETACHED, ready to resubscribe.
func Restore(rec *store.Topic, conn Conn, st store.Store) *Topic {
	t := New(rec.Name, conn, st)
	t.seq = rec.Seq
	t.recv = rec.Recv
	t.read = rec.Read
	t.clear = rec.Clear
	t.acs = rec.Acs
	t.public = rec.Public
	t.private = rec.Private
	t.updated = rec.UpdatedAt
	t.acsAt = rec.UpdatedAt
	t.publicAt = rec.UpdatedAt
	t.privateAt = rec.UpdatedAt
	if rec.Attached {
		t.state = StateDetached
	}
	if subs, err := st.SubscriptionsFor(rec.Name); err == nil {
		for _, sub := range subs {
			t.subs[sub.User] = sub
		}
	}
	return t
}

// SetEvents registers the topic's callbacks.
func (t *Topic) SetEvents(ev Events) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = ev
}

// Name returns the topic's globally unique name.
func (t *Topic) Name() string { return t.name }

// Kind returns the topic's kind.
func (t *Topic) Kind() Kind { return t.kind }

// State returns the current lifecycle state.
func (t *Topic) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsSubscribed reports whether the server confirmed the attachment.
func (t *Topic) IsSubscribed() bool {
	return t.State() == StateSubscribed
}

// Counters returns the topic's seq, recv, read and clear marks.
func (t *Topic) Counters() (seq, recv, read, clear int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq, t.recv, t.read, t.clear
}

// Subscribe attaches the topic. The returned future resolves with the
// server's ctrl reply once the attachment is confirmed or rejected.
func (t *Topic) Subscribe(set *wire.SetQuery, get *wire.GetQuery) *future.Future {
	t.mu.Lock()
	switch t.state {
	case StateGone:
		t.mu.Unlock()
		return future.Rejected(ErrTopicGone)
	case StateSubscribed, StateSubscribing:
		t.mu.Unlock()
		return future.Rejected(ErrAlreadySubscribed)
	}
	t.prevState = t.state
	t.state = StateSubscribing
	t.subsSynced = false
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Subscribe",
		"topic":    t.name,
	}).Info("Subscribing to topic")

	return t.conn.SendSub(t.name, set, get).Then(
		func(result interface{}) (*future.Future, error) {
			ctrl, _ := result.(*wire.ServerCtrl)
			if err := t.onSubAck(ctrl); err != nil {
				return nil, err
			}
			return nil, nil
		},
		func(err error) (*future.Future, error) {
			t.onSubFailed(err)
			return nil, err
		})
}

func (t *Topic) onSubAck(ctrl *wire.ServerCtrl) error {
	t.mu.Lock()
	if t.state != StateSubscribing {
		// Disconnected while the ack was in flight; the reconnect path
		// owns the topic now.
		t.mu.Unlock()
		return future.ErrNotConnected
	}
	acs := t.acs
	acsAt := t.acsAt
	if ctrl != nil {
		// The ctrl may carry the granted access mode.
		if mode, ok := ctrl.Params["acs"].(map[string]interface{}); ok {
			if want, ok := mode["want"].(string); ok {
				acs.Want = want
			}
			if given, ok := mode["given"].(string); ok {
				acs.Given = given
			}
			acsAt = ctrl.Ts
		}
	}
	snap := t.snapshot()
	snap.Acs = acs
	snap.Attached = true
	t.mu.Unlock()

	// Persist first: cached fields change only after the write lands.
	if err := t.persist(snap); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onSubAck",
			"topic":    t.name,
			"error":    err,
		}).Error("Failed to persist subscribed topic")
		t.onSubFailed(err)
		return err
	}

	t.mu.Lock()
	if t.state != StateSubscribing {
		t.mu.Unlock()
		return future.ErrNotConnected
	}
	t.state = StateSubscribed
	t.acs = acs
	t.acsAt = acsAt
	cb := t.events.OnSubscribed
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "onSubAck",
		"topic":    t.name,
	}).Info("Topic subscribed")

	if cb != nil {
		cb()
	}
	return nil
}

func (t *Topic) onSubFailed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateSubscribing {
		return
	}

	var srvErr *wire.ServerError
	if errors.As(err, &srvErr) && srvErr.IsGone() {
		t.state = StateGone
		logrus.WithFields(logrus.Fields{
			"function": "onSubFailed",
			"topic":    t.name,
			"code":     srvErr.Code,
		}).Warn("Topic no longer exists on server")
		return
	}

	t.state = t.prevState
	logrus.WithFields(logrus.Fields{
		"function": "onSubFailed",
		"topic":    t.name,
		"state":    t.state.String(),
		"error":    err,
	}).Warn("Subscribe failed")
}

// Leave detaches from the topic. With unsub set, the subscription itself
// is deleted on the server and the topic becomes GONE locally.
func (t *Topic) Leave(unsub bool) *future.Future {
	t.mu.Lock()
	if t.state != StateSubscribed {
		t.mu.Unlock()
		return future.Rejected(ErrNotSubscribed)
	}
	t.mu.Unlock()

	return t.conn.SendLeave(t.name, unsub).OnSuccess(
		func(result interface{}) (*future.Future, error) {
			t.mu.Lock()
			if unsub {
				t.state = StateGone
			} else if t.state == StateSubscribed {
				t.state = StateDetached
			}
			cb := t.events.OnLeft
			t.mu.Unlock()

			if unsub {
				if err := t.st.TopicDelete(t.name); err != nil && !errors.Is(err, store.ErrNotFound) {
					return nil, err
				}
			}
			if cb != nil {
				cb()
			}
			return nil, nil
		})
}

// Delete removes the topic on the server and purges it locally. Terminal:
// a deleted topic cannot be resubscribed.
func (t *Topic) Delete(hard bool) *future.Future {
	t.mu.Lock()
	if t.state == StateGone {
		t.mu.Unlock()
		return future.Rejected(ErrTopicGone)
	}
	t.mu.Unlock()

	return t.conn.SendDel(t.name, "topic", 0, hard).OnSuccess(
		func(result interface{}) (*future.Future, error) {
			t.Expunge()
			return nil, nil
		})
}

// Expunge marks the topic GONE and purges it from storage. Used for a
// local Delete and for server-announced topic removal.
func (t *Topic) Expunge() {
	t.mu.Lock()
	t.state = StateGone
	t.mu.Unlock()

	if err := t.st.TopicDelete(t.name); err != nil && !errors.Is(err, store.ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"function": "Expunge",
			"topic":    t.name,
			"error":    err,
		}).Error("Failed to purge deleted topic from storage")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Expunge",
		"topic":    t.name,
	}).Info("Topic gone")
}

// Detach marks an attached or attaching topic DETACHED without touching
// its cached state. Called on transient disconnect; the reconnect path
// resubscribes detached topics.
func (t *Topic) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateSubscribed || t.state == StateSubscribing {
		t.state = StateDetached
	}
}

// WasAttached reports whether the topic should be resubscribed after a
// reconnect: it is DETACHED from a previous confirmed attachment.
func (t *Topic) WasAttached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateDetached
}

// MarkRead advances the read high-water mark. The advance is persisted
// first and applied to memory after; a {note read} is sent only when the
// mark actually moved. Calling with the same or a lower value is a no-op.
func (t *Topic) MarkRead(seq int) (bool, error) {
	return t.advanceMark(seq, "read")
}

// MarkReceived advances the recv high-water mark, with the same
// persist-then-apply and no-op semantics as MarkRead.
func (t *Topic) MarkReceived(seq int) (bool, error) {
	return t.advanceMark(seq, "recv")
}

func (t *Topic) advanceMark(seq int, what string) (bool, error) {
	t.mu.Lock()
	if t.state == StateGone {
		t.mu.Unlock()
		return false, ErrTopicGone
	}
	cur := t.read
	if what == "recv" {
		cur = t.recv
	}
	if seq <= cur {
		t.mu.Unlock()
		return false, nil
	}
	if seq > t.seq {
		seq = t.seq
	}
	if seq <= cur {
		t.mu.Unlock()
		return false, nil
	}
	t.mu.Unlock()

	uid := t.st.GetUid()
	var err error
	if what == "read" {
		// Reading implies receipt: keep recv ahead of read in storage too.
		if _, err = t.st.SetRecv(t.name, uid, seq); err != nil {
			return false, err
		}
		_, err = t.st.SetRead(t.name, uid, seq)
	} else {
		_, err = t.st.SetRecv(t.name, uid, seq)
	}
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	advanced := false
	if what == "read" {
		if seq > t.read {
			t.read = seq
			advanced = true
		}
		if t.read > t.recv {
			t.recv = t.read
		}
	} else {
		if seq > t.recv {
			t.recv = seq
			advanced = true
		}
	}
	t.mu.Unlock()

	if advanced {
		t.conn.SendNote(t.name, what, seq)
	}
	return advanced, nil
}

// DeleteMessages deletes messages with seq below before. The server is
// asked first; local rows change only after the server confirms. Soft
// deletion raises clear to before-1 and hides the rows; hard deletion
// removes them.
func (t *Topic) DeleteMessages(before int, hard bool) *future.Future {
	t.mu.Lock()
	if t.state != StateSubscribed {
		t.mu.Unlock()
		return future.Rejected(ErrNotSubscribed)
	}
	t.mu.Unlock()

	return t.conn.SendDel(t.name, "msg", before, hard).OnSuccess(
		func(result interface{}) (*future.Future, error) {
			if err := t.ApplyDeleteRange(before, hard); err != nil {
				return nil, err
			}
			return nil, nil
		})
}

// ApplyDeleteRange applies a message-range deletion to local state:
// server-confirmed from DeleteMessages, or pushed by the server in a
// {meta del} or {pres del}. Idempotent.
func (t *Topic) ApplyDeleteRange(before int, hard bool) error {
	var err error
	if hard {
		_, err = t.st.MsgDelete(t.name, before)
	} else {
		_, err = t.st.MsgMarkToDelete(t.name, before)
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	if before-1 > t.clear {
		t.clear = before - 1
	}
	if t.clear > t.seq {
		t.seq = t.clear
	}
	snap := t.snapshot()
	t.mu.Unlock()

	if perr := t.persist(snap); perr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ApplyDeleteRange",
			"topic":    t.name,
			"error":    perr,
		}).Error("Failed to persist clear mark")
		return perr
	}
	return nil
}

// DataArrived records that a message with the given seq exists locally:
// the seq high-water mark advances and is persisted. Receipt marking is
// separate; callers follow up with MarkReceived to advance recv and send
// the {note recv}. Returns true if the seq mark moved.
func (t *Topic) DataArrived(seq int, ts time.Time) bool {
	t.mu.Lock()
	moved := false
	if seq > t.seq {
		t.seq = seq
		moved = true
	}
	if ts.After(t.updated) {
		t.updated = ts
	}
	snap := t.snapshot()
	t.mu.Unlock()

	if err := t.persist(snap); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DataArrived",
			"topic":    t.name,
			"seq":      seq,
			"error":    err,
		}).Error("Failed to persist seq advance")
	}
	return moved
}

// snapshot captures the persistable state. Callers must hold t.mu.
func (t *Topic) snapshot() *store.Topic {
	return &store.Topic{
		Name:      t.name,
		UpdatedAt: t.updated,
		Seq:       t.seq,
		Recv:      t.recv,
		Read:      t.read,
		Clear:     t.clear,
		Acs:       t.acs,
		Public:    t.public,
		Private:   t.private,
		Attached:  t.state == StateSubscribed,
	}
}

// persist writes the snapshot through to storage, inserting the topic row
// on first reference.
func (t *Topic) persist(snap *store.Topic) error {
	err := t.st.TopicUpdate(snap)
	if errors.Is(err, store.ErrNotFound) {
		_, err = t.st.TopicAdd(snap)
		if errors.Is(err, store.ErrDuplicate) {
			err = t.st.TopicUpdate(snap)
		}
	}
	return err
}
