// Package delivery tracks outbound messages from local queue to
// server-confirmed sequence number, and reconciles inbound pushes against
// the local cache so no message row is ever duplicated.
//
// Every outbound message is persisted in queued state before it touches
// the network, so a crash between enqueue and acknowledgment loses
// nothing. The server's ack stamps the assigned seq; an ack that
// contradicts an earlier one is surfaced as ErrMismatch, never swallowed.
package delivery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/store"
	"github.com/opd-ai/chatsync/wire"
)

var (
	// ErrMismatch indicates an ack for a message already confirmed with a
	// different sequence number: protocol or cache corruption.
	ErrMismatch = errors.New("delivery mismatch")
	// ErrUnknownMessage indicates an ack that references no local row.
	ErrUnknownMessage = errors.New("unknown message")
)

// Tracker correlates locally queued messages with server outcomes,
// per topic. Check-then-act sequences run under a per-topic lock; the
// Store's own synchronization covers individual operations.
type Tracker struct {
	st store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTracker creates a tracker over the given store.
func NewTracker(st store.Store) *Tracker {
	return &Tracker{
		st:    st,
		locks: make(map[string]*sync.Mutex),
	}
}

func (tr *Tracker) topicLock(topic string) *sync.Mutex {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	l, ok := tr.locks[topic]
	if !ok {
		l = &sync.Mutex{}
		tr.locks[topic] = l
	}
	return l
}

// Enqueue persists an outbound message in queued state and returns its
// local id for UI correlation. The row survives a crash before the
// network ever sees the message.
func (tr *Tracker) Enqueue(topic string, head map[string]interface{}, content interface{}) (int64, error) {
	id, err := tr.st.MsgSend(topic, head, content)
	if err != nil {
		return 0, fmt.Errorf("failed to queue message: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Enqueue",
		"topic":    topic,
		"local_id": id,
	}).Debug("Queued outbound message")

	return id, nil
}

// MarkSending transitions a queued message to sent-awaiting-ack as it is
// handed to the transport.
func (tr *Tracker) MarkSending(localID int64) error {
	return tr.st.MsgSetStatus(localID, store.StatusSending)
}

// MarkFailed transitions a queued or sending message to failed after an
// irrecoverable error.
func (tr *Tracker) MarkFailed(localID int64) error {
	logrus.WithFields(logrus.Fields{
		"function": "MarkFailed",
		"local_id": localID,
	}).Warn("Outbound message failed")

	return tr.st.MsgSetStatus(localID, store.StatusFailed)
}

// OnServerAck applies the server's acknowledgment of a locally queued
// message: the row becomes confirmed and carries the assigned seq.
//
// A repeated ack with the same seq is idempotent. An ack for a message
// already confirmed with a different seq returns ErrMismatch.
func (tr *Tracker) OnServerAck(localID int64, seq int, ts time.Time) error {
	msg, err := tr.st.MsgGet(localID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: local id %d", ErrUnknownMessage, localID)
	}
	if err != nil {
		return err
	}

	l := tr.topicLock(msg.Topic)
	l.Lock()
	defer l.Unlock()

	// Re-read under the topic lock; a concurrent ack may have landed.
	msg, err = tr.st.MsgGet(localID)
	if err != nil {
		return err
	}

	if msg.SeqID != 0 && !msg.IsPending() {
		if msg.SeqID != seq {
			logrus.WithFields(logrus.Fields{
				"function":  "OnServerAck",
				"topic":     msg.Topic,
				"local_id":  localID,
				"have_seq":  msg.SeqID,
				"acked_seq": seq,
			}).Error("Ack contradicts confirmed sequence number")
			return fmt.Errorf("%w: message %d confirmed as seq %d, acked as %d",
				ErrMismatch, localID, msg.SeqID, seq)
		}
		return nil
	}

	if _, err := tr.st.MsgDelivered(localID, ts, seq); err != nil {
		return fmt.Errorf("failed to confirm message %d: %w", localID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OnServerAck",
		"topic":    msg.Topic,
		"local_id": localID,
		"seq":      seq,
	}).Debug("Message confirmed")

	return nil
}

// OnServerPush stores a message pushed by the server: one originated by
// another participant, or this client's own message echoed back. Pushes
// are idempotent by (topic, seq): if the seq already exists locally no
// duplicate row is created and the existing id is returned with created
// set to false.
func (tr *Tracker) OnServerPush(data *wire.ServerData) (int64, bool, error) {
	l := tr.topicLock(data.Topic)
	l.Lock()
	defer l.Unlock()

	if existing, err := tr.st.MsgGetBySeq(data.Topic, data.SeqId); err == nil {
		return existing.ID, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, false, err
	}

	status := store.StatusNone
	if data.From == tr.st.GetUid() {
		// Our own message coming back through another path.
		status = store.StatusConfirmed
	}

	id, err := tr.st.MsgReceived(&store.Message{
		Topic:   data.Topic,
		From:    data.From,
		Ts:      data.Ts,
		SeqID:   data.SeqId,
		Status:  status,
		Head:    data.Head,
		Content: data.Content,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return id, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to store pushed message: %w", err)
	}
	return id, true, nil
}

// Pending lists the topic's rows still awaiting server confirmation, in
// local-id order. Used to replay unsent messages after a reconnect.
func (tr *Tracker) Pending(topic string) ([]*store.Message, error) {
	all, err := tr.st.MsgList(topic)
	if err != nil {
		return nil, err
	}
	out := make([]*store.Message, 0)
	for _, m := range all {
		if m.IsPending() {
			out = append(out, m)
		}
	}
	return out, nil
}

// DeleteRange removes messages with seq below before. Soft deletion keeps
// the rows for reconciliation; hard deletion drops them. Both are
// idempotent and commute with concurrent pushes at seq >= before.
func (tr *Tracker) DeleteRange(topic string, before int, hard bool) (int, error) {
	l := tr.topicLock(topic)
	l.Lock()
	defer l.Unlock()

	var count int
	var err error
	if hard {
		count, err = tr.st.MsgDelete(topic, before)
	} else {
		count, err = tr.st.MsgMarkToDelete(topic, before)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete range [.., %d): %w", before, err)
	}

	// The clear mark hides the purged range from reads, including rows a
	// late push at a lower seq may re-create.
	if before > 1 {
		rec, terr := tr.st.TopicGet(topic)
		if terr != nil {
			return 0, fmt.Errorf("failed to load topic for clear mark: %w", terr)
		}
		if before-1 > rec.Clear {
			rec.Clear = before - 1
			if terr := tr.st.TopicUpdate(rec); terr != nil {
				return 0, fmt.Errorf("failed to raise clear mark: %w", terr)
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "DeleteRange",
		"topic":    topic,
		"before":   before,
		"hard":     hard,
		"count":    count,
	}).Debug("Applied message range deletion")

	return count, nil
}
