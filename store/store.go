// Package store defines the persistence contract between the sync engine
// and durable local storage, together with the record types that cross
// that boundary.
//
// The engine calls the Store while holding its own per-topic lock, so
// implementations must not call back into the engine or require any
// engine-internal lock. Writes that cover several records belonging to one
// event (advancing a topic's seq and inserting the message row that caused
// it) must be applied atomically.
package store

import (
	"errors"
	"time"

	"github.com/opd-ai/chatsync/wire"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate indicates an insert that would violate a uniqueness
	// constraint, such as a second message with the same (topic, seq).
	ErrDuplicate = errors.New("duplicate record")
)

// DeliveryStatus tracks an outbound message from local queue to remote
// acknowledgment.
type DeliveryStatus uint8

const (
	// StatusNone marks a row that never entered the outbound path, such
	// as a message received from another participant.
	StatusNone DeliveryStatus = iota
	// StatusQueued marks a message persisted locally, not yet sent.
	StatusQueued
	// StatusSending marks a message handed to the transport, awaiting
	// the server's acknowledgment.
	StatusSending
	// StatusConfirmed marks a message the server acknowledged with an
	// assigned sequence number.
	StatusConfirmed
	// StatusRead marks a confirmed message read by the remote party.
	StatusRead
	// StatusFailed marks a message that failed irrecoverably.
	StatusFailed
	// StatusDeleted marks a soft-deleted row kept for reconciliation.
	StatusDeleted
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusSending:
		return "sending"
	case StatusConfirmed:
		return "confirmed"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	case StatusDeleted:
		return "deleted"
	}
	return "none"
}

// Topic is the persisted snapshot of a topic's state.
type Topic struct {
	ID        int64
	Name      string
	UpdatedAt time.Time

	Seq   int // highest seq known to exist on the server
	Recv  int // highest seq received by this user
	Read  int // highest seq read by this user
	Clear int // highest seq soft-deleted for this user

	Acs      wire.AccessMode
	Public   interface{}
	Private  interface{}
	Attached bool // was SUBSCRIBED when last persisted
}

// Subscription is one user's membership record within a topic.
type Subscription struct {
	Topic     string
	User      string
	UpdatedAt time.Time
	Deleted   bool

	Acs     wire.AccessMode
	Private interface{}

	// Delivery markers for this member, meaningful in group topics.
	Read int
	Recv int
}

// User is a profile shared across topics by uid.
type User struct {
	Uid       string
	UpdatedAt time.Time
	Public    interface{}
}

// Message is one locally stored message row. ID is assigned by storage and
// never sent over the wire; SeqID is 0 until the server confirms delivery.
type Message struct {
	ID      int64
	Topic   string
	From    string
	Ts      time.Time
	SeqID   int
	Status  DeliveryStatus
	Head    map[string]interface{}
	Content interface{}
}

// IsPending reports whether the message still awaits server confirmation.
func (m *Message) IsPending() bool {
	return m.Status == StatusQueued || m.Status == StatusSending
}

// Store is the persistence contract consumed by the engine.
type Store interface {
	// GetUid returns the uid of the account this cache belongs to, or ""
	// if none is set.
	GetUid() string
	// SetUid records the account owning this cache.
	SetUid(uid string) error

	// TopicGetAll loads every persisted topic.
	TopicGetAll() ([]*Topic, error)
	// TopicGet loads one topic by name.
	TopicGet(name string) (*Topic, error)
	// TopicAdd inserts a topic and returns its storage id.
	TopicAdd(t *Topic) (int64, error)
	// TopicUpdate persists the topic snapshot. The stored UpdatedAt never
	// regresses: an older snapshot updates counters only.
	TopicUpdate(t *Topic) error
	// TopicDelete removes the topic and everything it owns: messages and
	// subscriptions.
	TopicDelete(name string) error

	// SubscriptionsFor lists a topic's members.
	SubscriptionsFor(topic string) ([]*Subscription, error)
	// SubUpsert patches one member record, inserting it if absent.
	SubUpsert(sub *Subscription) error
	// SubReplaceAll replaces the topic's whole member list, as after a
	// full subscription fetch.
	SubReplaceAll(topic string, subs []*Subscription) error

	// UserGet loads a profile by uid.
	UserGet(uid string) (*User, error)
	// UserUpsert inserts or refreshes a profile, last-writer-wins by
	// UpdatedAt.
	UserUpsert(u *User) error

	// MsgReceived stores a message that arrived from the server and,
	// atomically with the insert, advances the topic's seq high-water
	// mark. Returns ErrDuplicate if (topic, seq) already exists.
	MsgReceived(msg *Message) (int64, error)
	// MsgSend stores a locally originated message in queued state and
	// returns its local id.
	MsgSend(topic string, head map[string]interface{}, content interface{}) (int64, error)
	// MsgDelivered marks a local message confirmed with its
	// server-assigned seq, atomically advancing the topic's seq.
	// Returns ErrDuplicate if another message already holds (topic, seq).
	MsgDelivered(id int64, ts time.Time, seq int) (bool, error)
	// MsgSetStatus updates a message's delivery status.
	MsgSetStatus(id int64, status DeliveryStatus) error
	// MsgGet loads one message row by local id.
	MsgGet(id int64) (*Message, error)
	// MsgGetBySeq loads a message by (topic, seq), including soft-deleted
	// rows.
	MsgGetBySeq(topic string, seq int) (*Message, error)
	// MsgList returns the topic's messages visible to normal reads:
	// soft-deleted rows and rows at or below the topic's clear mark are
	// excluded. Ordered by seq for confirmed rows, then local id.
	MsgList(topic string) ([]*Message, error)
	// MsgMarkToDelete soft-deletes confirmed rows with seq < before and
	// returns how many rows were affected.
	MsgMarkToDelete(topic string, before int) (int, error)
	// MsgDelete hard-deletes rows with seq < before and returns how many
	// rows were removed.
	MsgDelete(topic string, before int) (int, error)

	// SetRecv stores a member's recv marker if it advances and returns
	// the previous value.
	SetRecv(topic, user string, recv int) (int, error)
	// SetRead stores a member's read marker if it advances and returns
	// the previous value.
	SetRead(topic, user string, read int) (int, error)

	// Close releases underlying resources.
	Close() error
}
