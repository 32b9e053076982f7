package store

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemStore is an in-memory Store. It backs tests and short-lived sessions
// that do not need the cache to survive a restart.
type MemStore struct {
	mu sync.RWMutex

	uid    string
	nextID int64

	topics   map[string]*Topic
	subs     map[string]map[string]*Subscription // topic -> user -> sub
	users    map[string]*User
	messages map[int64]*Message
	bySeq    map[string]map[int]int64 // topic -> seq -> message id
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		nextID:   1,
		topics:   make(map[string]*Topic),
		subs:     make(map[string]map[string]*Subscription),
		users:    make(map[string]*User),
		messages: make(map[int64]*Message),
		bySeq:    make(map[string]map[int]int64),
	}
}

// GetUid returns the cache owner's uid.
func (s *MemStore) GetUid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid
}

// SetUid records the cache owner's uid.
func (s *MemStore) SetUid(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = uid
	return nil
}

// TopicGetAll loads every persisted topic.
func (s *MemStore) TopicGetAll() ([]*Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Topic, 0, len(s.topics))
	for _, t := range s.topics {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// TopicGet loads one topic by name.
func (s *MemStore) TopicGet(name string) (*Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.topics[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// TopicAdd inserts a topic and returns its storage id.
func (s *MemStore) TopicAdd(t *Topic) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.topics[t.Name]; ok {
		return existing.ID, ErrDuplicate
	}
	cp := *t
	cp.ID = s.nextID
	s.nextID++
	s.topics[cp.Name] = &cp

	logrus.WithFields(logrus.Fields{
		"function": "TopicAdd",
		"topic":    cp.Name,
		"id":       cp.ID,
	}).Debug("Topic persisted")

	return cp.ID, nil
}

// TopicUpdate persists a topic snapshot. Counters never regress; the
// description blobs are replaced only by a strictly newer snapshot.
func (s *MemStore) TopicUpdate(t *Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.topics[t.Name]
	if !ok {
		return ErrNotFound
	}

	mergeCounters(cur, t)
	if t.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = t.UpdatedAt
		cur.Acs = t.Acs
		cur.Public = t.Public
		cur.Private = t.Private
	}
	cur.Attached = t.Attached
	return nil
}

// TopicDelete removes the topic with its subscriptions and messages.
func (s *MemStore) TopicDelete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[name]; !ok {
		return ErrNotFound
	}
	delete(s.topics, name)
	delete(s.subs, name)
	delete(s.bySeq, name)
	for id, m := range s.messages {
		if m.Topic == name {
			delete(s.messages, id)
		}
	}
	return nil
}

// SubscriptionsFor lists a topic's members.
func (s *MemStore) SubscriptionsFor(topic string) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.subs[topic]
	out := make([]*Subscription, 0, len(members))
	for _, sub := range members {
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out, nil
}

// SubUpsert patches one member record, inserting it if absent.
func (s *MemStore) SubUpsert(sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subUpsertLocked(sub)
	return nil
}

// SubReplaceAll replaces the topic's member list wholesale.
func (s *MemStore) SubReplaceAll(topic string, subs []*Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs[topic] = make(map[string]*Subscription, len(subs))
	for _, sub := range subs {
		s.subUpsertLocked(sub)
	}
	return nil
}

func (s *MemStore) subUpsertLocked(sub *Subscription) {
	members, ok := s.subs[sub.Topic]
	if !ok {
		members = make(map[string]*Subscription)
		s.subs[sub.Topic] = members
	}
	cur, ok := members[sub.User]
	if !ok {
		cp := *sub
		members[sub.User] = &cp
		return
	}
	if sub.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = sub.UpdatedAt
		cur.Acs = sub.Acs
		cur.Private = sub.Private
		cur.Deleted = sub.Deleted
	}
	if sub.Read > cur.Read {
		cur.Read = sub.Read
	}
	if sub.Recv > cur.Recv {
		cur.Recv = sub.Recv
	}
}

// UserGet loads a profile by uid.
func (s *MemStore) UserGet(uid string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[uid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// UserUpsert inserts or refreshes a profile, last-writer-wins by UpdatedAt.
func (s *MemStore) UserUpsert(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.users[u.Uid]
	if !ok || u.UpdatedAt.After(cur.UpdatedAt) {
		cp := *u
		s.users[u.Uid] = &cp
	}
	return nil
}

// MsgReceived stores a server-delivered message and advances the topic's
// seq in the same critical section, so a reader never observes one without
// the other.
func (s *MemStore) MsgReceived(msg *Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.SeqID > 0 {
		if id, ok := s.bySeq[msg.Topic][msg.SeqID]; ok {
			return id, ErrDuplicate
		}
	}

	cp := *msg
	cp.ID = s.nextID
	s.nextID++
	s.messages[cp.ID] = &cp
	s.indexSeqLocked(cp.Topic, cp.SeqID, cp.ID)

	if t, ok := s.topics[cp.Topic]; ok && cp.SeqID > t.Seq {
		t.Seq = cp.SeqID
	}
	return cp.ID, nil
}

// MsgSend stores a locally originated message in queued state.
func (s *MemStore) MsgSend(topic string, head map[string]interface{}, content interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Message{
		ID:      s.nextID,
		Topic:   topic,
		From:    s.uid,
		Ts:      time.Now(),
		Status:  StatusQueued,
		Head:    head,
		Content: content,
	}
	s.nextID++
	s.messages[m.ID] = m
	return m.ID, nil
}

// MsgDelivered stamps the server-assigned seq on a local message and
// advances the topic's seq atomically with it.
func (s *MemStore) MsgDelivered(id int64, ts time.Time, seq int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if other, ok := s.bySeq[m.Topic][seq]; ok && other != id {
		return false, ErrDuplicate
	}
	m.Ts = ts
	m.SeqID = seq
	m.Status = StatusConfirmed
	s.indexSeqLocked(m.Topic, seq, id)

	if t, ok := s.topics[m.Topic]; ok && seq > t.Seq {
		t.Seq = seq
	}
	return true, nil
}

// MsgSetStatus updates a message's delivery status.
func (s *MemStore) MsgSetStatus(id int64, status DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	return nil
}

// MsgGet loads one message row by local id.
func (s *MemStore) MsgGet(id int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// MsgGetBySeq loads a message by (topic, seq), soft-deleted rows included.
func (s *MemStore) MsgGetBySeq(topic string, seq int) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySeq[topic][seq]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.messages[id]
	return &cp, nil
}

// MsgList returns the topic's messages visible to normal reads: confirmed
// rows ordered by seq, then unconfirmed rows by local id. Soft-deleted
// rows and rows at or below the clear mark are hidden.
func (s *MemStore) MsgList(topic string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hideBelow := 0
	if t, ok := s.topics[topic]; ok {
		hideBelow = t.Clear
	}

	out := make([]*Message, 0)
	for _, m := range s.messages {
		if m.Topic != topic || m.Status == StatusDeleted {
			continue
		}
		if m.SeqID > 0 && m.SeqID <= hideBelow {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.SeqID > 0) != (b.SeqID > 0) {
			return a.SeqID > 0
		}
		if a.SeqID != b.SeqID {
			return a.SeqID < b.SeqID
		}
		return a.ID < b.ID
	})
	return out, nil
}

// MsgMarkToDelete soft-deletes confirmed rows with seq < before. The rows
// stay in place for reconciliation against later server pushes.
func (s *MemStore) MsgMarkToDelete(topic string, before int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, m := range s.messages {
		if m.Topic == topic && m.SeqID > 0 && m.SeqID < before && m.Status != StatusDeleted {
			m.Status = StatusDeleted
			count++
		}
	}
	return count, nil
}

// MsgDelete hard-deletes rows with seq < before.
func (s *MemStore) MsgDelete(topic string, before int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, m := range s.messages {
		if m.Topic == topic && m.SeqID > 0 && m.SeqID < before {
			delete(s.messages, id)
			delete(s.bySeq[topic], m.SeqID)
			count++
		}
	}
	return count, nil
}

// SetRecv stores a member's recv marker if it advances; returns the
// previous value.
func (s *MemStore) SetRecv(topic, user string, recv int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMarkerLocked(topic, user, recv, false)
}

// SetRead stores a member's read marker if it advances; returns the
// previous value.
func (s *MemStore) SetRead(topic, user string, read int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMarkerLocked(topic, user, read, true)
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error {
	return nil
}

func (s *MemStore) setMarkerLocked(topic, user string, seq int, read bool) (int, error) {
	members, ok := s.subs[topic]
	if !ok {
		members = make(map[string]*Subscription)
		s.subs[topic] = members
	}
	sub, ok := members[user]
	if !ok {
		sub = &Subscription{Topic: topic, User: user}
		members[user] = sub
	}

	var prev int
	if read {
		prev = sub.Read
		if seq > sub.Read {
			sub.Read = seq
		}
	} else {
		prev = sub.Recv
		if seq > sub.Recv {
			sub.Recv = seq
		}
	}

	// The cache owner's markers double as the topic's counters.
	if t, ok := s.topics[topic]; ok && user == s.uid {
		if read && seq > t.Read {
			t.Read = seq
		}
		if !read && seq > t.Recv {
			t.Recv = seq
		}
	}
	return prev, nil
}

func (s *MemStore) indexSeqLocked(topic string, seq int, id int64) {
	if seq <= 0 {
		return
	}
	idx, ok := s.bySeq[topic]
	if !ok {
		idx = make(map[int]int64)
		s.bySeq[topic] = idx
	}
	idx[seq] = id
}

// mergeCounters raises cur's counters to t's values without ever
// regressing any of them, then clamps to keep read <= recv <= seq and
// clear <= seq.
func mergeCounters(cur, t *Topic) {
	if t.Seq > cur.Seq {
		cur.Seq = t.Seq
	}
	if t.Recv > cur.Recv {
		cur.Recv = t.Recv
	}
	if t.Read > cur.Read {
		cur.Read = t.Read
	}
	if t.Clear > cur.Clear {
		cur.Clear = t.Clear
	}
	if cur.Recv > cur.Seq {
		cur.Seq = cur.Recv
	}
	if cur.Read > cur.Recv {
		cur.Recv = cur.Read
	}
	if cur.Clear > cur.Seq {
		cur.Seq = cur.Clear
	}
}
