package topic

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/store"
	"github.com/opd-ai/chatsync/wire"
)

// MergeMeta applies a server {meta} push: description, subscription list,
// deleted ranges. Sections are independent; an error in one does not stop
// the others, and the first error is returned.
func (t *Topic) MergeMeta(meta *wire.ServerMeta) error {
	var firstErr error
	if meta.Desc != nil {
		if err := t.MergeDesc(meta.Ts, meta.Desc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(meta.Sub) > 0 {
		t.mu.Lock()
		fullReplace := !t.subsSynced
		t.subsSynced = true
		t.mu.Unlock()

		if err := t.MergeSubs(meta.Ts, meta.Sub, fullReplace); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if meta.Del != nil {
		if err := t.MergeDel(meta.Del); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MergeDesc merges a pushed description into local state. Each field is
// overwritten only when the push's timestamp is strictly newer than the
// timestamp stored for that field, so a stale response arriving out of
// order cannot clobber a fresher value. Sequence counters merge by
// maximum and never regress.
//
// The merged snapshot is persisted before the cached fields change.
func (t *Topic) MergeDesc(ts time.Time, desc *wire.TopicDesc) error {
	if desc == nil {
		return nil
	}

	t.mu.Lock()
	snap := t.snapshot()
	if desc.Public != nil && ts.After(t.publicAt) {
		snap.Public = desc.Public
	}
	if desc.Private != nil && ts.After(t.privateAt) {
		snap.Private = desc.Private
	}
	if desc.Acs != nil && ts.After(t.acsAt) {
		snap.Acs = *desc.Acs
	}
	mergeSnapCounters(snap, desc.SeqId, desc.RecvSeqId, desc.ReadSeqId, desc.DelId)
	if ts.After(snap.UpdatedAt) {
		snap.UpdatedAt = ts
	}
	t.mu.Unlock()

	if err := t.persist(snap); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MergeDesc",
			"topic":    t.name,
			"error":    err,
		}).Error("Failed to persist description merge")
		return err
	}

	t.mu.Lock()
	if desc.Public != nil && ts.After(t.publicAt) {
		t.public = desc.Public
		t.publicAt = ts
	}
	if desc.Private != nil && ts.After(t.privateAt) {
		t.private = desc.Private
		t.privateAt = ts
	}
	if desc.Acs != nil && ts.After(t.acsAt) {
		t.acs = *desc.Acs
		t.acsAt = ts
	}
	t.applyCountersLocked(desc.SeqId, desc.RecvSeqId, desc.ReadSeqId, desc.DelId)
	if ts.After(t.updated) {
		t.updated = ts
	}
	cb := t.events.OnMetaDesc
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "MergeDesc",
		"topic":    t.name,
		"seq":      desc.SeqId,
	}).Debug("Merged topic description")

	if cb != nil {
		cb()
	}
	return nil
}

// MergeSubs merges a subscription-list update. A full replace discards
// members the list does not mention; an incremental update patches only
// the members it names and preserves the rest.
func (t *Topic) MergeSubs(ts time.Time, entries []wire.SubMeta, fullReplace bool) error {
	recs := make([]*store.Subscription, 0, len(entries))
	for i := range entries {
		sm := &entries[i]
		rec := &store.Subscription{
			Topic:     t.name,
			User:      sm.User,
			UpdatedAt: ts,
			Read:      sm.ReadSeqId,
			Recv:      sm.RecvSeqId,
			Private:   sm.Private,
			Deleted:   sm.DeletedAt != nil,
		}
		if sm.UpdatedAt != nil {
			rec.UpdatedAt = *sm.UpdatedAt
		}
		if sm.Acs != nil {
			rec.Acs = *sm.Acs
		}
		recs = append(recs, rec)

		// Profiles are shared across topics by uid, never owned here.
		if sm.Public != nil && sm.User != "" {
			if err := t.st.UserUpsert(&store.User{
				Uid:       sm.User,
				UpdatedAt: rec.UpdatedAt,
				Public:    sm.Public,
			}); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "MergeSubs",
					"topic":    t.name,
					"user":     sm.User,
					"error":    err,
				}).Warn("Failed to store user profile")
			}
		}
	}

	var err error
	if fullReplace {
		err = t.st.SubReplaceAll(t.name, recs)
	} else {
		for _, rec := range recs {
			if uerr := t.st.SubUpsert(rec); uerr != nil && err == nil {
				err = uerr
			}
		}
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	if fullReplace {
		t.subs = make(map[string]*store.Subscription, len(recs))
	}
	for _, rec := range recs {
		cur, ok := t.subs[rec.User]
		if !ok {
			t.subs[rec.User] = rec
			continue
		}
		if rec.UpdatedAt.After(cur.UpdatedAt) {
			cur.UpdatedAt = rec.UpdatedAt
			cur.Acs = rec.Acs
			cur.Private = rec.Private
			cur.Deleted = rec.Deleted
		}
		if rec.Read > cur.Read {
			cur.Read = rec.Read
		}
		if rec.Recv > cur.Recv {
			cur.Recv = rec.Recv
		}
	}
	cb := t.events.OnMembersChanged
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "MergeSubs",
		"topic":    t.name,
		"count":    len(recs),
		"replace":  fullReplace,
	}).Debug("Merged subscription list")

	if cb != nil {
		cb()
	}
	return nil
}

// MergeDel applies server-announced message deletions: each range is
// soft-deleted locally and clear rises to cover it.
func (t *Topic) MergeDel(del *wire.DelMeta) error {
	var firstErr error
	for _, r := range del.DelSeq {
		if err := t.softDeleteRange(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	t.mu.Lock()
	t.applyCountersLocked(0, 0, 0, del.DelId)
	snap := t.snapshot()
	t.mu.Unlock()

	if err := t.persist(snap); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (t *Topic) softDeleteRange(r wire.SeqRange) error {
	hi := r.Hi
	if hi <= r.Low {
		hi = r.Low + 1
	}
	for seq := r.Low; seq < hi; seq++ {
		msg, err := t.st.MsgGetBySeq(t.name, seq)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if msg.Status == store.StatusDeleted {
			continue
		}
		if err := t.st.MsgSetStatus(msg.ID, store.StatusDeleted); err != nil {
			return err
		}
	}
	return nil
}

// Subscriptions returns a copy of the cached member list.
func (t *Topic) Subscriptions() []*store.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*store.Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		cp := *sub
		out = append(out, &cp)
	}
	return out
}

// Subscriber returns the cached membership record for one uid.
func (t *Topic) Subscriber(uid string) (*store.Subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[uid]
	if !ok {
		return nil, false
	}
	cp := *sub
	return &cp, true
}

// AdvanceSeq raises the seq high-water mark without touching recv: the
// server announced a message exists that this client has not received.
func (t *Topic) AdvanceSeq(seq int) {
	t.mu.Lock()
	moved := seq > t.seq
	t.applyCountersLocked(seq, 0, 0, 0)
	snap := t.snapshot()
	t.mu.Unlock()

	if !moved {
		return
	}
	if err := t.persist(snap); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AdvanceSeq",
			"topic":    t.name,
			"seq":      seq,
			"error":    err,
		}).Error("Failed to persist seq advance")
	}
}

// RoutePres applies a presence push concerning this topic.
func (t *Topic) RoutePres(pres *wire.ServerPres) {
	logrus.WithFields(logrus.Fields{
		"function": "RoutePres",
		"topic":    t.name,
		"what":     pres.What,
		"seq":      pres.SeqId,
	}).Debug("Presence push")

	switch pres.What {
	case "msg":
		t.AdvanceSeq(pres.SeqId)
	case "read":
		// Another session of this account read up to seq.
		if _, err := t.MarkRead(pres.SeqId); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RoutePres",
				"topic":    t.name,
				"error":    err,
			}).Warn("Failed to apply remote read mark")
		}
	case "recv":
		if _, err := t.MarkReceived(pres.SeqId); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RoutePres",
				"topic":    t.name,
				"error":    err,
			}).Warn("Failed to apply remote recv mark")
		}
	case "del":
		_ = t.MergeDel(&wire.DelMeta{DelId: pres.DelId, DelSeq: pres.DelSeq})
	case "gone":
		t.Expunge()
	case "acs":
		if pres.Acs != nil && pres.TargetUid != "" {
			now := time.Now()
			_ = t.MergeSubs(now, []wire.SubMeta{{
				User:      pres.TargetUid,
				Acs:       pres.Acs,
				UpdatedAt: &now,
			}}, false)
		}
	}

	t.mu.Lock()
	cb := t.events.OnPresence
	t.mu.Unlock()
	if cb != nil {
		cb(pres)
	}
}

// RouteInfo applies an ephemeral notification from another member: their
// read/recv receipt advances that member's markers, never this user's.
func (t *Topic) RouteInfo(info *wire.ServerInfo) {
	switch info.What {
	case "read", "recv":
		var err error
		if info.What == "read" {
			_, err = t.st.SetRead(t.name, info.From, info.SeqId)
		} else {
			_, err = t.st.SetRecv(t.name, info.From, info.SeqId)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RouteInfo",
				"topic":    t.name,
				"from":     info.From,
				"what":     info.What,
				"error":    err,
			}).Warn("Failed to store member receipt")
			break
		}

		t.mu.Lock()
		if sub, ok := t.subs[info.From]; ok {
			if info.What == "read" && info.SeqId > sub.Read {
				sub.Read = info.SeqId
			}
			if info.What == "recv" && info.SeqId > sub.Recv {
				sub.Recv = info.SeqId
			}
		}
		t.mu.Unlock()
	}

	t.mu.Lock()
	cb := t.events.OnInfo
	t.mu.Unlock()
	if cb != nil {
		cb(info)
	}
}

// applyCountersLocked raises the counters toward the given values and
// restores the invariants read <= recv <= seq and clear <= seq. Clamping
// only ever raises a counter, so none of them regresses. Zero arguments
// leave their counter alone. Callers must hold t.mu.
func (t *Topic) applyCountersLocked(seq, recv, read, clear int) {
	if seq > t.seq {
		t.seq = seq
	}
	if recv > t.recv {
		t.recv = recv
	}
	if read > t.read {
		t.read = read
	}
	if clear > t.clear {
		t.clear = clear
	}
	if t.read > t.recv {
		t.recv = t.read
	}
	if t.recv > t.seq {
		t.seq = t.recv
	}
	if t.clear > t.seq {
		t.seq = t.clear
	}
}

// mergeSnapCounters applies the same monotonic merge to a detached
// snapshot before it is persisted.
func mergeSnapCounters(snap *store.Topic, seq, recv, read, clear int) {
	if seq > snap.Seq {
		snap.Seq = seq
	}
	if recv > snap.Recv {
		snap.Recv = recv
	}
	if read > snap.Read {
		snap.Read = read
	}
	if clear > snap.Clear {
		snap.Clear = clear
	}
	if snap.Read > snap.Recv {
		snap.Recv = snap.Read
	}
	if snap.Recv > snap.Seq {
		snap.Seq = snap.Recv
	}
	if snap.Clear > snap.Seq {
		snap.Seq = snap.Clear
	}
}
