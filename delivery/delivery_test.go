package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatsync/store"
	"github.com/opd-ai/chatsync/wire"
)

func newTestTracker(t *testing.T) (*Tracker, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	require.NoError(t, st.SetUid("usrSelf"))
	_, err := st.TopicAdd(&store.Topic{Name: "grpTest"})
	require.NoError(t, err)
	return NewTracker(st), st
}

func TestEnqueueThenAck(t *testing.T) {
	tr, st := newTestTracker(t)

	id, err := tr.Enqueue("grpTest", nil, "hello")
	require.NoError(t, err)

	msg, err := st.MsgGet(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, msg.Status)
	assert.True(t, msg.IsPending())
	assert.Equal(t, "usrSelf", msg.From)

	require.NoError(t, tr.MarkSending(id))
	msg, err = st.MsgGet(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSending, msg.Status)

	now := time.Now()
	require.NoError(t, tr.OnServerAck(id, 6, now))

	msg, err = st.MsgGet(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConfirmed, msg.Status)
	assert.Equal(t, 6, msg.SeqID)
	assert.False(t, msg.IsPending())

	// The topic's seq advanced with the confirmation.
	rec, err := st.TopicGet("grpTest")
	require.NoError(t, err)
	assert.Equal(t, 6, rec.Seq)
}

func TestRepeatedAckIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t)

	id, err := tr.Enqueue("grpTest", nil, "hello")
	require.NoError(t, err)
	require.NoError(t, tr.OnServerAck(id, 6, time.Now()))
	require.NoError(t, tr.OnServerAck(id, 6, time.Now()))
}

func TestContradictoryAckMismatch(t *testing.T) {
	tr, st := newTestTracker(t)

	id, err := tr.Enqueue("grpTest", nil, "hello")
	require.NoError(t, err)
	require.NoError(t, tr.OnServerAck(id, 6, time.Now()))

	err = tr.OnServerAck(id, 7, time.Now())
	assert.ErrorIs(t, err, ErrMismatch)

	// The original confirmation stands.
	msg, err := st.MsgGet(id)
	require.NoError(t, err)
	assert.Equal(t, 6, msg.SeqID)
}

func TestAckUnknownMessage(t *testing.T) {
	tr, _ := newTestTracker(t)
	err := tr.OnServerAck(999, 1, time.Now())
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestPushDedupedBySeq(t *testing.T) {
	tr, _ := newTestTracker(t)

	data := &wire.ServerData{
		Topic: "grpTest", From: "usrAlice", SeqId: 3,
		Ts: time.Now(), Content: "hi",
	}
	id1, created, err := tr.OnServerPush(data)
	require.NoError(t, err)
	assert.True(t, created)

	id2, created, err := tr.OnServerPush(data)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)
}

func TestPushOwnEchoConfirmed(t *testing.T) {
	tr, st := newTestTracker(t)

	id, created, err := tr.OnServerPush(&wire.ServerData{
		Topic: "grpTest", From: "usrSelf", SeqId: 4,
		Ts: time.Now(), Content: "mine",
	})
	require.NoError(t, err)
	require.True(t, created)

	msg, err := st.MsgGet(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConfirmed, msg.Status)

	id, created, err = tr.OnServerPush(&wire.ServerData{
		Topic: "grpTest", From: "usrAlice", SeqId: 5,
		Ts: time.Now(), Content: "theirs",
	})
	require.NoError(t, err)
	require.True(t, created)

	msg, err = st.MsgGet(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNone, msg.Status)
}

func TestPendingListsUnconfirmed(t *testing.T) {
	tr, _ := newTestTracker(t)

	id1, err := tr.Enqueue("grpTest", nil, "one")
	require.NoError(t, err)
	id2, err := tr.Enqueue("grpTest", nil, "two")
	require.NoError(t, err)
	id3, err := tr.Enqueue("grpTest", nil, "three")
	require.NoError(t, err)

	require.NoError(t, tr.MarkSending(id2))
	require.NoError(t, tr.OnServerAck(id3, 1, time.Now()))

	pending, err := tr.Pending("grpTest")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, id2, pending[1].ID)
}

func TestMarkFailedLeavesQueue(t *testing.T) {
	tr, _ := newTestTracker(t)

	id, err := tr.Enqueue("grpTest", nil, "doomed")
	require.NoError(t, err)
	require.NoError(t, tr.MarkFailed(id))

	pending, err := tr.Pending("grpTest")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeleteRangeSoftHidesRows(t *testing.T) {
	tr, st := newTestTracker(t)

	for seq := 1; seq <= 12; seq++ {
		_, _, err := tr.OnServerPush(&wire.ServerData{
			Topic: "grpTest", From: "usrAlice", SeqId: seq,
			Ts: time.Now(), Content: "m",
		})
		require.NoError(t, err)
	}

	count, err := tr.DeleteRange("grpTest", 10, false)
	require.NoError(t, err)
	assert.Equal(t, 9, count)

	// Soft-deleted rows stay addressable by seq but drop out of reads.
	msg, err := st.MsgGetBySeq("grpTest", 5)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeleted, msg.Status)

	visible, err := st.MsgList("grpTest")
	require.NoError(t, err)
	require.Len(t, visible, 3)
	for _, m := range visible {
		assert.GreaterOrEqual(t, m.SeqID, 10)
	}

	// Idempotent.
	count, err = tr.DeleteRange("grpTest", 10, false)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDeleteRangeRaisesClearMark(t *testing.T) {
	tr, st := newTestTracker(t)

	for seq := 1; seq <= 12; seq++ {
		_, _, err := tr.OnServerPush(&wire.ServerData{
			Topic: "grpTest", From: "usrAlice", SeqId: seq,
			Ts: time.Now(), Content: "m",
		})
		require.NoError(t, err)
	}

	rec, err := st.TopicGet("grpTest")
	require.NoError(t, err)
	rec.Attached = true
	require.NoError(t, st.TopicUpdate(rec))

	_, err = tr.DeleteRange("grpTest", 10, false)
	require.NoError(t, err)

	rec, err = st.TopicGet("grpTest")
	require.NoError(t, err)
	assert.Equal(t, 9, rec.Clear)
	assert.True(t, rec.Attached)

	// A lower before never lowers the mark.
	_, err = tr.DeleteRange("grpTest", 4, false)
	require.NoError(t, err)
	rec, err = st.TopicGet("grpTest")
	require.NoError(t, err)
	assert.Equal(t, 9, rec.Clear)
}

func TestDeleteRangeCommutesWithLatePush(t *testing.T) {
	tr, st := newTestTracker(t)

	for seq := 1; seq <= 9; seq++ {
		_, _, err := tr.OnServerPush(&wire.ServerData{
			Topic: "grpTest", From: "usrAlice", SeqId: seq,
			Ts: time.Now(), Content: "m",
		})
		require.NoError(t, err)
	}

	_, err := tr.DeleteRange("grpTest", 10, true)
	require.NoError(t, err)

	// A push below the cleared range may re-create the row for
	// reconciliation, but it stays out of normal reads.
	_, created, err := tr.OnServerPush(&wire.ServerData{
		Topic: "grpTest", From: "usrAlice", SeqId: 5,
		Ts: time.Now(), Content: "late",
	})
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = tr.OnServerPush(&wire.ServerData{
		Topic: "grpTest", From: "usrAlice", SeqId: 12,
		Ts: time.Now(), Content: "fresh",
	})
	require.NoError(t, err)
	assert.True(t, created)

	visible, err := st.MsgList("grpTest")
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, 12, visible[0].SeqID)

	rec, err := st.TopicGet("grpTest")
	require.NoError(t, err)
	assert.Equal(t, 9, rec.Clear)
}

func TestDeleteRangeHardRemovesRows(t *testing.T) {
	tr, st := newTestTracker(t)

	for seq := 1; seq <= 5; seq++ {
		_, _, err := tr.OnServerPush(&wire.ServerData{
			Topic: "grpTest", From: "usrAlice", SeqId: seq,
			Ts: time.Now(), Content: "m",
		})
		require.NoError(t, err)
	}

	count, err := tr.DeleteRange("grpTest", 4, true)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	_, err = st.MsgGetBySeq("grpTest", 2)
	assert.ErrorIs(t, err, store.ErrNotFound)

	msg, err := st.MsgGetBySeq("grpTest", 4)
	require.NoError(t, err)
	assert.NotEqual(t, store.StatusDeleted, msg.Status)
}
