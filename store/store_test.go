package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations must satisfy the same contract; every test below
// runs once per backend.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("mem", func(t *testing.T) {
		s := NewMemStore()
		defer s.Close()
		fn(t, s)
	})
	t.Run("sql", func(t *testing.T) {
		s, err := OpenSQL(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestUidRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		assert.Empty(t, s.GetUid())
		require.NoError(t, s.SetUid("usrSelf"))
		assert.Equal(t, "usrSelf", s.GetUid())
	})
}

func TestTopicLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.TopicGet("grpTest")
		assert.ErrorIs(t, err, ErrNotFound)

		now := time.Now().Round(time.Millisecond)
		id, err := s.TopicAdd(&Topic{
			Name: "grpTest", UpdatedAt: now, Seq: 5,
			Public: "Group", Attached: true,
		})
		require.NoError(t, err)
		assert.NotZero(t, id)

		_, err = s.TopicAdd(&Topic{Name: "grpTest"})
		assert.ErrorIs(t, err, ErrDuplicate)

		rec, err := s.TopicGet("grpTest")
		require.NoError(t, err)
		assert.Equal(t, 5, rec.Seq)
		assert.Equal(t, "Group", rec.Public)
		assert.True(t, rec.Attached)

		require.NoError(t, s.TopicDelete("grpTest"))
		assert.ErrorIs(t, s.TopicDelete("grpTest"), ErrNotFound)
	})
}

func TestTopicUpdateCountersNeverRegress(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().Round(time.Millisecond)
		_, err := s.TopicAdd(&Topic{Name: "grpTest", UpdatedAt: now, Seq: 10, Recv: 8, Read: 6, Clear: 2})
		require.NoError(t, err)

		// A stale snapshot with lower counters leaves them alone.
		require.NoError(t, s.TopicUpdate(&Topic{
			Name: "grpTest", UpdatedAt: now.Add(-time.Minute),
			Seq: 3, Recv: 1, Read: 1, Clear: 1,
		}))
		rec, err := s.TopicGet("grpTest")
		require.NoError(t, err)
		assert.Equal(t, 10, rec.Seq)
		assert.Equal(t, 8, rec.Recv)
		assert.Equal(t, 6, rec.Read)
		assert.Equal(t, 2, rec.Clear)

		// Higher counters advance, and read pulls recv up with it.
		require.NoError(t, s.TopicUpdate(&Topic{
			Name: "grpTest", UpdatedAt: now, Read: 9,
		}))
		rec, err = s.TopicGet("grpTest")
		require.NoError(t, err)
		assert.Equal(t, 9, rec.Read)
		assert.GreaterOrEqual(t, rec.Recv, rec.Read)
		assert.GreaterOrEqual(t, rec.Seq, rec.Recv)
	})
}

func TestTopicUpdateBlobsLastWriterWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().Round(time.Millisecond)
		_, err := s.TopicAdd(&Topic{Name: "grpTest", UpdatedAt: now, Public: "current"})
		require.NoError(t, err)

		require.NoError(t, s.TopicUpdate(&Topic{
			Name: "grpTest", UpdatedAt: now.Add(-time.Minute), Public: "stale",
		}))
		rec, err := s.TopicGet("grpTest")
		require.NoError(t, err)
		assert.Equal(t, "current", rec.Public)

		require.NoError(t, s.TopicUpdate(&Topic{
			Name: "grpTest", UpdatedAt: now.Add(time.Minute), Public: "newer",
		}))
		rec, err = s.TopicGet("grpTest")
		require.NoError(t, err)
		assert.Equal(t, "newer", rec.Public)
	})
}

func TestTopicDeleteCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.TopicAdd(&Topic{Name: "grpTest"})
		require.NoError(t, err)
		require.NoError(t, s.SubUpsert(&Subscription{Topic: "grpTest", User: "usrAlice"}))
		id, err := s.MsgReceived(&Message{Topic: "grpTest", From: "usrAlice", Ts: time.Now(), SeqID: 1, Content: "m"})
		require.NoError(t, err)

		require.NoError(t, s.TopicDelete("grpTest"))

		subs, err := s.SubscriptionsFor("grpTest")
		require.NoError(t, err)
		assert.Empty(t, subs)
		_, err = s.MsgGet(id)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSubReplaceAllDiscardsUnmentioned(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.SubUpsert(&Subscription{Topic: "grpTest", User: "usrAlice", Read: 3}))
		require.NoError(t, s.SubUpsert(&Subscription{Topic: "grpTest", User: "usrBob"}))

		require.NoError(t, s.SubReplaceAll("grpTest", []*Subscription{
			{Topic: "grpTest", User: "usrCarol", Read: 1},
		}))

		subs, err := s.SubscriptionsFor("grpTest")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "usrCarol", subs[0].User)
	})
}

func TestSubUpsertMarkersMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().Round(time.Millisecond)
		require.NoError(t, s.SubUpsert(&Subscription{
			Topic: "grpTest", User: "usrAlice", UpdatedAt: now, Read: 5, Recv: 7,
		}))
		// Lower markers in a later record never regress the stored ones.
		require.NoError(t, s.SubUpsert(&Subscription{
			Topic: "grpTest", User: "usrAlice", UpdatedAt: now.Add(time.Second), Read: 2, Recv: 3,
		}))

		subs, err := s.SubscriptionsFor("grpTest")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, 5, subs[0].Read)
		assert.Equal(t, 7, subs[0].Recv)
	})
}

func TestUserUpsertLastWriterWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().Round(time.Millisecond)
		require.NoError(t, s.UserUpsert(&User{Uid: "usrAlice", UpdatedAt: now, Public: "Alice"}))
		require.NoError(t, s.UserUpsert(&User{Uid: "usrAlice", UpdatedAt: now.Add(-time.Minute), Public: "Old Alice"}))

		u, err := s.UserGet("usrAlice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", u.Public)
	})
}

func TestMsgReceivedAdvancesTopicSeq(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.TopicAdd(&Topic{Name: "grpTest", Seq: 2})
		require.NoError(t, err)

		_, err = s.MsgReceived(&Message{Topic: "grpTest", From: "usrAlice", Ts: time.Now(), SeqID: 7, Content: "m"})
		require.NoError(t, err)

		rec, err := s.TopicGet("grpTest")
		require.NoError(t, err)
		assert.Equal(t, 7, rec.Seq)

		// Duplicate (topic, seq) insert is rejected with the existing id.
		_, err = s.MsgReceived(&Message{Topic: "grpTest", From: "usrAlice", Ts: time.Now(), SeqID: 7, Content: "again"})
		assert.ErrorIs(t, err, ErrDuplicate)
	})
}

func TestMsgSendDeliveredRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.SetUid("usrSelf"))
		_, err := s.TopicAdd(&Topic{Name: "grpTest", Seq: 5})
		require.NoError(t, err)

		id, err := s.MsgSend("grpTest", nil, "hello")
		require.NoError(t, err)

		msg, err := s.MsgGet(id)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, msg.Status)
		assert.Zero(t, msg.SeqID)
		assert.Equal(t, "usrSelf", msg.From)

		ts := time.Now().Round(time.Millisecond)
		ok, err := s.MsgDelivered(id, ts, 6)
		require.NoError(t, err)
		assert.True(t, ok)

		msg, err = s.MsgGet(id)
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, msg.Status)
		assert.Equal(t, 6, msg.SeqID)

		rec, err := s.TopicGet("grpTest")
		require.NoError(t, err)
		assert.Equal(t, 6, rec.Seq)

		bySeq, err := s.MsgGetBySeq("grpTest", 6)
		require.NoError(t, err)
		assert.Equal(t, id, bySeq.ID)
	})
}

func TestMsgDeliveredSeqCollision(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.SetUid("usrSelf"))
		_, err := s.TopicAdd(&Topic{Name: "grpTest"})
		require.NoError(t, err)

		first, err := s.MsgSend("grpTest", nil, "one")
		require.NoError(t, err)
		second, err := s.MsgSend("grpTest", nil, "two")
		require.NoError(t, err)

		_, err = s.MsgDelivered(first, time.Now(), 5)
		require.NoError(t, err)

		// A second message cannot claim an occupied seq.
		_, err = s.MsgDelivered(second, time.Now(), 5)
		assert.ErrorIs(t, err, ErrDuplicate)

		msg, err := s.MsgGet(second)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, msg.Status)
		assert.Zero(t, msg.SeqID)

		held, err := s.MsgGetBySeq("grpTest", 5)
		require.NoError(t, err)
		assert.Equal(t, first, held.ID)

		// Re-stamping the holder with the same seq stays fine.
		_, err = s.MsgDelivered(first, time.Now(), 5)
		require.NoError(t, err)
	})
}

func TestMsgListOrderingAndVisibility(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.SetUid("usrSelf"))
		_, err := s.TopicAdd(&Topic{Name: "grpTest", Clear: 2})
		require.NoError(t, err)

		// Confirmed rows out of insertion order, plus two pending rows.
		for _, seq := range []int{3, 1, 5, 2} {
			_, err := s.MsgReceived(&Message{Topic: "grpTest", From: "usrAlice", Ts: time.Now(), SeqID: seq, Content: "m"})
			require.NoError(t, err)
		}
		p1, err := s.MsgSend("grpTest", nil, "pending-1")
		require.NoError(t, err)
		p2, err := s.MsgSend("grpTest", nil, "pending-2")
		require.NoError(t, err)

		// Soft-delete seq 3 directly.
		m3, err := s.MsgGetBySeq("grpTest", 3)
		require.NoError(t, err)
		require.NoError(t, s.MsgSetStatus(m3.ID, StatusDeleted))

		list, err := s.MsgList("grpTest")
		require.NoError(t, err)
		// seq 1 and 2 fall under clear, 3 is soft-deleted: 5 then pending.
		require.Len(t, list, 3)
		assert.Equal(t, 5, list[0].SeqID)
		assert.Equal(t, p1, list[1].ID)
		assert.Equal(t, p2, list[2].ID)
	})
}

func TestMsgRangeDeletion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.TopicAdd(&Topic{Name: "grpTest"})
		require.NoError(t, err)
		for seq := 1; seq <= 6; seq++ {
			_, err := s.MsgReceived(&Message{Topic: "grpTest", From: "usrAlice", Ts: time.Now(), SeqID: seq, Content: "m"})
			require.NoError(t, err)
		}

		count, err := s.MsgMarkToDelete("grpTest", 3)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		// Soft-deleted rows remain addressable by seq.
		msg, err := s.MsgGetBySeq("grpTest", 1)
		require.NoError(t, err)
		assert.Equal(t, StatusDeleted, msg.Status)

		count, err = s.MsgDelete("grpTest", 5)
		require.NoError(t, err)
		assert.Equal(t, 4, count)
		_, err = s.MsgGetBySeq("grpTest", 4)
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := s.MsgList("grpTest")
		require.NoError(t, err)
		require.Len(t, list, 2)
	})
}

func TestMarkersAdvanceAndReturnPrevious(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.SetUid("usrSelf"))
		_, err := s.TopicAdd(&Topic{Name: "grpTest", Seq: 10})
		require.NoError(t, err)

		prev, err := s.SetRecv("grpTest", "usrSelf", 4)
		require.NoError(t, err)
		assert.Zero(t, prev)

		prev, err = s.SetRecv("grpTest", "usrSelf", 2)
		require.NoError(t, err)
		assert.Equal(t, 4, prev)

		prev, err = s.SetRead("grpTest", "usrSelf", 3)
		require.NoError(t, err)
		assert.Zero(t, prev)

		// The owner's markers are mirrored onto the topic row.
		rec, err := s.TopicGet("grpTest")
		require.NoError(t, err)
		assert.Equal(t, 4, rec.Recv)
		assert.Equal(t, 3, rec.Read)

		// Another member's markers touch only their subscription.
		_, err = s.SetRead("grpTest", "usrAlice", 9)
		require.NoError(t, err)
		rec, err = s.TopicGet("grpTest")
		require.NoError(t, err)
		assert.Equal(t, 3, rec.Read)
	})
}

func TestSQLStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := OpenSQL(path)
	require.NoError(t, err)
	require.NoError(t, s.SetUid("usrSelf"))
	_, err = s.TopicAdd(&Topic{Name: "grpTest", UpdatedAt: time.Now().Round(time.Millisecond), Seq: 5, Public: "Group", Attached: true})
	require.NoError(t, err)
	id, err := s.MsgSend("grpTest", nil, "queued before crash")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQL(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "usrSelf", s.GetUid())
	rec, err := s.TopicGet("grpTest")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Seq)
	assert.True(t, rec.Attached)

	msg, err := s.MsgGet(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, msg.Status)
	assert.Equal(t, "queued before crash", msg.Content)
}
