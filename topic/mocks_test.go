package topic

import (
	"sync"

	"github.com/opd-ai/chatsync/future"
	"github.com/opd-ai/chatsync/wire"
)

// mockConn records outgoing envelopes and lets the test resolve the
// returned futures as the server would.
type mockConn struct {
	mu sync.Mutex

	subs   []*future.Future
	leaves []*future.Future
	dels   []*future.Future
	notes  []mockNote
}

type mockNote struct {
	topic string
	what  string
	seq   int
}

func newMockConn() *mockConn {
	return &mockConn{}
}

func (m *mockConn) SendSub(topic string, set *wire.SetQuery, get *wire.GetQuery) *future.Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := future.New()
	m.subs = append(m.subs, f)
	return f
}

func (m *mockConn) SendLeave(topic string, unsub bool) *future.Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := future.New()
	m.leaves = append(m.leaves, f)
	return f
}

func (m *mockConn) SendDel(topic, what string, before int, hard bool) *future.Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := future.New()
	m.dels = append(m.dels, f)
	return f
}

func (m *mockConn) SendNote(topic, what string, seq int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, mockNote{topic: topic, what: what, seq: seq})
}

func (m *mockConn) lastSub() *future.Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subs) == 0 {
		return nil
	}
	return m.subs[len(m.subs)-1]
}

func (m *mockConn) lastLeave() *future.Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.leaves) == 0 {
		return nil
	}
	return m.leaves[len(m.leaves)-1]
}

func (m *mockConn) lastDel() *future.Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.dels) == 0 {
		return nil
	}
	return m.dels[len(m.dels)-1]
}

func (m *mockConn) sentNotes() []mockNote {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockNote, len(m.notes))
	copy(out, m.notes)
	return out
}
