package chatsync

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/future"
	"github.com/opd-ai/chatsync/store"
	"github.com/opd-ai/chatsync/topic"
	"github.com/opd-ai/chatsync/wire"
)

// sendRequest assigns a request id, registers a future for the reply, and
// hands the envelope to the transport. With no transport attached the
// returned future is already rejected with ErrNotConnected: requests fail
// fast, they are never queued.
func (c *Client) sendRequest(msg *wire.ClientMsg) *future.Future {
	id := c.corr.NextID()
	setMsgID(msg, id)

	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return future.Rejected(ErrNotConnected)
	}

	f := c.corr.Register(id)
	if err := conn.Send(msg); err != nil {
		c.corr.Reject(id, err)
	}
	return f
}

func setMsgID(msg *wire.ClientMsg, id string) {
	switch {
	case msg.Hi != nil:
		msg.Hi.Id = id
	case msg.Login != nil:
		msg.Login.Id = id
	case msg.Sub != nil:
		msg.Sub.Id = id
	case msg.Leave != nil:
		msg.Leave.Id = id
	case msg.Pub != nil:
		msg.Pub.Id = id
	case msg.Get != nil:
		msg.Get.Id = id
	case msg.Set != nil:
		msg.Set.Id = id
	case msg.Del != nil:
		msg.Del.Id = id
	}
}

// SendSub implements topic.Conn.
func (c *Client) SendSub(topicName string, set *wire.SetQuery, get *wire.GetQuery) *future.Future {
	return c.sendRequest(&wire.ClientMsg{Sub: &wire.ClientSub{
		Topic: topicName,
		Set:   set,
		Get:   get,
	}})
}

// SendLeave implements topic.Conn.
func (c *Client) SendLeave(topicName string, unsub bool) *future.Future {
	return c.sendRequest(&wire.ClientMsg{Leave: &wire.ClientLeave{
		Topic: topicName,
		Unsub: unsub,
	}})
}

// SendDel implements topic.Conn.
func (c *Client) SendDel(topicName, what string, before int, hard bool) *future.Future {
	return c.sendRequest(&wire.ClientMsg{Del: &wire.ClientDel{
		Topic:  topicName,
		What:   what,
		Before: before,
		Hard:   hard,
	}})
}

// SendNote implements topic.Conn: a fire-and-forget receipt. Dropped
// silently when offline; the high-water mark is already persisted and
// will be reported on the next attach.
func (c *Client) SendNote(topicName, what string, seq int) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return
	}

	err := conn.Send(&wire.ClientMsg{Note: &wire.ClientNote{
		Topic: topicName,
		What:  what,
		SeqId: seq,
	}})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendNote",
			"topic":    topicName,
			"what":     what,
			"error":    err,
		}).Debug("Failed to send note")
	}
}

// Login authenticates the session. On success the account's uid is
// recorded in the local cache. An authentication rejection is fatal: it
// is surfaced to the caller and stops any reconnect retries.
func (c *Client) Login(scheme string, secret []byte) *future.Future {
	return c.sendRequest(&wire.ClientMsg{Login: &wire.ClientLogin{
		Scheme: scheme,
		Secret: secret,
	}}).OnSuccess(func(result interface{}) (*future.Future, error) {
		ctrl, _ := result.(*wire.ServerCtrl)
		if ctrl == nil {
			return nil, nil
		}
		if uid, _ := ctrl.Params["user"].(string); uid != "" {
			if err := c.st.SetUid(uid); err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.uid = uid
			c.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"function": "Login",
				"uid":      uid,
			}).Info("Authenticated")
		}

		c.mu.Lock()
		c.loginScheme = scheme
		c.loginSecret = secret
		c.mu.Unlock()

		// Reattach everything that was subscribed before the restart or
		// the disconnect that preceded this login.
		go c.resubscribeAll()
		return nil, nil
	})
}

// GetTopic returns the topic state machine by name, or nil if the client
// has never referenced it.
func (c *Client) GetTopic(name string) *topic.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[name]
}

// Topics returns every topic the client knows about.
func (c *Client) Topics() []*topic.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*topic.Topic, 0, len(c.topics))
	for _, t := range c.topics {
		out = append(out, t)
	}
	return out
}

// ensureTopic returns the topic's state machine, creating it on first
// reference, local or remote.
func (c *Client) ensureTopic(name string) *topic.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.topics[name]
	if !ok {
		t = topic.New(name, c, c.st)
		c.topics[name] = t
	}
	return t
}

// SubscribeTopic attaches to a topic, creating its state machine on first
// use. The returned future resolves when the server confirms.
func (c *Client) SubscribeTopic(name string) *future.Future {
	return c.ensureTopic(name).Subscribe(nil, c.defaultGetQuery(name))
}

// SubscribeTopicWith attaches with explicit set/get queries.
func (c *Client) SubscribeTopicWith(name string, set *wire.SetQuery, get *wire.GetQuery) *future.Future {
	return c.ensureTopic(name).Subscribe(set, get)
}

// defaultGetQuery asks for the description and subscriptions changed
// since the cached state, plus any messages this client has not received.
func (c *Client) defaultGetQuery(name string) *wire.GetQuery {
	t := c.GetTopic(name)
	if t == nil {
		return &wire.GetQuery{What: "desc sub data"}
	}
	_, recv, _, _ := t.Counters()
	q := &wire.GetQuery{What: "desc sub data"}
	if recv > 0 {
		q.Data = &wire.GetDataQuery{Since: recv + 1}
	}
	return q
}

// LeaveTopic detaches from a topic; with unsub set the subscription is
// deleted server-side.
func (c *Client) LeaveTopic(name string, unsub bool) *future.Future {
	t := c.GetTopic(name)
	if t == nil {
		return future.Rejected(topic.ErrNotSubscribed)
	}
	return t.Leave(unsub)
}

// DeleteTopic removes the topic on the server and purges it locally.
func (c *Client) DeleteTopic(name string, hard bool) *future.Future {
	t := c.GetTopic(name)
	if t == nil {
		return future.Rejected(store.ErrNotFound)
	}
	return t.Delete(hard)
}

// Publish queues content for a topic and sends it. The message row is
// persisted before the network send, so it survives a crash; the local id
// is returned immediately for UI correlation. The future resolves with
// the confirmed *store.Message once the server assigns a seq.
//
// Publishing requires the topic to be SUBSCRIBED.
func (c *Client) Publish(topicName string, content interface{}) (int64, *future.Future) {
	return c.PublishWithHead(topicName, nil, content)
}

// PublishWithHead is Publish with per-message headers.
func (c *Client) PublishWithHead(topicName string, head map[string]interface{}, content interface{}) (int64, *future.Future) {
	t := c.ensureTopic(topicName)
	if !t.IsSubscribed() {
		return 0, future.Rejected(topic.ErrNotSubscribed)
	}

	localID, err := c.tracker.Enqueue(topicName, head, content)
	if err != nil {
		return 0, future.Rejected(err)
	}

	return localID, c.sendQueued(topicName, localID, head, content)
}

// sendQueued pushes one already-persisted message over the wire and wires
// the ack back to the local row.
func (c *Client) sendQueued(topicName string, localID int64, head map[string]interface{}, content interface{}) *future.Future {
	if err := c.tracker.MarkSending(localID); err != nil {
		return future.Rejected(err)
	}

	f := c.sendRequest(&wire.ClientMsg{Pub: &wire.ClientPub{
		Topic:   topicName,
		NoEcho:  true,
		Head:    head,
		Content: content,
	}})

	return f.Then(
		func(result interface{}) (*future.Future, error) {
			ctrl, _ := result.(*wire.ServerCtrl)
			if ctrl == nil {
				return nil, nil
			}
			seq, ok := ctrl.ParamInt("seq")
			if !ok {
				return nil, nil
			}
			if err := c.tracker.OnServerAck(localID, seq, ctrl.Ts); err != nil {
				return nil, err
			}

			t := c.ensureTopic(topicName)
			t.DataArrived(seq, ctrl.Ts)

			msg, err := c.st.MsgGet(localID)
			if err != nil {
				return nil, err
			}
			return future.Resolved(msg), nil
		},
		func(err error) (*future.Future, error) {
			if isDefiniteRejection(err) {
				if ferr := c.tracker.MarkFailed(localID); ferr != nil {
					logrus.WithFields(logrus.Fields{
						"function": "sendQueued",
						"local_id": localID,
						"error":    ferr,
					}).Error("Failed to mark message failed")
				}
			} else {
				// Transient: back to queued for replay after reconnect.
				if qerr := c.st.MsgSetStatus(localID, store.StatusQueued); qerr != nil {
					logrus.WithFields(logrus.Fields{
						"function": "sendQueued",
						"local_id": localID,
						"error":    qerr,
					}).Warn("Failed to requeue message")
				}
			}
			return nil, err
		})
}

// isDefiniteRejection separates irrecoverable failures from transient
// connection loss: only the former moves a message to failed.
func isDefiniteRejection(err error) bool {
	if err == nil {
		return false
	}
	var srvErr *wire.ServerError
	return errors.As(err, &srvErr)
}

// GetMeta queries topic metadata and/or message history; the results
// arrive as {meta} and {data} pushes routed through the topic machine.
func (c *Client) GetMeta(topicName string, query *wire.GetQuery) *future.Future {
	if query == nil {
		query = &wire.GetQuery{What: "desc"}
	}
	return c.sendRequest(&wire.ClientMsg{Get: &wire.ClientGet{
		Topic:    topicName,
		GetQuery: *query,
	}})
}

// SetMeta updates topic metadata; the acknowledged changes are merged
// into local state when the server echoes them back.
func (c *Client) SetMeta(topicName string, set *wire.SetQuery) *future.Future {
	return c.sendRequest(&wire.ClientMsg{Set: &wire.ClientSet{
		Topic:    topicName,
		SetQuery: *set,
	}})
}

// DelMessages deletes messages with seq below before, soft or hard. Local
// rows change only after the server confirms.
func (c *Client) DelMessages(topicName string, before int, hard bool) *future.Future {
	t := c.GetTopic(topicName)
	if t == nil {
		return future.Rejected(topic.ErrNotSubscribed)
	}
	return t.DeleteMessages(before, hard)
}

// NoteRead advances the topic's read mark and reports it to the server
// when it actually moved. Safe to call repeatedly with the same or lower
// values.
func (c *Client) NoteRead(topicName string, seq int) error {
	t := c.GetTopic(topicName)
	if t == nil {
		return topic.ErrNotSubscribed
	}
	_, err := t.MarkRead(seq)
	return err
}

// NoteRecv advances the topic's recv mark, with the same semantics as
// NoteRead.
func (c *Client) NoteRecv(topicName string, seq int) error {
	t := c.GetTopic(topicName)
	if t == nil {
		return topic.ErrNotSubscribed
	}
	_, err := t.MarkReceived(seq)
	return err
}

// NoteKeyPress sends a typing indicator. Purely ephemeral.
func (c *Client) NoteKeyPress(topicName string) {
	c.SendNote(topicName, "kp", 0)
}

// Messages returns the topic's locally cached messages visible to normal
// reads: soft-deleted rows and rows under the clear mark are excluded.
func (c *Client) Messages(topicName string) ([]*store.Message, error) {
	return c.st.MsgList(topicName)
}

// Store exposes the local cache for read-mostly callers such as UI lists.
func (c *Client) Store() store.Store {
	return c.st
}

var _ topic.Conn = (*Client)(nil)
