// Package chatsync implements a client-side engine for a real-time
// publish/subscribe messaging protocol. It maintains per-topic
// subscription state, sends and acknowledges messages, reconciles the
// local cache against the authoritative server, and exposes an
// asynchronous request/reply contract to callers.
//
// Example:
//
//	opts := chatsync.NewOptions()
//	opts.ServerURL = "wss://chat.example.com/v0/channels"
//
//	client, err := chatsync.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnDataMessage(func(topic string, msg *store.Message) {
//	    fmt.Printf("[%s] %v\n", topic, msg.Content)
//	})
//
//	if err := client.Connect(); err != nil {
//	    log.Fatal(err)
//	}
//	client.Login("basic", []byte("alice:secret")).Await(ctx)
//	client.SubscribeTopic("grpBestFriends").Await(ctx)
package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/delivery"
	"github.com/opd-ai/chatsync/future"
	"github.com/opd-ai/chatsync/store"
	"github.com/opd-ai/chatsync/topic"
	"github.com/opd-ai/chatsync/transport"
	"github.com/opd-ai/chatsync/wire"
)

// Version is the protocol version announced in the {hi} handshake.
const Version = "0.16"

// ErrNotConnected is returned when an operation needs a live transport
// and there is none. Requests fail fast; they are not queued.
var ErrNotConnected = future.ErrNotConnected

// ErrClosed indicates the client was shut down with Close.
var ErrClosed = errors.New("client closed")

// DataCallback is invoked for every message stored from a server push.
type DataCallback func(topicName string, msg *store.Message)

// PresCallback is invoked for presence pushes after they are applied.
type PresCallback func(pres *wire.ServerPres)

// InfoCallback is invoked for ephemeral notifications after they are
// applied.
type InfoCallback func(info *wire.ServerInfo)

// ConnCallback is invoked when the connection is established or lost.
type ConnCallback func(err error)

// Client is the sync engine: it owns the connection lifecycle, routes
// inbound envelopes to topic state machines and the request correlator,
// and drives reconnection and resync.
type Client struct {
	opts    *Options
	dialer  transport.Dialer
	st      store.Store
	corr    *future.Correlator
	tracker *delivery.Tracker

	mu           sync.Mutex
	conn         transport.Transport
	connected    bool
	reconnecting bool
	uid          string
	topics       map[string]*topic.Topic
	fatalErr     error
	retryWait    time.Duration

	// last successful credentials, for re-login on reconnect
	loginScheme string
	loginSecret []byte

	onConnected    ConnCallback
	onDisconnected ConnCallback
	onData         DataCallback
	onPres         PresCallback
	onInfo         InfoCallback

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Client. With a nil dialer the websocket dialer for
// opts.ServerURL is used. The local cache is a SQLite database when
// opts.StorePath is set, otherwise an in-memory store.
func New(opts *Options, dialer ...transport.Dialer) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}

	var st store.Store
	if opts.StorePath != "" {
		sqlSt, err := store.OpenSQL(opts.StorePath)
		if err != nil {
			return nil, err
		}
		st = sqlSt
	} else {
		st = store.NewMemStore()
	}

	var d transport.Dialer
	if len(dialer) > 0 && dialer[0] != nil {
		d = dialer[0]
	} else {
		d = transport.WSDialer(opts.ServerURL, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:      opts,
		dialer:    d,
		st:        st,
		corr:      future.NewCorrelator(),
		tracker:   delivery.NewTracker(st),
		topics:    make(map[string]*topic.Topic),
		uid:       st.GetUid(),
		retryWait: opts.ReconnectMin,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.restoreTopics()
	return c, nil
}

// NewWithStore creates a Client over a caller-supplied Store.
func NewWithStore(opts *Options, d transport.Dialer, st store.Store) *Client {
	if opts == nil {
		opts = NewOptions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:      opts,
		dialer:    d,
		st:        st,
		corr:      future.NewCorrelator(),
		tracker:   delivery.NewTracker(st),
		topics:    make(map[string]*topic.Topic),
		uid:       st.GetUid(),
		retryWait: opts.ReconnectMin,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.restoreTopics()
	return c
}

// restoreTopics rebuilds topic state machines from the persisted cache,
// so topics subscribed before a restart come back ready to reattach.
func (c *Client) restoreTopics() {
	recs, err := c.st.TopicGetAll()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "restoreTopics",
			"error":    err,
		}).Error("Failed to load persisted topics")
		return
	}
	for _, rec := range recs {
		c.topics[rec.Name] = topic.Restore(rec, c, c.st)
	}

	if len(recs) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "restoreTopics",
			"count":    len(recs),
		}).Info("Restored topics from local cache")
	}
}

// OnConnected registers a callback for connection establishment.
func (c *Client) OnConnected(cb ConnCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// OnDisconnected registers a callback for connection loss. The callback
// receives the error that broke the connection, or nil for a clean close.
func (c *Client) OnDisconnected(cb ConnCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = cb
}

// OnDataMessage registers a callback for stored inbound messages.
func (c *Client) OnDataMessage(cb DataCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = cb
}

// OnPresence registers a callback for presence pushes.
func (c *Client) OnPresence(cb PresCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPres = cb
}

// OnInfoMessage registers a callback for ephemeral notifications.
func (c *Client) OnInfoMessage(cb InfoCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInfo = cb
}

// IsConnected reports whether a live transport is attached.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Uid returns the authenticated account's uid, or "" before login.
func (c *Client) Uid() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// Connect dials the server, performs the {hi} handshake, and starts the
// reader loop. It returns once the handshake is acknowledged.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.fatalErr != nil {
		err := c.fatalErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	conn, err := c.dialer.Dial()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.connected {
		// Another Connect won the race while we were dialing.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.retryWait = c.opts.ReconnectMin
	cb := c.onConnected
	c.mu.Unlock()

	go c.readLoop(conn)

	hi := c.sendRequest(&wire.ClientMsg{Hi: &wire.ClientHi{
		Version:   Version,
		UserAgent: c.opts.UserAgent,
		DeviceID:  c.opts.DeviceID,
		Lang:      c.opts.Lang,
	}})
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if _, err := hi.Await(ctx); err != nil {
		conn.Close()
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"version":  Version,
	}).Info("Connected")

	if cb != nil {
		cb(nil)
	}
	return nil
}

// readLoop is the single inbound reader: envelopes for one topic are
// applied in arrival order, and futures are resolved here but Await-ed
// elsewhere, so the loop itself never blocks on a caller.
func (c *Client) readLoop(conn transport.Transport) {
	for {
		msg, err := conn.Recv()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *wire.ServerMsg) {
	switch {
	case msg.Ctrl != nil:
		c.routeCtrl(msg.Ctrl)
	case msg.Data != nil:
		c.routeData(msg.Data)
	case msg.Meta != nil:
		c.routeMeta(msg.Meta)
	case msg.Pres != nil:
		c.routePres(msg.Pres)
	case msg.Info != nil:
		c.routeInfo(msg.Info)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
		}).Warn("Dropping envelope with no recognized section")
	}
}

func (c *Client) routeCtrl(ctrl *wire.ServerCtrl) {
	if ctrl.Id == "" {
		logrus.WithFields(logrus.Fields{
			"function": "routeCtrl",
			"code":     ctrl.Code,
			"topic":    ctrl.Topic,
		}).Debug("Unsolicited ctrl")
		return
	}

	if wire.IsSuccess(ctrl.Code) {
		c.corr.Resolve(ctrl.Id, ctrl)
		return
	}

	srvErr := wire.NewServerError(ctrl)
	if srvErr.IsFatal() {
		c.mu.Lock()
		c.fatalErr = srvErr
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "routeCtrl",
			"code":     ctrl.Code,
			"text":     ctrl.Text,
		}).Error("Fatal server error, session terminated")
	}
	c.corr.Reject(ctrl.Id, srvErr)
}

func (c *Client) routeData(data *wire.ServerData) {
	t := c.ensureTopic(data.Topic)

	id, created, err := c.tracker.OnServerPush(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "routeData",
			"topic":    data.Topic,
			"seq":      data.SeqId,
			"error":    err,
		}).Error("Failed to store pushed message")
		return
	}

	t.DataArrived(data.SeqId, data.Ts)
	// Receipt propagates to the server only when the mark advances.
	if _, err := t.MarkReceived(data.SeqId); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "routeData",
			"topic":    data.Topic,
			"error":    err,
		}).Warn("Failed to advance recv mark")
	}

	if !created {
		return
	}

	c.mu.Lock()
	cb := c.onData
	c.mu.Unlock()
	if cb != nil {
		if msg, err := c.st.MsgGet(id); err == nil {
			cb(data.Topic, msg)
		}
	}
}

func (c *Client) routeMeta(meta *wire.ServerMeta) {
	t := c.ensureTopic(meta.Topic)
	if err := t.MergeMeta(meta); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "routeMeta",
			"topic":    meta.Topic,
			"error":    err,
		}).Error("Failed to merge meta push")
	}

	if t.Kind() == topic.KindMe {
		c.mergeContactList(meta)
	}
}

// mergeContactList folds the me-topic's subscription entries into the
// topics they describe: each entry is a topic of interest with its own
// counters and profile.
func (c *Client) mergeContactList(meta *wire.ServerMeta) {
	for i := range meta.Sub {
		sm := &meta.Sub[i]
		if sm.Topic == "" || sm.Topic == "me" {
			continue
		}
		ct := c.ensureTopic(sm.Topic)
		desc := &wire.TopicDesc{
			SeqId:     sm.SeqId,
			ReadSeqId: sm.ReadSeqId,
			RecvSeqId: sm.RecvSeqId,
			DelId:     sm.DelId,
			Public:    sm.Public,
			Private:   sm.Private,
			Acs:       sm.Acs,
		}
		ts := meta.Ts
		if sm.UpdatedAt != nil {
			ts = *sm.UpdatedAt
		}
		if err := ct.MergeDesc(ts, desc); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "mergeContactList",
				"topic":    sm.Topic,
				"error":    err,
			}).Warn("Failed to merge contact entry")
		}
	}
}

func (c *Client) routePres(pres *wire.ServerPres) {
	// Presence about a topic of interest arrives on "me" with the
	// subject in src; reroute it to the subject's state machine.
	name := pres.Topic
	if name == "me" && pres.Src != "" {
		name = pres.Src
	}
	t := c.ensureTopic(name)
	t.RoutePres(pres)

	c.mu.Lock()
	cb := c.onPres
	c.mu.Unlock()
	if cb != nil {
		cb(pres)
	}
}

func (c *Client) routeInfo(info *wire.ServerInfo) {
	t := c.ensureTopic(info.Topic)
	t.RouteInfo(info)

	c.mu.Lock()
	cb := c.onInfo
	c.mu.Unlock()
	if cb != nil {
		cb(info)
	}
}

// handleDisconnect runs when the reader loop exits: pending requests are
// failed, topics are marked stale but kept in memory, and the reconnect
// loop starts unless the error was fatal.
func (c *Client) handleDisconnect(conn transport.Transport, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	fatal := c.fatalErr != nil
	cb := c.onDisconnected
	// Single-flight: one reconnect loop at a time. A drop during a
	// reconnect attempt's handshake lands here too, and the running
	// loop picks it up on its next iteration.
	startReconnect := c.opts.AutoReconnect && !fatal &&
		!errors.Is(err, transport.ErrClosed) && !c.reconnecting
	if startReconnect {
		c.reconnecting = true
	}
	topics := make([]*topic.Topic, 0, len(c.topics))
	for _, t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	conn.Close()
	failed := c.corr.FailAll(ErrNotConnected)

	// Transient disconnect must not destroy in-memory topic state.
	for _, t := range topics {
		t.Detach()
	}

	logrus.WithFields(logrus.Fields{
		"function":        "handleDisconnect",
		"failed_requests": failed,
		"error":           err,
	}).Warn("Connection lost")

	if cb != nil {
		cb(err)
	}

	if startReconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop re-dials with exponential backoff and resubscribes every
// previously attached topic, each independently. Only one loop runs at a
// time; the reconnecting flag is released when the loop exits with the
// connection up, or stays with the loop while it keeps retrying.
func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		wait := c.retryWait
		c.retryWait *= 2
		if c.retryWait > c.opts.ReconnectMax {
			c.retryWait = c.opts.ReconnectMax
		}
		fatal := c.fatalErr != nil
		if fatal {
			c.reconnecting = false
		}
		c.mu.Unlock()
		if fatal {
			return
		}

		select {
		case <-time.After(wait):
		case <-c.ctx.Done():
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		}

		err := c.Connect()
		if err == nil {
			c.mu.Lock()
			scheme, secret := c.loginScheme, c.loginSecret
			c.mu.Unlock()

			if scheme != "" {
				// Login's success path resubscribes attached topics.
				c.Login(scheme, secret).OnFailure(
					func(lerr error) (*future.Future, error) {
						logrus.WithFields(logrus.Fields{
							"function": "reconnectLoop",
							"error":    lerr,
						}).Error("Re-login after reconnect failed")
						return nil, lerr
					})
			} else {
				c.resubscribeAll()
			}

			// Release ownership only if the connection is still up.
			// A drop since Connect means handleDisconnect already ran
			// and deferred to this loop; go around again.
			c.mu.Lock()
			still := c.connected
			if still {
				c.reconnecting = false
			}
			c.mu.Unlock()
			if still {
				return
			}
			continue
		}

		var srvErr *wire.ServerError
		if errors.As(err, &srvErr) && srvErr.IsFatal() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "reconnectLoop",
			"wait":     wait,
			"error":    err,
		}).Info("Reconnect attempt failed")
	}
}

// resubscribeAll reattaches every topic that was subscribed before the
// disconnect. Attempts are independent: one failure does not stop the
// rest, and failed topics stay detached for the next reconnect.
func (c *Client) resubscribeAll() {
	c.mu.Lock()
	stale := make([]*topic.Topic, 0, len(c.topics))
	for _, t := range c.topics {
		if t.WasAttached() {
			stale = append(stale, t)
		}
	}
	c.mu.Unlock()

	for _, t := range stale {
		name := t.Name()
		t.Subscribe(nil, nil).Then(
			func(result interface{}) (*future.Future, error) {
				c.replayPending(name)
				return nil, nil
			},
			func(err error) (*future.Future, error) {
				logrus.WithFields(logrus.Fields{
					"function": "resubscribeAll",
					"topic":    name,
					"error":    err,
				}).Warn("Resubscribe failed")
				return nil, err
			})
	}

	if len(stale) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "resubscribeAll",
			"count":    len(stale),
		}).Info("Resubscribing topics after reconnect")
	}
}

// replayPending re-sends messages that were queued while offline.
func (c *Client) replayPending(topicName string) {
	pending, err := c.tracker.Pending(topicName)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "replayPending",
			"topic":    topicName,
			"error":    err,
		}).Error("Failed to load pending messages")
		return
	}
	for _, msg := range pending {
		c.sendQueued(topicName, msg.ID, msg.Head, msg.Content)
	}
}

// Disconnect closes the transport without shutting the client down.
// Pending requests fail with ErrNotConnected; topic state is retained.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close shuts the client down: the transport is closed, pending requests
// fail, and the local cache is released.
func (c *Client) Close() error {
	c.cancel()
	c.Disconnect()
	c.corr.FailAll(ErrClosed)
	return c.st.Close()
}
