// Package wire defines the protocol envelopes exchanged between the client
// engine and the server.
//
// Every unit of traffic is a single envelope: a ClientMsg carrying exactly
// one request section, or a ServerMsg carrying exactly one response or push
// section. Client requests that expect a reply carry an id assigned by the
// client; the matching {ctrl} echoes it back. Server pushes ({data}, {meta},
// {pres}, {info}) carry no client id and are routed by topic name.
package wire

import (
	"encoding/json"
	"time"
)

// ClientMsg is a client-to-server envelope. Exactly one section is non-nil.
type ClientMsg struct {
	Hi    *ClientHi    `json:"hi,omitempty"`
	Login *ClientLogin `json:"login,omitempty"`
	Sub   *ClientSub   `json:"sub,omitempty"`
	Leave *ClientLeave `json:"leave,omitempty"`
	Pub   *ClientPub   `json:"pub,omitempty"`
	Get   *ClientGet   `json:"get,omitempty"`
	Set   *ClientSet   `json:"set,omitempty"`
	Del   *ClientDel   `json:"del,omitempty"`
	Note  *ClientNote  `json:"note,omitempty"`
}

// Id returns the client-assigned request id, or "" for id-less envelopes
// such as {note}.
func (m *ClientMsg) Id() string {
	switch {
	case m.Hi != nil:
		return m.Hi.Id
	case m.Login != nil:
		return m.Login.Id
	case m.Sub != nil:
		return m.Sub.Id
	case m.Leave != nil:
		return m.Leave.Id
	case m.Pub != nil:
		return m.Pub.Id
	case m.Get != nil:
		return m.Get.Id
	case m.Set != nil:
		return m.Set.Id
	case m.Del != nil:
		return m.Del.Id
	}
	return ""
}

// ClientHi is the opening handshake: client version and device info.
type ClientHi struct {
	Id        string `json:"id,omitempty"`
	Version   string `json:"ver"`
	UserAgent string `json:"ua,omitempty"`
	DeviceID  string `json:"dev,omitempty"`
	Lang      string `json:"lang,omitempty"`
}

// ClientLogin authenticates the session.
type ClientLogin struct {
	Id     string `json:"id,omitempty"`
	Scheme string `json:"scheme"`
	Secret []byte `json:"secret"`
}

// GetQuery selects which metadata a {sub} or {get} request wants back.
type GetQuery struct {
	What string        `json:"what"`
	Desc *GetOpts      `json:"desc,omitempty"`
	Sub  *GetOpts      `json:"sub,omitempty"`
	Data *GetDataQuery `json:"data,omitempty"`
}

// GetOpts limits a desc/sub query to changes after a point in time.
type GetOpts struct {
	IfModifiedSince *time.Time `json:"ims,omitempty"`
	Limit           int        `json:"limit,omitempty"`
}

// GetDataQuery is a message-range query: seq ids in [Since, Before).
type GetDataQuery struct {
	Since  int `json:"since,omitempty"`
	Before int `json:"before,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

// SetQuery carries metadata updates for a {sub} or {set} request.
type SetQuery struct {
	Desc *SetDesc `json:"desc,omitempty"`
	Sub  *SetSub  `json:"sub,omitempty"`
}

// SetDesc updates a topic's own description.
type SetDesc struct {
	DefaultAcs *DefAcs     `json:"defacs,omitempty"`
	Public     interface{} `json:"public,omitempty"`
	Private    interface{} `json:"private,omitempty"`
}

// SetSub updates a subscription: own access request or another member's
// granted mode.
type SetSub struct {
	User string `json:"user,omitempty"`
	Mode string `json:"mode,omitempty"`
}

// DefAcs is a topic's default access mode for authenticated and anonymous
// users.
type DefAcs struct {
	Auth string `json:"auth,omitempty"`
	Anon string `json:"anon,omitempty"`
}

// ClientSub attaches the session to a topic, creating it when the name is
// a "new" placeholder.
type ClientSub struct {
	Id    string    `json:"id,omitempty"`
	Topic string    `json:"topic"`
	Set   *SetQuery `json:"set,omitempty"`
	Get   *GetQuery `json:"get,omitempty"`
}

// ClientLeave detaches from a topic; Unsub also deletes the subscription.
type ClientLeave struct {
	Id    string `json:"id,omitempty"`
	Topic string `json:"topic"`
	Unsub bool   `json:"unsub,omitempty"`
}

// ClientPub publishes content to a topic.
type ClientPub struct {
	Id      string                 `json:"id,omitempty"`
	Topic   string                 `json:"topic"`
	NoEcho  bool                   `json:"noecho,omitempty"`
	Head    map[string]interface{} `json:"head,omitempty"`
	Content interface{}            `json:"content"`
}

// ClientGet queries topic metadata or message history.
type ClientGet struct {
	Id    string `json:"id,omitempty"`
	Topic string `json:"topic"`
	GetQuery
}

// ClientSet updates topic metadata.
type ClientSet struct {
	Id    string `json:"id,omitempty"`
	Topic string `json:"topic"`
	SetQuery
}

// ClientDel deletes messages, a subscription, or the whole topic.
type ClientDel struct {
	Id     string `json:"id,omitempty"`
	Topic  string `json:"topic"`
	What   string `json:"what"` // "msg", "sub", "topic"
	Before int    `json:"before,omitempty"`
	Hard   bool   `json:"hard,omitempty"`
}

// ClientNote is a fire-and-forget notification: read/recv receipt or a
// key-press indicator. Notes carry no id and receive no reply.
type ClientNote struct {
	Topic string `json:"topic"`
	What  string `json:"what"` // "read", "recv", "kp"
	SeqId int    `json:"seq,omitempty"`
}

// ServerMsg is a server-to-client envelope. Exactly one section is non-nil.
type ServerMsg struct {
	Ctrl *ServerCtrl `json:"ctrl,omitempty"`
	Data *ServerData `json:"data,omitempty"`
	Meta *ServerMeta `json:"meta,omitempty"`
	Pres *ServerPres `json:"pres,omitempty"`
	Info *ServerInfo `json:"info,omitempty"`
}

// ServerCtrl is the reply to a client request: an HTTP-like code, a text
// explanation, and optional parameters such as the seq id assigned to a
// published message.
type ServerCtrl struct {
	Id     string                 `json:"id,omitempty"`
	Topic  string                 `json:"topic,omitempty"`
	Code   int                    `json:"code"`
	Text   string                 `json:"text,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
	Ts     time.Time              `json:"ts"`
}

// ParamInt reads an integer from Ctrl.Params, tolerating the float64 that
// generic JSON decoding produces.
func (c *ServerCtrl) ParamInt(key string) (int, bool) {
	v, ok := c.Params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// ServerData is a content message published to a topic.
type ServerData struct {
	Topic   string                 `json:"topic"`
	From    string                 `json:"from,omitempty"`
	Head    map[string]interface{} `json:"head,omitempty"`
	SeqId   int                    `json:"seq"`
	Ts      time.Time              `json:"ts"`
	Content interface{}            `json:"content"`
}

// ServerMeta carries topic metadata: description, subscription list, and
// deleted-message ranges.
type ServerMeta struct {
	Id    string          `json:"id,omitempty"`
	Topic string          `json:"topic"`
	Ts    time.Time       `json:"ts"`
	Desc  *TopicDesc      `json:"desc,omitempty"`
	Sub   []SubMeta       `json:"sub,omitempty"`
	Del   *DelMeta        `json:"del,omitempty"`
	Tags  []string        `json:"tags,omitempty"`
	Cred  json.RawMessage `json:"cred,omitempty"`
}

// TopicDesc is the wire form of a topic description.
type TopicDesc struct {
	CreatedAt *time.Time  `json:"created,omitempty"`
	UpdatedAt *time.Time  `json:"updated,omitempty"`
	DefAcs    *DefAcs     `json:"defacs,omitempty"`
	Acs       *AccessMode `json:"acs,omitempty"`
	SeqId     int         `json:"seq,omitempty"`
	ReadSeqId int         `json:"read,omitempty"`
	RecvSeqId int         `json:"recv,omitempty"`
	DelId     int         `json:"clear,omitempty"`
	Public    interface{} `json:"public,omitempty"`
	Private   interface{} `json:"private,omitempty"`
}

// AccessMode is a want/given permission pair in string form ("JRWPASDO").
type AccessMode struct {
	Want  string `json:"want,omitempty"`
	Given string `json:"given,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// SubMeta is one member of a topic's subscription list.
type SubMeta struct {
	User      string      `json:"user,omitempty"`
	Topic     string      `json:"topic,omitempty"`
	UpdatedAt *time.Time  `json:"updated,omitempty"`
	DeletedAt *time.Time  `json:"deleted,omitempty"`
	Acs       *AccessMode `json:"acs,omitempty"`
	ReadSeqId int         `json:"read,omitempty"`
	RecvSeqId int         `json:"recv,omitempty"`
	Public    interface{} `json:"public,omitempty"`
	Private   interface{} `json:"private,omitempty"`
	Online    bool        `json:"online,omitempty"`
	SeqId     int         `json:"seq,omitempty"`
	DelId     int         `json:"clear,omitempty"`
}

// DelMeta describes ranges of messages deleted from a topic.
type DelMeta struct {
	DelId  int        `json:"clear"`
	DelSeq []SeqRange `json:"delseq,omitempty"`
}

// SeqRange is a half-open range [Low, Hi) of message seq ids. Hi == 0
// means the single id Low.
type SeqRange struct {
	Low int `json:"low"`
	Hi  int `json:"hi,omitempty"`
}

// ServerPres is a presence push: something changed in a topic of interest.
type ServerPres struct {
	Topic     string      `json:"topic"`
	Src       string      `json:"src,omitempty"`
	What      string      `json:"what"` // "on", "off", "msg", "read", "recv", "del", "acs", "gone", "upd"
	SeqId     int         `json:"seq,omitempty"`
	DelId     int         `json:"clear,omitempty"`
	DelSeq    []SeqRange  `json:"delseq,omitempty"`
	ActorUid  string      `json:"act,omitempty"`
	TargetUid string      `json:"tgt,omitempty"`
	Acs       *AccessMode `json:"dacs,omitempty"`
}

// ServerInfo is an ephemeral notification forwarded from another session:
// read/recv receipts and typing indicators.
type ServerInfo struct {
	Topic string `json:"topic"`
	From  string `json:"from"`
	What  string `json:"what"` // "kp", "read", "recv"
	SeqId int    `json:"seq,omitempty"`
}
