package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS account (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS topics (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL UNIQUE,
	updated   INTEGER NOT NULL DEFAULT 0,
	seq       INTEGER NOT NULL DEFAULT 0,
	recv      INTEGER NOT NULL DEFAULT 0,
	read      INTEGER NOT NULL DEFAULT 0,
	clear     INTEGER NOT NULL DEFAULT 0,
	acs_want  TEXT NOT NULL DEFAULT '',
	acs_given TEXT NOT NULL DEFAULT '',
	public    TEXT,
	private   TEXT,
	attached  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS subscriptions (
	topic     TEXT NOT NULL,
	user      TEXT NOT NULL,
	updated   INTEGER NOT NULL DEFAULT 0,
	deleted   INTEGER NOT NULL DEFAULT 0,
	acs_want  TEXT NOT NULL DEFAULT '',
	acs_given TEXT NOT NULL DEFAULT '',
	private   TEXT,
	read      INTEGER NOT NULL DEFAULT 0,
	recv      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (topic, user)
);

CREATE TABLE IF NOT EXISTS users (
	uid     TEXT PRIMARY KEY,
	updated INTEGER NOT NULL DEFAULT 0,
	public  TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	topic   TEXT NOT NULL,
	sender  TEXT NOT NULL DEFAULT '',
	ts      INTEGER NOT NULL DEFAULT 0,
	seq     INTEGER NOT NULL DEFAULT 0,
	status  INTEGER NOT NULL DEFAULT 0,
	head    TEXT,
	content TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_topic_seq
	ON messages(topic, seq) WHERE seq > 0;
CREATE INDEX IF NOT EXISTS messages_topic ON messages(topic);
`

// SQLStore is a Store backed by a SQLite database, so the local cache
// survives restarts. SQLite allows a single writer, so the connection pool
// is limited to one connection; WAL mode keeps reads concurrent.
type SQLStore struct {
	db *sql.DB
}

// OpenSQL creates or opens the cache database at path.
func OpenSQL(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQL",
		"path":     path,
	}).Info("Opened local cache database")

	return &SQLStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// GetUid returns the cache owner's uid, or "" if none is set.
func (s *SQLStore) GetUid() string {
	var uid string
	err := s.db.QueryRow(`SELECT v FROM account WHERE k = 'uid'`).Scan(&uid)
	if err != nil {
		return ""
	}
	return uid
}

// SetUid records the cache owner's uid.
func (s *SQLStore) SetUid(uid string) error {
	_, err := s.db.Exec(
		`INSERT INTO account(k, v) VALUES('uid', ?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v`, uid)
	return err
}

// TopicGetAll loads every persisted topic.
func (s *SQLStore) TopicGetAll() ([]*Topic, error) {
	rows, err := s.db.Query(
		`SELECT id, name, updated, seq, recv, read, clear,
		        acs_want, acs_given, public, private, attached
		 FROM topics ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}
	defer rows.Close()

	var out []*Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TopicGet loads one topic by name.
func (s *SQLStore) TopicGet(name string) (*Topic, error) {
	row := s.db.QueryRow(
		`SELECT id, name, updated, seq, recv, read, clear,
		        acs_want, acs_given, public, private, attached
		 FROM topics WHERE name = ?`, name)
	t, err := scanTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// TopicAdd inserts a topic and returns its storage id.
func (s *SQLStore) TopicAdd(t *Topic) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO topics(name, updated, seq, recv, read, clear,
		                    acs_want, acs_given, public, private, attached)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.UpdatedAt.UnixNano(), t.Seq, t.Recv, t.Read, t.Clear,
		t.Acs.Want, t.Acs.Given, toJSON(t.Public), toJSON(t.Private),
		boolToInt(t.Attached))
	if err != nil {
		return 0, fmt.Errorf("failed to insert topic %q: %w", t.Name, err)
	}
	return res.LastInsertId()
}

// TopicUpdate persists a topic snapshot. Counters are raised with MAX so an
// older snapshot can never regress them, then clamped upward to keep
// read <= recv <= seq and clear <= seq; the description blobs are replaced
// only by a strictly newer snapshot. SET expressions see pre-update values,
// so each counter folds in the columns it must stay ahead of.
func (s *SQLStore) TopicUpdate(t *Topic) error {
	res, err := s.db.Exec(
		`UPDATE topics SET
		    seq   = MAX(seq, ?, recv, ?, read, ?, clear, ?),
		    recv  = MAX(recv, ?, read, ?),
		    read  = MAX(read, ?),
		    clear = MAX(clear, ?),
		    acs_want  = CASE WHEN ? > updated THEN ? ELSE acs_want END,
		    acs_given = CASE WHEN ? > updated THEN ? ELSE acs_given END,
		    public    = CASE WHEN ? > updated THEN ? ELSE public END,
		    private   = CASE WHEN ? > updated THEN ? ELSE private END,
		    attached  = ?,
		    updated   = MAX(updated, ?)
		 WHERE name = ?`,
		t.Seq, t.Recv, t.Read, t.Clear, t.Recv, t.Read, t.Read, t.Clear,
		t.UpdatedAt.UnixNano(), t.Acs.Want,
		t.UpdatedAt.UnixNano(), t.Acs.Given,
		t.UpdatedAt.UnixNano(), toJSON(t.Public),
		t.UpdatedAt.UnixNano(), toJSON(t.Private),
		boolToInt(t.Attached), t.UpdatedAt.UnixNano(), t.Name)
	if err != nil {
		return fmt.Errorf("failed to update topic %q: %w", t.Name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TopicDelete removes a topic with its subscriptions and messages in one
// transaction.
func (s *SQLStore) TopicDelete(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM topics WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete topic %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM subscriptions WHERE topic = ?`, name); err != nil {
		return fmt.Errorf("failed to delete subscriptions for %q: %w", name, err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE topic = ?`, name); err != nil {
		return fmt.Errorf("failed to delete messages for %q: %w", name, err)
	}
	return tx.Commit()
}

// SubscriptionsFor lists a topic's members.
func (s *SQLStore) SubscriptionsFor(topic string) ([]*Subscription, error) {
	rows, err := s.db.Query(
		`SELECT topic, user, updated, deleted, acs_want, acs_given,
		        private, read, recv
		 FROM subscriptions WHERE topic = ? ORDER BY user`, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var updated int64
		var deleted int
		var private sql.NullString
		if err := rows.Scan(&sub.Topic, &sub.User, &updated, &deleted,
			&sub.Acs.Want, &sub.Acs.Given, &private, &sub.Read, &sub.Recv); err != nil {
			return nil, err
		}
		sub.UpdatedAt = time.Unix(0, updated)
		sub.Deleted = deleted != 0
		sub.Private = fromJSON(private)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// SubUpsert patches one member record, inserting it if absent. Markers are
// raised with MAX; the blob fields follow the newer timestamp.
func (s *SQLStore) SubUpsert(sub *Subscription) error {
	_, err := s.db.Exec(
		`INSERT INTO subscriptions(topic, user, updated, deleted,
		                           acs_want, acs_given, private, read, recv)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(topic, user) DO UPDATE SET
		    deleted   = CASE WHEN excluded.updated > updated THEN excluded.deleted ELSE deleted END,
		    acs_want  = CASE WHEN excluded.updated > updated THEN excluded.acs_want ELSE acs_want END,
		    acs_given = CASE WHEN excluded.updated > updated THEN excluded.acs_given ELSE acs_given END,
		    private   = CASE WHEN excluded.updated > updated THEN excluded.private ELSE private END,
		    read      = MAX(read, excluded.read),
		    recv      = MAX(recv, excluded.recv),
		    updated   = MAX(updated, excluded.updated)`,
		sub.Topic, sub.User, sub.UpdatedAt.UnixNano(), boolToInt(sub.Deleted),
		sub.Acs.Want, sub.Acs.Given, toJSON(sub.Private), sub.Read, sub.Recv)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription %s/%s: %w", sub.Topic, sub.User, err)
	}
	return nil
}

// SubReplaceAll replaces the topic's member list wholesale.
func (s *SQLStore) SubReplaceAll(topic string, subs []*Subscription) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM subscriptions WHERE topic = ?`, topic); err != nil {
		return fmt.Errorf("failed to clear subscriptions for %q: %w", topic, err)
	}
	for _, sub := range subs {
		if _, err := tx.Exec(
			`INSERT INTO subscriptions(topic, user, updated, deleted,
			                           acs_want, acs_given, private, read, recv)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			topic, sub.User, sub.UpdatedAt.UnixNano(), boolToInt(sub.Deleted),
			sub.Acs.Want, sub.Acs.Given, toJSON(sub.Private), sub.Read, sub.Recv); err != nil {
			return fmt.Errorf("failed to insert subscription %s/%s: %w", topic, sub.User, err)
		}
	}
	return tx.Commit()
}

// UserGet loads a profile by uid.
func (s *SQLStore) UserGet(uid string) (*User, error) {
	var updated int64
	var public sql.NullString
	u := &User{Uid: uid}
	err := s.db.QueryRow(
		`SELECT updated, public FROM users WHERE uid = ?`, uid).Scan(&updated, &public)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.UpdatedAt = time.Unix(0, updated)
	u.Public = fromJSON(public)
	return u, nil
}

// UserUpsert inserts or refreshes a profile, last-writer-wins by UpdatedAt.
func (s *SQLStore) UserUpsert(u *User) error {
	_, err := s.db.Exec(
		`INSERT INTO users(uid, updated, public) VALUES(?, ?, ?)
		 ON CONFLICT(uid) DO UPDATE SET
		    public  = CASE WHEN excluded.updated > updated THEN excluded.public ELSE public END,
		    updated = MAX(updated, excluded.updated)`,
		u.Uid, u.UpdatedAt.UnixNano(), toJSON(u.Public))
	if err != nil {
		return fmt.Errorf("failed to upsert user %q: %w", u.Uid, err)
	}
	return nil
}

// MsgReceived stores a server-delivered message and advances the topic's
// seq in the same transaction.
func (s *SQLStore) MsgReceived(msg *Message) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if msg.SeqID > 0 {
		var existing int64
		err := tx.QueryRow(
			`SELECT id FROM messages WHERE topic = ? AND seq = ?`,
			msg.Topic, msg.SeqID).Scan(&existing)
		if err == nil {
			return existing, ErrDuplicate
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
	}

	res, err := tx.Exec(
		`INSERT INTO messages(topic, sender, ts, seq, status, head, content)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		msg.Topic, msg.From, msg.Ts.UnixNano(), msg.SeqID,
		int(msg.Status), toJSON(msg.Head), toJSON(msg.Content))
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE topics SET seq = MAX(seq, ?) WHERE name = ?`,
		msg.SeqID, msg.Topic); err != nil {
		return 0, fmt.Errorf("failed to advance topic seq: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// MsgSend stores a locally originated message in queued state.
func (s *SQLStore) MsgSend(topic string, head map[string]interface{}, content interface{}) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO messages(topic, sender, ts, seq, status, head, content)
		 VALUES(?, ?, ?, 0, ?, ?, ?)`,
		topic, s.GetUid(), time.Now().UnixNano(), int(StatusQueued),
		toJSON(head), toJSON(content))
	if err != nil {
		return 0, fmt.Errorf("failed to insert outgoing message: %w", err)
	}
	return res.LastInsertId()
}

// MsgDelivered stamps the server-assigned seq on a local message and
// advances the topic's seq in the same transaction.
func (s *SQLStore) MsgDelivered(id int64, ts time.Time, seq int) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var topic string
	err = tx.QueryRow(`SELECT topic FROM messages WHERE id = ?`, id).Scan(&topic)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	var other int64
	err = tx.QueryRow(
		`SELECT id FROM messages WHERE topic = ? AND seq = ? AND id != ?`,
		topic, seq, id).Scan(&other)
	if err == nil {
		return false, ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	if _, err := tx.Exec(
		`UPDATE messages SET ts = ?, seq = ?, status = ? WHERE id = ?`,
		ts.UnixNano(), seq, int(StatusConfirmed), id); err != nil {
		return false, fmt.Errorf("failed to confirm message %d: %w", id, err)
	}
	if _, err := tx.Exec(
		`UPDATE topics SET seq = MAX(seq, ?) WHERE name = ?`, seq, topic); err != nil {
		return false, fmt.Errorf("failed to advance topic seq: %w", err)
	}
	return true, tx.Commit()
}

// MsgSetStatus updates a message's delivery status.
func (s *SQLStore) MsgSetStatus(id int64, status DeliveryStatus) error {
	res, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, int(status), id)
	if err != nil {
		return fmt.Errorf("failed to set message status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MsgGet loads one message row by local id.
func (s *SQLStore) MsgGet(id int64) (*Message, error) {
	row := s.db.QueryRow(
		`SELECT id, topic, sender, ts, seq, status, head, content
		 FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// MsgGetBySeq loads a message by (topic, seq), soft-deleted rows included.
func (s *SQLStore) MsgGetBySeq(topic string, seq int) (*Message, error) {
	row := s.db.QueryRow(
		`SELECT id, topic, sender, ts, seq, status, head, content
		 FROM messages WHERE topic = ? AND seq = ?`, topic, seq)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// MsgList returns the topic's messages visible to normal reads.
func (s *SQLStore) MsgList(topic string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT m.id, m.topic, m.sender, m.ts, m.seq, m.status, m.head, m.content
		 FROM messages m JOIN topics t ON t.name = m.topic
		 WHERE m.topic = ? AND m.status != ?
		   AND (m.seq = 0 OR m.seq > t.clear)
		 ORDER BY m.seq = 0, m.seq, m.id`, topic, int(StatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MsgMarkToDelete soft-deletes confirmed rows with seq < before.
func (s *SQLStore) MsgMarkToDelete(topic string, before int) (int, error) {
	res, err := s.db.Exec(
		`UPDATE messages SET status = ?
		 WHERE topic = ? AND seq > 0 AND seq < ? AND status != ?`,
		int(StatusDeleted), topic, before, int(StatusDeleted))
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages deleted: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MsgDelete hard-deletes rows with seq < before.
func (s *SQLStore) MsgDelete(topic string, before int) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM messages WHERE topic = ? AND seq > 0 AND seq < ?`,
		topic, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SetRecv stores a member's recv marker if it advances; returns the
// previous value.
func (s *SQLStore) SetRecv(topic, user string, recv int) (int, error) {
	return s.setMarker(topic, user, recv, "recv")
}

// SetRead stores a member's read marker if it advances; returns the
// previous value.
func (s *SQLStore) SetRead(topic, user string, read int) (int, error) {
	return s.setMarker(topic, user, read, "read")
}

func (s *SQLStore) setMarker(topic, user string, seq int, col string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prev int
	err = tx.QueryRow(
		`SELECT `+col+` FROM subscriptions WHERE topic = ? AND user = ?`,
		topic, user).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		prev = 0
		if _, err := tx.Exec(
			`INSERT INTO subscriptions(topic, user, `+col+`) VALUES(?, ?, ?)`,
			topic, user, seq); err != nil {
			return 0, fmt.Errorf("failed to insert marker row: %w", err)
		}
	} else if err != nil {
		return 0, err
	} else if seq > prev {
		if _, err := tx.Exec(
			`UPDATE subscriptions SET `+col+` = ? WHERE topic = ? AND user = ?`,
			seq, topic, user); err != nil {
			return 0, fmt.Errorf("failed to advance marker: %w", err)
		}
	}

	// The cache owner's markers double as the topic's counters.
	if user == s.GetUid() {
		if _, err := tx.Exec(
			`UPDATE topics SET `+col+` = MAX(`+col+`, ?) WHERE name = ?`,
			seq, topic); err != nil {
			return 0, fmt.Errorf("failed to advance topic marker: %w", err)
		}
	}
	return prev, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTopic(row rowScanner) (*Topic, error) {
	t := &Topic{}
	var updated int64
	var attached int
	var public, private sql.NullString
	if err := row.Scan(&t.ID, &t.Name, &updated, &t.Seq, &t.Recv, &t.Read,
		&t.Clear, &t.Acs.Want, &t.Acs.Given, &public, &private, &attached); err != nil {
		return nil, err
	}
	t.UpdatedAt = time.Unix(0, updated)
	t.Attached = attached != 0
	t.Public = fromJSON(public)
	t.Private = fromJSON(private)
	return t, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	m := &Message{}
	var ts int64
	var status int
	var head, content sql.NullString
	if err := row.Scan(&m.ID, &m.Topic, &m.From, &ts, &m.SeqID,
		&status, &head, &content); err != nil {
		return nil, err
	}
	m.Ts = time.Unix(0, ts)
	m.Status = DeliveryStatus(status)
	if v := fromJSON(head); v != nil {
		if h, ok := v.(map[string]interface{}); ok {
			m.Head = h
		}
	}
	m.Content = fromJSON(content)
	return m, nil
}

func toJSON(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "toJSON",
			"error":    err,
		}).Warn("Failed to serialize blob, storing null")
		return nil
	}
	return string(data)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromJSON(s sql.NullString) interface{} {
	if !s.Valid || s.String == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil
	}
	return v
}

var _ Store = (*SQLStore)(nil)
var _ Store = (*MemStore)(nil)
