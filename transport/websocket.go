package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/wire"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long to wait for the peer's pong before declaring
	// the connection dead.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WSTransport carries one JSON envelope per websocket text frame.
type WSTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	closed  sync.Once
}

// DialWS connects to a websocket endpoint and returns a Transport over it.
func DialWS(url string, header http.Header) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	t := &WSTransport{
		conn: conn,
		done: make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go t.pingLoop()

	logrus.WithFields(logrus.Fields{
		"function": "DialWS",
		"url":      url,
	}).Info("Websocket transport connected")

	return t, nil
}

// WSDialer returns a Dialer that opens a fresh websocket connection to
// url on every attempt.
func WSDialer(url string, header http.Header) Dialer {
	return DialerFunc(func() (Transport, error) {
		return DialWS(url, header)
	})
}

// Send writes one envelope as a JSON text frame.
func (t *WSTransport) Send(msg *wire.ClientMsg) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Recv reads the next envelope. Called only by the engine's reader
// goroutine.
func (t *WSTransport) Recv() (*wire.ServerMsg, error) {
	var msg wire.ServerMsg
	if err := t.conn.ReadJSON(&msg); err != nil {
		select {
		case <-t.done:
			return nil, ErrClosed
		default:
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return &msg, nil
}

// Close shuts the connection down. Safe to call more than once.
func (t *WSTransport) Close() error {
	var err error
	t.closed.Do(func() {
		close(t.done)

		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	return err
}

func (t *WSTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "pingLoop",
					"error":    err,
				}).Debug("Ping failed, closing transport")
				t.Close()
				return
			}
		case <-t.done:
			return
		}
	}
}
