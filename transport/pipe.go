package transport

import (
	"io"
	"sync"

	"github.com/opd-ai/chatsync/wire"
)

// Pipe is an in-process Transport pair: envelopes sent on the client end
// appear on the server end and vice versa. Used by tests and local
// loopback setups.
//
// The two ends close independently. A locally closed pipe returns
// ErrClosed; a pipe whose far end went away returns io.EOF, the same
// distinction a network transport makes between Close and a dropped peer.
type Pipe struct {
	out chan *wire.ClientMsg
	in  chan *wire.ServerMsg

	mu         sync.Mutex
	closed     bool
	srvClosed  bool
	done       chan struct{}
	remoteDone chan struct{}
}

// ServerPipe is the far end of a Pipe: it reads client envelopes and
// writes server envelopes, playing the server's role.
type ServerPipe struct {
	p *Pipe
}

// NewPipe creates a connected transport pair with the given buffer depth.
func NewPipe(depth int) (*Pipe, *ServerPipe) {
	p := &Pipe{
		out:        make(chan *wire.ClientMsg, depth),
		in:         make(chan *wire.ServerMsg, depth),
		done:       make(chan struct{}),
		remoteDone: make(chan struct{}),
	}
	return p, &ServerPipe{p: p}
}

// Send delivers an envelope to the server end.
func (p *Pipe) Send(msg *wire.ClientMsg) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.remoteDone:
		return io.EOF
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.remoteDone:
		return io.EOF
	}
}

// Recv blocks until the server end sends an envelope or the pipe closes.
func (p *Pipe) Recv() (*wire.ServerMsg, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, ErrClosed
	case <-p.remoteDone:
		// Drain envelopes sent before the far end went away.
		select {
		case msg := <-p.in:
			return msg, nil
		default:
		}
		return nil, io.EOF
	}
}

// Close tears down the client end of the pipe.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

// Recv blocks until the client sends an envelope or the pipe closes.
func (s *ServerPipe) Recv() (*wire.ClientMsg, error) {
	select {
	case msg := <-s.p.out:
		return msg, nil
	case <-s.p.done:
		return nil, io.EOF
	case <-s.p.remoteDone:
		return nil, ErrClosed
	}
}

// TryRecv returns the next client envelope without blocking.
func (s *ServerPipe) TryRecv() (*wire.ClientMsg, bool) {
	select {
	case msg := <-s.p.out:
		return msg, true
	default:
		return nil, false
	}
}

// Send delivers a server envelope to the client end.
func (s *ServerPipe) Send(msg *wire.ServerMsg) error {
	select {
	case s.p.in <- msg:
		return nil
	case <-s.p.done:
		return io.EOF
	case <-s.p.remoteDone:
		return ErrClosed
	}
}

// Close tears down the server end, simulating a dropped connection: the
// client end starts reporting io.EOF.
func (s *ServerPipe) Close() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if !s.p.srvClosed {
		s.p.srvClosed = true
		close(s.p.remoteDone)
	}
	return nil
}

var _ Transport = (*Pipe)(nil)
var _ Transport = (*WSTransport)(nil)
