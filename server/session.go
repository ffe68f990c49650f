package server

import (
	gonet "net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"badc0de.net/pkg/go-chatbridge/connection"
	"badc0de.net/pkg/go-chatbridge/login"
	"badc0de.net/pkg/go-chatbridge/protocol"
)

// Session is the server side of one client identity. At most one
// connection is bound to it at a time; a new login stops the previous one.
type Session struct {
	srv  *Server
	name string

	// mu serializes binding and stopping.
	mu   sync.Mutex
	conn atomic.Pointer[connection.Connection]
	done chan struct{}
}

func newSession(srv *Server, name string) *Session {
	return &Session{srv: srv, name: name}
}

func (s *Session) Name() string { return s.name }

func (s *Session) logName() string { return "server[" + s.name + "]" }

func (s *Session) IsOnline() bool {
	c := s.conn.Load()
	return c != nil && c.IsOnline()
}

// Ping returns the averaged keep-alive round trip, or -1 if unknown.
func (s *Session) Ping() time.Duration {
	c := s.conn.Load()
	if c == nil {
		return -1
	}
	return c.Ping()
}

func (s *Session) PingText() string { return connection.PingText(s.Ping()) }

// State returns the state of the current connection.
func (s *Session) State() connection.State {
	c := s.conn.Load()
	if c == nil {
		return connection.Stopped
	}
	return c.State()
}

// Stop disconnects the client and waits for its loops to end. Called from
// the session's own receive loop it only disconnects.
func (s *Session) Stop() {
	if c := s.conn.Load(); c != nil && c.InLoop() {
		glog.Errorf("%s: Stop called from the session's own loop; disconnecting without waiting", s.logName())
		c.Disconnect()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	c := s.conn.Load()
	if c == nil || c.IsStopped() {
		return
	}
	glog.Infof("%s: stopping", s.logName())
	c.Disconnect()
	<-s.done
}

// bind adopts a freshly logged in socket.
func (s *Session) bind(sock gonet.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsOnline() {
		glog.Infof("%s: logged in again from %s, dropping the previous connection", s.logName(), sock.RemoteAddr())
	}
	s.stopLocked()

	opts := s.srv.opts.Connection
	opts.KeepAliveTarget = s.name
	c := connection.New(protocol.ServerName, s.logName(), s.srv.cryptor, sessionHandler{s}, opts)

	if err := c.Attach(sock); err != nil {
		glog.Errorf("%s: %s", s.logName(), err)
		sock.Close()
		return
	}

	// Published before the client hears "ok", so that it is routable as
	// soon as its Start returns.
	done := make(chan struct{})
	s.conn.Store(c)
	s.done = done
	if err := c.GoOnline(login.Accepted()); err != nil {
		glog.Warningf("%s: sending login result: %s", s.logName(), err)
		c.Close()
		close(done)
		return
	}
	glog.Infof("%s: online from %s", s.logName(), sock.RemoteAddr())

	go func() {
		defer close(done)
		c.Run()
		c.Close()
		glog.Infof("%s: offline", s.logName())
	}()
}

// sessionHandler feeds a session's packets to the router. Packets whose
// sender is not the session's identity are dropped before anything else,
// keep-alive included.
type sessionHandler struct {
	s *Session
}

func (h sessionHandler) AcceptPacket(p *protocol.Packet) bool {
	if p.Sender != h.s.name {
		glog.Warningf("%s: dropping %s packet claiming to be from %q", h.s.logName(), p.Type, p.Sender)
		return false
	}
	return true
}

func (h sessionHandler) HandlePacket(p *protocol.Packet) {
	h.s.srv.route(h.s, p)
}
