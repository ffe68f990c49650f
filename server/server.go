// Package server implements the ChatBridge server: it authenticates clients
// and routes packets between them by name.
package server

import (
	gonet "net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"badc0de.net/pkg/go-chatbridge/config"
	"badc0de.net/pkg/go-chatbridge/connection"
	"badc0de.net/pkg/go-chatbridge/login"
	cnet "badc0de.net/pkg/go-chatbridge/net"
	"badc0de.net/pkg/go-chatbridge/protocol"
)

// StopWorkers is how many sessions Stop shuts down in parallel.
const StopWorkers = 8

// ErrUnknownClient is returned when a name has no session.
var ErrUnknownClient = errors.New("unknown client")

// Options tunes a Server.
type Options struct {
	// Connection is used for every session. KeepAliveTarget is overridden
	// with the name of the session's client.
	Connection connection.Options

	// LoginTimeout bounds the read of the login packet.
	LoginTimeout time.Duration
	// MaxLoginDuration is when the sweeper force-closes a socket that is
	// still logging in.
	MaxLoginDuration time.Duration
	// AcceptPoll is how often the accept loop checks whether to stop.
	AcceptPoll time.Duration

	// LoginFailureFeedback tells clients why their login failed, in generic
	// terms, instead of just hanging up.
	LoginFailureFeedback bool
}

func DefaultOptions() Options {
	return Options{
		Connection:       connection.DefaultOptions(),
		LoginTimeout:     15 * time.Second,
		MaxLoginDuration: 20 * time.Second,
		AcceptPoll:       time.Second,
	}
}

// Server accepts client connections and routes their packets.
type Server struct {
	cryptor *cnet.Cryptor
	addr    config.Address
	handler Handler
	opts    Options
	table   *login.Table

	mu       sync.RWMutex
	sessions map[string]*Session

	// runMu serializes Start and Stop.
	runMu    sync.Mutex
	running  atomic.Bool
	listener *gonet.TCPListener
	quit     chan struct{}
	wg       sync.WaitGroup

	pendingMu sync.Mutex
	stopping  bool
	pending   map[gonet.Conn]time.Time
}

// New creates a stopped server that will listen on addr.
func New(aesKey string, addr config.Address, h Handler, opts Options) *Server {
	if h == nil {
		h = NopHandler{}
	}
	return &Server{
		cryptor:  cnet.NewCryptor(aesKey),
		addr:     addr,
		handler:  h,
		opts:     opts,
		table:    login.NewTable(),
		sessions: make(map[string]*Session),
		pending:  make(map[gonet.Conn]time.Time),
	}
}

// FromConfig creates a server with every client of cfg added.
func FromConfig(cfg *config.ServerConfig, h Handler) (*Server, error) {
	opts := DefaultOptions()
	opts.LoginFailureFeedback = cfg.LoginFailureFeedback
	s := New(cfg.AESKey, cfg.Address(), h, opts)
	for _, info := range cfg.Clients {
		if err := s.AddClient(info); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddClient allows info to log in. Adding a known name updates its
// credentials; the session, if online, is kept.
func (s *Server) AddClient(info config.ClientInfo) error {
	if info.Name == "" || info.Name == protocol.ServerName {
		return errors.Errorf("invalid client name %q", info.Name)
	}
	s.table.Add(info)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[info.Name]; !ok {
		s.sessions[info.Name] = newSession(s, info.Name)
	}
	return nil
}

// Client returns the session of name, or nil.
func (s *Server) Client(name string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[name]
}

// Clients returns all sessions, online or not, sorted by name.
func (s *Server) Clients() []*Session {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name() < sessions[j].Name() })
	return sessions
}

// StopClient disconnects the named client. It may log in again.
func (s *Server) StopClient(name string) error {
	sess := s.Client(name)
	if sess == nil {
		return errors.Wrapf(ErrUnknownClient, "%q", name)
	}
	sess.Stop()
	return nil
}

func (s *Server) IsRunning() bool { return s.running.Load() }

// Addr returns the address the server listens on, or nil if it is stopped.
func (s *Server) Addr() gonet.Addr {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listening socket and starts accepting clients in the
// background.
func (s *Server) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running.Load() {
		glog.Warningf("server: already running")
		return nil
	}
	l, err := gonet.Listen("tcp", s.addr.String())
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.addr)
	}
	s.listener = l.(*gonet.TCPListener)
	s.quit = make(chan struct{})
	s.pendingMu.Lock()
	s.stopping = false
	s.pendingMu.Unlock()
	s.running.Store(true)

	glog.Infof("server: listening on %s", l.Addr())
	s.wg.Add(2)
	go s.accept(s.listener, s.quit)
	go s.sweep(s.quit)
	return nil
}

// Stop closes the listener and every connection, then waits for all of the
// server's goroutines. Stopping a stopped server only logs a warning.
func (s *Server) Stop() {
	if sess := s.loopSession(); sess != nil {
		glog.Errorf("%s: Stop called from the session's own loop; stopping in the background", sess.logName())
		go s.Stop()
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running.Load() {
		glog.Warningf("server: already stopped")
		return
	}
	glog.Infof("server: stopping")

	close(s.quit)
	s.listener.Close()

	s.pendingMu.Lock()
	s.stopping = true
	for conn := range s.pending {
		conn.Close()
	}
	s.pending = make(map[gonet.Conn]time.Time)
	s.pendingMu.Unlock()

	// Logins still in flight may bind sessions; let them finish first.
	s.wg.Wait()

	var g errgroup.Group
	g.SetLimit(StopWorkers)
	for _, sess := range s.Clients() {
		sess := sess
		g.Go(func() error {
			sess.Stop()
			return nil
		})
	}
	g.Wait()

	s.listener = nil
	s.running.Store(false)
	glog.Infof("server: stopped")
}

// loopSession returns the session whose receive loop the caller runs on, if
// any.
func (s *Server) loopSession() *Session {
	for _, sess := range s.Clients() {
		if c := sess.conn.Load(); c != nil && c.InLoop() {
			return sess
		}
	}
	return nil
}

// listener is the part of *net.TCPListener the accept loop uses.
type listener interface {
	Accept() (gonet.Conn, error)
	SetDeadline(t time.Time) error
}

func (s *Server) accept(l listener, quit <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-quit:
			return
		default:
		}

		l.SetDeadline(time.Now().Add(s.opts.AcceptPoll))
		conn, err := l.Accept()
		if err != nil {
			var ne gonet.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
			case errors.Is(err, gonet.ErrClosed):
				return
			default:
				glog.Errorf("server: accept: %s", err)
				select {
				case <-quit:
					return
				case <-time.After(s.opts.AcceptPoll):
				}
			}
			continue
		}

		glog.Infof("server: accepted connection from %s", conn.RemoteAddr())
		if !s.addPending(conn) {
			continue
		}
		s.wg.Add(1)
		go s.login(conn)
	}
}

func (s *Server) login(conn gonet.Conn) {
	defer s.wg.Done()

	info, err := login.Serve(conn, s.cryptor, s.table, login.Options{
		Timeout:  s.opts.LoginTimeout,
		Feedback: s.opts.LoginFailureFeedback,
	})
	if !s.removePending(conn) {
		// Swept or stopping; the socket is already closed.
		return
	}
	if err != nil {
		glog.Warningf("server: %s", err)
		return
	}

	sess := s.Client(info.Name)
	if sess == nil {
		glog.Errorf("server: %q logged in but has no session", info.Name)
		conn.Close()
		return
	}
	sess.bind(conn)
}

func (s *Server) addPending(conn gonet.Conn) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if s.stopping {
		conn.Close()
		return false
	}
	s.pending[conn] = time.Now()
	return true
}

// removePending reports whether conn was still pending, that is whether it
// is still the caller's to use.
func (s *Server) removePending(conn gonet.Conn) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if _, ok := s.pending[conn]; !ok {
		return false
	}
	delete(s.pending, conn)
	return true
}

// sweep force-closes sockets stuck in the login phase.
func (s *Server) sweep(quit <-chan struct{}) {
	defer s.wg.Done()

	interval := s.opts.MaxLoginDuration / 4
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-quit:
			return
		case now := <-t.C:
			s.pendingMu.Lock()
			for conn, since := range s.pending {
				if now.Sub(since) > s.opts.MaxLoginDuration {
					glog.Warningf("server: %s did not log in within %s, closing", conn.RemoteAddr(), s.opts.MaxLoginDuration)
					conn.Close()
					delete(s.pending, conn)
				}
			}
			s.pendingMu.Unlock()
		}
	}
}
