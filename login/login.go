// Package login implements the server half of the ChatBridge login
// handshake.
//
// A freshly accepted socket must present a single LoginPacket within the
// login timeout. Its name and password are checked against a Table of known
// client identities.
package login

import (
	gonet "net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-chatbridge/config"
	cnet "badc0de.net/pkg/go-chatbridge/net"
	"badc0de.net/pkg/go-chatbridge/protocol"
)

// ErrAuthFailed is returned for an unknown name as well as for a wrong
// password, so that a peer cannot probe which names exist.
var ErrAuthFailed = errors.New("login failed")

// Table holds the identities allowed to log in.
type Table struct {
	mu      sync.RWMutex
	clients map[string]config.ClientInfo
}

func NewTable() *Table {
	return &Table{clients: make(map[string]config.ClientInfo)}
}

// Add registers info, replacing any identity of the same name.
func (t *Table) Add(info config.ClientInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[info.Name] = info
}

func (t *Table) Lookup(name string) (config.ClientInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.clients[name]
	return info, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Authenticate checks the credentials carried by p.
func (t *Table) Authenticate(p *protocol.LoginPacket) (config.ClientInfo, error) {
	info, ok := t.Lookup(p.Name)
	if !ok {
		// Still burn a comparison so that both failures cost about the same.
		config.ClientInfo{}.Verify(p.Password)
		return config.ClientInfo{}, ErrAuthFailed
	}
	if !info.Verify(p.Password) {
		return config.ClientInfo{}, ErrAuthFailed
	}
	return info, nil
}

// Options tunes Serve.
type Options struct {
	// Timeout bounds the whole handshake read.
	Timeout time.Duration
	// Feedback sends a LoginResultPacket with a generic reason before the
	// socket is closed on failure. Otherwise the socket is closed silently.
	Feedback bool
}

// Serve reads and authenticates the LoginPacket of a new connection.
//
// On success the socket is left open with its deadlines cleared, and the
// matched identity is returned; sending the "ok" result is up to whoever
// adopts the socket. On failure the socket has been closed.
func Serve(conn gonet.Conn, c *cnet.Cryptor, table *Table, opts Options) (config.ClientInfo, error) {
	remote := conn.RemoteAddr()

	p := &protocol.LoginPacket{}
	data, err := cnet.ReadMessage(conn, c, opts.Timeout, opts.Timeout)
	if err == nil {
		p, err = protocol.DecodeLogin(data)
	}
	if err != nil {
		glog.Warningf("login from %s: could not read login packet: %s", remote, err)
		reject(conn, c, opts, "bad login packet")
		return config.ClientInfo{}, errors.Wrapf(err, "login from %s", remote)
	}

	info, err := table.Authenticate(p)
	if err != nil {
		glog.Warningf("login from %s: rejected login of %q", remote, p.Name)
		reject(conn, c, opts, "invalid name or password")
		return config.ClientInfo{}, errors.Wrapf(err, "login from %s as %q", remote, p.Name)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return config.ClientInfo{}, errors.Wrapf(err, "login from %s", remote)
	}
	glog.Infof("login from %s: accepted %q", remote, info.Name)
	return info, nil
}

func reject(conn gonet.Conn, c *cnet.Cryptor, opts Options, reason string) {
	defer conn.Close()
	if !opts.Feedback {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := cnet.WriteMessage(conn, c, Rejected(reason)); err != nil {
		glog.V(2).Infof("login from %s: writing rejection: %s", conn.RemoteAddr(), err)
	}
}
