// Package client implements a ChatBridge client: a named peer that logs in to
// a server and exchanges chat, command and custom packets with the other
// clients through it.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/petermattis/goid"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-chatbridge/config"
	"badc0de.net/pkg/go-chatbridge/connection"
	cnet "badc0de.net/pkg/go-chatbridge/net"
	"badc0de.net/pkg/go-chatbridge/protocol"
)

// ErrLoginRejected is returned by Start when the server answered the login
// with anything but "ok".
var ErrLoginRejected = errors.New("login rejected")

type options struct {
	conn        connection.Options
	dialTimeout time.Duration
}

// Option customizes a Client.
type Option func(*options)

// WithConnectionOptions replaces the connection timeouts.
func WithConnectionOptions(o connection.Options) Option {
	return func(opts *options) { opts.conn = o }
}

// WithDialTimeout bounds how long connecting to the server may take.
func WithDialTimeout(d time.Duration) Option {
	return func(opts *options) { opts.dialTimeout = d }
}

// Client is a ChatBridge client. Its methods are safe for concurrent use.
type Client struct {
	info    config.ClientInfo
	handler Handler
	opts    options
	conn    *connection.Connection

	addrMu sync.RWMutex
	addr   config.Address

	// runMu serializes Start and Stop.
	runMu sync.Mutex
	done  chan struct{}
	loop  atomic.Int64
}

// New creates a stopped client logging in as info to the server at addr.
func New(info config.ClientInfo, aesKey string, addr config.Address, h Handler, opts ...Option) *Client {
	o := options{
		conn:        connection.DefaultOptions(),
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if h == nil {
		h = NopHandler{}
	}
	o.conn.KeepAliveTarget = protocol.ServerName

	c := &Client{
		info:    info,
		handler: h,
		opts:    o,
		addr:    addr,
	}
	c.conn = connection.New(info.Name, "client["+info.Name+"]", cnet.NewCryptor(aesKey), connection.HandlerFunc(c.dispatch), o.conn)
	return c
}

// FromConfig creates a client from a loaded configuration file.
func FromConfig(cfg *config.ClientConfig, h Handler, opts ...Option) *Client {
	return New(cfg.ClientInfo(), cfg.AESKey, cfg.ServerAddress(), h, opts...)
}

func (c *Client) Name() string { return c.info.Name }

func (c *Client) ServerAddress() config.Address {
	c.addrMu.RLock()
	defer c.addrMu.RUnlock()
	return c.addr
}

// SetServerAddress changes the server used by the next Start.
func (c *Client) SetServerAddress(addr config.Address) {
	c.addrMu.Lock()
	defer c.addrMu.Unlock()
	c.addr = addr
}

func (c *Client) State() connection.State { return c.conn.State() }
func (c *Client) IsOnline() bool          { return c.conn.IsOnline() }

// IsRunning reports whether the client is anywhere between Start and the end
// of its main loop.
func (c *Client) IsRunning() bool { return !c.conn.IsStopped() }

// Ping returns the averaged keep-alive round trip, or -1 if unknown.
func (c *Client) Ping() time.Duration { return c.conn.Ping() }
func (c *Client) PingText() string    { return c.conn.PingText() }

func (c *Client) logName() string { return c.conn.LogName() }

func (c *Client) inLoop() bool {
	id := c.loop.Load()
	return id != 0 && id == goid.Get()
}

// Start connects and logs in. It returns once the client is online, or with
// the error that left it stopped.
func (c *Client) Start() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.IsRunning() {
		glog.Warningf("%s: already running", c.logName())
		return nil
	}
	glog.Infof("%s: starting", c.logName())
	c.conn.SetState(connection.Starting)

	started := make(chan error, 1)
	c.done = make(chan struct{})
	go c.main(started, c.done)
	return <-started
}

// Stop disconnects and waits for the client to become STOPPED. Stopping a
// stopped client only logs a warning.
//
// When called from a Handler the client is disconnected but not waited for,
// as that would wait for the caller itself.
func (c *Client) Stop() {
	if c.inLoop() {
		glog.Errorf("%s: Stop called from the client's own loop; disconnecting without waiting", c.logName())
		c.conn.Disconnect()
		return
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !c.IsRunning() {
		glog.Warningf("%s: already stopped", c.logName())
		return
	}
	glog.Infof("%s: stopping", c.logName())
	c.conn.Disconnect()
	<-c.done
	glog.Infof("%s: stopped", c.logName())
}

func (c *Client) Restart() error {
	glog.Infof("%s: restarting", c.logName())
	c.Stop()
	return c.Start()
}

func (c *Client) main(started chan<- error, done chan struct{}) {
	c.loop.Store(goid.Get())

	if err := c.login(); err != nil {
		glog.Errorf("%s: %s", c.logName(), err)
		// STOPPED before Start returns, so that it can be retried at once.
		c.loop.Store(0)
		c.conn.Close()
		close(done)
		started <- err
		return
	}

	defer close(done)
	defer c.conn.Close()
	defer c.loop.Store(0)
	c.conn.SetState(connection.Online)
	glog.Infof("%s: online as %q at %s", c.logName(), c.Name(), c.ServerAddress())
	started <- nil

	c.safely("OnStarted", func() { c.handler.OnStarted(c) })
	c.conn.Run()
	c.safely("OnStopped", func() { c.handler.OnStopped(c) })
}

func (c *Client) login() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.dialTimeout)
	defer cancel()

	if err := c.conn.Connect(ctx, c.ServerAddress().String()); err != nil {
		return err
	}
	if err := c.conn.SendMessage(&protocol.LoginPacket{Name: c.info.Name, Password: c.info.Password}); err != nil {
		return errors.Wrap(err, "sending login")
	}
	data, err := c.conn.Receive()
	if err != nil {
		return errors.Wrap(err, "waiting for login result")
	}
	res, err := protocol.DecodeLoginResult(data)
	if err != nil {
		return errors.Wrap(err, "reading login result")
	}
	if !res.OK() {
		return errors.Wrapf(ErrLoginRejected, "server says %q", res.Message)
	}
	return nil
}

func (c *Client) dispatch(p *protocol.Packet) {
	payload, err := protocol.DecodePayload(p)
	if errors.Is(err, protocol.ErrUnknownType) {
		glog.Warningf("%s: unknown packet type %q from %s", c.logName(), p.Type, p.Sender)
		c.handler.OnUnknown(c, p)
		return
	}
	if err != nil {
		glog.Warningf("%s: dropping packet from %s: %s", c.logName(), p.Sender, err)
		return
	}

	switch pl := payload.(type) {
	case *protocol.KeepAlivePayload:
		// Answered by the connection.
	case *protocol.ChatPayload:
		c.handler.OnChat(c, p.Sender, pl)
	case *protocol.CommandPayload:
		c.handler.OnCommand(c, p.Sender, pl)
	case *protocol.CustomPayload:
		c.handler.OnCustom(c, p.Sender, pl)
	}
}

func (c *Client) safely(hook string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("%s: panic in %s: %v", c.logName(), hook, r)
		}
	}()
	f()
}
