package connection

import (
	"context"
	gonet "net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/petermattis/goid"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"

	cnet "badc0de.net/pkg/go-chatbridge/net"
	"badc0de.net/pkg/go-chatbridge/protocol"
)

// ErrNotConnected is returned when a message has to be written or read but
// the connection has no socket.
var ErrNotConnected = errors.New("not connected")

// Options tunes the timeouts of a Connection.
type Options struct {
	// ReceiveTimeout bounds how long one receive loop iteration waits for a
	// frame to start arriving.
	ReceiveTimeout time.Duration
	// BodyTimeout bounds how long the rest of a started frame may take.
	BodyTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	KeepAliveInterval time.Duration
	// KeepAliveJitter randomizes the interval by up to this much in either
	// direction so that clients started together do not ping in lockstep.
	KeepAliveJitter  time.Duration
	KeepAliveTimeout time.Duration
	// KeepAliveTarget receives the pings. Defaults to protocol.ServerName.
	KeepAliveTarget string
}

// DefaultOptions returns the timeouts used unless configured otherwise.
func DefaultOptions() Options {
	return Options{
		ReceiveTimeout:    10 * time.Second,
		BodyTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		KeepAliveInterval: 60 * time.Second,
		KeepAliveJitter:   5 * time.Second,
		KeepAliveTimeout:  15 * time.Second,
		KeepAliveTarget:   protocol.ServerName,
	}
}

// Handler receives the packets read by a Connection. Keep-alive packets have
// already been answered when they reach the handler.
//
// HandlePacket runs on the connection's receive loop; it must not call Stop
// on whatever owns the connection and wait for it.
type Handler interface {
	HandlePacket(p *protocol.Packet)
}

// PacketFilter may be implemented by a Handler to reject packets before the
// connection looks at them, keep-alive packets included.
type PacketFilter interface {
	AcceptPacket(p *protocol.Packet) bool
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(p *protocol.Packet)

func (f HandlerFunc) HandlePacket(p *protocol.Packet) { f(p) }

// Connection is one encrypted channel to a peer.
type Connection struct {
	name    string
	logName string
	cryptor *cnet.Cryptor
	opts    Options
	handler Handler

	state atomic.Int32

	// sockMu guards sock and hangup, and is held for the whole of a frame
	// write so that a write never interleaves with a close.
	sockMu sync.Mutex
	sock   gonet.Conn
	hangup chan struct{}

	evMu   sync.Mutex
	events trace.EventLog

	pong  chan struct{}
	pings PingWindow

	loop atomic.Int64
}

// New creates a stopped Connection. Packets it sends carry name as their
// sender; logName prefixes its log lines.
func New(name, logName string, cryptor *cnet.Cryptor, handler Handler, opts Options) *Connection {
	if opts.KeepAliveTarget == "" {
		opts.KeepAliveTarget = protocol.ServerName
	}
	return &Connection{
		name:    name,
		logName: logName,
		cryptor: cryptor,
		opts:    opts,
		handler: handler,
		pong:    make(chan struct{}, 1),
	}
}

func (c *Connection) Name() string     { return c.name }
func (c *Connection) LogName() string  { return c.logName }
func (c *Connection) Options() Options { return c.opts }

// --------------
//     State
// --------------

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) SetState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		glog.V(1).Infof("%s: state %s -> %s", c.logName, old, s)
		c.eventf("state %s -> %s", old, s)
	}
}

func (c *Connection) IsOnline() bool  { return c.State() == Online }
func (c *Connection) IsStopped() bool { return c.State() == Stopped }

// IsConnected reports whether the connection has a usable socket.
func (c *Connection) IsConnected() bool {
	s := c.State()
	return s == Connected || s == Online
}

// InLoop reports whether the caller runs on this connection's receive loop.
func (c *Connection) InLoop() bool {
	id := c.loop.Load()
	return id != 0 && id == goid.Get()
}

// Ping returns the average keep-alive round trip time, or -1 if unknown.
func (c *Connection) Ping() time.Duration {
	return c.pings.Average()
}

func (c *Connection) PingText() string {
	return PingText(c.Ping())
}

// --------------
//   Connection
// --------------

// Connect dials addr. The state moves to CONNECTING and then to CONNECTED on
// success or DISCONNECTED on failure.
func (c *Connection) Connect(ctx context.Context, addr string) error {
	c.SetState(Connecting)
	glog.Infof("%s: connecting to %s", c.logName, addr)

	var d gonet.Dialer
	sock, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.SetState(Disconnected)
		return errors.Wrapf(err, "connecting to %s", addr)
	}
	if err := c.Attach(sock); err != nil {
		sock.Close()
		c.SetState(Disconnected)
		return err
	}
	return nil
}

// Attach adopts an already connected socket and moves to CONNECTED.
func (c *Connection) Attach(sock gonet.Conn) error {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()

	if c.sock != nil {
		return errors.New("already connected")
	}
	c.sock = sock
	c.hangup = make(chan struct{})

	c.evMu.Lock()
	c.events = trace.NewEventLog("chatbridge.Connection", c.logName+" "+sock.RemoteAddr().String())
	c.evMu.Unlock()

	c.SetState(Connected)
	return nil
}

// Disconnect closes the socket, if any. A STOPPED connection stays STOPPED,
// any other moves to DISCONNECTED. It is safe to call repeatedly and from any
// goroutine.
func (c *Connection) Disconnect() {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()

	if !c.IsStopped() {
		c.SetState(Disconnected)
	}
	if c.sock == nil {
		return
	}
	if err := c.sock.Close(); err != nil {
		glog.V(2).Infof("%s: closing socket: %s", c.logName, err)
	}
	c.sock = nil
	close(c.hangup)

	c.evMu.Lock()
	if c.events != nil {
		c.events.Finish()
		c.events = nil
	}
	c.evMu.Unlock()
}

// Close disconnects and moves to STOPPED.
func (c *Connection) Close() {
	c.Disconnect()
	c.SetState(Stopped)
}

// hangupChan returns a channel closed when the current socket goes away.
func (c *Connection) hangupChan() <-chan struct{} {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()

	if c.hangup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.hangup
}

func (c *Connection) eventf(format string, args ...interface{}) {
	c.evMu.Lock()
	defer c.evMu.Unlock()

	if c.events != nil {
		c.events.Printf(format, args...)
	}
}

func (c *Connection) errorf(format string, args ...interface{}) {
	c.evMu.Lock()
	defer c.evMu.Unlock()

	if c.events != nil {
		c.events.Errorf(format, args...)
	}
}

// --------------
//    Sending
// --------------

// SendMessage frames and writes v. Write errors are returned and the caller
// is expected to disconnect.
func (c *Connection) SendMessage(v interface{}) error {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()

	if c.sock == nil {
		return ErrNotConnected
	}
	return c.writeLocked(v)
}

// GoOnline moves to ONLINE and writes v, the login result, as the first
// message of the session. The socket stays locked in between so that no
// packet sent by another goroutine can overtake v.
func (c *Connection) GoOnline(v interface{}) error {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()

	if c.sock == nil {
		return ErrNotConnected
	}
	c.SetState(Online)
	return c.writeLocked(v)
}

// writeLocked must be called with sockMu held and sock set.
func (c *Connection) writeLocked(v interface{}) error {
	if c.opts.WriteTimeout > 0 {
		c.sock.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := cnet.WriteMessage(c.sock, c.cryptor, v); err != nil {
		c.errorf("write: %s", err)
		return err
	}
	return nil
}

// SendPacket writes p. Sending while not connected only logs a warning.
func (c *Connection) SendPacket(p *protocol.Packet) error {
	if !c.IsConnected() {
		glog.Warningf("%s: trying to send a packet when not connected", c.logName)
		return nil
	}
	glog.V(2).Infof("%s: sending %s", c.logName, p)
	err := c.SendMessage(p)
	if errors.Is(err, ErrNotConnected) {
		glog.Warningf("%s: trying to send a packet when not connected", c.logName)
		return nil
	}
	return err
}

// SendTo sends payload to the named receivers.
func (c *Connection) SendTo(receivers []string, payload protocol.Payload) error {
	p, err := protocol.NewPacket(c.name, receivers, false, payload)
	if err != nil {
		return err
	}
	return c.SendPacket(p)
}

// SendToAll broadcasts payload.
func (c *Connection) SendToAll(payload protocol.Payload) error {
	p, err := protocol.NewPacket(c.name, nil, true, payload)
	if err != nil {
		return err
	}
	return c.SendPacket(p)
}

// --------------
//   Receiving
// --------------

// Receive reads one frame, waiting at most ReceiveTimeout for it to start.
func (c *Connection) Receive() ([]byte, error) {
	c.sockMu.Lock()
	sock := c.sock
	c.sockMu.Unlock()

	if sock == nil {
		return nil, ErrNotConnected
	}
	return cnet.ReadMessage(sock, c.cryptor, c.opts.ReceiveTimeout, c.opts.BodyTimeout)
}

// Tick runs one iteration of the receive loop.
//
// An idle timeout returns nil so the loop can re-check its condition. So do
// frames that cannot be decoded: they are logged and dropped. When the peer
// hung up or the socket failed the connection is disconnected and the error
// returned, meaning the loop should end.
func (c *Connection) Tick() error {
	data, err := c.Receive()
	switch {
	case err == nil:
	case errors.Is(err, cnet.ErrTimeout):
		return nil
	case cnet.IsDecodeError(err):
		glog.Warningf("%s: dropping undecodable frame: %s", c.logName, err)
		c.errorf("undecodable frame: %s", err)
		return nil
	case !c.IsConnected():
		// Disconnected from elsewhere while we were reading.
		return err
	case cnet.IsEmptyContent(err):
		glog.Warningf("%s: connection closed: %s", c.logName, err)
		c.Disconnect()
		return err
	default:
		glog.Errorf("%s: failed to receive data: %s", c.logName, err)
		c.errorf("receive: %s", err)
		c.Disconnect()
		return err
	}

	packet, err := protocol.DecodePacket(data)
	if err != nil {
		glog.Warningf("%s: dropping malformed packet %s: %s", c.logName, data, err)
		c.errorf("malformed packet: %s", err)
		return nil
	}
	glog.V(2).Infof("%s: received %s", c.logName, packet)
	c.dispatch(packet)
	return nil
}

func (c *Connection) dispatch(p *protocol.Packet) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("%s: panic while processing packet %s: %v", c.logName, p, r)
		}
	}()

	if f, ok := c.handler.(PacketFilter); ok && !f.AcceptPacket(p) {
		return
	}
	if p.Type == protocol.TypeKeepAlive {
		payload, err := protocol.DecodePayload(p)
		if err != nil {
			glog.Warningf("%s: bad keep-alive packet from %s: %s", c.logName, p.Sender, err)
			return
		}
		c.onKeepAlive(p.Sender, payload.(*protocol.KeepAlivePayload))
	}
	if c.handler != nil {
		c.handler.HandlePacket(p)
	}
}

// Run serves an ONLINE connection: it runs the keep-alive loop and the
// receive loop until the connection is disconnected, then waits for the
// keep-alive loop to exit.
func (c *Connection) Run() {
	c.loop.Store(goid.Get())
	defer c.loop.Store(0)

	c.pings.Reset()
	hangup := c.hangupChan()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAlive(hangup)
	}()

	for c.IsOnline() {
		if err := c.Tick(); err != nil {
			break
		}
	}
	c.Disconnect()

	glog.V(1).Infof("%s: joining keep alive loop", c.logName)
	wg.Wait()
	glog.V(1).Infof("%s: joined keep alive loop", c.logName)
}
