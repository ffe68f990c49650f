package ttesting

import (
	gonet "net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"badc0de.net/pkg/go-chatbridge/config"
	cnet "badc0de.net/pkg/go-chatbridge/net"
	"badc0de.net/pkg/go-chatbridge/protocol"
)

// Listen opens a loopback TCP listener closed at the end of the test.
func Listen(t testing.TB) gonet.Listener {
	t.Helper()
	l, err := gonet.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// AddressOf converts a listener address to a config.Address.
func AddressOf(t testing.TB, a gonet.Addr) config.Address {
	t.Helper()
	host, port, err := gonet.SplitHostPort(a.String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return config.Address{Hostname: host, Port: p}
}

// FreeAddress returns a loopback address nothing listens on right now.
func FreeAddress(t testing.TB) config.Address {
	t.Helper()
	l, err := gonet.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := AddressOf(t, l.Addr())
	l.Close()
	return addr
}

// Peer is a raw protocol endpoint driven by the test itself.
type Peer struct {
	t       testing.TB
	Conn    gonet.Conn
	Cryptor *cnet.Cryptor
}

// Dial connects a Peer to addr.
func Dial(t testing.TB, addr string, key string) *Peer {
	t.Helper()
	conn, err := gonet.DialTimeout("tcp", addr, Patience)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &Peer{t: t, Conn: conn, Cryptor: cnet.NewCryptor(key)}
}

// Accept waits for one connection on l.
func Accept(t testing.TB, l gonet.Listener, key string) *Peer {
	t.Helper()
	type result struct {
		conn gonet.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()
	r := Recv(t, ch, "incoming connection")
	require.NoError(t, r.err)
	t.Cleanup(func() { r.conn.Close() })
	return &Peer{t: t, Conn: r.conn, Cryptor: cnet.NewCryptor(key)}
}

// Send writes one frame carrying v.
func (p *Peer) Send(v interface{}) {
	p.t.Helper()
	p.Conn.SetWriteDeadline(time.Now().Add(Patience))
	require.NoError(p.t, cnet.WriteMessage(p.Conn, p.Cryptor, v))
}

// SendPayload wraps payload into a packet from sender and writes it.
func (p *Peer) SendPayload(sender string, receivers []string, broadcast bool, payload protocol.Payload) {
	p.t.Helper()
	packet, err := protocol.NewPacket(sender, receivers, broadcast, payload)
	require.NoError(p.t, err)
	p.Send(packet)
}

// Read reads one frame, returning the error instead of failing.
func (p *Peer) Read(timeout time.Duration) ([]byte, error) {
	return cnet.ReadMessage(p.Conn, p.Cryptor, timeout, timeout)
}

// Receive reads one frame and requires it to arrive.
func (p *Peer) Receive() []byte {
	p.t.Helper()
	data, err := p.Read(Patience)
	require.NoError(p.t, err)
	return data
}

// ReceivePacket reads the next packet, answering keep-alive pings on the way
// when pong is set and skipping other keep-alive traffic.
func (p *Peer) ReceivePacket(self string, pong bool) *protocol.Packet {
	p.t.Helper()
	for {
		packet, err := protocol.DecodePacket(p.Receive())
		require.NoError(p.t, err)
		if packet.Type != protocol.TypeKeepAlive {
			return packet
		}
		payload, err := protocol.DecodePayload(packet)
		require.NoError(p.t, err)
		if pong && payload.(*protocol.KeepAlivePayload).IsPing() {
			p.SendPayload(self, []string{packet.Sender}, false, protocol.KeepAlivePong())
		}
	}
}

// Login performs the client half of the handshake and returns the result.
func (p *Peer) Login(name, password string) *protocol.LoginResultPacket {
	p.t.Helper()
	p.Send(&protocol.LoginPacket{Name: name, Password: password})
	res, err := protocol.DecodeLoginResult(p.Receive())
	require.NoError(p.t, err)
	return res
}

// ExpectClosed requires the remote end to hang up. Frames still in flight
// are discarded.
func (p *Peer) ExpectClosed() {
	p.t.Helper()
	for {
		if _, err := p.Read(Patience); err != nil {
			require.ErrorIs(p.t, err, cnet.ErrEmptyContent)
			return
		}
	}
}
