package server

import (
	"context"
	gonet "net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"badc0de.net/pkg/go-chatbridge/client"
	"badc0de.net/pkg/go-chatbridge/config"
	"badc0de.net/pkg/go-chatbridge/connection"
	cnet "badc0de.net/pkg/go-chatbridge/net"
	"badc0de.net/pkg/go-chatbridge/protocol"
	"badc0de.net/pkg/go-chatbridge/ttesting"
)

const testKey = "ThisIstheSecret"

var testClients = []config.ClientInfo{
	{Name: "s1", Password: "pw1"},
	{Name: "s2", Password: "pw2"},
	{Name: "s3", Password: "pw3"},
}

type serverRecorder struct {
	NopHandler
	packets chan *protocol.Packet
	chats   chan *protocol.ChatPayload
	cmds    chan *protocol.CommandPayload
}

func newServerRecorder() *serverRecorder {
	return &serverRecorder{
		packets: make(chan *protocol.Packet, 16),
		chats:   make(chan *protocol.ChatPayload, 16),
		cmds:    make(chan *protocol.CommandPayload, 16),
	}
}

func (r *serverRecorder) OnPacket(s *Server, p *protocol.Packet) { r.packets <- p }

func (r *serverRecorder) OnChat(s *Server, sender string, p *protocol.ChatPayload) { r.chats <- p }

func (r *serverRecorder) OnCommand(s *Server, sender string, p *protocol.CommandPayload) {
	r.cmds <- p
	if !p.Responded {
		s.ReplyCommand(sender, p, map[string]interface{}{"from": "server"})
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Connection = testConnectionOptions()
	opts.LoginTimeout = time.Second
	opts.AcceptPoll = 50 * time.Millisecond
	return opts
}

func testConnectionOptions() connection.Options {
	opts := connection.DefaultOptions()
	opts.ReceiveTimeout = 200 * time.Millisecond
	opts.KeepAliveInterval = time.Hour
	opts.KeepAliveJitter = 0
	return opts
}

func startServer(t *testing.T, addr config.Address, h Handler, opts Options) *Server {
	t.Helper()
	s := New(testKey, addr, h, opts)
	for _, info := range testClients {
		require.NoError(t, s.AddClient(info))
	}
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		if s.IsRunning() {
			s.Stop()
		}
	})
	return s
}

func newServer(t *testing.T, h Handler) *Server {
	t.Helper()
	return startServer(t, config.Address{Hostname: "127.0.0.1", Port: 0}, h, testOptions())
}

// loggedIn returns a raw peer logged in as name.
func loggedIn(t *testing.T, s *Server, name, password string) *ttesting.Peer {
	t.Helper()
	peer := ttesting.Dial(t, s.Addr().String(), testKey)
	require.True(t, peer.Login(name, password).OK())
	require.True(t, s.Client(name).IsOnline(), name+" online once the login is answered")
	return peer
}

// expectNothing requires that only keep-alive traffic arrives for a while.
func expectNothing(t *testing.T, peer *ttesting.Peer) {
	t.Helper()
	for {
		data, err := peer.Read(200 * time.Millisecond)
		if errors.Is(err, cnet.ErrTimeout) {
			return
		}
		require.NoError(t, err)
		p, err := protocol.DecodePacket(data)
		require.NoError(t, err)
		require.Equal(t, protocol.TypeKeepAlive, p.Type, "unexpected packet %s", p)
	}
}

func chatOf(t *testing.T, p *protocol.Packet) *protocol.ChatPayload {
	t.Helper()
	payload, err := protocol.DecodePayload(p)
	require.NoError(t, err)
	return payload.(*protocol.ChatPayload)
}

type clientRecorder struct {
	client.NopHandler
	started chan struct{}
	chats   chan string
	cmds    chan *protocol.CommandPayload
}

func newClientRecorder() *clientRecorder {
	return &clientRecorder{
		started: make(chan struct{}, 4),
		chats:   make(chan string, 4),
		cmds:    make(chan *protocol.CommandPayload, 4),
	}
}

func (r *clientRecorder) OnStarted(*client.Client) { r.started <- struct{}{} }

func (r *clientRecorder) OnChat(c *client.Client, sender string, p *protocol.ChatPayload) {
	r.chats <- sender + ": " + p.Message
}

func (r *clientRecorder) OnCommand(c *client.Client, sender string, p *protocol.CommandPayload) {
	if !p.Responded {
		c.ReplyCommand(sender, p, map[string]interface{}{"pong": true})
	}
	r.cmds <- p
}

func newClient(t *testing.T, s *Server, info config.ClientInfo, h client.Handler) *client.Client {
	t.Helper()
	c := client.New(info, testKey, ttesting.AddressOf(t, s.Addr()), h,
		client.WithConnectionOptions(testConnectionOptions()))
	t.Cleanup(func() {
		if c.IsRunning() {
			c.Stop()
		}
	})
	return c
}

func TestLogin(t *testing.T) {
	s := newServer(t, nil)
	c := newClient(t, s, testClients[0], nil)

	require.NoError(t, c.Start())
	assert.True(t, c.IsOnline())
	assert.True(t, s.Client("s1").IsOnline(), "s1 online on the server when Start returns")
	assert.False(t, s.Client("s2").IsOnline())
}

func TestChatBetweenClients(t *testing.T) {
	s := newServer(t, nil)
	rec := newClientRecorder()
	a := newClient(t, s, testClients[0], nil)
	b := newClient(t, s, testClients[1], rec)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	ttesting.Eventually(t, s.Client("s2").IsOnline, "s2 online")

	require.NoError(t, a.SendChat("s2", "hello", ""))
	assert.Equal(t, "s1: hello", ttesting.Recv(t, rec.chats, "chat"))

	require.NoError(t, a.BroadcastChat("everyone", "Steve"))
	assert.Equal(t, "s1: everyone", ttesting.Recv(t, rec.chats, "broadcast chat"))
}

func TestCommandBetweenClients(t *testing.T) {
	s := newServer(t, nil)
	recA, recB := newClientRecorder(), newClientRecorder()
	a := newClient(t, s, testClients[0], recA)
	b := newClient(t, s, testClients[1], recB)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	ttesting.Eventually(t, s.Client("s2").IsOnline, "s2 online")

	ask, err := a.SendCommand("s2", "!!ping", map[string]interface{}{})
	require.NoError(t, err)

	req := ttesting.Recv(t, recB.cmds, "request at s2")
	assert.False(t, req.Responded)
	assert.Equal(t, ask.CID, req.CID)

	res := ttesting.Recv(t, recA.cmds, "response at s1")
	assert.True(t, res.Responded)
	assert.Equal(t, ask.CID, res.CID)
	assert.Equal(t, map[string]interface{}{"pong": true}, res.Result)
}

func TestClientReconnects(t *testing.T) {
	addr := ttesting.FreeAddress(t)
	s := startServer(t, addr, nil, testOptions())
	rec := newClientRecorder()
	c := newClient(t, s, testClients[0], rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Guard(ctx, 50*time.Millisecond)
	ttesting.Recv(t, rec.started, "first login")

	// Kicked by the server.
	require.NoError(t, s.StopClient("s1"))
	ttesting.Recv(t, rec.started, "login after kick")
	ttesting.Eventually(t, s.Client("s1").IsOnline, "s1 back online")

	// Whole server restarted.
	s.Stop()
	require.NoError(t, s.Start())
	ttesting.Recv(t, rec.started, "login after server restart")
	ttesting.Eventually(t, s.Client("s1").IsOnline, "s1 back online")
	assert.True(t, c.IsOnline())
}

func TestBroadcastRouting(t *testing.T) {
	rec := newServerRecorder()
	s := newServer(t, rec)
	p1 := loggedIn(t, s, "s1", "pw1")
	p2 := loggedIn(t, s, "s2", "pw2")
	p3 := loggedIn(t, s, "s3", "pw3")

	p1.SendPayload("s1", nil, true, &protocol.ChatPayload{Message: "to all"})

	for name, p := range map[string]*ttesting.Peer{"s2": p2, "s3": p3} {
		got := p.ReceivePacket(name, true)
		assert.Equal(t, "s1", got.Sender)
		assert.True(t, got.Broadcast)
		assert.Equal(t, "to all", chatOf(t, got).Message)
	}
	assert.Equal(t, "to all", ttesting.Recv(t, rec.chats, "chat at the server").Message)
	expectNothing(t, p1)
}

func TestDirectedRouting(t *testing.T) {
	rec := newServerRecorder()
	s := newServer(t, rec)
	p1 := loggedIn(t, s, "s1", "pw1")
	p2 := loggedIn(t, s, "s2", "pw2")

	// Duplicates collapse, the sender is skipped, unknown and offline
	// receivers are dropped.
	p1.SendPayload("s1", []string{"s2", "s2", "s1", "nobody", "s3", protocol.ServerName}, false, &protocol.ChatPayload{Message: "hi"})

	got := p2.ReceivePacket("s2", true)
	assert.Equal(t, "hi", chatOf(t, got).Message)
	assert.Equal(t, "hi", ttesting.Recv(t, rec.chats, "chat at the server").Message)
	expectNothing(t, p2)
	expectNothing(t, p1)
	ttesting.NoRecv(t, rec.chats, 50*time.Millisecond, "second chat at the server")
}

func TestServerHandlerSeesEveryPacket(t *testing.T) {
	rec := newServerRecorder()
	s := newServer(t, rec)
	p1 := loggedIn(t, s, "s1", "pw1")

	p1.SendPayload("s1", []string{protocol.ServerName}, false, protocol.Ask("!!status", nil))
	p := ttesting.Recv(t, rec.packets, "packet at the server")
	assert.Equal(t, protocol.TypeCommand, p.Type)
	ask := ttesting.Recv(t, rec.cmds, "command at the server")

	got := p1.ReceivePacket("s1", true)
	assert.Equal(t, protocol.ServerName, got.Sender)
	payload, err := protocol.DecodePayload(got)
	require.NoError(t, err)
	answer := payload.(*protocol.CommandPayload)
	assert.Equal(t, ask.CID, answer.CID)
	assert.Equal(t, "server", answer.Result["from"])

	p1.Send(&protocol.Packet{Sender: "s1", Receivers: []string{protocol.ServerName}, Type: "chatbridge.future", Payload: []byte(`{}`)})
	assert.Equal(t, "chatbridge.future", ttesting.Recv(t, rec.packets, "unknown packet at the server").Type)
}

func TestSenderMismatchIsDropped(t *testing.T) {
	s := newServer(t, nil)
	p1 := loggedIn(t, s, "s1", "pw1")
	p2 := loggedIn(t, s, "s2", "pw2")

	p1.SendPayload("s3", []string{"s2"}, false, &protocol.ChatPayload{Message: "spoofed"})
	expectNothing(t, p2)
	assert.True(t, s.Client("s1").IsOnline())
}

func TestSpoofedKeepAliveIsNotAnswered(t *testing.T) {
	s := newServer(t, nil)
	p1 := loggedIn(t, s, "s1", "pw1")

	pongs := func() int {
		n := 0
		for {
			data, err := p1.Read(200 * time.Millisecond)
			if errors.Is(err, cnet.ErrTimeout) {
				return n
			}
			require.NoError(t, err)
			p, err := protocol.DecodePacket(data)
			require.NoError(t, err)
			if p.Type != protocol.TypeKeepAlive {
				continue
			}
			payload, err := protocol.DecodePayload(p)
			require.NoError(t, err)
			if payload.(*protocol.KeepAlivePayload).IsPong() {
				n++
			}
		}
	}

	p1.SendPayload("s2", []string{protocol.ServerName}, false, protocol.KeepAlivePing())
	assert.Equal(t, 0, pongs(), "ping with somebody else's name")

	p1.SendPayload("s1", []string{protocol.ServerName}, false, protocol.KeepAlivePing())
	assert.Equal(t, 1, pongs(), "ping with the session's own name")
}

func TestServerSends(t *testing.T) {
	s := newServer(t, nil)
	p1 := loggedIn(t, s, "s1", "pw1")
	p2 := loggedIn(t, s, "s2", "pw2")

	require.NoError(t, s.SendTo([]string{"s1"}, &protocol.ChatPayload{Message: "direct"}))
	got := p1.ReceivePacket("s1", true)
	assert.Equal(t, protocol.ServerName, got.Sender)
	assert.Equal(t, "direct", chatOf(t, got).Message)
	expectNothing(t, p2)

	require.NoError(t, s.SendToAll(&protocol.ChatPayload{Message: "all"}))
	for name, p := range map[string]*ttesting.Peer{"s1": p1, "s2": p2} {
		assert.Equal(t, "all", chatOf(t, p.ReceivePacket(name, true)).Message)
	}
}

func TestBadLoginIsClosedSilently(t *testing.T) {
	s := newServer(t, nil)

	for _, creds := range [][2]string{{"s1", "wrong"}, {"nobody", "pw1"}} {
		peer := ttesting.Dial(t, s.Addr().String(), testKey)
		peer.Send(&protocol.LoginPacket{Name: creds[0], Password: creds[1]})
		peer.ExpectClosed()
	}
	assert.False(t, s.Client("s1").IsOnline())
}

func TestBadLoginFeedback(t *testing.T) {
	opts := testOptions()
	opts.LoginFailureFeedback = true
	s := startServer(t, config.Address{Hostname: "127.0.0.1", Port: 0}, nil, opts)

	peer := ttesting.Dial(t, s.Addr().String(), testKey)
	res := peer.Login("s1", "wrong")
	assert.False(t, res.OK())
	peer.ExpectClosed()
}

func TestWrongKeyCannotLogIn(t *testing.T) {
	s := newServer(t, nil)

	peer := ttesting.Dial(t, s.Addr().String(), "another key")
	peer.Send(&protocol.LoginPacket{Name: "s1", Password: "pw1"})
	peer.ExpectClosed()
}

func TestLoginTimeout(t *testing.T) {
	opts := testOptions()
	opts.LoginTimeout = 100 * time.Millisecond
	s := startServer(t, config.Address{Hostname: "127.0.0.1", Port: 0}, nil, opts)

	peer := ttesting.Dial(t, s.Addr().String(), testKey)
	peer.ExpectClosed()
}

func TestPendingLoginSwept(t *testing.T) {
	opts := testOptions()
	opts.LoginTimeout = time.Hour
	opts.MaxLoginDuration = 100 * time.Millisecond
	s := startServer(t, config.Address{Hostname: "127.0.0.1", Port: 0}, nil, opts)

	peer := ttesting.Dial(t, s.Addr().String(), testKey)
	peer.ExpectClosed()
}

func TestSecondLoginReplacesFirst(t *testing.T) {
	rec := newServerRecorder()
	s := newServer(t, rec)
	first := loggedIn(t, s, "s1", "pw1")
	second := loggedIn(t, s, "s1", "pw1")

	first.ExpectClosed()
	second.SendPayload("s1", []string{protocol.ServerName}, false, &protocol.ChatPayload{Message: "new"})
	assert.Equal(t, "new", ttesting.Recv(t, rec.chats, "chat from the new connection").Message)
	assert.True(t, s.Client("s1").IsOnline())

	require.NoError(t, s.SendTo([]string{"s1"}, &protocol.ChatPayload{Message: "which one?"}))
	assert.Equal(t, "which one?", chatOf(t, second.ReceivePacket("s1", true)).Message)
}

func TestStop(t *testing.T) {
	s := newServer(t, nil)
	p1 := loggedIn(t, s, "s1", "pw1")
	pending := ttesting.Dial(t, s.Addr().String(), testKey)
	time.Sleep(50 * time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	assert.Nil(t, s.Addr())
	assert.False(t, s.Client("s1").IsOnline())
	assert.Equal(t, connection.Stopped, s.Client("s1").State())
	p1.ExpectClosed()
	pending.ExpectClosed()
	s.pendingMu.Lock()
	assert.Empty(t, s.pending)
	s.pendingMu.Unlock()

	s.Stop()
	assert.False(t, s.IsRunning())
}

// stopper calls stop from OnChat, that is from the sender's receive loop.
type stopper struct {
	NopHandler
	stop func(s *Server, sender string)
}

func (h *stopper) OnChat(s *Server, sender string, p *protocol.ChatPayload) { h.stop(s, sender) }

func TestStopFromHandler(t *testing.T) {
	t.Run("server", func(t *testing.T) {
		s := newServer(t, &stopper{stop: func(s *Server, _ string) { s.Stop() }})
		p1 := loggedIn(t, s, "s1", "pw1")

		p1.SendPayload("s1", []string{protocol.ServerName}, false, &protocol.ChatPayload{Message: "stop"})
		ttesting.Eventually(t, func() bool { return !s.IsRunning() }, "server stopped")
		assert.Equal(t, connection.Stopped, s.Client("s1").State())
		p1.ExpectClosed()
	})

	t.Run("sender", func(t *testing.T) {
		s := newServer(t, &stopper{stop: func(s *Server, sender string) { s.StopClient(sender) }})
		p1 := loggedIn(t, s, "s1", "pw1")

		p1.SendPayload("s1", []string{protocol.ServerName}, false, &protocol.ChatPayload{Message: "kick me"})
		p1.ExpectClosed()
		ttesting.Eventually(t, func() bool { return !s.Client("s1").IsOnline() }, "s1 offline")
		assert.True(t, s.IsRunning())

		loggedIn(t, s, "s1", "pw1")
	})
}

// failingListener fails every Accept without a timeout.
type failingListener struct {
	accepts atomic.Int32
}

func (l *failingListener) Accept() (gonet.Conn, error) {
	l.accepts.Add(1)
	return nil, errors.New("accept: too many open files")
}

func (l *failingListener) SetDeadline(time.Time) error { return nil }

func TestAcceptBacksOffOnErrors(t *testing.T) {
	opts := testOptions()
	opts.AcceptPoll = 50 * time.Millisecond
	s := New(testKey, config.Address{Hostname: "127.0.0.1"}, nil, opts)

	l := &failingListener{}
	quit := make(chan struct{})
	s.wg.Add(1)
	go s.accept(l, quit)

	time.Sleep(300 * time.Millisecond)
	close(quit)
	s.wg.Wait()
	assert.LessOrEqual(t, l.accepts.Load(), int32(10))
	assert.GreaterOrEqual(t, l.accepts.Load(), int32(2))
}

func TestClients(t *testing.T) {
	s := New(testKey, config.Address{Hostname: "127.0.0.1"}, nil, testOptions())
	require.NoError(t, s.AddClient(config.ClientInfo{Name: "b"}))
	require.NoError(t, s.AddClient(config.ClientInfo{Name: "a"}))
	require.NoError(t, s.AddClient(config.ClientInfo{Name: "a", Password: "new"}))
	assert.Error(t, s.AddClient(config.ClientInfo{Name: ""}))
	assert.Error(t, s.AddClient(config.ClientInfo{Name: protocol.ServerName}))

	var names []string
	for _, sess := range s.Clients() {
		names = append(names, sess.Name())
		assert.False(t, sess.IsOnline())
		assert.Equal(t, "N/A", sess.PingText())
	}
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Nil(t, s.Client("c"))
	assert.ErrorIs(t, s.StopClient("c"), ErrUnknownClient)
	assert.NoError(t, s.StopClient("a"))
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.LoginFailureFeedback = true
	s, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	assert.True(t, s.opts.LoginFailureFeedback)
	assert.Len(t, s.Clients(), len(cfg.Clients))

	cfg.Clients = append(cfg.Clients, config.ClientInfo{Name: protocol.ServerName})
	_, err = FromConfig(cfg, nil)
	assert.Error(t, err)
}
