package server

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-chatbridge/protocol"
)

// route forwards a packet received on from's connection. The sender has
// already been checked by sessionHandler.
func (s *Server) route(from *Session, p *protocol.Packet) {
	if p.Type == protocol.TypeKeepAlive && !p.Broadcast && len(p.Receivers) == 1 && p.Receivers[0] == protocol.ServerName {
		return
	}
	glog.V(2).Infof("%s: routing %s", from.logName(), p)
	s.deliver(p)
}

// receivers returns the distinct names p is for, the sender excluded.
func (s *Server) receivers(p *protocol.Packet) []string {
	var names []string
	if p.Broadcast {
		s.mu.RLock()
		names = make([]string, 0, len(s.sessions)+1)
		for name := range s.sessions {
			names = append(names, name)
		}
		s.mu.RUnlock()
		names = append(names, protocol.ServerName)
	} else {
		names = p.Receivers
	}

	seen := make(map[string]bool, len(names))
	out := names[:0:0]
	for _, name := range names {
		if name == p.Sender || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func (s *Server) deliver(p *protocol.Packet) {
	for _, name := range s.receivers(p) {
		if name == protocol.ServerName {
			s.handle(p)
			continue
		}

		sess := s.Client(name)
		if sess == nil {
			glog.Warningf("server: dropping %s packet from %s to unknown client %q", p.Type, p.Sender, name)
			continue
		}
		c := sess.conn.Load()
		if c == nil || !c.IsOnline() {
			if p.Broadcast {
				glog.V(1).Infof("server: %s is offline, skipping broadcast from %s", name, p.Sender)
			} else {
				glog.Warningf("server: dropping %s packet from %s to offline client %q", p.Type, p.Sender, name)
			}
			continue
		}
		if err := c.SendPacket(p); err != nil {
			glog.Warningf("%s: forwarding packet from %s: %s", sess.logName(), p.Sender, err)
			c.Disconnect()
		}
	}
}

// handle passes a packet addressed to the server to its Handler.
func (s *Server) handle(p *protocol.Packet) {
	if p.Type == protocol.TypeKeepAlive {
		return
	}
	s.handler.OnPacket(s, p)

	payload, err := protocol.DecodePayload(p)
	if errors.Is(err, protocol.ErrUnknownType) {
		glog.Warningf("server: unknown packet type %q from %s", p.Type, p.Sender)
		return
	}
	if err != nil {
		glog.Warningf("server: dropping packet from %s: %s", p.Sender, err)
		return
	}

	switch pl := payload.(type) {
	case *protocol.ChatPayload:
		s.handler.OnChat(s, p.Sender, pl)
	case *protocol.CommandPayload:
		s.handler.OnCommand(s, p.Sender, pl)
	case *protocol.CustomPayload:
		s.handler.OnCustom(s, p.Sender, pl)
	}
}

// SendTo sends payload from the server to the named clients.
func (s *Server) SendTo(receivers []string, payload protocol.Payload) error {
	p, err := protocol.NewPacket(protocol.ServerName, receivers, false, payload)
	if err != nil {
		return err
	}
	s.deliver(p)
	return nil
}

// SendToAll sends payload from the server to every online client.
func (s *Server) SendToAll(payload protocol.Payload) error {
	p, err := protocol.NewPacket(protocol.ServerName, nil, true, payload)
	if err != nil {
		return err
	}
	s.deliver(p)
	return nil
}

// ReplyCommand answers a command request the server received from target.
func (s *Server) ReplyCommand(target string, ask *protocol.CommandPayload, result map[string]interface{}) error {
	return s.SendTo([]string{target}, protocol.Answer(ask, result))
}
