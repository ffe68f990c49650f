package server

import "badc0de.net/pkg/go-chatbridge/protocol"

// Handler receives the packets addressed to the server itself, that is to
// protocol.ServerName, including broadcasts. Keep-alive traffic never
// reaches it.
//
// Methods run on the receive loop of the sending client's session.
type Handler interface {
	// OnPacket sees every packet first, whatever its type.
	OnPacket(s *Server, p *protocol.Packet)

	OnChat(s *Server, sender string, p *protocol.ChatPayload)
	OnCommand(s *Server, sender string, p *protocol.CommandPayload)
	OnCustom(s *Server, sender string, p *protocol.CustomPayload)
}

// NopHandler ignores everything. Embed it to implement only some hooks.
type NopHandler struct{}

func (NopHandler) OnPacket(*Server, *protocol.Packet) {}
func (NopHandler) OnChat(*Server, string, *protocol.ChatPayload) {}
func (NopHandler) OnCommand(*Server, string, *protocol.CommandPayload) {}
func (NopHandler) OnCustom(*Server, string, *protocol.CustomPayload) {}
