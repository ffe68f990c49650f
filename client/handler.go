package client

import "badc0de.net/pkg/go-chatbridge/protocol"

// Handler receives the events of a Client. All methods except OnStarted run
// on the client's receive loop, one packet at a time. A slow handler delays
// every packet after it.
//
// Handlers may send through the client, and may call Stop, which then only
// disconnects instead of waiting for the loop they are running on.
type Handler interface {
	// OnStarted runs once the client is logged in and online.
	OnStarted(c *Client)
	// OnStopped runs after the connection went away, before the client is
	// STOPPED.
	OnStopped(c *Client)

	OnChat(c *Client, sender string, p *protocol.ChatPayload)
	// OnCommand receives both requests and responses; tell them apart with
	// p.Responded.
	OnCommand(c *Client, sender string, p *protocol.CommandPayload)
	OnCustom(c *Client, sender string, p *protocol.CustomPayload)

	// OnUnknown receives packets whose type this build cannot decode.
	OnUnknown(c *Client, p *protocol.Packet)
}

// NopHandler ignores every event. Embed it to implement only some hooks.
type NopHandler struct{}

func (NopHandler) OnStarted(*Client) {}
func (NopHandler) OnStopped(*Client) {}
func (NopHandler) OnChat(*Client, string, *protocol.ChatPayload) {}
func (NopHandler) OnCommand(*Client, string, *protocol.CommandPayload) {}
func (NopHandler) OnCustom(*Client, string, *protocol.CustomPayload) {}
func (NopHandler) OnUnknown(*Client, *protocol.Packet) {}
