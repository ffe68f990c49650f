package protocol

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Packet types.
const (
	TypeKeepAlive = "chatbridge.keep_alive"
	TypeChat      = "chatbridge.chat"
	TypeCommand   = "chatbridge.command"
	TypeCustom    = "chatbridge.custom"
)

// ErrUnknownType is returned by DecodePayload for packet types without a
// registered decoder.
var ErrUnknownType = errors.New("unknown packet type")

// Payload is the typed content of a Packet.
type Payload interface {
	Type() string
}

type decodeFunc func(data []byte) (Payload, error)

var decoders = map[string]decodeFunc{
	TypeKeepAlive: func(data []byte) (Payload, error) {
		p := &KeepAlivePayload{}
		return p, decodeStrict("keep alive payload", data, p, "ping_type")
	},
	TypeChat: func(data []byte) (Payload, error) {
		p := &ChatPayload{}
		return p, decodeStrict("chat payload", data, p, "author", "message")
	},
	TypeCommand: func(data []byte) (Payload, error) {
		p := &CommandPayload{}
		return p, decodeStrict("command payload", data, p, "cid", "command", "responded", "params", "result")
	},
	TypeCustom: func(data []byte) (Payload, error) {
		p := &CustomPayload{}
		return p, decodeStrict("custom payload", data, p, "data")
	},
}

// DecodePayload decodes the payload of p according to its type.
func DecodePayload(p *Packet) (Payload, error) {
	decode, ok := decoders[p.Type]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q", p.Type)
	}
	payload, err := decode(p.Payload)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// KnownType reports whether t has a registered decoder.
func KnownType(t string) bool {
	_, ok := decoders[t]
	return ok
}

const (
	PingTypePing = "ping"
	PingTypePong = "pong"
)

// KeepAlivePayload is exchanged by the keep-alive loops of both peers.
type KeepAlivePayload struct {
	PingType string `json:"ping_type"`
}

func KeepAlivePing() *KeepAlivePayload { return &KeepAlivePayload{PingType: PingTypePing} }
func KeepAlivePong() *KeepAlivePayload { return &KeepAlivePayload{PingType: PingTypePong} }

func (*KeepAlivePayload) Type() string { return TypeKeepAlive }

func (p *KeepAlivePayload) IsPing() bool { return p.PingType == PingTypePing }
func (p *KeepAlivePayload) IsPong() bool { return p.PingType == PingTypePong }

// ChatPayload is a chat line, optionally attributed to an author on the
// sending side (a player, a chat platform user...).
type ChatPayload struct {
	Author  string `json:"author"`
	Message string `json:"message"`
}

func (*ChatPayload) Type() string { return TypeChat }

// Formatted renders the line as "<author> message", or just the message when
// there is no author.
func (p *ChatPayload) Formatted() string {
	if p.Author != "" {
		return "<" + p.Author + "> " + p.Message
	}
	return p.Message
}

// CommandPayload carries either a command request (Responded false) or its
// answer (Responded true). Both share the CID of the request.
type CommandPayload struct {
	CID       string                 `json:"cid"`
	Command   string                 `json:"command"`
	Responded bool                   `json:"responded"`
	Params    map[string]interface{} `json:"params"`
	Result    map[string]interface{} `json:"result"`
}

func (*CommandPayload) Type() string { return TypeCommand }

// Ask creates a new command request with a fresh correlation id.
func Ask(command string, params map[string]interface{}) *CommandPayload {
	if params == nil {
		params = map[string]interface{}{}
	}
	return &CommandPayload{
		CID:     uuid.NewString(),
		Command: command,
		Params:  params,
		Result:  map[string]interface{}{},
	}
}

// Answer creates the response to ask carrying result.
func Answer(ask *CommandPayload, result map[string]interface{}) *CommandPayload {
	if result == nil {
		result = map[string]interface{}{}
	}
	return &CommandPayload{
		CID:       ask.CID,
		Command:   ask.Command,
		Responded: true,
		Params:    ask.Params,
		Result:    result,
	}
}

// CustomPayload carries collaborator defined structured data.
type CustomPayload struct {
	Data map[string]interface{} `json:"data"`
}

func (*CustomPayload) Type() string { return TypeCustom }
