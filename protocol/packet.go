package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	// ServerName is the pseudo identity of the server. Packets addressed to
	// it are handled by the server itself instead of being forwarded.
	ServerName = "#server"

	// LoginOK is the LoginResultPacket message of a successful login.
	LoginOK = "ok"
)

// MissingFieldError is returned when a decoded message lacks a field its
// type requires.
type MissingFieldError struct {
	Message string
	Field   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: missing required field %q", e.Message, e.Field)
}

// LoginPacket is the first message a client sends on a new connection.
type LoginPacket struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// LoginResultPacket is the server's reply to a LoginPacket.
type LoginResultPacket struct {
	Message string `json:"message"`
}

// OK reports whether the login was accepted.
func (r *LoginResultPacket) OK() bool {
	return r.Message == LoginOK
}

// Packet is the envelope of every message after login.
//
// Receivers is only meaningful when Broadcast is false. The Payload is kept
// in its encoded form so that the server can forward packets verbatim.
type Packet struct {
	Sender    string          `json:"sender"`
	Receivers []string        `json:"receivers"`
	Broadcast bool            `json:"broadcast"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// NewPacket wraps payload into a packet from sender.
func NewPacket(sender string, receivers []string, broadcast bool, payload Payload) (*Packet, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s payload", payload.Type())
	}
	if receivers == nil {
		receivers = []string{}
	}
	return &Packet{
		Sender:    sender,
		Receivers: receivers,
		Broadcast: broadcast,
		Type:      payload.Type(),
		Payload:   raw,
	}, nil
}

// Target renders the receivers for log lines.
func (p *Packet) Target() string {
	if p.Broadcast {
		return "*"
	}
	return strings.Join(p.Receivers, ",")
}

func (p *Packet) String() string {
	return fmt.Sprintf("[%s -> %s] %s: %s", p.Sender, p.Target(), p.Type, p.Payload)
}

// DecodePacket strictly decodes a Packet.
func DecodePacket(data []byte) (*Packet, error) {
	p := &Packet{}
	if err := decodeStrict("packet", data, p, "sender", "receivers", "broadcast", "type", "payload"); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeLogin strictly decodes a LoginPacket.
func DecodeLogin(data []byte) (*LoginPacket, error) {
	p := &LoginPacket{}
	if err := decodeStrict("login packet", data, p, "name", "password"); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeLoginResult strictly decodes a LoginResultPacket.
func DecodeLoginResult(data []byte) (*LoginResultPacket, error) {
	p := &LoginResultPacket{}
	if err := decodeStrict("login result packet", data, p, "message"); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeStrict(what string, data []byte, v interface{}, required ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return errors.Wrapf(err, "decoding %s", what)
	}
	for _, f := range required {
		if _, ok := fields[f]; !ok {
			return &MissingFieldError{Message: what, Field: f}
		}
	}
	return errors.Wrapf(json.Unmarshal(data, v), "decoding %s", what)
}
