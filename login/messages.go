package login

// This file contains the login result messages sent back to a client.

import "badc0de.net/pkg/go-chatbridge/protocol"

// Accepted returns the result message of a successful login.
func Accepted() *protocol.LoginResultPacket {
	return &protocol.LoginResultPacket{Message: protocol.LoginOK}
}

// Rejected returns a failed login result carrying reason. The reason must not
// reveal whether the name exists.
func Rejected(reason string) *protocol.LoginResultPacket {
	if reason == "" || reason == protocol.LoginOK {
		reason = "login failed"
	}
	return &protocol.LoginResultPacket{Message: reason}
}
