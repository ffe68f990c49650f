package client

import (
	"github.com/golang/glog"

	"badc0de.net/pkg/go-chatbridge/protocol"
)

// send runs f if the client is online. A failed write disconnects the client.
func (c *Client) send(what string, f func() error) error {
	if !c.IsOnline() {
		glog.Warningf("%s: not online, dropping %s", c.logName(), what)
		return nil
	}
	if err := f(); err != nil {
		glog.Errorf("%s: sending %s: %s", c.logName(), what, err)
		c.conn.Disconnect()
		return err
	}
	return nil
}

// SendTo sends payload to the named clients. The server's own name,
// protocol.ServerName, is a valid receiver.
func (c *Client) SendTo(receivers []string, payload protocol.Payload) error {
	return c.send(payload.Type(), func() error { return c.conn.SendTo(receivers, payload) })
}

// SendToAll sends payload to every other client and to the server.
func (c *Client) SendToAll(payload protocol.Payload) error {
	return c.send(payload.Type(), func() error { return c.conn.SendToAll(payload) })
}

func (c *Client) SendChat(target, message, author string) error {
	return c.SendTo([]string{target}, &protocol.ChatPayload{Author: author, Message: message})
}

func (c *Client) BroadcastChat(message, author string) error {
	return c.SendToAll(&protocol.ChatPayload{Author: author, Message: message})
}

// SendCommand asks target to run command. The returned request carries the
// CID that the response will echo.
func (c *Client) SendCommand(target, command string, params map[string]interface{}) (*protocol.CommandPayload, error) {
	ask := protocol.Ask(command, params)
	return ask, c.SendTo([]string{target}, ask)
}

// ReplyCommand answers a request received from target.
func (c *Client) ReplyCommand(target string, ask *protocol.CommandPayload, result map[string]interface{}) error {
	return c.SendTo([]string{target}, protocol.Answer(ask, result))
}

func (c *Client) SendCustom(target string, data map[string]interface{}) error {
	return c.SendTo([]string{target}, &protocol.CustomPayload{Data: data})
}

func (c *Client) BroadcastCustom(data map[string]interface{}) error {
	return c.SendToAll(&protocol.CustomPayload{Data: data})
}
