package connection

import (
	"math/rand"
	"time"

	"github.com/golang/glog"

	"badc0de.net/pkg/go-chatbridge/protocol"
)

func (c *Connection) onKeepAlive(sender string, p *protocol.KeepAlivePayload) {
	switch {
	case p.IsPing():
		if err := c.SendTo([]string{sender}, protocol.KeepAlivePong()); err != nil {
			glog.Warningf("%s: failed to answer keep-alive ping: %s", c.logName, err)
			c.Disconnect()
		}
	case p.IsPong():
		select {
		case c.pong <- struct{}{}:
		default:
		}
	default:
		glog.Warningf("%s: unknown keep alive type: %q", c.logName, p.PingType)
	}
}

// keepAlive pings the peer for as long as the connection is online. It is
// expected to have the same life-span as the socket whose hangup channel it
// was given.
func (c *Connection) keepAlive(hangup <-chan struct{}) {
	if !sleep(hangup, jitter(0, c.opts.KeepAliveJitter)) {
		return
	}
	for c.IsOnline() {
		select {
		case <-c.pong:
		default:
		}

		sent := time.Now()
		if err := c.SendTo([]string{c.opts.KeepAliveTarget}, protocol.KeepAlivePing()); err != nil {
			glog.Warningf("%s: disconnect due to keep-alive ping error: %s", c.logName, err)
			c.Disconnect()
			return
		}

		timeout := time.NewTimer(c.opts.KeepAliveTimeout)
		select {
		case <-c.pong:
			timeout.Stop()
			c.pings.Add(time.Since(sent))
			glog.V(1).Infof("%s: keep-alive responded, ping = %s", c.logName, c.PingText())
		case <-timeout.C:
			glog.Warningf("%s: disconnect due to keep-alive ping timeout", c.logName)
			c.errorf("keep-alive timeout")
			c.Disconnect()
			return
		case <-hangup:
			timeout.Stop()
			return
		}

		if !sleep(hangup, jitter(c.opts.KeepAliveInterval, c.opts.KeepAliveJitter)) {
			return
		}
	}
}

// jitter returns d moved by a uniformly random amount within ±j, but never
// below zero. With d == 0 only the positive half is used.
func jitter(d, j time.Duration) time.Duration {
	if j <= 0 {
		return d
	}
	if d == 0 {
		return time.Duration(rand.Int63n(int64(j)))
	}
	d += time.Duration(rand.Int63n(int64(2*j)+1)) - j
	if d < 0 {
		return 0
	}
	return d
}

// sleep waits for d and reports false if hangup was closed first.
func sleep(hangup <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-hangup:
		return false
	}
}
