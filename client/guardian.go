package client

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// Guard keeps the client running: every interval it starts the client again
// if it has stopped, for whatever reason. It returns when ctx is done; the
// client is left as it is.
func (c *Client) Guard(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if !c.IsRunning() {
			glog.Infof("%s: guardian: not running, starting", c.logName())
			if err := c.Start(); err != nil {
				glog.Warningf("%s: guardian: start failed, retrying in %s: %s", c.logName(), interval, err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
