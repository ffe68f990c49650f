// Command cbclient runs a ChatBridge client with a chat console. Lines that
// are not console commands are broadcast as chat.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"

	"badc0de.net/pkg/flagutil/v1"

	"badc0de.net/pkg/go-chatbridge/client"
	"badc0de.net/pkg/go-chatbridge/config"
	"badc0de.net/pkg/go-chatbridge/console"
	"badc0de.net/pkg/go-chatbridge/paths"
	"badc0de.net/pkg/go-chatbridge/protocol"
)

var (
	configPath     string
	debugWebServer = flag.String("debug_web_server_listen_address", "", "where the debug server will listen")
	guard          = flag.Duration("guard", 0, "if non-zero, restart the client this often whenever it is not running")
	author         = flag.String("author", "", "author attached to chat lines typed in the console")
)

var commands = []console.Command{
	{Name: "start", Description: "connect to the server"},
	{Name: "stop", Description: "disconnect from the server"},
	{Name: "restart", Description: "reconnect to the server"},
	{Name: "ping", Description: "show the average round trip to the server"},
	{Name: "exit", Description: "disconnect and quit"},
	{Name: "help", Description: "show this help; any other line is sent as chat to everyone"},
}

// consoleHandler prints what other clients send.
type consoleHandler struct {
	client.NopHandler
}

func (consoleHandler) OnStarted(c *client.Client) {
	console.Successf("Connected to %s as %s", c.ServerAddress(), c.Name())
}

func (consoleHandler) OnStopped(c *client.Client) {
	console.Warnf("Disconnected from %s", c.ServerAddress())
}

func (consoleHandler) OnChat(c *client.Client, sender string, p *protocol.ChatPayload) {
	console.Chat(sender, p.Formatted())
}

func (consoleHandler) OnCommand(c *client.Client, sender string, p *protocol.CommandPayload) {
	if p.Responded {
		console.Commandf(sender, "%s -> %v", p.Command, p.Result)
		return
	}
	console.Commandf(sender, "%s %v", p.Command, p.Params)
	switch p.Command {
	case "!!ping":
		c.ReplyCommand(sender, p, map[string]interface{}{"pong": true, "ping": c.PingText()})
	default:
		c.ReplyCommand(sender, p, map[string]interface{}{"error": "unknown command"})
	}
}

func (consoleHandler) OnCustom(c *client.Client, sender string, p *protocol.CustomPayload) {
	console.Commandf(sender, "custom %v", p.Data)
}

func (consoleHandler) OnUnknown(c *client.Client, p *protocol.Packet) {
	console.Warnf("Packet of unknown type %q from %s", p.Type, p.Sender)
}

func main() {
	paths.SetupFilePathFlag("client.json", "config", &configPath)
	flagutil.Parse()

	cfg := config.DefaultClientConfig()
	if err := config.Load(configPath, cfg); err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			console.Warnf("Configuration file not found, an example was written to %s. Edit it and start again.", configPath)
			return
		}
		glog.Exitln(err)
	}

	if *debugWebServer != "" {
		go func() {
			r := mux.NewRouter()
			r.HandleFunc("/debug/requests", trace.Traces)
			r.HandleFunc("/debug/events", trace.Events)
			glog.Infof("debug web server listening on %s", *debugWebServer)
			if err := http.ListenAndServe(*debugWebServer, r); err != nil {
				glog.Errorf("debug web server: %s", err)
			}
		}()
	}

	console.PrintBanner("ChatBridge")
	c := client.FromConfig(cfg, consoleHandler{})
	if err := c.Start(); err != nil {
		console.Errorf("Could not start: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if *guard > 0 {
		go c.Guard(ctx, *guard)
	}

	con := console.New(">> ", commands, func(line string) bool {
		return execute(c, line)
	})
	con.Run(func() {
		cancel()
		if c.IsRunning() {
			c.Stop()
		}
	})
	glog.Flush()
	os.Exit(0)
}

func execute(c *client.Client, line string) (quit bool) {
	switch strings.TrimSpace(line) {
	case "help":
		console.PrintHelp(commands)
	case "start":
		if err := c.Start(); err != nil {
			console.Errorf("Could not start: %s", err)
		}
	case "stop":
		c.Stop()
	case "restart":
		if err := c.Restart(); err != nil {
			console.Errorf("Could not restart: %s", err)
		}
	case "ping":
		console.Infof("Ping: %s", c.PingText())
	case "exit":
		return true
	default:
		if !c.IsOnline() {
			console.Warnf("Not online, message not sent")
			return false
		}
		if err := c.BroadcastChat(line, *author); err != nil {
			console.Errorf("Sending: %s", err)
		}
	}
	return false
}
