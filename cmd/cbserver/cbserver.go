// Command cbserver runs a ChatBridge server with an operator console.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/flagutil/v1"

	"badc0de.net/pkg/go-chatbridge/config"
	"badc0de.net/pkg/go-chatbridge/console"
	"badc0de.net/pkg/go-chatbridge/paths"
	"badc0de.net/pkg/go-chatbridge/protocol"
	"badc0de.net/pkg/go-chatbridge/server"
	"badc0de.net/pkg/go-chatbridge/web"
)

var (
	configPath     string
	debugWebServer = flag.String("debug_web_server_listen_address", "", "where the debug server will listen")
	hashPassword   = flag.String("hash_password", "", "print a bcrypt hash of this password, usable as a client's password_hash, and exit")
)

var commands = []console.Command{
	{Name: "list", Description: "list clients, their state and ping"},
	{Name: "stop", Args: "[client]", Description: "stop a client, or the server when no client is named"},
	{Name: "debug", Args: "on|off", Description: "toggle verbose logging"},
	{Name: "help", Description: "show this help"},
}

// consoleHandler prints what clients send to the server.
type consoleHandler struct {
	server.NopHandler
}

func (consoleHandler) OnChat(s *server.Server, sender string, p *protocol.ChatPayload) {
	console.Chat(sender, p.Formatted())
}

func (consoleHandler) OnCommand(s *server.Server, sender string, p *protocol.CommandPayload) {
	if p.Responded {
		console.Commandf(sender, "%s -> %v", p.Command, p.Result)
		return
	}
	console.Commandf(sender, "%s %v", p.Command, p.Params)
}

func (consoleHandler) OnCustom(s *server.Server, sender string, p *protocol.CustomPayload) {
	console.Commandf(sender, "custom %v", p.Data)
}

func main() {
	paths.SetupFilePathFlag("server.json", "config", &configPath)
	flagutil.Parse()

	if *hashPassword != "" {
		h, err := config.HashPassword(*hashPassword)
		if err != nil {
			glog.Exitln(err)
		}
		fmt.Println(h)
		return
	}

	cfg := config.DefaultServerConfig()
	if err := config.Load(configPath, cfg); err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			console.Warnf("Configuration file not found, an example was written to %s. Edit it and start again.", configPath)
			return
		}
		glog.Exitln(err)
	}

	srv, err := server.FromConfig(cfg, consoleHandler{})
	if err != nil {
		glog.Exitln(err)
	}

	console.PrintBanner("ChatBridge")
	glog.Infoln("starting cbserver")
	if err := srv.Start(); err != nil {
		glog.Exitln(err)
	}
	console.Successf("Server listening on %s with %d clients configured", srv.Addr(), len(cfg.Clients))

	if *debugWebServer != "" {
		go func() {
			h := web.NewHandler(srv)
			glog.Infof("debug web server listening on %s", *debugWebServer)
			if err := http.ListenAndServe(*debugWebServer, h.NewRouter(os.Stderr)); err != nil {
				glog.Errorf("debug web server: %s", err)
			}
		}()
	}

	con := console.New(">> ", commands, func(line string) bool {
		return execute(srv, line)
	})
	con.Run(func() {
		if srv.IsRunning() {
			srv.Stop()
		}
	})
	glog.Flush()
}

func execute(srv *server.Server, line string) (quit bool) {
	args := strings.Fields(line)
	switch args[0] {
	case "help":
		console.PrintHelp(commands)
	case "list":
		list(srv)
	case "stop":
		if len(args) == 1 {
			return true
		}
		for _, name := range args[1:] {
			if err := srv.StopClient(name); err != nil {
				console.Errorf("%s", err)
				continue
			}
			console.Successf("Stopped %s", name)
		}
	case "debug":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			console.Errorf("usage: debug on|off")
			return false
		}
		v := "0"
		if args[1] == "on" {
			v = "2"
		}
		if err := flag.Set("v", v); err != nil {
			console.Errorf("setting verbosity: %s", err)
			return false
		}
		console.Infof("Debug logging %s", args[1])
	default:
		console.Errorf("Unknown command %q, try help", args[0])
	}
	return false
}

func list(srv *server.Server) {
	clients := srv.Clients()
	online := 0
	for _, s := range clients {
		if s.IsOnline() {
			online++
		}
	}
	console.Infof("%d/%d clients online:", online, len(clients))
	for _, s := range clients {
		if s.IsOnline() {
			console.Successf("  %-20s online   ping %s", s.Name(), s.PingText())
		} else {
			console.Infof("  %-20s %s", s.Name(), strings.ToLower(s.State().String()))
		}
	}
}
