// Package web serves the status and debug pages of a ChatBridge server.
package web

import (
	"encoding/json"
	"fmt"
	"io"
	gonet "net"
	"net/http"
	"runtime"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/trace"

	"badc0de.net/pkg/go-chatbridge/server"
)

// Server is the part of *server.Server the handlers report on.
type Server interface {
	IsRunning() bool
	Addr() gonet.Addr
	Clients() []*server.Session
	Client(name string) *server.Session
}

type Handler struct {
	srv     Server
	started time.Time
}

func NewHandler(srv Server) *Handler {
	return &Handler{srv: srv, started: time.Now()}
}

// ClientStatus is how one client is reported.
type ClientStatus struct {
	Name   string  `json:"name"`
	Online bool    `json:"online"`
	State  string  `json:"state"`
	PingMS float64 `json:"ping_ms"`
	Ping   string  `json:"ping"`
}

type Status struct {
	Running bool           `json:"running"`
	Address string         `json:"address,omitempty"`
	Uptime  string         `json:"uptime"`
	Online  int            `json:"online"`
	Clients []ClientStatus `json:"clients"`
}

func clientStatus(s *server.Session) ClientStatus {
	st := ClientStatus{
		Name:   s.Name(),
		Online: s.IsOnline(),
		State:  s.State().String(),
		PingMS: -1,
		Ping:   s.PingText(),
	}
	if p := s.Ping(); p >= 0 {
		st.PingMS = float64(p) / float64(time.Millisecond)
	}
	return st
}

func (h *Handler) status() Status {
	st := Status{
		Running: h.srv.IsRunning(),
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
		Clients: []ClientStatus{},
	}
	if a := h.srv.Addr(); a != nil {
		st.Address = a.String()
	}
	for _, s := range h.srv.Clients() {
		cs := clientStatus(s)
		if cs.Online {
			st.Online++
		}
		st.Clients = append(st.Clients, cs)
	}
	return st
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		glog.Warningf("web: writing response: %s", err)
	}
}

func (h *Handler) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.status())
}

func (h *Handler) clientHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s := h.srv.Client(vars["name"])
	if s == nil {
		http.Error(w, "no such client", http.StatusNotFound)
		return
	}
	writeJSON(w, clientStatus(s))
}

func (h *Handler) miniMetricsHandler(w http.ResponseWriter, r *http.Request) {
	st := h.status()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "runtime.NumGoroutine(): %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "clients.configured: %d\n", len(st.Clients))
	fmt.Fprintf(w, "clients.online: %d\n", st.Online)
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/status", h.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/status/{name}", h.clientHandler).Methods(http.MethodGet)
	r.HandleFunc("/debug/minimetrics", h.miniMetricsHandler)
	r.HandleFunc("/debug/requests", trace.Traces)
	r.HandleFunc("/debug/events", trace.Events)
}

// NewRouter returns all routes, logging each request to accessLog.
func (h *Handler) NewRouter(accessLog io.Writer) http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return handlers.LoggingHandler(accessLog, r)
}
