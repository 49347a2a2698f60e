// Package gateway serves the local status surface: health and status
// endpoints plus a WebSocket event feed for tooling. The same mux can
// optionally be exposed on a tailnet via tsnet.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"tailscale.com/tsnet"

	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/channels"
	"github.com/quietloop/steward/internal/config"
)

// Options wires the server to its data sources. PolicyHash and Version
// may be nil/empty.
type Options struct {
	Config     config.GatewayConfig
	Tailscale  config.TailscaleConfig
	Events     bus.EventPublisher
	Bus        *bus.MessageBus
	Channels   *channels.Manager
	PolicyHash func() string
	Version    string
}

// Server is the status HTTP server.
type Server struct {
	opts       Options
	started    time.Time
	upgrader   websocket.Upgrader
	httpServer *http.Server
	tsServer   *tsnet.Server
}

// NewServer creates the status server.
func NewServer(opts Options) *Server {
	s := &Server{opts: opts, started: time.Now()}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin admits local and tailnet origins only. The status feed
// carries chat metadata, so browser pages from the open internet are
// rejected.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := origin
	if idx := strings.Index(origin, "://"); idx >= 0 {
		host = origin[idx+3:]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host == "localhost" || host == "127.0.0.1" || strings.HasSuffix(host, ".ts.net")
}

// StatusReport is the /status response body.
type StatusReport struct {
	Version       string                            `json:"version,omitempty"`
	UptimeSeconds int64                             `json:"uptime_seconds"`
	PolicyHash    string                            `json:"policy_hash,omitempty"`
	QueueSizes    map[string]int                    `json:"queue_sizes"`
	QueueDrops    map[string]uint64                 `json:"queue_drops"`
	Channels      map[string]channels.ChannelStatus `json:"channels"`
	UnknownDrops  int64                             `json:"unknown_channel_drops"`
}

// BuildMux assembles the HTTP routes.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start serves until ctx is cancelled. When a tailscale hostname is
// configured the same mux is also exposed on the tailnet.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	if s.opts.Tailscale.Hostname != "" {
		go s.serveTailnet(ctx, mux)
	}

	addr := fmt.Sprintf("%s:%d", s.opts.Config.Host, s.opts.Config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("status server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		if s.tsServer != nil {
			s.tsServer.Close()
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// serveTailnet exposes the mux on a tailnet node. Failures are logged,
// never fatal; the local listener keeps serving.
func (s *Server) serveTailnet(ctx context.Context, mux *http.ServeMux) {
	ts := &tsnet.Server{
		Hostname:  s.opts.Tailscale.Hostname,
		Dir:       s.opts.Tailscale.StateDir,
		AuthKey:   s.opts.Tailscale.AuthKey,
		Ephemeral: s.opts.Tailscale.Ephemeral,
	}
	s.tsServer = ts

	var (
		ln  net.Listener
		err error
	)
	if s.opts.Tailscale.EnableTLS {
		ln, err = ts.ListenTLS("tcp", ":443")
	} else {
		ln, err = ts.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailnet listener failed", "hostname", s.opts.Tailscale.Hostname, "error", err)
		return
	}
	slog.Info("status server on tailnet", "hostname", s.opts.Tailscale.Hostname, "tls", s.opts.Tailscale.EnableTLS)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		slog.Warn("tailnet serve ended", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := StatusReport{
		Version:       s.opts.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.opts.PolicyHash != nil {
		report.PolicyHash = s.opts.PolicyHash()
	}
	if s.opts.Bus != nil {
		report.QueueSizes = s.opts.Bus.Sizes()
		report.QueueDrops = s.opts.Bus.Dropped()
	}
	if s.opts.Channels != nil {
		report.Channels = s.opts.Channels.Status()
		report.UnknownDrops = s.opts.Channels.UnknownDrops()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		slog.Warn("status encode failed", "error", err)
	}
}

// handleWebSocket streams bus events to the client until it goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.opts.Events == nil {
		return
	}

	id := uuid.NewString()
	events := make(chan bus.Event, 64)
	s.opts.Events.Subscribe(id, func(ev bus.Event) {
		select {
		case events <- ev:
		default:
			// Slow client; drop rather than stall the broadcaster.
		}
	})
	defer s.opts.Events.Unsubscribe(id)

	// Reader goroutine detects disconnect; the feed is write-only.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
