// Package monitor implements the tunnel's JSON/WebSocket observability
// surface: a small HTTP server exposing the accounting sink as GET
// /api/stats, a GET /api/reset guarded by an optional bcrypt-hashed
// password, Prometheus exposition at GET /metrics, and a live stats feed at
// GET /api/stream.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/jumptiger/jumptiger/internal/accounting"
	"github.com/jumptiger/jumptiger/internal/logging"
)

// dummyHash is compared against when a guarded reset request carries no
// Basic credentials, so a missing Authorization header costs the same
// bcrypt work as a wrong password.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Config parameterizes the monitor HTTP surface.
type Config struct {
	ListenAddr string // e.g. "0.0.0.0:8088"

	Accounting *accounting.Sink
	Registry   *prometheus.Registry // gatherer served at GET /metrics

	// AuthHash, if set, is a bcrypt hash that GET /api/reset's HTTP Basic
	// auth password must match. Empty disables the guard.
	AuthHash string

	Logger *slog.Logger
}

// Server is the monitor's HTTP listener.
type Server struct {
	cfg Config
	srv *http.Server
	ln  net.Listener
}

// New constructs a Server. Call Start to begin listening.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/stream", s.handleStream)
	if cfg.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	s.srv = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	return s
}

// Start binds the listen address and begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("monitor: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.cfg.Logger.Error("monitor server stopped", logging.KeyError, err.Error())
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Addr returns the bound listen address. Only valid after Start returns.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// handleRoot is a placeholder: the dashboard itself (HTML/JS/charts) is not
// implemented here, only its JSON API.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "jumptiger monitor: see /api/stats, /metrics, /api/stream")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeSnapshot(w, s.cfg.Accounting.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthHash != "" && !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="jumptiger monitor"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.cfg.Accounting.Reset()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// authorized checks HTTP Basic auth against AuthHash with bcrypt, falling
// back to a dummy comparison when no credentials were supplied so that a
// missing Authorization header takes the same time as a wrong password.
func (s *Server) authorized(r *http.Request) bool {
	_, password, ok := r.BasicAuth()
	if !ok {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(""))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.cfg.AuthHash), []byte(password)) == nil
}

// handleStream upgrades to a WebSocket and pushes a stats snapshot every
// time the accounting sink is mutated, plus once immediately on connect.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	// Subscribe before each snapshot so a mutation that lands while a
	// snapshot is being written still wakes the next push.
	changed := s.cfg.Accounting.Subscribe()
	if err := wsjson.Write(ctx, conn, s.cfg.Accounting.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-changed:
			changed = s.cfg.Accounting.Subscribe()
			if err := wsjson.Write(ctx, conn, s.cfg.Accounting.Snapshot()); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeSnapshot(w http.ResponseWriter, snap accounting.Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}
