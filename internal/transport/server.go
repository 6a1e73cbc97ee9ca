// Package transport is the WebSocket and HTTP surface of the bridge: the
// /ws fan-out endpoint plus health, stats, and metrics.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/CellMechLab/barytech/internal/monitoring"
	"github.com/CellMechLab/barytech/internal/registry"
)

// Publisher relays client parameter updates toward devices.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// SessionStore persists client connect and disconnect events. websocketID
// is the server-assigned id of the specific connection.
type SessionStore interface {
	SaveClientSession(ctx context.Context, clientID, websocketID string) error
	MarkClientDisconnected(ctx context.Context, clientID string) error
}

// SaveSetter toggles the global persistence flag.
type SaveSetter interface {
	SetSave(enabled bool)
	SaveEnabled() bool
}

// Options wires the server's collaborators. Sessions and Publisher may be
// nil; the matching feature degrades to a no-op.
type Options struct {
	Addr         string
	Logger       zerolog.Logger
	Stats        *monitoring.Stats
	Registry     *registry.Registry
	Sessions     SessionStore
	Publisher    Publisher
	Saver        SaveSetter
	ControlTopic string
}

// Server serves the WebSocket endpoint and the observability endpoints.
type Server struct {
	addr         string
	logger       zerolog.Logger
	stats        *monitoring.Stats
	registry     *registry.Registry
	sessions     SessionStore
	publisher    Publisher
	saver        SaveSetter
	controlTopic string

	connSeq    int64
	httpServer *http.Server
}

func NewServer(opts Options) *Server {
	s := &Server{
		addr:         opts.Addr,
		logger:       opts.Logger,
		stats:        opts.Stats,
		registry:     opts.Registry,
		sessions:     opts.Sessions,
		publisher:    opts.Publisher,
		saver:        opts.Saver,
		controlTopic: opts.ControlTopic,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", monitoring.MetricsHandler())

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.stats.StartTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"time":           time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.stats.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		monitoring.Snapshot
		SaveEnabled bool `json:"save_enabled"`
	}{
		Snapshot:    snap,
		SaveEnabled: s.saver != nil && s.saver.SaveEnabled(),
	})
}
