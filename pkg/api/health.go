package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/cuemby/cocoon/pkg/types"
)

// SessionLister exposes the PTY sessions of the current connection
type SessionLister interface {
	Sessions() []types.SessionInfo
}

// HealthServer serves health, readiness and metrics endpoints
type HealthServer struct {
	sessions SessionLister
	mux      *http.ServeMux
	server   *http.Server
}

// NewHealthServer creates a new health check HTTP server. sessions may be
// nil.
func NewHealthServer(sessions SessionLister) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		sessions: sessions,
		mux:      mux,
	}

	mux.HandleFunc("/health", getOnly(metrics.HealthHandler()))
	mux.HandleFunc("/ready", getOnly(metrics.ReadyHandler()))
	mux.HandleFunc("/live", getOnly(metrics.LivenessHandler()))
	mux.HandleFunc("/sessions", getOnly(hs.sessionsHandler))
	mux.Handle("/metrics", metrics.Handler())

	hs.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return hs
}

// Start listens on addr and serves until Shutdown
func (hs *HealthServer) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return hs.Serve(l)
}

// Serve serves on an existing listener until Shutdown
func (hs *HealthServer) Serve(l net.Listener) error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", l.Addr().String()).Msg("Health server listening")
	if err := hs.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// Handler returns the server's router
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}

// SessionsResponse lists the PTY sessions of the current connection
type SessionsResponse struct {
	Sessions  []types.SessionInfo `json:"sessions"`
	Timestamp time.Time           `json:"timestamp"`
}

func (hs *HealthServer) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	resp := SessionsResponse{
		Sessions:  []types.SessionInfo{},
		Timestamp: time.Now(),
	}
	if hs.sessions != nil {
		if list := hs.sessions.Sessions(); list != nil {
			resp.Sessions = list
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}
