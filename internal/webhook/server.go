package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Server is the shared inbound HTTP listener. Adapters register their
// notification routes before Start; handlers must return quickly because
// upstreams disable subscriptions that respond slowly.
type Server struct {
	server *http.Server
	mux    *http.ServeMux

	mu      sync.Mutex
	started bool
	routes  []string
}

func NewServer(port int, readTimeout, writeTimeout, idleTimeout time.Duration) *Server {
	mux := http.NewServeMux()
	s := &Server{
		mux: mux,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

// Handle registers a notification route. Must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cannot register route %s after server start", pattern)
	}
	s.mux.Handle(pattern, handler)
	s.routes = append(s.routes, pattern)
	return nil
}

func (s *Server) Start() {
	s.mu.Lock()
	s.started = true
	routes := append([]string(nil), s.routes...)
	s.mu.Unlock()

	go func() {
		slog.Info("Starting webhook server", "addr", s.server.Addr, "routes", routes)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Webhook server failed", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ValidationEcho handles the handshake upstreams perform before activating a
// subscription: a request carrying validationToken gets the token echoed
// back as text/plain, and true is returned so the caller stops processing.
func ValidationEcho(w http.ResponseWriter, r *http.Request) bool {
	token := r.URL.Query().Get("validationToken")
	if token == "" {
		return false
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(token))
	return true
}

// Accepted writes the fast 202 that acknowledges a notification before any
// downstream work happens.
func Accepted(w http.ResponseWriter) {
	w.WriteHeader(http.StatusAccepted)
}
