// Package server handles HTTP endpoints and request routing.
package server

import (
	"bb-watcher/poll"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Poller interface for triggering runs.
type Poller interface {
	Run(ctx context.Context, opts poll.Options) (*poll.Report, error)
}

// Status interface for store counters.
type Status interface {
	Counts(ctx context.Context) (total, notified int, err error)
}

// Server handles HTTP requests.
type Server struct {
	poller    Poller
	status    Status
	logger    *slog.Logger
	portalURL string
	limit     int
}

// Config holds server configuration.
type Config struct {
	Poller    Poller
	Status    Status
	Logger    *slog.Logger
	PortalURL string
	// Limit is the default per-run message cap for /pollz.
	Limit int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller:    cfg.Poller,
		status:    cfg.Status,
		logger:    cfg.Logger,
		portalURL: cfg.PortalURL,
		limit:     cfg.Limit,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Minute, // a portal walk can take a while
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	opts := poll.Options{PortalURL: s.portalURL, Limit: s.limit}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = n
	}
	if v := q.Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid dry_run", http.StatusBadRequest)
			return
		}
		opts.DryRun = b
	}

	s.logger.Info("Poll endpoint triggered", "limit", opts.Limit, "dry_run", opts.DryRun)

	rep, err := s.poller.Run(r.Context(), opts)
	if errors.Is(err, poll.ErrRunInProgress) {
		http.Error(w, "Run already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("Poll run failed", "error", err)
		http.Error(w, "Run failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, rep)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	total, notified, err := s.status.Counts(r.Context())
	if err != nil {
		s.logger.Error("Failed to count items", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]int{"items": total, "notified": notified})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
