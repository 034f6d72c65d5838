// Package admin exposes a small HTTP status surface next to the HSM
// listener: /healthz for liveness, /status for a JSON counter snapshot and
// /events for the recent event history.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"atallasim/buffer"
	"atallasim/stats"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Summary describes the running instance's protocol contract.
type Summary struct {
	Listen         string            `json:"listen"`
	Framing        string            `json:"framing"`
	Boundary       string            `json:"boundary"`
	Trailing       string            `json:"trailing"`
	Persistence    string            `json:"persistence"`
	MatchMode      string            `json:"match_mode"`
	Alphabet       string            `json:"alphabet"`
	MaxConnections int               `json:"max_connections"`
	DefaultStatus  string            `json:"default_status"`
	Faults         map[string]string `json:"faults,omitempty"`
}

// Source supplies the live parts of the status document.
type Source interface {
	Snapshot() stats.Snapshot
}

// History supplies recent events, newest first.
type History interface {
	Recent(n int) []buffer.Record
}

const defaultEventLimit = 50

// SummaryFunc is called per request so fault-table reloads show up.
type SummaryFunc func() Summary

type statusDocument struct {
	Status  string         `json:"status"`
	Stats   stats.Snapshot `json:"stats"`
	Summary Summary        `json:"config"`
}

// Server serves the admin endpoints.
type Server struct {
	server  *http.Server
	source  Source
	summary SummaryFunc
	history History
	logger  zerolog.Logger
	ready   atomic.Bool
}

func NewServer(addr string, source Source, summary SummaryFunc, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		source:  source,
		summary: summary,
		logger:  logger,
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	return s
}

// SetHistory enables /events. Call before Run.
func (s *Server) SetHistory(h History) {
	s.history = h
}

// Handler returns the mux for in-process use.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetReady flips the status field between "starting" and "serving".
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	doc := statusDocument{Status: "starting"}
	if s.ready.Load() {
		doc.Status = "serving"
	}
	if s.source != nil {
		doc.Stats = s.source.Snapshot()
	}
	if s.summary != nil {
		doc.Summary = s.summary()
	}
	s.writeJSON(w, doc)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	if s.history == nil {
		http.Error(w, "event history disabled", http.StatusNotFound)
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	s.writeJSON(w, s.history.Recent(limit))
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Admin response encode failed")
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func allowRead(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}
