// Package http exposes the statement registry over HTTP: the public
// statement API, health and metrics, and the internal raft peer endpoint.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"queryreg/pkg/metrics"
	"queryreg/pkg/parser"
	"queryreg/pkg/regerrors"
	"queryreg/pkg/registry"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Handle(ctx context.Context, message raftpb.Message) error

	Run(ctx context.Context) error
	Stop() error
}

// Server serves the registry API. The raft node and counters are optional:
// nodes running the in-process replicated map have no raft endpoint, and
// counters may be absent entirely.
type Server struct {
	reg        registry.Registry
	node       iRaftNode
	counters   *metrics.Counters
	httpServer *http.Server
	URL        string
	addr       string
}

func NewServer(reg registry.Registry, node iRaftNode, counters *metrics.Counters, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		reg:      reg,
		node:     node,
		counters: counters,
		URL:      "http://localhost:" + port,
		addr:     ":" + port,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if s.node != nil {
		go func() {
			if err := s.node.Run(context.Background()); err != nil {
				slog.Error("raft node error", "error", err)
			}
		}()
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		if s.node != nil {
			_ = s.node.Stop()
		}
	}
	return nil
}

// Handler exposes the routed API, mainly for tests over httptest.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Put("/api/statement", s.handlePut)
	r.Get("/api/statement", s.handleGet)
	r.Delete("/api/statement", s.handleDelete)

	if s.node != nil {
		r.Post("/api/internal/raft", s.handleRaft)
	}

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var pe *parser.ParseError

	switch {
	case errors.As(err, &pe):
		s.writeJSON(w, http.StatusUnprocessableEntity, NewErrorResponse(err.Error()))
	case errors.Is(err, regerrors.ErrReplicationTimeout):
		s.writeJSON(w, http.StatusGatewayTimeout, NewErrorResponse(err.Error()))
	case errors.Is(err, regerrors.ErrInvalidUsage):
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
	case errors.Is(err, regerrors.ErrModifyFailure):
		s.writeJSON(w, http.StatusConflict, NewErrorResponse(err.Error()))
	default:
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
	}
}

// redirectLeader sends writes to the raft leader when this node is a
// follower. Registry writes accepted by a follower would stall until the
// leader's commit anyway.
func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.node == nil {
		return false, nil
	}

	if !s.node.IsLeader() {
		leaderAddr := s.node.LeaderAddr()
		if leaderAddr == "" {
			// leader unknown yet — don't redirect, allow local handling
			return false, nil
		}
		if leaderAddr == s.URL {
			return false, nil
		}

		leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("Failed to get leader URL"))
			return false, fmt.Errorf("failed to join leader path: %w", err)
		}

		http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
		return true, nil
	}
	return false, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.counters == nil {
		fmt.Fprintln(w, "# no collector configured")
		return
	}

	snapshot := s.counters.Snapshot()
	for _, name := range s.counters.Names() {
		fmt.Fprintf(w, "queryreg_%s %d\n", name, snapshot[name])
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	text := r.FormValue("text")

	if key == "" || text == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or text"))
		return
	}

	var ttl time.Duration
	if raw := r.FormValue("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid ttl"))
			return
		}
		ttl = parsed
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("failed to redirect to leader", "error", err)
		}
		return
	}

	stored, err := s.reg.PutStatement(r.Context(), key, text, ttl)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewKeyResponse(stored))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	st, found := s.reg.GetStatement(key)
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Statement not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewStatementResponse(key, st.String()))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("failed to redirect to leader", "error", err)
		}
		return
	}

	removed, err := s.reg.RemoveStatement(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewKeyResponse(removed))
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("Raft node not available"))
		return
	}

	dec := json.NewDecoder(r.Body)
	var msg raftpb.Message
	if err := dec.Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewOKResponse())
}
