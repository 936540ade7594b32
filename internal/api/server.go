package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/scheduler"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/hash"
)

// RingNode is the part of a ChordNode the API exposes.
type RingNode interface {
	State() chord.RingState
	Space() hash.Space
	FindSuccessorWithPath(ctx context.Context, id *big.Int) (*chord.NodeAddress, []*chord.NodeAddress, error)
	Create(ctx context.Context) error
	Join(ctx context.Context, introducer *chord.NodeAddress) error
}

// PeerResolver fetches a remote node's descriptor from its address.
type PeerResolver interface {
	GetInfo(ctx context.Context, address string) (*chord.NodeAddress, error)
}

// TaskReporter reports maintenance task statistics.
type TaskReporter interface {
	Stats() []scheduler.TaskStats
}

// Server represents the HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	wsHub      *WebSocketHub
	logger     *pkg.Logger
	marshaler  runtime.Marshaler

	node     RingNode
	resolver PeerResolver
	tasks    TaskReporter

	listener net.Listener
	mu       sync.Mutex
}

// Config holds the HTTP server configuration.
type Config struct {
	Host     string
	HTTPPort int

	Node     RingNode
	Resolver PeerResolver
	Tasks    TaskReporter // Optional
}

// NewServer creates a new HTTP API server and builds its routes.
func NewServer(cfg *Config, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}

	s := &Server{
		wsHub:     NewWebSocketHub(logger),
		logger:    logger.WithFields(pkg.Fields{"component": "http_api"}),
		marshaler: &runtime.JSONBuiltin{},
		node:      cfg.Node,
		resolver:  cfg.Resolver,
		tasks:     cfg.Tasks,
	}

	handler, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// routes wires the JSON routes onto a gateway mux and mounts it next to the
// websocket and health endpoints.
func (s *Server) routes() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/v1/node", s.handleNode},
		{http.MethodGet, "/api/v1/lookup/{id}", s.handleLookup},
		{http.MethodGet, "/api/v1/key/{key}", s.handleKeyLookup},
		{http.MethodPost, "/api/v1/ring/create", s.handleCreate},
		{http.MethodPost, "/api/v1/ring/join", s.handleJoin},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("failed to register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", corsMiddleware(mux))
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)

	return httpMux, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the websocket hub, which doubles as the node's ring update broadcaster.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("http server already started")
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	s.logger.Info().Msg("Stopping HTTP API server")

	// Stop the hub first so that hijacked websocket connections are released
	s.wsHub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.listener = nil

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

// handleNode returns the node's routing state.
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	state := s.node.State()

	resp := stateResponse{
		Self:          toNodeJSON(state.Self),
		Successor:     toNodeJSON(state.Successor),
		Predecessor:   toNodeJSON(state.Predecessor),
		SuccessorList: toNodeList(state.SuccessorList),
		Fingers:       make([]fingerJSON, 0, len(state.Fingers)),
		IDBits:        s.node.Space().Bits(),
	}
	for _, f := range state.Fingers {
		entry := fingerJSON{Index: f.Index, Node: toNodeJSON(f.Node)}
		if f.Start != nil {
			entry.Start = f.Start.Text(16)
		}
		resp.Fingers = append(resp.Fingers, entry)
	}
	if s.tasks != nil {
		resp.Tasks = s.tasks.Stats()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleLookup resolves the successor of a hex identifier.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := s.node.Space().ParseID(params["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.lookup(w, r, id, "")
}

// handleKeyLookup hashes an arbitrary key into the ring and resolves its successor.
func (s *Server) handleKeyLookup(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key := params["key"]
	if key == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("key cannot be empty"))
		return
	}
	s.lookup(w, r, s.node.Space().HashString(key), key)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request, id *big.Int, key string) {
	succ, path, err := s.node.FindSuccessorWithPath(r.Context(), id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	resp := lookupResponse{
		Key:       key,
		ID:        id.Text(16),
		Successor: toNodeJSON(succ),
		Path:      toNodeList(path),
	}
	if len(path) > 0 {
		resp.Hops = len(path) - 1
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleCreate starts a new ring on this node.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := s.node.Create(r.Context()); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "created"})
}

// handleJoin joins the ring through the node at the given address.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req joinRequest
	if err := s.marshaler.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Address == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("address cannot be empty"))
		return
	}

	introducer, err := s.resolver.GetInfo(r.Context(), req.Address)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	if err := s.node.Join(r.Context(), introducer); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.logger.Info().
		Str("introducer", introducer.Address()).
		Msg("Joined ring through API request")

	s.writeJSON(w, http.StatusOK, statusResponse{Status: "joined", Node: toNodeJSON(introducer)})
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		NodeID:  s.node.State().Self.ID.Text(16),
		Clients: s.wsHub.ClientCount(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := s.marshaler.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", s.marshaler.ContentType(v))
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.logger.Debug().Err(err).Int("status", code).Msg("Request failed")
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

// statusFor maps node errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case chord.IsCommunicationError(err):
		return http.StatusBadGateway
	case errors.Is(err, chord.ErrNilIntroducer), errors.Is(err, chord.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, chord.ErrNoRemote):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
