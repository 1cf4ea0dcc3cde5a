// Package server exposes the sync service over HTTP: push and pull
// endpoints, a WebSocket stream of change batches, and out-of-band
// media upload/download for externalized blobs.
//
// Authentication is boundary-only: the user id arrives in the
// X-Sync-User header and every storage operation below this point is
// scoped to it. Requests without a user id are rejected before touching
// storage.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/pagekeep/pagekeep/internal/media"
	"github.com/pagekeep/pagekeep/internal/schema"
	pksync "github.com/pagekeep/pagekeep/internal/sync"
	"github.com/pagekeep/pagekeep/internal/transport"
)

// UserHeader carries the authenticated user id. A real deployment
// terminates auth in front of this server and injects the header.
const UserHeader = "X-Sync-User"

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Updates []pksync.PushUpdate `json:"updates"`
}

// PushResponse is the body of a successful push.
type PushResponse struct {
	Instructions []pksync.Instruction `json:"clientInstructions"`
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8575). Port 0 picks a free port.
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8575,
		Logger: log.Default(),
	}
}

// Server serves the sync API over one transport hub.
type Server struct {
	hub      *transport.Hub
	addr     string
	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	logger *log.Logger
}

// New creates a sync server over the given hub.
func New(hub *transport.Hub, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub:    hub,
		addr:   fmt.Sprintf(":%d", config.Port),
		ctx:    ctx,
		cancel: cancel,
		logger: config.Logger,
	}
}

// Start begins listening and serving. It returns once the listener is
// bound; serving continues in the background until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/push", s.handlePush)
	mux.HandleFunc("GET /sync/pull", s.handlePull)
	mux.HandleFunc("GET /sync/events", s.handleEvents)
	mux.HandleFunc("PUT /media/", s.handleMediaPut)
	mux.HandleFunc("GET /media/", s.handleMediaGet)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server, closing event streams first.
func (s *Server) Stop() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// userOf extracts the authenticated user, writing 401 when absent.
func (s *Server) userOf(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(UserHeader)
	if user == "" {
		s.writeError(w, http.StatusUnauthorized, pksync.ErrUnauthenticated)
		return "", false
	}
	return user, true
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("Failed to write response: %v", err)
	}
}

// statusOf maps translation errors onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, pksync.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, pksync.ErrInvalidUpdate),
		errors.Is(err, pksync.ErrMissingTarget),
		errors.Is(err, schema.ErrUnsupportedVersion):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userOf(w, r)
	if !ok {
		return
	}

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed push body: %w", err))
		return
	}

	instructions, err := s.hub.PushUpdates(r.Context(), user, req.Updates)
	if err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	s.writeJSON(w, PushResponse{Instructions: instructions})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userOf(w, r)
	if !ok {
		return
	}
	if err := schema.CheckVersion(r.URL.Query().Get("schemaVersion")); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	cursor, err := queryInt(r, "cursor", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	pageSize, err := queryInt(r, "pageSize", pksync.DefaultPageSize)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.hub.Pull(r.Context(), user, cursor, int(pageSize))
	if err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	s.writeJSON(w, res)
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// handleEvents upgrades to WebSocket and streams change batches. Each
// frame is one JSON-encoded pull result starting after the client's
// cursor; the connection replays history when the cursor is 0.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userOf(w, r)
	if !ok {
		return
	}
	cursor, err := queryInt(r, "cursor", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	view := s.hub.Attach(user, cursor)
	defer s.hub.Detach(view)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Drain client frames only to notice disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	s.logger.Printf("Event stream opened for user %s at cursor %d", user, cursor)
	for res := range view.Stream(ctx) {
		data, err := json.Marshal(res)
		if err != nil {
			s.logger.Printf("Failed to marshal batch: %v", err)
			break
		}
		writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		writeCancel()
		if err != nil {
			break
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Event stream closed for user %s", user)
}

// mediaPath strips the /media/ prefix from the request path.
func mediaPath(r *http.Request) string {
	return strings.TrimPrefix(r.URL.Path, "/media/")
}

func mediaStatusOf(err error) int {
	switch {
	case errors.Is(err, media.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, media.ErrBadPath):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrForeignBlob):
		return http.StatusForbidden
	case errors.Is(err, transport.ErrNoMediaStore):
		return http.StatusServiceUnavailable
	case errors.Is(err, pksync.ErrUnauthenticated):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleMediaPut(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userOf(w, r)
	if !ok {
		return
	}
	if err := s.hub.UploadToMedia(r.Context(), user, mediaPath(r), r.Body); err != nil {
		s.writeError(w, mediaStatusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMediaGet(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userOf(w, r)
	if !ok {
		return
	}
	rc, err := s.hub.DownloadFromMedia(r.Context(), user, mediaPath(r))
	if err != nil {
		s.writeError(w, mediaStatusOf(err), err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Printf("Failed to stream blob: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":        "ok",
		"schemaVersion": schema.Version,
	})
}
