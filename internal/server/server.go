// Package server wires the HTTP routes: health, room listing and
// creation, transport stats and the WebSocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/christopherjohns/roomchat/internal/logging"
	"github.com/christopherjohns/roomchat/internal/message"
	"github.com/christopherjohns/roomchat/internal/presence"
	"github.com/christopherjohns/roomchat/internal/ratelimit"
	"github.com/christopherjohns/roomchat/internal/room"
	"github.com/christopherjohns/roomchat/internal/ws"
)

const (
	defaultMirrorLimit = 50
	maxMirrorLimit     = 1000
)

// MirrorReader reads back mirrored room history for inspection.
type MirrorReader interface {
	Recent(ctx context.Context, room string, n int) ([]message.Message, error)
	Count(ctx context.Context, room string) (int, error)
}

// Server is the main HTTP server.
type Server struct {
	srv     *http.Server
	mux     *http.ServeMux
	coord   *presence.Coordinator
	conns   *ws.ConnManager
	limiter *ratelimit.IPLimiter
	mirror  MirrorReader
	wsOpts  []ws.HandlerOption
	logger  zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRateLimiter throttles WebSocket connection attempts per IP.
func WithRateLimiter(l *ratelimit.IPLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithMirror exposes the history mirror on GET /api/rooms/{name}/mirror.
func WithMirror(m MirrorReader) Option {
	return func(s *Server) {
		s.mirror = m
	}
}

// WithWebSocketOptions passes options through to the WebSocket handler.
func WithWebSocketOptions(opts ...ws.HandlerOption) Option {
	return func(s *Server) {
		s.wsOpts = append(s.wsOpts, opts...)
	}
}

// WithReadHeaderTimeout bounds how long a client may take to send headers.
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.srv.ReadHeaderTimeout = d
	}
}

// New creates a Server listening on addr.
func New(addr string, coord *presence.Coordinator, conns *ws.ConnManager, opts ...Option) *Server {
	s := &Server{
		srv:    &http.Server{Addr: addr, ReadHeaderTimeout: 10 * time.Second},
		mux:    http.NewServeMux(),
		coord:  coord,
		conns:  conns,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str(logging.FieldComponent, "http").Logger()
	s.routes()
	s.srv.Handler = logging.Middleware(s.logger)(s.mux)
	return s
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Run() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then closes every WebSocket so each
// session is torn down through the normal disconnect path.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.conns.Shutdown()
	return err
}

func (s *Server) routes() {
	var wsHandler http.Handler = ws.NewHandler(s.coord, s.conns,
		append([]ws.HandlerOption{ws.WithHandlerLogger(s.logger)}, s.wsOpts...)...)
	if s.limiter != nil {
		wsHandler = s.limiter.Middleware(s.logger)(wsHandler)
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	s.mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
	s.mux.HandleFunc("GET /api/rooms/{name}/mirror", s.handleMirror)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.Handle("GET /ws", wsHandler)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Rooms())
}

type createRoomRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	name, err := s.coord.AddRoom(req.Name)
	switch {
	case errors.Is(err, presence.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, presence.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logging.Ctx(r.Context()).Error().Err(err).Msg("create room failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, room.Info{Name: name})
}

type statsResponse struct {
	Sessions int           `json:"sessions"`
	Rooms    int           `json:"rooms"`
	Conns    ws.ConnStats  `json:"conns"`
	Clients  []ws.ConnInfo `json:"clients"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Sessions: s.coord.Connections(),
		Rooms:    len(s.coord.Rooms()),
		Conns:    s.conns.Stats(),
		Clients:  s.conns.Clients(),
	})
}

type mirrorResponse struct {
	Room     string            `json:"room"`
	Count    int               `json:"count"`
	Messages []message.Message `json:"messages"`
}

func (s *Server) handleMirror(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		writeError(w, http.StatusNotFound, "history mirror disabled")
		return
	}

	limit := defaultMirrorLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxMirrorLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	name := r.PathValue("name")
	count, err := s.mirror.Count(r.Context(), name)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str(logging.FieldRoom, name).Msg("read mirror failed")
		writeError(w, http.StatusBadGateway, "history mirror unavailable")
		return
	}
	msgs, err := s.mirror.Recent(r.Context(), name, limit)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str(logging.FieldRoom, name).Msg("read mirror failed")
		writeError(w, http.StatusBadGateway, "history mirror unavailable")
		return
	}

	writeJSON(w, http.StatusOK, mirrorResponse{Room: name, Count: count, Messages: msgs})
}
