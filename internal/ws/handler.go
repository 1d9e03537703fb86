package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/roomchat/internal/logging"
	"github.com/christopherjohns/roomchat/internal/presence"
	"github.com/christopherjohns/roomchat/internal/user"
)

// Handler upgrades HTTP requests to WebSocket connections and feeds their
// frames into the presence engine.
type Handler struct {
	coord     *presence.Coordinator
	conns     *ConnManager
	origins   []string
	readLimit int64
	logger    zerolog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithOriginPatterns restricts which browser origins may connect. With no
// patterns every origin is accepted.
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) {
		h.origins = patterns
	}
}

// WithReadLimit caps the size of a single inbound frame in bytes.
func WithReadLimit(n int64) HandlerOption {
	return func(h *Handler) {
		h.readLimit = n
	}
}

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(l zerolog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(coord *presence.Coordinator, conns *ConnManager, opts ...HandlerOption) *Handler {
	h := &Handler{
		coord:  coord,
		conns:  conns,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With().Str(logging.FieldComponent, "ws").Logger()
	return h
}

// ServeHTTP accepts the connection, registers it as a new anonymous
// presence session and runs the read loop. The session is torn down
// exactly once when the loop ends, however the connection was closed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: h.origins}
	if len(h.origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Warn().Err(err).Str(logging.FieldClientIP, logging.ClientIP(r)).Msg("accept failed")
		return
	}
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}

	id := user.ConnID(uuid.NewString())
	logger := h.logger.With().Str(logging.FieldConnID, string(id)).Logger()

	client := NewClient(id, conn, logging.ClientIP(r))
	ctx, err := h.conns.Add(r.Context(), client)
	if err != nil {
		logger.Warn().Err(err).Msg("connection refused")
		return
	}
	defer h.conns.Remove(id)

	h.coord.Connect(id)
	defer h.coord.Disconnect(id)
	logger.Info().Str(logging.FieldClientIP, client.remoteAddr).Msg("connection established")

	err = h.readLoop(ctx, client, logger)
	logger.Info().Int("close_status", int(websocket.CloseStatus(err))).Msg("connection closed")
	conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop hands every text frame to the coordinator until the connection
// fails or ctx is cancelled.
func (h *Handler) readLoop(ctx context.Context, c *Client, logger zerolog.Logger) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		h.conns.TouchActivity(c.id)

		if typ != websocket.MessageText {
			logger.Warn().Msg("ignoring binary frame")
			continue
		}
		h.coord.Handle(c.id, data)
	}
}
