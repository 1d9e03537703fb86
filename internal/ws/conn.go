package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/roomchat/internal/logging"
	"github.com/christopherjohns/roomchat/internal/user"
)

const (
	// DefaultSendBuffer is the number of frames that can be queued per client.
	DefaultSendBuffer = 16

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

var (
	// ErrAtCapacity is returned by Add when the connection limit is reached.
	ErrAtCapacity = errors.New("server at capacity")
	// ErrShuttingDown is returned by Add after Shutdown.
	ErrShuttingDown = errors.New("server shutting down")
)

// Client is one accepted WebSocket connection.
type Client struct {
	id         user.ConnID
	conn       *websocket.Conn
	remoteAddr string
	send       chan []byte

	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// NewClient wraps an accepted connection.
func NewClient(id user.ConnID, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{id: id, conn: conn, remoteAddr: remoteAddr}
}

// ID returns the client's connection ID.
func (c *Client) ID() user.ConnID {
	return c.id
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"max_conns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"dropped_messages"`
	IdleReaped      int64 `json:"idle_reaped"`
}

// ConnInfo holds metadata about a single connection.
type ConnInfo struct {
	ID          user.ConnID   `json:"id"`
	RemoteAddr  string        `json:"remote_addr"`
	ConnectedAt time.Time     `json:"connected_at"`
	LastActive  time.Time     `json:"last_active"`
	Idle        time.Duration `json:"idle"`
}

// ConnManager tracks all active WebSocket connections and provides
// lifecycle management including graceful shutdown, per-client
// buffered send channels, connection limits, and idle detection.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[user.ConnID]*Client
	closed   bool
	stopIdle context.CancelFunc

	maxConns     int
	idleTTL      time.Duration
	sendBuffer   int
	writeTimeout time.Duration
	logger       zerolog.Logger

	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can be idle before
// it is automatically closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// WithSendBuffer sets the per-client outbound queue length.
func WithSendBuffer(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		if n > 0 {
			cm.sendBuffer = n
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		if d > 0 {
			cm.writeTimeout = d
		}
	}
}

// WithConnLogger sets the manager's logger.
func WithConnLogger(l zerolog.Logger) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.logger = l
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients:      make(map[user.ConnID]*Client),
		sendBuffer:   DefaultSendBuffer,
		writeTimeout: DefaultWriteTimeout,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	cm.logger = cm.logger.With().Str(logging.FieldComponent, "ws").Logger()
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned context
// is derived from parent and is cancelled when the client is removed or
// the manager shuts down; the read loop should read with it. When the
// manager is closed or full the connection is closed and an error is
// returned.
func (cm *ConnManager) Add(parent context.Context, c *Client) (context.Context, error) {
	cm.mu.Lock()
	switch {
	case cm.closed:
		cm.mu.Unlock()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return nil, ErrShuttingDown
	case cm.maxConns > 0 && len(cm.clients) >= cm.maxConns:
		cm.mu.Unlock()
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return nil, ErrAtCapacity
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(parent)
	c.send = make(chan []byte, cm.sendBuffer)
	c.cancel = cancel
	c.connectedAt = now
	c.lastActive = now
	cm.clients[c.id] = c
	cm.mu.Unlock()

	go cm.writePump(ctx, c)
	return ctx, nil
}

// Remove stops a client's write pump and forgets it. Removing an unknown
// client is a no-op.
func (cm *ConnManager) Remove(id user.ConnID) {
	cm.mu.Lock()
	c, ok := cm.clients[id]
	delete(cm.clients, id)
	cm.mu.Unlock()

	if ok {
		c.cancel()
	}
}

// Send queues a frame for delivery to the client without blocking.
// It returns false if the client is unknown or its buffer is full; a full
// buffer drops the frame.
func (cm *ConnManager) Send(id user.ConnID, data []byte) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.clients[id]
	if !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		cm.droppedMessages.Add(1)
		cm.logger.Warn().Str(logging.FieldConnID, string(id)).Msg("send buffer full, dropping frame")
		return false
	}
}

// TouchActivity updates the last-active timestamp for a client.
func (cm *ConnManager) TouchActivity(id user.ConnID) {
	cm.mu.Lock()
	if c, ok := cm.clients[id]; ok {
		c.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        cm.maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// Clients returns metadata for all active connections.
func (cm *ConnManager) Clients() []ConnInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	result := make([]ConnInfo, 0, len(cm.clients))
	for _, c := range cm.clients {
		result = append(result, ConnInfo{
			ID:          c.id,
			RemoteAddr:  c.remoteAddr,
			ConnectedAt: c.connectedAt,
			LastActive:  c.lastActive,
			Idle:        now.Sub(c.lastActive),
		})
	}
	return result
}

// Shutdown closes every connection with StatusGoingAway and rejects new
// ones.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := cm.clients
	cm.clients = make(map[user.ConnID]*Client)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for _, c := range clients {
		c.cancel()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	cm.logger.Info().Int("closed", len(clients)).Msg("connections shut down")
}

func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
// The handler's read loop then fails and runs the normal teardown.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	var stale []*Client
	for id, c := range cm.clients {
		if now.Sub(c.lastActive) > cm.idleTTL {
			stale = append(stale, c)
			delete(cm.clients, id)
		}
	}
	cm.mu.Unlock()

	for _, c := range stale {
		c.cancel()
		c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		cm.logger.Info().Str(logging.FieldConnID, string(c.id)).Msg("reaped idle connection")
	}
}

// writePump drains the client's send channel, writing each frame to the
// WebSocket. It exits when ctx is cancelled or a write fails.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, cm.writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				cm.logger.Debug().Err(err).Str(logging.FieldConnID, string(c.id)).Msg("write failed")
				return
			}
		}
	}
}
