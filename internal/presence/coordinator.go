// Package presence turns identity and room state into the chat protocol:
// registration, joining, switching and leaving rooms, reconnection and
// message fan-out.
//
// A Coordinator applies one operation at a time. Every state change and
// every outbound event for that change happens under a single lock, so the
// order in which members of a room observe broadcasts is the order in which
// messages were appended to the room's history.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/christopherjohns/roomchat/internal/logging"
	"github.com/christopherjohns/roomchat/internal/message"
	"github.com/christopherjohns/roomchat/internal/protocol"
	"github.com/christopherjohns/roomchat/internal/room"
	"github.com/christopherjohns/roomchat/internal/user"
)

const (
	// DefaultMaxMessageLength is the chat message limit in runes.
	DefaultMaxMessageLength = 2000
	// DefaultMaxRoomNameLength is the limit for explicitly created rooms.
	DefaultMaxRoomNameLength = 30
)

// Outbox delivers events to connections. Send must not block; the
// coordinator calls it while holding its lock.
type Outbox interface {
	Send(conn user.ConnID, ev protocol.Event)
}

// State is where a connection is in its lifecycle.
type State int

const (
	// Disconnected means the connection is unknown or torn down.
	Disconnected State = iota
	// Anonymous connections are open but hold no identity.
	Anonymous
	// Registered connections hold an identity but no room.
	Registered
	// InRoom connections are members of a room.
	InRoom
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Registered:
		return "registered"
	case InRoom:
		return "in_room"
	default:
		return "disconnected"
	}
}

// session is the coordinator's bookkeeping for one live connection.
type session struct {
	conn        user.ConnID
	room        string
	connectedAt time.Time
}

// Coordinator owns the presence state machine for every connection.
type Coordinator struct {
	mu       sync.Mutex
	registry *user.Registry
	rooms    *room.Directory
	out      Outbox
	sessions map[user.ConnID]*session

	now              func() time.Time
	maxMessageLength int
	maxRoomName      int
	logger           zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithMaxMessageLength sets the longest accepted chat message in runes.
func WithMaxMessageLength(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxMessageLength = n
		}
	}
}

// WithMaxRoomNameLength sets the longest room name create_room keeps.
func WithMaxRoomNameLength(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxRoomName = n
		}
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New creates a Coordinator over the given registry and directory.
func New(registry *user.Registry, rooms *room.Directory, out Outbox, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:         registry,
		rooms:            rooms,
		out:              out,
		sessions:         make(map[user.ConnID]*session),
		now:              time.Now,
		maxMessageLength: DefaultMaxMessageLength,
		maxRoomName:      DefaultMaxRoomNameLength,
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str(logging.FieldComponent, "presence").Logger()
	return c
}

// Connect records a new anonymous connection and sends it the room list.
func (c *Coordinator) Connect(conn user.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session(conn)
	c.to(conn, protocol.AvailableRooms(c.rooms.Names()))
	c.logger.Debug().Str(logging.FieldConnID, string(conn)).Msg("connection opened")
}

// Disconnect tears down everything held for conn: room membership,
// identity and session. It is safe to call for a connection that never
// registered, and calling it twice is a no-op.
func (c *Coordinator) Disconnect(conn user.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[conn]
	if ok && sess.room != "" {
		id, _ := c.registry.Get(conn)
		c.leave(sess, id.Username, true)
	}
	c.registry.Unregister(conn)
	delete(c.sessions, conn)
	if ok {
		c.logger.Debug().Str(logging.FieldConnID, string(conn)).Msg("connection closed")
	}
}

// State returns where conn is in its lifecycle.
func (c *Coordinator) State(conn user.ConnID) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[conn]
	switch {
	case !ok:
		return Disconnected
	case sess.room != "":
		return InRoom
	}
	if _, ok := c.registry.Get(conn); ok {
		return Registered
	}
	return Anonymous
}

// Room returns the room conn is in, or "" if none.
func (c *Coordinator) Room(conn user.ConnID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[conn]; ok {
		return sess.room
	}
	return ""
}

// Rooms returns a summary of every room.
func (c *Coordinator) Rooms() []room.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms.List()
}

// Connections returns the number of live connections.
func (c *Coordinator) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// session returns conn's session, creating an anonymous one if needed.
// Must be called while holding mu.
func (c *Coordinator) session(conn user.ConnID) *session {
	sess, ok := c.sessions[conn]
	if !ok {
		sess = &session{conn: conn, connectedAt: c.now()}
		c.sessions[conn] = sess
	}
	return sess
}

func (c *Coordinator) to(conn user.ConnID, ev protocol.Event) {
	c.out.Send(conn, ev)
}

// toRoom sends ev to every member of the room except the given connection.
func (c *Coordinator) toRoom(name string, ev protocol.Event, except user.ConnID) {
	for _, m := range c.rooms.Members(name) {
		if m.Conn != except {
			c.out.Send(m.Conn, ev)
		}
	}
}

func (c *Coordinator) toAll(ev protocol.Event) {
	for conn := range c.sessions {
		c.out.Send(conn, ev)
	}
}

func (c *Coordinator) announceRooms() {
	c.toAll(protocol.AvailableRooms(c.rooms.Names()))
}

// post appends a system message to the room's history and sends it to the
// room's members except one.
func (c *Coordinator) post(name string, msg message.Message, except user.ConnID) {
	c.toRoom(name, protocol.Message(msg), except)
	if err := c.rooms.AppendHistory(name, msg); err != nil {
		c.logger.Error().Err(err).Str(logging.FieldRoom, name).Msg("append history failed")
	}
}
