package room

import (
	"errors"
	"sync"

	"github.com/christopherjohns/roomchat/internal/message"
	"github.com/christopherjohns/roomchat/internal/user"
)

var (
	// ErrRoomExists is returned when explicitly creating a room that exists.
	ErrRoomExists = errors.New("room already exists")
	// ErrRoomNotFound is returned when a room is referenced but absent.
	ErrRoomNotFound = errors.New("room not found")
)

// Member is one connection's presence in a room.
type Member struct {
	Conn     user.ConnID `json:"id"`
	Username string      `json:"username"`
}

// Info is a point-in-time summary of a room.
type Info struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
	History int    `json:"history"`
	Default bool   `json:"default"`
}

// Room is a named broadcast group with its own bounded history.
type Room struct {
	name    string
	members []Member
	history *message.History
}

func (r *Room) indexOf(conn user.ConnID) int {
	for i, m := range r.members {
		if m.Conn == conn {
			return i
		}
	}
	return -1
}

// Sink observes history changes. It must not block.
type Sink interface {
	Record(room string, msg message.Message)
	Forget(room string)
}

// Directory owns every room, its member list and its history. Rooms are
// kept in creation order, default rooms first.
type Directory struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	order       []string
	defaults    map[string]bool
	historySize int
	sink        Sink
}

// Option configures a Directory.
type Option func(*Directory)

// WithHistorySize sets how many messages each room retains.
func WithHistorySize(n int) Option {
	return func(d *Directory) {
		d.historySize = n
	}
}

// WithSink registers an observer for appended messages and removed rooms.
func WithSink(s Sink) Option {
	return func(d *Directory) {
		d.sink = s
	}
}

// NewDirectory creates a directory holding the given permanent rooms.
func NewDirectory(defaults []string, opts ...Option) *Directory {
	d := &Directory{
		rooms:       make(map[string]*Room),
		defaults:    make(map[string]bool, len(defaults)),
		historySize: message.DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, name := range defaults {
		if d.defaults[name] {
			continue
		}
		d.defaults[name] = true
		d.create(name)
	}
	return d
}

// create must be called while holding mu (or before the directory is shared).
func (d *Directory) create(name string) *Room {
	r := &Room{
		name:    name,
		history: message.NewHistory(d.historySize),
	}
	d.rooms[name] = r
	d.order = append(d.order, name)
	return r
}

// Ensure returns the named room, creating it empty if needed. It reports
// whether the room was created.
func (d *Directory) Ensure(name string) (Info, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[name]
	if !ok {
		r = d.create(name)
	}
	return d.info(r), !ok
}

// CreateIfAbsent creates the named room, failing with ErrRoomExists if it
// is already present.
func (d *Directory) CreateIfAbsent(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.rooms[name]; ok {
		return ErrRoomExists
	}
	d.create(name)
	return nil
}

// Exists reports whether the named room is present.
func (d *Directory) Exists(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[name]
	return ok
}

// IsDefault reports whether name is one of the permanent rooms.
func (d *Directory) IsDefault(name string) bool {
	return d.defaults[name]
}

// AddMember adds conn to the room under username. A connection already in
// the room keeps its position and takes the new username.
func (d *Directory) AddMember(name string, conn user.ConnID, username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if i := r.indexOf(conn); i >= 0 {
		r.members[i].Username = username
		return nil
	}
	r.members = append(r.members, Member{Conn: conn, Username: username})
	return nil
}

// RemoveMember removes conn from the room and reports whether it was there.
// Callers must follow it with GCIfEmpty.
func (d *Directory) RemoveMember(name string, conn user.ConnID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[name]
	if !ok {
		return false
	}
	i := r.indexOf(conn)
	if i < 0 {
		return false
	}
	r.members = append(r.members[:i], r.members[i+1:]...)
	return true
}

// AppendHistory adds msg to the room's history, evicting the oldest entry
// when the room is at capacity.
func (d *Directory) AppendHistory(name string, msg message.Message) error {
	d.mu.Lock()
	r, ok := d.rooms[name]
	if ok {
		r.history.Append(msg)
	}
	d.mu.Unlock()

	if !ok {
		return ErrRoomNotFound
	}
	if d.sink != nil {
		d.sink.Record(name, msg)
	}
	return nil
}

// GCIfEmpty deletes the room if it has no members and is not a default
// room. It reports whether the room was deleted.
func (d *Directory) GCIfEmpty(name string) bool {
	d.mu.Lock()
	r, ok := d.rooms[name]
	if !ok || len(r.members) > 0 || d.defaults[name] {
		d.mu.Unlock()
		return false
	}
	delete(d.rooms, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	if d.sink != nil {
		d.sink.Forget(name)
	}
	return true
}

// Names returns the room names in directory order.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Members returns the room's members in join order, or nil if the room is absent.
func (d *Directory) Members(name string) []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[name]
	if !ok {
		return nil
	}
	out := make([]Member, len(r.members))
	copy(out, r.members)
	return out
}

// History returns a copy of the room's retained messages, oldest first.
func (d *Directory) History(name string) []message.Message {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[name]
	if !ok {
		return nil
	}
	return r.history.Snapshot()
}

// List returns a summary of every room in directory order.
func (d *Directory) List() []Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Info, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.info(d.rooms[name]))
	}
	return out
}

// info must be called while holding mu.
func (d *Directory) info(r *Room) Info {
	return Info{
		Name:    r.name,
		Members: len(r.members),
		History: r.history.Len(),
		Default: d.defaults[r.name],
	}
}
