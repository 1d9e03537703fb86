package presence

import (
	"fmt"
	"strings"

	"github.com/christopherjohns/roomchat/internal/logging"
	"github.com/christopherjohns/roomchat/internal/message"
	"github.com/christopherjohns/roomchat/internal/protocol"
	"github.com/christopherjohns/roomchat/internal/room"
	"github.com/christopherjohns/roomchat/internal/user"
)

// Register binds an identity to conn without entering a room.
func (c *Coordinator) Register(conn user.ConnID, username, email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.session(conn)
	id, err := c.registry.Register(conn, username, email)
	if err != nil {
		return classify(err)
	}
	c.to(conn, protocol.RegistrationSuccess(id))

	// A connection already in a room shows up under its new name.
	if sess.room != "" {
		if err := c.rooms.AddMember(sess.room, conn, id.Username); err == nil {
			c.toRoom(sess.room, protocol.RoomUsers(sess.room, c.rooms.Members(sess.room)), "")
		}
	}
	c.logger.Info().Str(logging.FieldConnID, string(conn)).Str(logging.FieldUsername, id.Username).Msg("user registered")
	return nil
}

// Join validates and binds the identity, leaves the connection's current
// room if any, and enters roomName, creating it if needed. On failure
// nothing changes.
//
// Joining the room the connection is already in still runs the full
// leave and enter sequence; the room is not collected in between.
func (c *Coordinator) Join(conn user.ConnID, username, email, roomName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	username, email = c.registry.Normalize(username, email)
	roomName = strings.TrimSpace(roomName)
	if err := required(username, email, roomName); err != nil {
		return err
	}
	if _, err := c.registry.Check(conn, username, email); err != nil {
		return classify(err)
	}

	sess := c.session(conn)
	collected := false
	if sess.room != "" {
		prev, _ := c.registry.Get(conn)
		collected = c.leave(sess, prev.Username, sess.room != roomName)
	}

	id, err := c.registry.Register(conn, username, email)
	if err != nil {
		return classify(err)
	}
	c.enter(sess, id, roomName,
		fmt.Sprintf("Welcome to the %s room, %s!", roomName, id.Username),
		id.Username+" has joined the room",
		!collected,
	)
	c.logger.Info().Str(logging.FieldConnID, string(conn)).Str(logging.FieldUsername, id.Username).Str(logging.FieldRoom, roomName).Msg("user joined")
	return nil
}

// SwitchRoom moves a registered connection into an existing room. It is a
// no-op when the connection is already there and never creates rooms.
func (c *Coordinator) SwitchRoom(conn user.ConnID, roomName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.session(conn)
	id, ok := c.registry.Get(conn)
	if !ok {
		return validation("You must be logged in to switch rooms")
	}
	roomName = strings.TrimSpace(roomName)
	if roomName == "" {
		return validation("Invalid room name")
	}
	if roomName == sess.room {
		return nil
	}
	if !c.rooms.Exists(roomName) {
		return notFound("Room does not exist", room.ErrRoomNotFound)
	}

	if sess.room != "" {
		c.leave(sess, id.Username, true)
	}
	c.enter(sess, id, roomName,
		fmt.Sprintf("Welcome to the %s room, %s!", roomName, id.Username),
		id.Username+" has joined the room",
		false,
	)
	c.logger.Info().Str(logging.FieldConnID, string(conn)).Str(logging.FieldUsername, id.Username).Str(logging.FieldRoom, roomName).Msg("user switched room")
	return nil
}

func required(username, email, roomName string) error {
	switch {
	case username == "":
		return validation("Username is required")
	case email == "":
		return validation("Email is required")
	case roomName == "":
		return validation("Room is required")
	}
	return nil
}

// enter adds the connection to the room and runs the join announcements:
// join_success with the room's history to the caller, the member list to
// the room, the room list to everyone when announce is set or the room
// was created, the welcome to the caller and the joined notice to
// everyone else. Both
// system messages are kept in history. Must be called while holding mu.
func (c *Coordinator) enter(sess *session, id user.Identity, name, welcome, joined string, announce bool) {
	if _, created := c.rooms.Ensure(name); created {
		announce = true
		c.logger.Info().Str(logging.FieldRoom, name).Msg("room created")
	}
	if err := c.rooms.AddMember(name, sess.conn, id.Username); err != nil {
		c.logger.Error().Err(err).Str(logging.FieldRoom, name).Msg("add member failed")
		return
	}
	sess.room = name

	c.to(sess.conn, protocol.JoinSuccess(name, id.Username, c.rooms.History(name)))
	c.toRoom(name, protocol.RoomUsers(name, c.rooms.Members(name)), "")
	if announce {
		c.announceRooms()
	}

	now := c.now()
	welcomeMsg := message.System(welcome, now)
	c.to(sess.conn, protocol.Message(welcomeMsg))
	if err := c.rooms.AppendHistory(name, welcomeMsg); err != nil {
		c.logger.Error().Err(err).Str(logging.FieldRoom, name).Msg("append history failed")
	}
	c.post(name, message.System(joined, now), sess.conn)
}

// leave removes the connection from its room. When collect is set and the
// room is left empty and is not a default room, the room is deleted and
// the new room list goes to everyone; otherwise the remaining members get
// the new member list and then the left notice. It reports whether the room
// was deleted. Must be called while holding mu.
func (c *Coordinator) leave(sess *session, username string, collect bool) bool {
	name := sess.room
	sess.room = ""
	if !c.rooms.RemoveMember(name, sess.conn) {
		return false
	}

	if collect && c.rooms.GCIfEmpty(name) {
		c.logger.Info().Str(logging.FieldRoom, name).Msg("room removed")
		c.announceRooms()
		return true
	}
	c.toRoom(name, protocol.RoomUsers(name, c.rooms.Members(name)), "")
	c.post(name, message.System(username+" has left the room", c.now()), "")
	return false
}
