package presence

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/christopherjohns/roomchat/internal/logging"
	"github.com/christopherjohns/roomchat/internal/markup"
	"github.com/christopherjohns/roomchat/internal/message"
	"github.com/christopherjohns/roomchat/internal/protocol"
	"github.com/christopherjohns/roomchat/internal/user"
)

// CreateRoom adds an empty room to the directory. It fails if the name is
// taken and does not move anyone into the room.
func (c *Coordinator) CreateRoom(conn user.ConnID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session(conn)
	name, err := c.addRoom(name)
	if err != nil {
		return err
	}
	c.to(conn, protocol.RoomCreated(name))
	return nil
}

// AddRoom creates a room outside any connection, for the HTTP API. It
// returns the stored name.
func (c *Coordinator) AddRoom(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addRoom(name)
}

func (c *Coordinator) addRoom(name string) (string, error) {
	name = user.Truncate(strings.TrimSpace(name), c.maxRoomName)
	if name == "" {
		return "", validation("Room name is required")
	}
	if err := c.rooms.CreateIfAbsent(name); err != nil {
		return "", &Error{Kind: ErrAlreadyExists, Text: "Room already exists", Err: err}
	}
	c.announceRooms()
	c.logger.Info().Str(logging.FieldRoom, name).Msg("room created")
	return name, nil
}

// SendMessage sanitizes text and broadcasts it to the sender's room,
// sender included, then appends it to the room's history. It does nothing
// when the connection is in no room or the text is blank.
func (c *Coordinator) SendMessage(conn user.ConnID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[conn]
	if !ok || sess.room == "" {
		return nil
	}
	id, ok := c.registry.Get(conn)
	if !ok {
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) > c.maxMessageLength {
		return validation(fmt.Sprintf("Message exceeds maximum length of %d characters", c.maxMessageLength))
	}

	msg := message.New(id.Username, markup.Sanitize(text), c.now())
	c.toRoom(sess.room, protocol.Message(msg), "")
	if err := c.rooms.AppendHistory(sess.room, msg); err != nil {
		c.logger.Error().Err(err).Str(logging.FieldRoom, sess.room).Msg("append history failed")
		return notFound("Room does not exist", err)
	}
	c.logger.Debug().Str(logging.FieldConnID, string(conn)).Str(logging.FieldRoom, sess.room).Msg("message sent")
	return nil
}
