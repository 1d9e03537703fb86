package presence

import (
	"fmt"
	"strings"

	"github.com/christopherjohns/roomchat/internal/logging"
	"github.com/christopherjohns/roomchat/internal/room"
	"github.com/christopherjohns/roomchat/internal/user"
)

// Reconnect re-enters a room from client-held session data. Nothing the
// client sends is trusted: the identity goes through the same checks as
// Join, and the room must still exist since reconnection never creates
// rooms. On failure nothing changes.
func (c *Coordinator) Reconnect(conn user.ConnID, username, email, roomName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	username, email = c.registry.Normalize(username, email)
	roomName = strings.TrimSpace(roomName)
	if err := required(username, email, roomName); err != nil {
		return err
	}
	if !c.rooms.Exists(roomName) {
		return notFound("Room no longer exists", room.ErrRoomNotFound)
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
		fmt.Sprintf("Welcome back to the %s room, %s!", roomName, id.Username),
		id.Username+" has rejoined the room",
		!collected,
	)
	c.logger.Info().Str(logging.FieldConnID, string(conn)).Str(logging.FieldUsername, id.Username).Str(logging.FieldRoom, roomName).Msg("session restored")
	return nil
}
