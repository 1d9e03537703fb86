package presence

import (
	"fmt"

	"github.com/christopherjohns/roomchat/internal/logging"
	"github.com/christopherjohns/roomchat/internal/protocol"
	"github.com/christopherjohns/roomchat/internal/user"
)

// Handle decodes one inbound frame from conn and applies it. Failures are
// reported back to conn as protocol events.
func (c *Coordinator) Handle(conn user.ConnID, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Str(logging.FieldConnID, string(conn)).Msg("undecodable frame")
		c.to(conn, protocol.Error("invalid message format"))
		return
	}

	if err := c.dispatch(conn, env); err != nil {
		c.logger.Debug().Err(err).Str(logging.FieldConnID, string(conn)).Str(logging.FieldEvent, env.Type).Msg("event rejected")
		c.to(conn, protocol.ErrorEvent(err))
	}
}

func (c *Coordinator) dispatch(conn user.ConnID, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeRegisterUser:
		var p protocol.RegisterPayload
		if err := env.Bind(&p); err != nil {
			return validation("invalid message format")
		}
		return c.Register(conn, p.Username, p.Email)

	case protocol.TypeJoin:
		var p protocol.JoinPayload
		if err := env.Bind(&p); err != nil {
			return validation("invalid message format")
		}
		return c.Join(conn, p.Username, p.Email, p.Room)

	case protocol.TypeReconnectSession:
		var p protocol.JoinPayload
		if err := env.Bind(&p); err != nil {
			return validation("invalid message format")
		}
		return c.Reconnect(conn, p.Username, p.Email, p.Room)

	case protocol.TypeCreateRoom:
		var p protocol.RoomPayload
		if err := env.Bind(&p); err != nil {
			return validation("invalid message format")
		}
		return c.CreateRoom(conn, p.Name)

	case protocol.TypeSwitchRoom:
		var p protocol.RoomPayload
		if err := env.Bind(&p); err != nil {
			return validation("invalid message format")
		}
		return c.SwitchRoom(conn, p.Name)

	case protocol.TypeSendMessage:
		var p protocol.SendMessagePayload
		if err := env.Bind(&p); err != nil {
			return validation("invalid message format")
		}
		return c.SendMessage(conn, p.Text)

	default:
		return validation(fmt.Sprintf("unknown event %q", env.Type))
	}
}
