// Package protocol defines the JSON frames exchanged between chat clients
// and the presence engine.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/christopherjohns/roomchat/internal/message"
	"github.com/christopherjohns/roomchat/internal/room"
	"github.com/christopherjohns/roomchat/internal/user"
)

// Inbound event types.
const (
	TypeRegisterUser     = "register_user"
	TypeJoin             = "join"
	TypeReconnectSession = "reconnect_session"
	TypeCreateRoom       = "create_room"
	TypeSwitchRoom       = "switch_room"
	TypeSendMessage      = "send_message"
)

// Outbound event types.
const (
	TypeRegistrationSuccess = "registration_success"
	TypeUsernameTaken       = "username_taken"
	TypeEmailTaken          = "email_taken"
	TypeJoinSuccess         = "join_success"
	TypeRoomCreated         = "room_created"
	TypeRoomExists          = "room_exists"
	TypeError               = "error"
	TypeRoomUsers           = "room_users"
	TypeMessage             = "message"
	TypeAvailableRooms      = "available_rooms"
)

// Envelope is the JSON structure sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw frame into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, errors.New("missing event type")
	}
	return env, nil
}

// Bind decodes the envelope payload into v. An absent payload leaves v zero.
func (e Envelope) Bind(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// RegisterPayload is sent by the client to claim an identity.
type RegisterPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// JoinPayload is sent by the client to join or reconnect to a room.
type JoinPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Room     string `json:"room"`
}

// RoomPayload names a room for create_room, switch_room and room_created.
type RoomPayload struct {
	Name string `json:"name"`
}

// SendMessagePayload is sent by the client to post to its room.
type SendMessagePayload struct {
	Text string `json:"text"`
}

// RegistrationSuccessPayload confirms a registration.
type RegistrationSuccessPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// JoinSuccessPayload confirms room entry and carries the room's history.
type JoinSuccessPayload struct {
	Room     string            `json:"room"`
	Username string            `json:"username"`
	Messages []message.Message `json:"messages"`
}

// ErrorPayload carries a human-readable failure.
type ErrorPayload struct {
	Text string `json:"text"`
}

// RoomUsersPayload lists a room's members in join order.
type RoomUsersPayload struct {
	Room  string        `json:"room"`
	Users []room.Member `json:"users"`
}

// AvailableRoomsPayload lists every room in directory order.
type AvailableRoomsPayload struct {
	Names []string `json:"names"`
}

// Event is one outbound frame before encoding.
type Event struct {
	Type    string
	Payload any
}

// Encode marshals the event into an envelope frame.
func (e Event) Encode() ([]byte, error) {
	var payload json.RawMessage
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
		}
		payload = data
	} else {
		payload = json.RawMessage("{}")
	}
	return json.Marshal(Envelope{Type: e.Type, Payload: payload})
}

// RegistrationSuccess confirms the identity bound to the connection.
func RegistrationSuccess(id user.Identity) Event {
	return Event{Type: TypeRegistrationSuccess, Payload: RegistrationSuccessPayload{Username: id.Username, Email: id.Email}}
}

// JoinSuccess confirms room entry. A nil history is sent as an empty list.
func JoinSuccess(roomName, username string, history []message.Message) Event {
	if history == nil {
		history = []message.Message{}
	}
	return Event{Type: TypeJoinSuccess, Payload: JoinSuccessPayload{Room: roomName, Username: username, Messages: history}}
}

// RoomCreated tells the requester the stored room name.
func RoomCreated(name string) Event {
	return Event{Type: TypeRoomCreated, Payload: RoomPayload{Name: name}}
}

// RoomUsers carries a room's member list in join order.
func RoomUsers(roomName string, members []room.Member) Event {
	if members == nil {
		members = []room.Member{}
	}
	return Event{Type: TypeRoomUsers, Payload: RoomUsersPayload{Room: roomName, Users: members}}
}

// Message carries one chat or system message.
func Message(msg message.Message) Event {
	return Event{Type: TypeMessage, Payload: msg}
}

// AvailableRooms carries every room name in directory order.
func AvailableRooms(names []string) Event {
	return Event{Type: TypeAvailableRooms, Payload: AvailableRoomsPayload{Names: names}}
}

// Error builds a generic error event.
func Error(text string) Event {
	return Event{Type: TypeError, Payload: ErrorPayload{Text: text}}
}

// ErrorEvent maps a failed operation to the signal the client expects:
// uniqueness conflicts and duplicate rooms get dedicated events, anything
// else becomes an error event carrying the error text.
func ErrorEvent(err error) Event {
	switch {
	case errors.Is(err, user.ErrUsernameTaken):
		return Event{Type: TypeUsernameTaken}
	case errors.Is(err, user.ErrEmailTaken):
		return Event{Type: TypeEmailTaken}
	case errors.Is(err, room.ErrRoomExists):
		return Event{Type: TypeRoomExists}
	default:
		return Error(err.Error())
	}
}

// UnmarshalJSON accepts either {"name": "..."} or a bare JSON string.
func (p *RoomPayload) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		p.Name = name
		return nil
	}
	type plain RoomPayload
	return json.Unmarshal(data, (*plain)(p))
}

// UnmarshalJSON accepts either {"text": "..."} or a bare JSON string.
func (p *SendMessagePayload) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		p.Text = text
		return nil
	}
	type plain SendMessagePayload
	return json.Unmarshal(data, (*plain)(p))
}
