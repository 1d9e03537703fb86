package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/roomchat/internal/message"
	"github.com/christopherjohns/roomchat/internal/presence"
	"github.com/christopherjohns/roomchat/internal/protocol"
	"github.com/christopherjohns/roomchat/internal/room"
	"github.com/christopherjohns/roomchat/internal/user"
)

type handlerEnv struct {
	ts    *httptest.Server
	coord *presence.Coordinator
	conns *ConnManager
	rooms *room.Directory
}

func newHandlerTestServer(t *testing.T, opts ...ConnManagerOption) *handlerEnv {
	t.Helper()
	conns := NewConnManager(append([]ConnManagerOption{WithSendBuffer(64)}, opts...)...)
	rooms := room.NewDirectory([]string{"General", "Technology", "Random"})
	coord := presence.New(user.NewRegistry(0), rooms, NewHub(conns, zerolog.Nop()))
	ts := httptest.NewServer(NewHandler(coord, conns, WithReadLimit(1<<16)))
	t.Cleanup(ts.Close)
	return &handlerEnv{ts: ts, coord: coord, conns: conns, rooms: rooms}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope %s: %v", data, err)
	}
	return env
}

// readUntil discards frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) protocol.Envelope {
	t.Helper()
	for i := 0; i < 50; i++ {
		if env := readEnvelope(t, conn); env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s frame within 50 frames", typ)
	return protocol.Envelope{}
}

// readMessageText discards frames until a message with the given text.
func readMessageText(t *testing.T, conn *websocket.Conn, text string) message.Message {
	t.Helper()
	for i := 0; i < 50; i++ {
		env := readUntil(t, conn, protocol.TypeMessage)
		var msg message.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			t.Fatalf("unmarshal message: %v", err)
		}
		if msg.Text == text {
			return msg
		}
	}
	t.Fatalf("no message %q", text)
	return message.Message{}
}

func writeEvent(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	frame, _ := json.Marshal(protocol.Envelope{Type: typ, Payload: data})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func dialAndJoin(t *testing.T, url, username, roomName string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, url)
	readUntil(t, conn, protocol.TypeAvailableRooms)
	writeEvent(t, conn, protocol.TypeJoin, protocol.JoinPayload{
		Username: username,
		Email:    username + "@example.com",
		Room:     roomName,
	})
	readUntil(t, conn, protocol.TypeJoinSuccess)
	return conn
}

func waitForConnections(t *testing.T, coord *presence.Coordinator, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for coord.Connections() != want && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if coord.Connections() != want {
		t.Fatalf("expected %d connections, got %d", want, coord.Connections())
	}
}

func TestHandlerSendsRoomsOnConnect(t *testing.T) {
	env := newHandlerTestServer(t)
	conn := dialWS(t, env.ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	first := readEnvelope(t, conn)
	if first.Type != protocol.TypeAvailableRooms {
		t.Fatalf("expected available_rooms first, got %q", first.Type)
	}
	var p protocol.AvailableRoomsPayload
	if err := json.Unmarshal(first.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Names) != 3 || p.Names[0] != "General" {
		t.Errorf("unexpected rooms %v", p.Names)
	}
}

func TestHandlerJoinAndChat(t *testing.T) {
	env := newHandlerTestServer(t)

	alice := dialAndJoin(t, env.ts.URL, "alice", "General")
	defer alice.Close(websocket.StatusNormalClosure, "")
	bob := dialAndJoin(t, env.ts.URL, "bob", "General")
	defer bob.Close(websocket.StatusNormalClosure, "")

	readMessageText(t, alice, "bob has joined the room")

	writeEvent(t, alice, protocol.TypeSendMessage, protocol.SendMessagePayload{Text: "hi <i>bob</i>"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := readMessageText(t, conn, "hi <i>bob</i>")
		if msg.Author != "alice" {
			t.Errorf("expected author alice, got %q", msg.Author)
		}
	}
}

func TestHandlerUsernameTaken(t *testing.T) {
	env := newHandlerTestServer(t)

	alice := dialAndJoin(t, env.ts.URL, "alice", "General")
	defer alice.Close(websocket.StatusNormalClosure, "")

	imposter := dialWS(t, env.ts.URL)
	defer imposter.Close(websocket.StatusNormalClosure, "")
	readUntil(t, imposter, protocol.TypeAvailableRooms)
	writeEvent(t, imposter, protocol.TypeJoin, protocol.JoinPayload{
		Username: "alice",
		Email:    "other@example.com",
		Room:     "General",
	})

	if got := readEnvelope(t, imposter); got.Type != protocol.TypeUsernameTaken {
		t.Fatalf("expected username_taken, got %q", got.Type)
	}
}

func TestHandlerDisconnectNotifiesRoom(t *testing.T) {
	env := newHandlerTestServer(t)

	alice := dialAndJoin(t, env.ts.URL, "alice", "General")
	defer alice.Close(websocket.StatusNormalClosure, "")
	bob := dialAndJoin(t, env.ts.URL, "bob", "General")
	readMessageText(t, alice, "bob has joined the room")

	bob.Close(websocket.StatusNormalClosure, "")

	ru := readUntil(t, alice, protocol.TypeRoomUsers)
	var p protocol.RoomUsersPayload
	if err := json.Unmarshal(ru.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Users) != 1 || p.Users[0].Username != "alice" {
		t.Errorf("expected only alice, got %+v", p.Users)
	}

	left := readUntil(t, alice, protocol.TypeMessage)
	var msg message.Message
	if err := json.Unmarshal(left.Payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Author != message.SystemAuthor || msg.Text != "bob has left the room" {
		t.Errorf("expected the left notice right after the member list, got %+v", msg)
	}
	waitForConnections(t, env.coord, 1)
}

func TestHandlerBadFrame(t *testing.T) {
	env := newHandlerTestServer(t)
	conn := dialWS(t, env.ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readUntil(t, conn, protocol.TypeAvailableRooms)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatal(err)
	}

	got := readUntil(t, conn, protocol.TypeError)
	var p protocol.ErrorPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Text != "invalid message format" {
		t.Errorf("unexpected error text %q", p.Text)
	}
	if env.coord.Connections() != 1 {
		t.Error("a bad frame must not drop the connection")
	}
}

func TestHandlerShutdownTearsDownSessions(t *testing.T) {
	env := newHandlerTestServer(t)

	alice := dialAndJoin(t, env.ts.URL, "alice", "side")
	defer alice.Close(websocket.StatusNormalClosure, "")

	env.conns.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := alice.Read(ctx); err != nil {
			break
		}
	}
	waitForConnections(t, env.coord, 0)
	if env.rooms.Exists("side") {
		t.Error("expected the emptied room to be collected")
	}
}

func TestHandlerAtCapacity(t *testing.T) {
	env := newHandlerTestServer(t, WithMaxConns(1))

	first := dialWS(t, env.ts.URL)
	defer first.Close(websocket.StatusNormalClosure, "")
	readUntil(t, first, protocol.TypeAvailableRooms)

	second := dialWS(t, env.ts.URL)
	defer second.Close(websocket.StatusNormalClosure, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Fatalf("expected StatusTryAgainLater, got %v", err)
	}
	if env.coord.Connections() != 1 {
		t.Errorf("refused connection reached the coordinator")
	}
}
