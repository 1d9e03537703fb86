package ws

import (
	"github.com/rs/zerolog"

	"github.com/christopherjohns/roomchat/internal/logging"
	"github.com/christopherjohns/roomchat/internal/protocol"
	"github.com/christopherjohns/roomchat/internal/user"
)

// Hub encodes protocol events and queues them on the connection manager.
// It never blocks, so it can serve as the presence engine's outbox.
type Hub struct {
	conns  *ConnManager
	logger zerolog.Logger
}

// NewHub creates a Hub delivering through conns.
func NewHub(conns *ConnManager, logger zerolog.Logger) *Hub {
	return &Hub{
		conns:  conns,
		logger: logger.With().Str(logging.FieldComponent, "hub").Logger(),
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// Send encodes ev and queues it for conn. Frames for unknown connections
// are discarded.
func (h *Hub) Send(conn user.ConnID, ev protocol.Event) {
	data, err := ev.Encode()
	if err != nil {
		h.logger.Error().Err(err).Str(logging.FieldEvent, ev.Type).Msg("encode event failed")
		return
	}
	if !h.conns.Send(conn, data) {
		h.logger.Debug().Str(logging.FieldConnID, string(conn)).Str(logging.FieldEvent, ev.Type).Msg("event not queued")
	}
}
