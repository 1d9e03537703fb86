package message

// DefaultHistorySize is the number of messages a room retains.
const DefaultHistorySize = 100

// History is a bounded FIFO of a room's most recent messages. It is not
// safe for concurrent use; the room directory serializes access.
type History struct {
	msgs     []Message
	capacity int
}

// NewHistory creates a history that retains up to capacity messages.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{
		msgs:     make([]Message, 0, capacity),
		capacity: capacity,
	}
}

// Append adds msg, evicting the oldest message first when the history is
// full. It reports whether a message was evicted.
func (h *History) Append(msg Message) bool {
	evicted := false
	if len(h.msgs) >= h.capacity {
		n := copy(h.msgs, h.msgs[len(h.msgs)-h.capacity+1:])
		h.msgs = h.msgs[:n]
		evicted = true
	}
	h.msgs = append(h.msgs, msg)
	return evicted
}

// Snapshot returns a copy of the retained messages, oldest first.
func (h *History) Snapshot() []Message {
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of retained messages.
func (h *History) Len() int {
	return len(h.msgs)
}
