package message

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/christopherjohns/roomchat/internal/logging"
)

// mirrorTimeout bounds each Redis round trip made by the worker.
const mirrorTimeout = 2 * time.Second

// mirrorOp is one queued write. A nil msg deletes the room's list.
type mirrorOp struct {
	room string
	msg  *Message
}

// RedisMirror copies room history into Redis lists on a background worker.
// It is write-only from the engine's point of view: nothing reads the
// mirror back, and every Redis call happens on the Run goroutine so
// callers never block on the network.
type RedisMirror struct {
	client  redis.Cmdable
	prefix  string
	maxSize int64
	queue   chan mirrorOp
	logger  zerolog.Logger

	dropped atomic.Int64
}

// NewRedisMirror creates a mirror that keeps up to maxSize messages per
// room under keys starting with prefix. queueSize bounds the number of
// writes waiting for the worker.
func NewRedisMirror(client redis.Cmdable, prefix string, maxSize, queueSize int, logger zerolog.Logger) *RedisMirror {
	if maxSize <= 0 {
		maxSize = DefaultHistorySize
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &RedisMirror{
		client:  client,
		prefix:  prefix,
		maxSize: int64(maxSize),
		queue:   make(chan mirrorOp, queueSize),
		logger:  logger.With().Str(logging.FieldComponent, "redis_mirror").Logger(),
	}
}

// Key returns the Redis key holding a room's mirrored messages.
func (m *RedisMirror) Key(room string) string {
	return m.prefix + ":room:" + room + ":messages"
}

// Record queues msg for appending to room's list. The write is dropped if
// the queue is full.
func (m *RedisMirror) Record(room string, msg Message) {
	m.enqueue(mirrorOp{room: room, msg: &msg})
}

// Forget queues removal of room's list.
func (m *RedisMirror) Forget(room string) {
	m.enqueue(mirrorOp{room: room})
}

func (m *RedisMirror) enqueue(op mirrorOp) {
	select {
	case m.queue <- op:
	default:
		m.dropped.Add(1)
		m.logger.Warn().Str(logging.FieldRoom, op.room).Msg("mirror queue full, dropping write")
	}
}

// Dropped returns the number of writes discarded because the queue was full.
func (m *RedisMirror) Dropped() int64 {
	return m.dropped.Load()
}

// Run applies queued writes until ctx is cancelled.
func (m *RedisMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-m.queue:
			if err := m.apply(ctx, op); err != nil {
				m.logger.Error().Err(err).Str(logging.FieldRoom, op.room).Msg("mirror write failed")
			}
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, op mirrorOp) error {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	key := m.Key(op.room)
	if op.msg == nil {
		return m.client.Del(ctx, key).Err()
	}

	data, err := json.Marshal(op.msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -m.maxSize, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Reset deletes every room list under the mirror's prefix. It is called at
// startup so the mirror never holds history the process no longer has.
func (m *RedisMirror) Reset(ctx context.Context) error {
	var cursor uint64
	pattern := m.prefix + ":room:*"
	for {
		keys, next, err := m.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := m.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete mirrored rooms: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Recent returns the last n mirrored messages for a room.
func (m *RedisMirror) Recent(ctx context.Context, room string, n int) ([]Message, error) {
	vals, err := m.client.LRange(ctx, m.Key(room), int64(-n), -1).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(vals))
	for _, v := range vals {
		var msg Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Count returns the number of mirrored messages for a room.
func (m *RedisMirror) Count(ctx context.Context, room string) (int, error) {
	n, err := m.client.LLen(ctx, m.Key(room)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
