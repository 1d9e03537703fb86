package message

import (
	"fmt"
	"testing"
	"time"
)

func msg(text string) Message {
	return New("alice", text, time.Date(2024, 1, 1, 15, 4, 5, 0, time.UTC))
}

func TestNewStampsTimeOfDay(t *testing.T) {
	m := msg("hello")
	if m.Time != "3:04:05 PM" {
		t.Errorf("expected time '3:04:05 PM', got %q", m.Time)
	}
	if m.Author != "alice" {
		t.Errorf("expected author 'alice', got %q", m.Author)
	}
	if got := System("hi", time.Now()).Author; got != SystemAuthor {
		t.Errorf("expected system author, got %q", got)
	}
}

func TestHistoryAppendAndLen(t *testing.T) {
	h := NewHistory(100)

	h.Append(msg("hello"))
	h.Append(msg("world"))

	if h.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", h.Len())
	}
	got := h.Snapshot()
	if got[0].Text != "hello" || got[1].Text != "world" {
		t.Errorf("expected [hello world], got [%s %s]", got[0].Text, got[1].Text)
	}
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	h := NewHistory(100)

	for i := 0; i < 101; i++ {
		evicted := h.Append(msg(fmt.Sprintf("msg-%d", i)))
		if evicted != (i == 100) {
			t.Fatalf("append %d: evicted = %v", i, evicted)
		}
	}

	if h.Len() != 100 {
		t.Fatalf("expected 100 messages (capacity), got %d", h.Len())
	}
	got := h.Snapshot()
	if got[0].Text != "msg-1" {
		t.Errorf("expected oldest retained 'msg-1', got %q", got[0].Text)
	}
	for i, m := range got {
		if want := fmt.Sprintf("msg-%d", i+1); m.Text != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, m.Text)
		}
	}
}

func TestHistoryNeverExceedsCapacity(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 50; i++ {
		h.Append(msg(fmt.Sprintf("%d", i)))
		if h.Len() > 3 {
			t.Fatalf("history grew to %d after %d appends", h.Len(), i+1)
		}
	}
	if h.Len() != 3 {
		t.Errorf("expected 3 retained messages, got %d", h.Len())
	}
}

func TestHistorySnapshotIsCopy(t *testing.T) {
	h := NewHistory(10)
	h.Append(msg("original"))

	snap := h.Snapshot()
	snap[0].Text = "mutated"

	if h.Snapshot()[0].Text != "original" {
		t.Error("mutating a snapshot changed the history")
	}
}

func TestHistoryDefaultCapacity(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < DefaultHistorySize+1; i++ {
		h.Append(msg(fmt.Sprintf("%d", i)))
	}
	if h.Len() != DefaultHistorySize {
		t.Errorf("expected default capacity %d, got %d", DefaultHistorySize, h.Len())
	}
}
