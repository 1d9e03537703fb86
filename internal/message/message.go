package message

import "time"

// SystemAuthor is the author of every server-generated message.
const SystemAuthor = "System"

// TimeLayout renders the time of day a message was created.
const TimeLayout = "3:04:05 PM"

// Message is one entry in a room's history. It is a value type: rooms store
// copies and clients receive copies.
type Message struct {
	Author string `json:"author"`
	Text   string `json:"text"`
	Time   string `json:"time"`
}

// New creates a message stamped with the time of day of at.
func New(author, text string, at time.Time) Message {
	return Message{
		Author: author,
		Text:   text,
		Time:   at.Format(TimeLayout),
	}
}

// System creates a server-generated message.
func System(text string, at time.Time) Message {
	return New(SystemAuthor, text, at)
}
