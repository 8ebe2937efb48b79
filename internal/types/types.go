package types

import (
	"time"
)

// Identity is what a validated token says about its bearer.
type Identity struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type Message struct {
	Id        int       `json:"-"`
	RoomId    int       `json:"-"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the frame delivered to clients for every chat message,
// replayed or live.
type Envelope struct {
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *Message) Envelope() Envelope {
	return Envelope{
		Username:  m.Username,
		Content:   m.Content,
		Timestamp: m.Timestamp.UTC(),
	}
}
