package core

import (
	"time"

	"github.com/google/uuid"
)

// InboundEvent is the envelope the chat-platform adapter pushes for every
// received message. The pipeline treats it as immutable.
type InboundEvent struct {
	AuthorID  string    `json:"author_id"`
	ChannelID string    `json:"channel_id"`
	IsDM      bool      `json:"is_dm"`
	IsBot     bool      `json:"is_bot"`
	Text      string    `json:"text"`
	Received  time.Time `json:"received"`
}

// NewID generates a unique identifier for entities, requests and messages.
func NewID() string { return uuid.NewString() }
