// Package comms provides the chat message model and the reply transport the
// orchestrator answers through.
package comms

import (
	"context"
	"time"
)

// MessageType identifies who produced a message.
type MessageType string

const (
	TypeUser     MessageType = "user"     // inbound message from a person
	TypeAgent    MessageType = "agent"    // reply or status posted by an agent
	TypeInternal MessageType = "internal" // synthetic trigger, never posted
)

// Message is one chat message in a channel thread.
type Message struct {
	ID          string            `json:"id"`
	Type        MessageType       `json:"type"`
	From        string            `json:"from"`
	To          string            `json:"to,omitempty"` // addressed agent id, if any
	ChannelID   string            `json:"channel_id"`
	ThreadID    string            `json:"thread_id,omitempty"`
	Content     string            `json:"content"`
	ReplyTo     string            `json:"reply_to,omitempty"` // ID of message being replied to
	ArtifactIDs []string          `json:"artifact_ids,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	EditedAt    *time.Time        `json:"edited_at,omitempty"`
}

// Thread returns the thread the message belongs to. A top-level message
// starts its own thread.
func (m *Message) Thread() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.ID
}

// ContextKey identifies the conversation (channel and thread) of m.
func (m *Message) ContextKey() string {
	return m.ChannelID + "/" + m.Thread()
}

// Handler processes a message delivered to a channel subscriber.
type Handler func(ctx context.Context, msg *Message) error

// Transport posts and edits chat messages. Posted messages are delivered to
// the subscribers of their channel.
type Transport interface {
	// Post publishes a new top-level message in msg.ChannelID.
	Post(ctx context.Context, msg *Message) (*Message, error)

	// Reply publishes msg in the thread of parent.
	Reply(ctx context.Context, parent *Message, msg *Message) (*Message, error)

	// UpdatePost replaces the content of a previously posted message.
	UpdatePost(ctx context.Context, id, content string) (*Message, error)

	// Subscribe registers handler for messages posted to channelID.
	// Returns an unsubscribe function.
	Subscribe(channelID string, handler Handler) (unsubscribe func())

	// History returns recent messages of a channel thread in chronological
	// order. An empty threadID returns the whole channel.
	History(channelID, threadID string, limit int) ([]*Message, error)
}
