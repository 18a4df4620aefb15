package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownMessage is returned when editing a message that was never posted
// or has aged out of history.
var ErrUnknownMessage = errors.New("unknown message")

// InMemoryTransport is a thread-safe in-process Transport.
type InMemoryTransport struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // channelID -> handlers
	nextID   int
	history  []*Message
	byID     map[string]*Message
	maxHist  int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryTransport creates an InMemoryTransport with a 1000-message
// history cap.
func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{
		handlers: make(map[string][]handlerEntry),
		byID:     make(map[string]*Message),
		maxHist:  1000,
	}
}

// Post publishes a new message and delivers it to the channel's subscribers.
func (b *InMemoryTransport) Post(ctx context.Context, msg *Message) (*Message, error) {
	if msg.ChannelID == "" {
		return nil, fmt.Errorf("post: channel is required")
	}
	return b.publish(ctx, msg)
}

// Reply publishes msg in parent's thread.
func (b *InMemoryTransport) Reply(ctx context.Context, parent *Message, msg *Message) (*Message, error) {
	if parent == nil {
		return nil, fmt.Errorf("reply: parent message is required")
	}
	msg.ChannelID = parent.ChannelID
	msg.ThreadID = parent.Thread()
	msg.ReplyTo = parent.ID
	return b.publish(ctx, msg)
}

func (b *InMemoryTransport) publish(ctx context.Context, msg *Message) (*Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Type == "" {
		msg.Type = TypeAgent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, msg)
	b.byID[msg.ID] = msg
	if len(b.history) > b.maxHist {
		for _, old := range b.history[:len(b.history)-b.maxHist] {
			delete(b.byID, old.ID)
		}
		b.history = b.history[len(b.history)-b.maxHist:]
	}

	// Collect handlers to invoke outside the lock
	var targets []Handler
	for _, e := range b.handlers[msg.ChannelID] {
		targets = append(targets, e.handler)
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return msg, fmt.Errorf("publish: %d handler error(s): %w", len(errs), errors.Join(errs...))
	}
	return msg, nil
}

// UpdatePost replaces the content of a posted message. Edits are not
// redelivered to subscribers.
func (b *InMemoryTransport) UpdatePost(_ context.Context, id, content string) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("update post %s: %w", id, ErrUnknownMessage)
	}
	now := time.Now().UTC()
	msg.Content = content
	msg.EditedAt = &now
	cp := *msg
	return &cp, nil
}

// Subscribe registers a handler for messages posted to channelID.
// The returned function unsubscribes the handler.
func (b *InMemoryTransport) Subscribe(channelID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[channelID] = append(b.handlers[channelID], handlerEntry{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			entries := b.handlers[channelID]
			filtered := entries[:0]
			for _, e := range entries {
				if e.id != id {
					filtered = append(filtered, e)
				}
			}
			if len(filtered) == 0 {
				delete(b.handlers, channelID)
			} else {
				b.handlers[channelID] = filtered
			}
		})
	}
}

// History returns the most recent limit messages of a channel thread.
func (b *InMemoryTransport) History(channelID, threadID string, limit int) ([]*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Message
	for i := len(b.history) - 1; i >= 0; i-- {
		m := b.history[i]
		if m.ChannelID != channelID {
			continue
		}
		if threadID != "" && m.Thread() != threadID {
			continue
		}
		cp := *m
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	// Reverse to chronological order
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result, nil
}

// Get returns a posted message by id.
func (b *InMemoryTransport) Get(id string) (*Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	cp := *msg
	return &cp, true
}
