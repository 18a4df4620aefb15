// Package provider defines the inference contract executors and planners
// call into.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single turn in a conversation.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"` // for tool results
}

// ToolDef describes a tool the model can invoke.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Response is a completed (non-streaming) provider response.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent types.
const (
	EventText     = "text"
	EventToolCall = "tool_call"
	EventDone     = "done"
	EventError    = "error"
)

// StreamEvent is emitted during streaming responses.
type StreamEvent struct {
	Type  string    `json:"type"`
	Text  string    `json:"text,omitempty"`
	Tool  *ToolCall `json:"tool,omitempty"`
	Error string    `json:"error,omitempty"`
	Usage *Usage    `json:"usage,omitempty"`
}

// Provider is an inference backend.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "mock").
	Name() string

	// Chat sends a non-streaming request and returns the complete response.
	Chat(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error)

	// Stream sends a streaming request. Events are delivered on the returned channel.
	// The channel is closed when the response is complete or an error occurs.
	Stream(ctx context.Context, messages []Message, tools []ToolDef) (<-chan StreamEvent, error)
}

// Ask sends a single system+user exchange and returns the trimmed text reply.
func Ask(ctx context.Context, p Provider, system, prompt string) (string, error) {
	var msgs []Message
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: prompt})
	resp, err := p.Chat(ctx, msgs, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p.Name(), err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// Collect drains a stream, calling onText for every text chunk, and returns
// the concatenated text. An error event ends collection with that error.
func Collect(ctx context.Context, events <-chan StreamEvent, onText func(chunk string)) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return sb.String(), nil
			}
			switch ev.Type {
			case EventText:
				sb.WriteString(ev.Text)
				if onText != nil {
					onText(ev.Text)
				}
			case EventError:
				return sb.String(), fmt.Errorf("stream: %s", ev.Error)
			case EventDone:
				return sb.String(), nil
			}
		}
	}
}
