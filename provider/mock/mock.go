// Package mock provides a scripted inference provider for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/steward/provider"
)

const defaultResponse = "Task acknowledged. Working on it."

// Call is one recorded Chat or Stream invocation.
type Call struct {
	Messages []provider.Message
	Tools    []provider.ToolDef
}

// Provider implements provider.Provider for testing. It cycles through
// scripted responses, records every call and can be told to fail.
type Provider struct {
	mu        sync.Mutex
	responses []string
	idx       int
	calls     []Call
	err       error
	fn        func(messages []provider.Message) (string, error)
}

// New creates a Provider that cycles through the given responses.
func New(responses ...string) *Provider {
	return &Provider{responses: responses}
}

// Func creates a Provider whose replies are computed by fn.
func Func(fn func(messages []provider.Message) (string, error)) *Provider {
	return &Provider{fn: fn}
}

// Name returns the provider identifier.
func (m *Provider) Name() string { return "mock" }

// FailWith makes every subsequent call return err. Pass nil to recover.
func (m *Provider) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (m *Provider) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Chat returns the next scripted response, cycling through the queue.
func (m *Provider) Chat(_ context.Context, messages []provider.Message, tools []provider.ToolDef) (*provider.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Messages: messages, Tools: tools})
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	fn := m.fn
	var content string
	switch {
	case fn != nil:
	case len(m.responses) == 0:
		content = defaultResponse
	default:
		content = m.responses[m.idx%len(m.responses)]
		m.idx++
	}
	m.mu.Unlock()

	if fn != nil {
		var err error
		content, err = fn(messages)
		if err != nil {
			return nil, err
		}
	}
	return &provider.Response{Content: content}, nil
}

// Stream sends a streaming response by wrapping Chat output into events.
func (m *Provider) Stream(ctx context.Context, messages []provider.Message, tools []provider.ToolDef) (<-chan provider.StreamEvent, error) {
	resp, err := m.Chat(ctx, messages, tools)
	if err != nil {
		return nil, fmt.Errorf("mock stream: %w", err)
	}

	ch := make(chan provider.StreamEvent, 2)
	go func() {
		defer close(ch)
		ch <- provider.StreamEvent{Type: provider.EventText, Text: resp.Content}
		ch <- provider.StreamEvent{
			Type:  provider.EventDone,
			Usage: &provider.Usage{InputTokens: 0, OutputTokens: len(resp.Content)},
		}
	}()
	return ch, nil
}
