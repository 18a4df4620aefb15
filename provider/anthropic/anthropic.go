// Package anthropic provides an inference provider backed by the Anthropic
// Messages API through the official SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/GoCodeAlone/steward/provider"
)

const (
	defaultModel     = sdk.ModelClaudeSonnet4_20250514
	defaultMaxTokens = 4096
)

// Config holds the settings for an Anthropic provider.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// BaseURL overrides the API endpoint; used by tests.
	BaseURL string
}

// Provider is an Anthropic Claude provider.
type Provider struct {
	client    sdk.Client
	model     sdk.Model
	maxTokens int64
}

// New creates a Provider. An empty model selects Claude Sonnet 4.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL), option.WithMaxRetries(0))
	}

	model := sdk.Model(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Provider{
		client:    sdk.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) params(messages []provider.Message, tools []provider.ToolDef) sdk.MessageNewParams {
	var system []sdk.TextBlockParam
	var msgs []sdk.MessageParam
	for _, m := range messages {
		switch m.Role {
		case provider.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case provider.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case provider.RoleTool:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	for _, t := range tools {
		schema := sdk.ToolInputSchemaParam{Properties: t.Parameters["properties"]}
		if req, ok := t.Parameters["required"].([]string); ok {
			schema.Required = req
		}
		params.Tools = append(params.Tools, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        t.Name,
				Description: sdk.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return params
}

// Chat sends a non-streaming request.
func (p *Provider) Chat(ctx context.Context, messages []provider.Message, tools []provider.ToolDef) (*provider.Response, error) {
	resp, err := p.client.Messages.New(ctx, p.params(messages, tools))
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return convert(resp), nil
}

func convert(msg *sdk.Message) *provider.Response {
	out := &provider.Response{
		Usage: provider.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case sdk.TextBlock:
			out.Content += variant.Text
		case sdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, toolCall(variant))
		}
	}
	return out
}

func toolCall(b sdk.ToolUseBlock) provider.ToolCall {
	var args map[string]any
	_ = json.Unmarshal(b.Input, &args)
	return provider.ToolCall{ID: b.ID, Name: b.Name, Arguments: args}
}

// Stream sends a streaming request. Text deltas are forwarded as they
// arrive; tool calls and usage are emitted once the message is complete.
func (p *Provider) Stream(ctx context.Context, messages []provider.Message, tools []provider.ToolDef) (<-chan provider.StreamEvent, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(messages, tools))

	ch := make(chan provider.StreamEvent, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(ev provider.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var message sdk.Message
		for stream.Next() {
			ev := stream.Current()
			if err := message.Accumulate(ev); err != nil {
				send(provider.StreamEvent{Type: provider.EventError, Error: err.Error()})
				return
			}
			if delta, ok := ev.AsAny().(sdk.ContentBlockDeltaEvent); ok {
				if text, ok := delta.Delta.AsAny().(sdk.TextDelta); ok {
					if !send(provider.StreamEvent{Type: provider.EventText, Text: text.Text}) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(provider.StreamEvent{Type: provider.EventError, Error: err.Error()})
			return
		}

		final := convert(&message)
		for i := range final.ToolCalls {
			if !send(provider.StreamEvent{Type: provider.EventToolCall, Tool: &final.ToolCalls[i]}) {
				return
			}
		}
		send(provider.StreamEvent{Type: provider.EventDone, Usage: &final.Usage})
	}()
	return ch, nil
}
