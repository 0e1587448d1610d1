// Package anthropic provides a streaming model transport for the Anthropic
// Messages API. Native stream events are translated into protocol.RawEvents
// so the session controller stays provider-agnostic.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"vaultmind/config"
	"vaultmind/core"
	"vaultmind/model"
	"vaultmind/protocol"
)

// Options configures the Anthropic model adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Model wraps the Anthropic Messages API behind the generic model.Model
// interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// TierModel maps a configured tier to a concrete Anthropic model id.
func TierModel(tier config.ModelTier) anthropic.Model {
	switch tier {
	case config.TierFast:
		return anthropic.ModelClaude3_5HaikuLatest
	case config.TierPowerful:
		return anthropic.ModelClaude3OpusLatest
	default:
		return anthropic.ModelClaude3_5SonnetLatest
	}
}

// NewModel creates a new Anthropic model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaude3_5SonnetLatest,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new Anthropic model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaude3_5SonnetLatest,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Stream implements model.Model. It adapts Anthropic Messages streaming
// (including tool use blocks) into protocol raw events.
func (m *Model) Stream(ctx context.Context, req model.Request) (<-chan protocol.RawEvent, <-chan error) {
	out := make(chan protocol.RawEvent, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    buildMessages(req.Messages),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}
		if req.MaxTokens > 0 {
			params.MaxTokens = req.MaxTokens
		}
		if req.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.System}}
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		emit := func(ev protocol.RawEvent) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- ev:
				return true
			}
		}

		stream := m.client.Messages.NewStreaming(ctx, params)
		blockIDs := map[int64]string{}
		var inputTokens, outputTokens int64
		stopReason := "end_turn"

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				inputTokens = ev.Message.Usage.InputTokens
				if !emit(protocol.RawEvent{Kind: protocol.RawMessageStart}) {
					return
				}
			case anthropic.ContentBlockStartEvent:
				if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					blockIDs[ev.Index] = block.ID
					if !emit(protocol.NewToolUseStartRaw(block.ID, block.Name)) {
						return
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" && !emit(protocol.NewTextDeltaRaw(delta.Text)) {
						return
					}
				case anthropic.InputJSONDelta:
					if id, ok := blockIDs[ev.Index]; ok && delta.PartialJSON != "" {
						if !emit(protocol.NewToolInputDeltaRaw(id, delta.PartialJSON)) {
							return
						}
					}
				}
			case anthropic.ContentBlockStopEvent:
				if id, ok := blockIDs[ev.Index]; ok {
					delete(blockIDs, ev.Index)
					if !emit(protocol.NewToolUseStopRaw(id)) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				if ev.Delta.StopReason != "" {
					stopReason = string(ev.Delta.StopReason)
				}
				outputTokens = ev.Usage.OutputTokens
			case anthropic.MessageStopEvent:
				// Usage reported incrementally; the final turn_end carries it.
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("anthropic streaming error: %w", err)
			return
		}

		emit(protocol.NewTurnEndRaw(stopReason, protocol.Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		}))
	}()

	return out, errCh
}

// buildMessages converts conversation history to Anthropic message format.
// Completed tool calls on an assistant message are followed by a user message
// carrying the matching tool_result blocks, as the Messages API requires.
func buildMessages(messages []*core.ChatMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case core.RoleUser:
			if msg.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case core.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			var results []anthropic.ContentBlockParamUnion
			for _, tc := range msg.ToolCalls {
				var input any
				if len(tc.Input) > 0 {
					if err := json.Unmarshal(tc.Input, &input); err != nil {
						input = string(tc.Input)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
				switch tc.Status {
				case core.ToolCallSuccess:
					results = append(results, anthropic.NewToolResultBlock(tc.ID, tc.Output, false))
				case core.ToolCallError:
					results = append(results, anthropic.NewToolResultBlock(tc.ID, tc.Error, true))
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
			if len(results) > 0 {
				out = append(out, anthropic.NewUserMessage(results...))
			}
		}
	}

	return out
}

// buildTools converts tool definitions to the Anthropic tool format.
func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if required, ok := t.Parameters["required"]; ok {
			switch req := required.(type) {
			case []string:
				schema.Required = req
			case []any:
				for _, r := range req {
					if s, ok := r.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" {
			out[i].OfTool.Description = anthropic.String(t.Description)
		}
	}
	return out
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
