// Package openai provides a streaming model transport for the OpenAI Chat
// Completions API (including function/tool calling). Chunk deltas are
// re-emitted as protocol.RawEvents so downstream decoding is uniform across
// providers.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"vaultmind/config"
	"vaultmind/core"
	"vaultmind/model"
	"vaultmind/protocol"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments)
// per choice index. Fragments that arrive before the id is known are buffered
// and flushed once the invocation can be announced.
type aggCall struct {
	id, name string
	buffered string
	started  bool
}

// Options configure the OpenAI model adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// Model wraps the OpenAI Chat Completions API behind the generic model.Model
// interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// TierModel maps a configured tier to a concrete OpenAI model id.
func TierModel(tier config.ModelTier) string {
	switch tier {
	case config.TierFast:
		return openai.ChatModelGPT4oMini
	case config.TierPowerful:
		return openai.ChatModelO1
	default:
		return openai.ChatModelGPT4o
	}
}

// NewModel creates a new OpenAI model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new OpenAI model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Stream implements model.Model. It adapts Chat Completions chunk streaming
// into protocol raw events.
func (m *Model) Stream(ctx context.Context, req model.Request) (<-chan protocol.RawEvent, <-chan error) {
	out := make(chan protocol.RawEvent, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req)

		emit := func(ev protocol.RawEvent) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- ev:
				return true
			}
		}

		stream := m.client.Chat.Completions.NewStreaming(ctx, params)
		toolAgg := map[int64]*aggCall{}
		started := false
		stopReason := "end_turn"
		var usage protocol.Usage

		for stream.Next() {
			ck := stream.Current()
			if !started {
				started = true
				if !emit(protocol.RawEvent{Kind: protocol.RawMessageStart}) {
					return
				}
			}
			if ck.Usage.TotalTokens > 0 {
				usage.InputTokens = ck.Usage.PromptTokens
				usage.OutputTokens = ck.Usage.CompletionTokens
			}
			for _, ch := range ck.Choices {
				if ch.Delta.Content != "" {
					if !emit(protocol.NewTextDeltaRaw(ch.Delta.Content)) {
						return
					}
				}
				for _, tc := range ch.Delta.ToolCalls {
					ac, ok := toolAgg[tc.Index]
					if !ok {
						ac = &aggCall{}
						toolAgg[tc.Index] = ac
					}
					if tc.ID != "" {
						ac.id = tc.ID
					}
					if tc.Function.Name != "" {
						ac.name = tc.Function.Name
					}
					if !ac.started && ac.id != "" && ac.name != "" {
						ac.started = true
						if !emit(protocol.NewToolUseStartRaw(ac.id, ac.name)) {
							return
						}
						if ac.buffered != "" {
							if !emit(protocol.NewToolInputDeltaRaw(ac.id, ac.buffered)) {
								return
							}
							ac.buffered = ""
						}
					}
					if tc.Function.Arguments != "" {
						if ac.started {
							if !emit(protocol.NewToolInputDeltaRaw(ac.id, tc.Function.Arguments)) {
								return
							}
						} else {
							ac.buffered += tc.Function.Arguments
						}
					}
				}
				if ch.FinishReason != "" {
					stopReason = translateFinishReason(ch.FinishReason)
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("openai streaming error: %w", err)
			return
		}

		// Close tool invocations in index order so decoding sees stable order.
		indexes := make([]int64, 0, len(toolAgg))
		for idx := range toolAgg {
			indexes = append(indexes, idx)
		}
		sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
		for _, idx := range indexes {
			ac := toolAgg[idx]
			if !ac.started {
				continue
			}
			if !emit(protocol.NewToolUseStopRaw(ac.id)) {
				return
			}
		}

		emit(protocol.NewTurnEndRaw(stopReason, usage))
	}()

	return out, errCh
}

// translateFinishReason maps Chat Completions finish reasons onto the wire
// protocol's stop reasons.
func translateFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return "tool_use"
	case "length":
		return "max_tokens"
	case "stop":
		return "end_turn"
	default:
		return reason
	}
}

// buildParams assembles the request including history, tool definitions and
// per-call tool results.
func (m *Model) buildParams(req model.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}
	if len(req.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  t.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// buildMessages converts conversation history into chat messages, attaching
// tool results immediately after the assistant message that called them.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case core.RoleUser:
			if msg.Content != "" {
				messages = append(messages, openai.UserMessage(msg.Content))
			}
		case core.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				if msg.Content != "" {
					messages = append(messages, openai.AssistantMessage(msg.Content))
				}
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: argumentsJSON(tc.Input),
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				},
			})
			for _, tc := range msg.ToolCalls {
				switch tc.Status {
				case core.ToolCallSuccess:
					messages = append(messages, openai.ToolMessage(tc.Output, tc.ID))
				case core.ToolCallError:
					messages = append(messages, openai.ToolMessage(tc.Error, tc.ID))
				}
			}
		}
	}

	return messages
}

// argumentsJSON renders tool input as the JSON string the API expects.
func argumentsJSON(input json.RawMessage) string {
	if len(input) == 0 {
		return "{}"
	}
	return string(input)
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}
