// Package protocol normalizes the heterogeneous streaming wire events
// produced by model transports into a closed set of event kinds the session
// controller can consume. Transports (Anthropic, OpenAI, scripted mocks)
// translate their native stream shapes into RawEvents; the Decoder validates
// and assembles them, treating any single malformed event as a recoverable
// gap rather than a turn failure.
package protocol

import (
	"encoding/json"
	"fmt"
)

// RawKind identifies the wire-level representation of a streamed event.
type RawKind string

const (
	// RawMessageStart opens a model response; payload may carry input usage.
	RawMessageStart RawKind = "message_start"
	// RawTextDelta carries a text fragment: {"text": "..."}.
	RawTextDelta RawKind = "text_delta"
	// RawToolUseStart opens a tool invocation block: {"id","name"}.
	RawToolUseStart RawKind = "tool_use_start"
	// RawToolInputDelta carries a tool input JSON fragment:
	// {"id","partial_json"}.
	RawToolInputDelta RawKind = "tool_input_delta"
	// RawToolUseStop closes a tool invocation block: {"id"}.
	RawToolUseStop RawKind = "tool_use_stop"
	// RawToolResult carries a tool result echoed on the stream:
	// {"tool_call_id","content","is_error"}.
	RawToolResult RawKind = "tool_result"
	// RawTurnEnd closes the response: {"stop_reason","usage"}.
	RawTurnEnd RawKind = "turn_end"
	// RawStreamError reports a transport-level failure: {"message"}.
	RawStreamError RawKind = "stream_error"
)

// RawEvent is the provider-agnostic wire representation handed to the
// Decoder. Payload schemas are documented on the RawKind constants.
type RawEvent struct {
	Kind    RawKind         `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventKind enumerates the normalized event kinds.
type EventKind string

const (
	// TextDelta appends text to the current assistant message.
	TextDelta EventKind = "text_delta"
	// ToolInvocation requests execution of a named tool.
	ToolInvocation EventKind = "tool_invocation"
	// ToolResult reports a tool outcome supplied on the stream.
	ToolResult EventKind = "tool_result"
	// TurnEnd finalizes the current model response.
	TurnEnd EventKind = "turn_end"
	// StreamError reports an unrecoverable transport failure.
	StreamError EventKind = "stream_error"
)

// Invocation is a fully assembled tool invocation.
type Invocation struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Result is a tool outcome carried on the stream.
type Result struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Usage is the token accounting reported with a completed response.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Event is a normalized protocol event. Exactly the fields relevant to Kind
// are populated.
type Event struct {
	Kind       EventKind
	Text       string
	Invocation *Invocation
	Result     *Result
	StopReason string
	Usage      *Usage
	Err        error
}

// Raw event constructors used by transports and test scripts.

// NewTextDeltaRaw builds a text fragment raw event.
func NewTextDeltaRaw(text string) RawEvent {
	return rawWithPayload(RawTextDelta, map[string]any{"text": text})
}

// NewToolUseStartRaw opens a tool invocation block.
func NewToolUseStartRaw(id, name string) RawEvent {
	return rawWithPayload(RawToolUseStart, map[string]any{"id": id, "name": name})
}

// NewToolInputDeltaRaw appends a tool input JSON fragment.
func NewToolInputDeltaRaw(id, partialJSON string) RawEvent {
	return rawWithPayload(RawToolInputDelta, map[string]any{"id": id, "partial_json": partialJSON})
}

// NewToolUseStopRaw closes a tool invocation block.
func NewToolUseStopRaw(id string) RawEvent {
	return rawWithPayload(RawToolUseStop, map[string]any{"id": id})
}

// NewTurnEndRaw closes the response with a stop reason and usage.
func NewTurnEndRaw(stopReason string, usage Usage) RawEvent {
	return rawWithPayload(RawTurnEnd, map[string]any{
		"stop_reason": stopReason,
		"usage": map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	})
}

// NewStreamErrorRaw reports a transport failure on the stream.
func NewStreamErrorRaw(message string) RawEvent {
	return rawWithPayload(RawStreamError, map[string]any{"message": message})
}

func rawWithPayload(kind RawKind, payload map[string]any) RawEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload maps above only hold strings and ints.
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", kind, err))
	}
	return RawEvent{Kind: kind, Payload: data}
}
