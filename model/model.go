package model

import (
	"context"

	"vaultmind/core"
	"vaultmind/protocol"
)

// ToolDefinition declaratively exposes a callable tool to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset
// expected).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by the controller:
// the full prior history plus policy-derived generation constraints.
type Request struct {
	System    string              `json:"system,omitempty"`
	Messages  []*core.ChatMessage `json:"messages"`
	Tools     []ToolDefinition    `json:"tools,omitempty"`
	MaxTokens int64               `json:"max_tokens,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required to drive one streamed response.
// The raw event channel closes when the response completes; a send on the
// error channel signals a transport failure and ends the stream.
type Model interface {
	Stream(ctx context.Context, req Request) (<-chan protocol.RawEvent, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}
