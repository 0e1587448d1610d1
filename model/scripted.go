package model

import (
	"context"
	"fmt"
	"sync"

	"vaultmind/protocol"
)

// Round is one scripted model response: the raw events to emit, in order.
// HoldOpen keeps the stream open after the events until the context is
// cancelled, simulating a stalled remote agent.
type Round struct {
	Events   []protocol.RawEvent
	Err      error
	HoldOpen bool
}

// ScriptedModel is a deterministic in-memory Model for tests. Each Stream
// call consumes the next scripted round. Calling Stream with no rounds left
// emits a stream error.
type ScriptedModel struct {
	mu       sync.Mutex
	rounds   []Round
	requests []Request
}

// NewScriptedModel constructs a scripted model from the given rounds.
func NewScriptedModel(rounds ...Round) *ScriptedModel {
	return &ScriptedModel{rounds: rounds}
}

// Requests returns the requests observed so far, in order.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Stream implements Model; emits the next scripted round.
func (m *ScriptedModel) Stream(ctx context.Context, req Request) (<-chan protocol.RawEvent, <-chan error) {
	out := make(chan protocol.RawEvent, 32)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var round Round
	if len(m.rounds) > 0 {
		round = m.rounds[0]
		m.rounds = m.rounds[1:]
	} else {
		round = Round{Err: fmt.Errorf("scripted model: no rounds left")}
	}
	m.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errCh)

		for _, ev := range round.Events {
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
		if round.Err != nil {
			errCh <- round.Err
			return
		}
		if round.HoldOpen {
			<-ctx.Done()
		}
	}()

	return out, errCh
}

// Info implements Model.
func (m *ScriptedModel) Info() Info {
	return Info{Name: "scripted", Provider: "test", SupportsTools: true}
}

// TextRound scripts a plain text response ending the turn.
func TextRound(text string, usage protocol.Usage) Round {
	return Round{Events: []protocol.RawEvent{
		{Kind: protocol.RawMessageStart},
		protocol.NewTextDeltaRaw(text),
		protocol.NewTurnEndRaw("end_turn", usage),
	}}
}

// ToolUseRound scripts a response requesting a single tool invocation.
func ToolUseRound(id, name, inputJSON string, usage protocol.Usage) Round {
	return Round{Events: []protocol.RawEvent{
		{Kind: protocol.RawMessageStart},
		protocol.NewToolUseStartRaw(id, name),
		protocol.NewToolInputDeltaRaw(id, inputJSON),
		protocol.NewToolUseStopRaw(id),
		protocol.NewTurnEndRaw("tool_use", usage),
	}}
}

// ErrorRound scripts a transport failure mid-stream.
func ErrorRound(err error) Round {
	return Round{Err: err}
}
