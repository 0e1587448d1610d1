package core

import "fmt"

// ConcurrentTurnError rejects a second StartTurn on a conversation that
// already has an active turn. It is the only error in the taxonomy that
// crosses the controller boundary directly instead of surfacing as an event.
type ConcurrentTurnError struct {
	ConversationID string
}

func (e *ConcurrentTurnError) Error() string {
	return fmt.Sprintf("conversation %s already has an active turn", e.ConversationID)
}

// UnknownToolError marks a dispatch attempt for an unrecognized tool name.
// It is captured as a ToolCall error, never a session failure.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// TransportError wraps a network / stream failure. It surfaces as a
// turn-failed event; retrying is a caller decision.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError marks a single malformed protocol event. The controller logs
// and skips it; the turn continues.
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error for event kind %q: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// BudgetExceededError suspends a turn awaiting explicit continuation.
type BudgetExceededError struct {
	Cost  float64
	Limit float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("session cost %.4f exceeds budget %.4f", e.Cost, e.Limit)
}

// TurnLimitExceededError suspends a turn awaiting explicit continuation.
type TurnLimitExceededError struct {
	Turns int
	Limit int
}

func (e *TurnLimitExceededError) Error() string {
	return fmt.Sprintf("turn count %d exceeds limit %d", e.Turns, e.Limit)
}
