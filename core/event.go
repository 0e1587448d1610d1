package core

import "time"

// EventKind enumerates the lifecycle notifications emitted by the session
// controller. Side effects are reported as discrete events rather than
// returned synchronously since streaming is inherently incremental.
type EventKind string

const (
	// EventMessageCreated announces a new user or assistant message.
	EventMessageCreated EventKind = "message-created"
	// EventMessageUpdated carries a streamed text delta for a message. The
	// full content can be reconstructed by concatenating deltas.
	EventMessageUpdated EventKind = "message-updated"
	// EventToolCallCreated announces a new pending tool call.
	EventToolCallCreated EventKind = "tool-call-created"
	// EventToolCallUpdated announces a tool call status change.
	EventToolCallUpdated EventKind = "tool-call-updated"
	// EventSubagentProgress carries a delegated run's progress transition.
	EventSubagentProgress EventKind = "subagent-progress"
	// EventApprovalRequested suspends the turn pending an approval decision
	// correlated by ToolCall.ID.
	EventApprovalRequested EventKind = "approval-requested"
	// EventTurnCompleted marks the successful end of a turn.
	EventTurnCompleted EventKind = "turn-completed"
	// EventTurnFailed marks a failed, cancelled or suspended turn.
	EventTurnFailed EventKind = "turn-failed"
)

// FailureReason categorizes a turn-failed event.
type FailureReason string

const (
	// FailTransport marks a network or stream failure.
	FailTransport FailureReason = "transport"
	// FailCancelled marks an explicit cancellation.
	FailCancelled FailureReason = "cancelled"
	// FailBudgetExceeded parks the turn awaiting explicit continuation.
	FailBudgetExceeded FailureReason = "budget-exceeded"
	// FailTurnLimit parks the turn awaiting explicit continuation.
	FailTurnLimit FailureReason = "turn-limit-exceeded"
)

// SessionEvent is a single lifecycle notification. Message and ToolCall carry
// snapshots; consumers must not mutate them.
type SessionEvent struct {
	ID             string            `json:"id"`
	Kind           EventKind         `json:"kind"`
	ConversationID string            `json:"conversation_id"`
	TurnID         string            `json:"turn_id"`
	Timestamp      time.Time         `json:"timestamp"`
	MessageID      string            `json:"message_id,omitempty"`
	Delta          string            `json:"delta,omitempty"`
	Message        *ChatMessage      `json:"message,omitempty"`
	ToolCall       *ToolCall         `json:"tool_call,omitempty"`
	Progress       *SubagentProgress `json:"progress,omitempty"`
	Reason         FailureReason     `json:"reason,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
}

// NewSessionEvent creates a bare event bound to a conversation and turn.
func NewSessionEvent(kind EventKind, conversationID, turnID string) SessionEvent {
	return SessionEvent{
		ID:             NewID(),
		Kind:           kind,
		ConversationID: conversationID,
		TurnID:         turnID,
		Timestamp:      time.Now().UTC(),
	}
}

// NewMessageCreatedEvent announces a new message with a snapshot.
func NewMessageCreatedEvent(conversationID, turnID string, m *ChatMessage) SessionEvent {
	ev := NewSessionEvent(EventMessageCreated, conversationID, turnID)
	ev.MessageID = m.ID
	ev.Message = m.Clone()
	return ev
}

// NewMessageUpdatedEvent carries only the delta for a streaming message.
func NewMessageUpdatedEvent(conversationID, turnID, messageID, delta string) SessionEvent {
	ev := NewSessionEvent(EventMessageUpdated, conversationID, turnID)
	ev.MessageID = messageID
	ev.Delta = delta
	return ev
}

// NewToolCallEvent announces a tool call creation or update with a snapshot.
func NewToolCallEvent(kind EventKind, conversationID, turnID string, tc *ToolCall) SessionEvent {
	ev := NewSessionEvent(kind, conversationID, turnID)
	ev.ToolCall = tc.Snapshot()
	return ev
}

// NewSubagentProgressEvent carries a progress transition for a delegation call.
func NewSubagentProgressEvent(conversationID, turnID string, tc *ToolCall, p SubagentProgress) SessionEvent {
	ev := NewSessionEvent(EventSubagentProgress, conversationID, turnID)
	ev.ToolCall = tc.Snapshot()
	ev.Progress = &p
	return ev
}

// NewApprovalRequestedEvent asks the presentation collaborator for a decision
// on the given pending tool call. The ToolCall ID is the correlation key for
// ResolveApproval.
func NewApprovalRequestedEvent(conversationID, turnID string, tc *ToolCall) SessionEvent {
	ev := NewSessionEvent(EventApprovalRequested, conversationID, turnID)
	ev.ToolCall = tc.Snapshot()
	return ev
}

// NewTurnCompletedEvent marks the successful end of a turn.
func NewTurnCompletedEvent(conversationID, turnID string) SessionEvent {
	return NewSessionEvent(EventTurnCompleted, conversationID, turnID)
}

// NewTurnFailedEvent marks a failed, cancelled or suspended turn.
func NewTurnFailedEvent(conversationID, turnID string, reason FailureReason, errMsg string) SessionEvent {
	ev := NewSessionEvent(EventTurnFailed, conversationID, turnID)
	ev.Reason = reason
	ev.ErrorMessage = errMsg
	return ev
}
