package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ToolCallStatus is the lifecycle state of a ToolCall. Transitions are
// monotonic: pending -> running -> {success, error}. A completed call is
// never reopened.
type ToolCallStatus string

const (
	// ToolCallPending means the call was created but not yet dispatched.
	ToolCallPending ToolCallStatus = "pending"
	// ToolCallRunning means the call is executing.
	ToolCallRunning ToolCallStatus = "running"
	// ToolCallSuccess is the terminal success state.
	ToolCallSuccess ToolCallStatus = "success"
	// ToolCallError is the terminal failure state.
	ToolCallError ToolCallStatus = "error"
)

// Terminal reports whether the status is a sink state.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallSuccess || s == ToolCallError
}

// ToolCall records one tool invocation requested by the remote agent. The
// identity is resolved once at creation so downstream components branch on a
// closed enumeration rather than on the raw name.
type ToolCall struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Input      json.RawMessage  `json:"input,omitempty"`
	Status     ToolCallStatus   `json:"status"`
	Output     string           `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	Started    time.Time        `json:"started,omitempty"`
	Ended      time.Time        `json:"ended,omitempty"`
	IsSubagent bool             `json:"is_subagent,omitempty"`
	Progress   *SubagentProgress `json:"progress,omitempty"`
	Identity   ToolIdentity     `json:"identity"`

	mu sync.Mutex
}

// NewToolCall creates a pending tool call, resolving its identity from the
// tool name.
func NewToolCall(id, name string, input json.RawMessage) *ToolCall {
	identity := ResolveToolIdentity(name)
	return &ToolCall{
		ID:         id,
		Name:       name,
		Input:      input,
		Status:     ToolCallPending,
		Identity:   identity,
		IsSubagent: identity.Kind == IdentityDelegation,
	}
}

// MarkRunning transitions pending -> running.
func (tc *ToolCall) MarkRunning() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.Status != ToolCallPending {
		return fmt.Errorf("tool call %s: cannot run from status %q", tc.ID, tc.Status)
	}
	tc.Status = ToolCallRunning
	tc.Started = time.Now().UTC()
	return nil
}

// MarkSuccess transitions to the terminal success state with the produced
// output. Fails once a terminal state has been reached.
func (tc *ToolCall) MarkSuccess(output string) error {
	return tc.finish(ToolCallSuccess, output, "")
}

// MarkError transitions to the terminal error state with a description.
func (tc *ToolCall) MarkError(msg string) error {
	return tc.finish(ToolCallError, "", msg)
}

func (tc *ToolCall) finish(status ToolCallStatus, output, errMsg string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.Status.Terminal() {
		return fmt.Errorf("tool call %s: already completed with status %q", tc.ID, tc.Status)
	}
	tc.Status = status
	tc.Output = output
	tc.Error = errMsg
	tc.Ended = time.Now().UTC()
	if tc.Started.IsZero() {
		tc.Started = tc.Ended
	}
	// Progress only exists while the owning call is live.
	if status.Terminal() {
		tc.Progress = nil
	}
	return nil
}

// CurrentStatus returns the status under the call lock.
func (tc *ToolCall) CurrentStatus() ToolCallStatus {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.Status
}

// SetProgress attaches a subagent progress record. Only meaningful while
// IsSubagent is true and the call is not terminal.
func (tc *ToolCall) SetProgress(p *SubagentProgress) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.Status.Terminal() {
		return
	}
	tc.Progress = p
}

// Snapshot returns a copy of the call safe for emission to consumers.
func (tc *ToolCall) Snapshot() *ToolCall {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	snap := &ToolCall{
		ID:         tc.ID,
		Name:       tc.Name,
		Status:     tc.Status,
		Output:     tc.Output,
		Error:      tc.Error,
		Started:    tc.Started,
		Ended:      tc.Ended,
		IsSubagent: tc.IsSubagent,
		Identity:   tc.Identity,
	}
	if len(tc.Input) > 0 {
		snap.Input = append(json.RawMessage{}, tc.Input...)
	}
	if tc.Progress != nil {
		p := *tc.Progress
		snap.Progress = &p
	}
	return snap
}

// SubagentStatus tracks the lifecycle of a delegated sub-conversation.
type SubagentStatus string

const (
	// SubagentStarting means the delegated run is being set up.
	SubagentStarting SubagentStatus = "starting"
	// SubagentRunning means the delegated run is executing tools.
	SubagentRunning SubagentStatus = "running"
	// SubagentThinking means the delegated run is streaming model output.
	SubagentThinking SubagentStatus = "thinking"
	// SubagentCompleted is the terminal success state.
	SubagentCompleted SubagentStatus = "completed"
	// SubagentInterrupted is the terminal cancellation state.
	SubagentInterrupted SubagentStatus = "interrupted"
	// SubagentError is the terminal failure state.
	SubagentError SubagentStatus = "error"
)

// Terminal reports whether the status is a sink state.
func (s SubagentStatus) Terminal() bool {
	return s == SubagentCompleted || s == SubagentInterrupted || s == SubagentError
}

// SubagentProgress exists only while the owning ToolCall is a live delegation
// call; it is discarded when the call completes.
type SubagentProgress struct {
	Status  SubagentStatus `json:"status"`
	Message string         `json:"message,omitempty"`
	Started time.Time      `json:"started"`
}

// NewSubagentProgress creates a progress record in the starting state.
func NewSubagentProgress() *SubagentProgress {
	return &SubagentProgress{Status: SubagentStarting, Started: time.Now().UTC()}
}
