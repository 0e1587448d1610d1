package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"vaultmind/core"
)

// subagentSystemPrompt frames the delegated run: read-only research, final
// message is the report handed back to the parent.
const subagentSystemPrompt = "You are a research sub-agent with read-only access to the user's vault. " +
	"Complete the delegated task using the available tools, then reply with a single self-contained summary. " +
	"Your final message is returned to the delegating agent verbatim."

// minSubagentBudget keeps a carved child budget enforceable; a zero ceiling
// would mean unlimited.
const minSubagentBudget = 0.01

// delegateTimeout bounds a whole delegated run.
const delegateTimeout = 5 * time.Minute

// SubagentTracker indexes the cancel functions of in-flight delegated runs by
// owning tool call id, so a parent failure can interrupt all of them at once.
type SubagentTracker struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewSubagentTracker creates an empty tracker.
func NewSubagentTracker() *SubagentTracker {
	return &SubagentTracker{cancels: map[string]context.CancelFunc{}}
}

func (st *SubagentTracker) track(toolCallID string, cancel context.CancelFunc) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cancels[toolCallID] = cancel
}

func (st *SubagentTracker) untrack(toolCallID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.cancels, toolCallID)
}

// ActiveCount returns the number of in-flight delegated runs.
func (st *SubagentTracker) ActiveCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.cancels)
}

// InterruptAll cancels every in-flight delegated run.
func (st *SubagentTracker) InterruptAll() {
	st.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(st.cancels))
	for id, cancel := range st.cancels {
		cancels = append(cancels, cancel)
		delete(st.cancels, id)
	}
	st.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// runDelegate executes a delegation tool call by spawning a nested controller
// with a read-only toolset and ceilings carved from the parent's remaining
// allowance. The sub-run's final assistant message becomes the call output.
func (t *turn) runDelegate(ctx context.Context, call *core.ToolCall) {
	if err := call.MarkRunning(); err != nil {
		t.ctrl.logger.Warn("delegation call not runnable", "error", err.Error())
		return
	}

	progress := core.NewSubagentProgress()
	call.SetProgress(progress)
	t.emitProgress(call, core.SubagentStarting, "")

	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil || strings.TrimSpace(args.Prompt) == "" {
		t.emitProgress(call, core.SubagentError, "missing prompt")
		_ = call.MarkError("delegate requires a non-empty prompt")
		return
	}

	childCtx, cancel := context.WithTimeout(ctx, delegateTimeout)
	defer cancel()
	t.ctrl.tracker.track(call.ID, cancel)
	defer t.ctrl.tracker.untrack(call.ID)

	childBudget := 0.0
	if limit := t.ctrl.policy.MaxBudgetPerSession(); limit > 0 {
		childBudget = limit - t.acc.Cost()
		if childBudget < minSubagentBudget {
			childBudget = minSubagentBudget
		}
	}
	childPolicy := t.ctrl.policy.Derive(childBudget, t.ctrl.subagentTurnLimit)
	childRegistry := t.ctrl.registry.Restricted(func(name string) bool {
		return core.ResolveToolIdentity(name).ReadsVault()
	})

	child, err := New(func(o *Options) {
		o.Model = t.ctrl.model
		o.Registry = childRegistry
		o.Policy = childPolicy
		o.Pricing = t.ctrl.pricing
		o.Logger = t.ctrl.logger
		o.SystemPrompt = subagentSystemPrompt
		o.MaxTokens = t.ctrl.maxTokens
		o.SubagentTurnLimit = t.ctrl.subagentTurnLimit
		o.DisableCeilingParking = true
	})
	if err != nil {
		t.emitProgress(call, core.SubagentError, err.Error())
		_ = call.MarkError(err.Error())
		return
	}

	outcome := make(chan core.SessionEvent, 1)
	child.SetEventHandler(func(ev core.SessionEvent) {
		switch ev.Kind {
		case core.EventMessageUpdated:
			t.emitProgress(call, core.SubagentThinking, "")
		case core.EventToolCallCreated:
			if ev.ToolCall != nil {
				t.emitProgress(call, core.SubagentRunning, ev.ToolCall.Name)
			}
		case core.EventTurnCompleted, core.EventTurnFailed:
			select {
			case outcome <- ev:
			default:
			}
		}
	})

	childConv := core.NewConversation("delegated task")
	childAccounting := child.Accounting(childConv.ID)
	if _, err := child.StartTurn(childCtx, childConv, args.Prompt); err != nil {
		t.emitProgress(call, core.SubagentError, err.Error())
		_ = call.MarkError(err.Error())
		return
	}
	t.emitProgress(call, core.SubagentRunning, "")

	var final core.SessionEvent
	select {
	case <-childCtx.Done():
		reason := "interrupted"
		if ctx.Err() == nil && errors.Is(childCtx.Err(), context.DeadlineExceeded) {
			reason = "timed out"
		}
		t.emitProgress(call, core.SubagentInterrupted, "")
		_ = call.MarkError(reason)
		t.acc.AddCost(childAccounting.Cost())
		return
	case final = <-outcome:
	}

	// The sub-run's spend counts against the parent session.
	t.acc.AddCost(childAccounting.Cost())

	switch {
	case final.Kind == core.EventTurnCompleted:
		summary := lastAssistantText(childConv)
		if summary == "" {
			summary = "(the delegated run produced no summary)"
		}
		t.emitProgress(call, core.SubagentCompleted, "")
		_ = call.MarkSuccess(summary)
	case final.Reason == core.FailCancelled:
		t.emitProgress(call, core.SubagentInterrupted, "")
		_ = call.MarkError("interrupted")
	default:
		msg := final.ErrorMessage
		if msg == "" {
			msg = "delegated run failed"
		}
		t.emitProgress(call, core.SubagentError, msg)
		_ = call.MarkError(msg)
	}
}

// emitProgress records and reports a delegation progress transition.
func (t *turn) emitProgress(call *core.ToolCall, status core.SubagentStatus, message string) {
	p := core.SubagentProgress{Status: status, Message: message}
	if cur := call.Snapshot().Progress; cur != nil {
		p.Started = cur.Started
	}
	call.SetProgress(&p)
	t.ctrl.emit(core.NewSubagentProgressEvent(t.conv.ID, t.id, call, p))
}

// lastAssistantText returns the content of the most recent assistant message.
func lastAssistantText(conv *core.Conversation) string {
	history := conv.History()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == core.RoleAssistant {
			return history[i].Text()
		}
	}
	return ""
}
