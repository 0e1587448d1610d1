package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"vaultmind/core"
	"vaultmind/model"
	"vaultmind/policy"
	"vaultmind/protocol"
)

// turn drives one user query to completion: repeated model steps with tool
// execution between them, until a step produces no tool invocations.
type turn struct {
	id     string
	ctrl   *Controller
	conv   *core.Conversation
	acc    *policy.SessionAccounting
	cancel context.CancelFunc

	mu         sync.Mutex
	approvals  map[string]chan policy.ApprovalDecision
	continueCh chan struct{}
	parked     bool
	calls      []*core.ToolCall
}

func newTurn(c *Controller, conv *core.Conversation, acc *policy.SessionAccounting) *turn {
	return &turn{
		id:        core.NewID(),
		ctrl:      c,
		conv:      conv,
		acc:       acc,
		approvals: map[string]chan policy.ApprovalDecision{},
	}
}

// run is the turn loop. Ceilings are checked before every step; exceeding one
// parks the turn until ContinueAnyway or cancellation. Each continuation
// permits exactly one further step.
func (t *turn) run(ctx context.Context) {
	defer t.ctrl.finishTurn(t.conv.ID)

	for {
		if verdict := policy.CheckBeforeStep(t.acc, t.ctrl.policy); verdict != policy.StepOK {
			reason, msg := t.ceilingFailure(verdict)
			if !t.ctrl.parkOnCeiling {
				t.ctrl.emit(core.NewTurnFailedEvent(t.conv.ID, t.id, reason, msg))
				return
			}
			if !t.park(ctx, reason, msg) {
				return
			}
		}

		done, err := t.step(ctx)
		if err != nil {
			t.fail(err)
			return
		}
		if done {
			t.conv.Touch()
			t.ctrl.emit(core.NewTurnCompletedEvent(t.conv.ID, t.id))
			return
		}
	}
}

// ceilingFailure renders a step verdict as a failure reason and message.
func (t *turn) ceilingFailure(verdict policy.StepVerdict) (core.FailureReason, string) {
	if verdict == policy.StepTurnLimitExceeded {
		err := &core.TurnLimitExceededError{
			Turns: t.acc.Turns(),
			Limit: t.ctrl.policy.MaxTurns(),
		}
		return core.FailTurnLimit, err.Error()
	}
	err := &core.BudgetExceededError{
		Cost:  t.acc.Cost(),
		Limit: t.ctrl.policy.MaxBudgetPerSession(),
	}
	return core.FailBudgetExceeded, err.Error()
}

// park reports the exceeded ceiling and blocks until the user continues or
// the turn is cancelled. Returns false when cancelled.
func (t *turn) park(ctx context.Context, reason core.FailureReason, msg string) bool {
	t.mu.Lock()
	t.parked = true
	t.continueCh = make(chan struct{}, 1)
	ch := t.continueCh
	t.mu.Unlock()

	t.ctrl.logger.Info("turn parked", "conversation_id", t.conv.ID, "reason", string(reason))
	t.ctrl.emit(core.NewTurnFailedEvent(t.conv.ID, t.id, reason, msg))

	defer func() {
		t.mu.Lock()
		t.parked = false
		t.continueCh = nil
		t.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return false
	case <-ch:
		return true
	}
}

// continueAnyway resumes a parked turn.
func (t *turn) continueAnyway() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.parked || t.continueCh == nil {
		return fmt.Errorf("session: turn %s is not awaiting continuation", t.id)
	}
	select {
	case t.continueCh <- struct{}{}:
	default:
	}
	return nil
}

// step streams one model response. It returns done=true when the response
// requested no tool invocations. Errors are cancellation or transport
// failures; decode errors are logged and skipped.
func (t *turn) step(ctx context.Context) (bool, error) {
	// Snapshot the request before the in-flight assistant message joins the
	// history.
	req := t.buildRequest()

	msg := core.NewAssistantMessage()
	t.conv.AddMessage(msg)
	t.ctrl.emit(core.NewMessageCreatedEvent(t.conv.ID, t.id, msg))

	events, errCh := t.ctrl.model.Stream(ctx, req)
	dec := protocol.NewDecoder()
	var invocations []*protocol.Invocation

receive:
	for {
		select {
		case <-ctx.Done():
			msg.Finalize()
			return false, context.Canceled
		case raw, ok := <-events:
			if !ok {
				break receive
			}
			ev, derr := dec.Decode(raw)
			if derr != nil {
				t.ctrl.logger.Warn("skipping malformed protocol event", "error", derr.Error())
				continue
			}
			if ev == nil {
				continue
			}
			switch ev.Kind {
			case protocol.TextDelta:
				msg.AppendContent(ev.Text)
				t.ctrl.emit(core.NewMessageUpdatedEvent(t.conv.ID, t.id, msg.ID, ev.Text))
			case protocol.ToolInvocation:
				invocations = append(invocations, ev.Invocation)
			case protocol.ToolResult:
				t.ctrl.logger.Debug("ignoring stream-echoed tool result", "tool_call_id", ev.Result.ToolCallID)
			case protocol.TurnEnd:
				cost := t.ctrl.pricing.Cost(ev.Usage.InputTokens, ev.Usage.OutputTokens)
				t.acc.AddCost(cost)
				t.acc.AddTurn()
				t.ctrl.logger.Debug("model step finished",
					"stop_reason", ev.StopReason,
					"input_tokens", ev.Usage.InputTokens,
					"output_tokens", ev.Usage.OutputTokens,
					"cost", cost)
			case protocol.StreamError:
				msg.SetError(ev.Err.Error())
				return false, &core.TransportError{Err: ev.Err}
			}
		}
	}

	if ctx.Err() != nil {
		msg.Finalize()
		return false, context.Canceled
	}
	if err := <-errCh; err != nil {
		msg.SetError(err.Error())
		return false, &core.TransportError{Err: err}
	}
	msg.Finalize()

	if len(invocations) == 0 {
		return true, nil
	}
	if err := t.processInvocations(ctx, msg, invocations); err != nil {
		return false, err
	}
	return false, nil
}

// processInvocations gates the requested tool calls in emission order, then
// executes the approved ones in parallel while emitting terminal updates in
// the original order.
func (t *turn) processInvocations(ctx context.Context, msg *core.ChatMessage, invocations []*protocol.Invocation) error {
	calls := make([]*core.ToolCall, 0, len(invocations))
	for _, inv := range invocations {
		tc := core.NewToolCall(inv.ID, inv.Name, inv.Input)
		msg.AddToolCall(tc)
		t.trackCall(tc)
		calls = append(calls, tc)
		t.ctrl.emit(core.NewToolCallEvent(core.EventToolCallCreated, t.conv.ID, t.id, tc))
	}

	approved := make([]bool, len(calls))
	for i, tc := range calls {
		decision := policy.Decide(tc.Name, tc.Identity, t.ctrl.policy)
		if decision == policy.AskUser {
			resolved, ok := t.awaitApproval(ctx, tc)
			if !ok {
				t.interruptCalls()
				return context.Canceled
			}
			switch resolved {
			case policy.ApprovalAllowAlways:
				if err := t.ctrl.policy.AllowAlways(tc.Name); err != nil {
					t.ctrl.logger.Warn("persisting always-allowed set failed", "tool", tc.Name, "error", err.Error())
				}
				decision = policy.Allow
			case policy.ApprovalAllow:
				decision = policy.Allow
			case policy.ApprovalDeny:
				decision = policy.Deny
			}
		}
		if decision == policy.Deny {
			// Synthetic refusal; the executor is never invoked.
			if err := tc.MarkError("permission denied by user"); err == nil {
				t.ctrl.emit(core.NewToolCallEvent(core.EventToolCallUpdated, t.conv.ID, t.id, tc))
			}
			continue
		}
		approved[i] = true
	}

	done := make([]chan struct{}, len(calls))
	for i := range calls {
		done[i] = make(chan struct{})
	}
	for i, tc := range calls {
		if !approved[i] {
			close(done[i])
			continue
		}
		go func(i int, tc *core.ToolCall) {
			defer close(done[i])
			if tc.Identity.Kind == core.IdentityDelegation {
				t.runDelegate(ctx, tc)
			} else {
				t.ctrl.executor.Execute(ctx, tc)
			}
		}(i, tc)
	}

	for i, tc := range calls {
		select {
		case <-ctx.Done():
			t.interruptCalls()
			return context.Canceled
		case <-done[i]:
			if approved[i] {
				t.ctrl.emit(core.NewToolCallEvent(core.EventToolCallUpdated, t.conv.ID, t.id, tc))
			}
		}
	}
	return nil
}

// awaitApproval suspends the turn until the user resolves the approval
// request for the given call. Returns ok=false when cancelled.
func (t *turn) awaitApproval(ctx context.Context, tc *core.ToolCall) (policy.ApprovalDecision, bool) {
	ch := make(chan policy.ApprovalDecision, 1)
	t.mu.Lock()
	t.approvals[tc.ID] = ch
	t.mu.Unlock()

	t.ctrl.emit(core.NewApprovalRequestedEvent(t.conv.ID, t.id, tc))

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.approvals, tc.ID)
		t.mu.Unlock()
		return policy.ApprovalDeny, false
	case d := <-ch:
		return d, true
	}
}

// resolveApproval delivers a decision to the waiting gate.
func (t *turn) resolveApproval(toolCallID string, decision policy.ApprovalDecision) error {
	t.mu.Lock()
	ch, ok := t.approvals[toolCallID]
	if ok {
		delete(t.approvals, toolCallID)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: no pending approval for tool call %s", toolCallID)
	}
	ch <- decision
	return nil
}

func (t *turn) trackCall(tc *core.ToolCall) {
	t.mu.Lock()
	t.calls = append(t.calls, tc)
	t.mu.Unlock()
}

// interruptCalls marks every non-terminal tool call as interrupted, emitting
// an update for each transition.
func (t *turn) interruptCalls() {
	t.mu.Lock()
	calls := make([]*core.ToolCall, len(t.calls))
	copy(calls, t.calls)
	t.mu.Unlock()

	for _, tc := range calls {
		if tc.CurrentStatus().Terminal() {
			continue
		}
		if err := tc.MarkError("interrupted"); err == nil {
			t.ctrl.emit(core.NewToolCallEvent(core.EventToolCallUpdated, t.conv.ID, t.id, tc))
		}
	}
}

// fail reports the turn failure, interrupting any leftover work first.
func (t *turn) fail(err error) {
	t.interruptCalls()
	t.ctrl.tracker.InterruptAll()

	reason := core.FailTransport
	msg := err.Error()
	if errors.Is(err, context.Canceled) {
		reason = core.FailCancelled
		msg = "turn cancelled"
	}
	t.ctrl.logger.Info("turn failed", "conversation_id", t.conv.ID, "reason", string(reason), "error", msg)
	t.ctrl.emit(core.NewTurnFailedEvent(t.conv.ID, t.id, reason, msg))
}

func (t *turn) buildRequest() model.Request {
	return model.Request{
		System:    t.ctrl.system,
		Messages:  t.conv.History(),
		Tools:     t.ctrl.registry.Definitions(),
		MaxTokens: t.ctrl.maxTokens,
	}
}
