package session

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultmind/config"
	"vaultmind/core"
	"vaultmind/model"
	"vaultmind/policy"
	"vaultmind/protocol"
	"vaultmind/tool"
	"vaultmind/vault"
)

// eventSink collects session events and lets tests wait for specific kinds.
type eventSink struct {
	mu     sync.Mutex
	events []core.SessionEvent
	ch     chan core.SessionEvent
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan core.SessionEvent, 256)}
}

func (s *eventSink) handle(ev core.SessionEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.ch <- ev
}

func (s *eventSink) waitFor(t *testing.T, kind core.EventKind) core.SessionEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-s.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return core.SessionEvent{}
		}
	}
}

func (s *eventSink) kinds() []core.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func (s *eventSink) count(kind core.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	ctrl *Controller
	sink *eventSink
	conv *core.Conversation
	reg  *tool.Registry
	pol  *policy.SessionPolicy
}

// accounting returns the fixture conversation's per-query counters.
func (f *fixture) accounting() *policy.SessionAccounting {
	return f.ctrl.Accounting(f.conv.ID)
}

func newFixture(t *testing.T, m model.Model, polFns ...func(o *policy.Options)) *fixture {
	t.Helper()
	v, err := vault.NewLocal(t.TempDir())
	require.NoError(t, err)

	reg := tool.NewRegistry()
	tool.RegisterVaultTools(reg, v)
	reg.Register(tool.NewShellTool(v.BasePath()))
	reg.Register(tool.NewDelegateTool())

	pol := policy.New(polFns...)

	ctrl, err := New(func(o *Options) {
		o.Model = m
		o.Registry = reg
		o.Policy = pol
		o.Pricing = config.PricingFor(config.TierBalanced)
	})
	require.NoError(t, err)

	sink := newEventSink()
	ctrl.SetEventHandler(sink.handle)

	return &fixture{
		ctrl: ctrl,
		sink: sink,
		conv: core.NewConversation("test"),
		reg:  reg,
		pol:  pol,
	}
}

func usage(in, out int64) protocol.Usage {
	return protocol.Usage{InputTokens: in, OutputTokens: out}
}

func TestTurn_PlainTextResponse(t *testing.T) {
	m := model.NewScriptedModel(model.TextRound("hello there", usage(100, 20)))
	f := newFixture(t, m)

	turnID, err := f.ctrl.StartTurn(context.Background(), f.conv, "hi")
	require.NoError(t, err)
	require.NotEmpty(t, turnID)

	done := f.sink.waitFor(t, core.EventTurnCompleted)
	assert.Equal(t, f.conv.ID, done.ConversationID)
	assert.Equal(t, turnID, done.TurnID)

	// User message, assistant message, delta, completion.
	assert.Equal(t, 2, f.sink.count(core.EventMessageCreated))
	assert.GreaterOrEqual(t, f.sink.count(core.EventMessageUpdated), 1)

	last := f.conv.LastMessage()
	require.NotNil(t, last)
	assert.Equal(t, core.RoleAssistant, last.Role)
	assert.Equal(t, "hello there", last.Text())
	assert.False(t, last.Streaming)

	assert.Equal(t, 1, f.accounting().Turns())
	assert.InDelta(t, 0.0006, f.accounting().Cost(), 0.0001)
}

func TestTurn_AutoApprovedVaultTool(t *testing.T) {
	m := model.NewScriptedModel(
		model.ToolUseRound("tc-1", "vault_list", `{}`, usage(100, 10)),
		model.TextRound("the vault is empty", usage(120, 15)),
	)
	f := newFixture(t, m, func(o *policy.Options) { o.AutoApproveVaultReads = true })

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "what's in my vault?")
	require.NoError(t, err)

	f.sink.waitFor(t, core.EventTurnCompleted)

	// No approval round-trip for auto-approved reads.
	assert.Equal(t, 0, f.sink.count(core.EventApprovalRequested))
	assert.Equal(t, 1, f.sink.count(core.EventToolCallCreated))
	require.Equal(t, 1, f.sink.count(core.EventToolCallUpdated))

	history := f.conv.History()
	require.Len(t, history, 3) // user, assistant+tool, assistant summary
	toolMsg := history[1]
	require.Len(t, toolMsg.ToolCalls, 1)
	tc := toolMsg.ToolCalls[0]
	assert.Equal(t, core.ToolCallSuccess, tc.CurrentStatus())
	assert.Equal(t, "(empty)", tc.Output)

	// The follow-up request carried the tool outcome back to the model.
	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 2)

	assert.Equal(t, 2, f.accounting().Turns())
}

func TestTurn_DeniedToolNeverExecutes(t *testing.T) {
	executed := false
	m := model.NewScriptedModel(
		model.ToolUseRound("tc-1", "run_command", `{"command":"rm -rf /"}`, usage(100, 10)),
		model.TextRound("understood, skipping that", usage(110, 12)),
	)
	f := newFixture(t, m)

	// Shadow run_command so execution is observable.
	f.reg.Register(tool.NewFunctionTool("run_command", "test shell", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any) (string, error) {
			executed = true
			return "ran", nil
		}))

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "clean up")
	require.NoError(t, err)

	req := f.sink.waitFor(t, core.EventApprovalRequested)
	require.NotNil(t, req.ToolCall)
	assert.Equal(t, "run_command", req.ToolCall.Name)
	assert.Equal(t, core.ToolCallPending, req.ToolCall.Status)

	require.NoError(t, f.ctrl.ResolveApproval(f.conv.ID, req.ToolCall.ID, policy.ApprovalDeny))

	f.sink.waitFor(t, core.EventTurnCompleted)

	assert.False(t, executed)
	tc := f.conv.History()[1].ToolCalls[0]
	assert.Equal(t, core.ToolCallError, tc.CurrentStatus())
	assert.Contains(t, tc.Error, "permission denied")
}

func TestTurn_AllowAlwaysPersistsAndExecutes(t *testing.T) {
	var persisted []string
	m := model.NewScriptedModel(
		model.ToolUseRound("tc-1", "run_command", `{"command":"echo ok"}`, usage(100, 10)),
		model.TextRound("done", usage(110, 12)),
	)
	f := newFixture(t, m, func(o *policy.Options) {
		o.Persist = func(alwaysAllowed []string) error {
			persisted = alwaysAllowed
			return nil
		}
	})

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "run it")
	require.NoError(t, err)

	req := f.sink.waitFor(t, core.EventApprovalRequested)
	require.NoError(t, f.ctrl.ResolveApproval(f.conv.ID, req.ToolCall.ID, policy.ApprovalAllowAlways))

	f.sink.waitFor(t, core.EventTurnCompleted)

	assert.True(t, f.pol.IsAlwaysAllowed("run_command"))
	assert.Equal(t, []string{"run_command"}, persisted)

	tc := f.conv.History()[1].ToolCalls[0]
	assert.Equal(t, core.ToolCallSuccess, tc.CurrentStatus())
	assert.Equal(t, "ok", tc.Output)
}

func TestTurn_ResolveApprovalUnknownCall(t *testing.T) {
	m := model.NewScriptedModel(
		model.ToolUseRound("tc-1", "run_command", `{"command":"true"}`, usage(10, 5)),
		model.TextRound("ok", usage(10, 5)),
	)
	f := newFixture(t, m)

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "go")
	require.NoError(t, err)

	req := f.sink.waitFor(t, core.EventApprovalRequested)
	assert.Error(t, f.ctrl.ResolveApproval(f.conv.ID, "bogus-id", policy.ApprovalAllow))
	require.NoError(t, f.ctrl.ResolveApproval(f.conv.ID, req.ToolCall.ID, policy.ApprovalAllow))
	f.sink.waitFor(t, core.EventTurnCompleted)
}

func TestTurn_CancelDuringStream(t *testing.T) {
	m := model.NewScriptedModel(model.Round{
		Events: []protocol.RawEvent{
			{Kind: protocol.RawMessageStart},
			protocol.NewTextDeltaRaw("thinking about it"),
		},
		HoldOpen: true,
	})
	f := newFixture(t, m)

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "ponder")
	require.NoError(t, err)

	f.sink.waitFor(t, core.EventMessageUpdated)
	f.ctrl.Cancel(f.conv.ID)

	failed := f.sink.waitFor(t, core.EventTurnFailed)
	assert.Equal(t, core.FailCancelled, failed.Reason)

	// Partial output is retained and finalized.
	last := f.conv.LastMessage()
	assert.Equal(t, "thinking about it", last.Text())
	assert.False(t, last.Streaming)

	require.Eventually(t, func() bool {
		return !f.ctrl.HasActiveTurn(f.conv.ID)
	}, time.Second, 10*time.Millisecond)
}

func TestTurn_CancelDuringToolExecution(t *testing.T) {
	m := model.NewScriptedModel(
		model.ToolUseRound("tc-1", "run_command", `{}`, usage(10, 5)),
	)
	f := newFixture(t, m, func(o *policy.Options) { o.RequireBashApproval = false })

	started := make(chan struct{})
	f.reg.Register(tool.NewFunctionTool("run_command", "blocking shell", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}))

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "hang")
	require.NoError(t, err)

	<-started
	f.ctrl.Cancel(f.conv.ID)

	failed := f.sink.waitFor(t, core.EventTurnFailed)
	assert.Equal(t, core.FailCancelled, failed.Reason)

	tc := f.conv.History()[1].ToolCalls[0]
	assert.Equal(t, core.ToolCallError, tc.CurrentStatus())
	assert.Equal(t, "interrupted", tc.Error)
}

func TestTurn_BudgetExceededParksThenContinues(t *testing.T) {
	// First response costs 18.00 at balanced pricing, strictly above the
	// ceiling, so the turn parks before feeding the tool result back.
	m := model.NewScriptedModel(
		model.ToolUseRound("tc-1", "vault_list", `{}`, usage(1_000_000, 1_000_000)),
		model.TextRound("over budget but continuing", usage(10, 5)),
	)
	f := newFixture(t, m, func(o *policy.Options) {
		o.MaxBudgetPerSession = 10.0
		o.AutoApproveVaultReads = true
	})

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "continue?")
	require.NoError(t, err)

	failed := f.sink.waitFor(t, core.EventTurnFailed)
	assert.Equal(t, core.FailBudgetExceeded, failed.Reason)
	assert.Contains(t, failed.ErrorMessage, "exceeds budget")

	// The turn is parked, not gone.
	assert.True(t, f.ctrl.HasActiveTurn(f.conv.ID))

	require.NoError(t, f.ctrl.ContinueAnyway(f.conv.ID))
	f.sink.waitFor(t, core.EventTurnCompleted)
	assert.Equal(t, "over budget but continuing", f.conv.LastMessage().Text())
}

func TestTurn_TurnLimitExceededParks(t *testing.T) {
	// Two tool rounds complete two turns; with MaxTurns=1 the check before
	// the third step trips (strict greater-than).
	m := model.NewScriptedModel(
		model.ToolUseRound("tc-1", "vault_list", `{}`, usage(10, 5)),
		model.ToolUseRound("tc-2", "vault_exists", `{"path":"a.md"}`, usage(10, 5)),
		model.TextRound("done", usage(10, 5)),
	)
	f := newFixture(t, m, func(o *policy.Options) {
		o.MaxTurns = 1
		o.AutoApproveVaultReads = true
	})

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "one more")
	require.NoError(t, err)

	failed := f.sink.waitFor(t, core.EventTurnFailed)
	assert.Equal(t, core.FailTurnLimit, failed.Reason)

	require.NoError(t, f.ctrl.ContinueAnyway(f.conv.ID))
	f.sink.waitFor(t, core.EventTurnCompleted)
}

func TestTurn_AtCeilingStillSteps(t *testing.T) {
	// The first response lands exactly on the 18.00 ceiling; equality does
	// not block the follow-up step.
	m := model.NewScriptedModel(
		model.ToolUseRound("tc-1", "vault_list", `{}`, usage(1_000_000, 1_000_000)),
		model.TextRound("exactly at the line", usage(0, 0)),
	)
	f := newFixture(t, m, func(o *policy.Options) {
		o.MaxBudgetPerSession = 18.0
		o.AutoApproveVaultReads = true
	})

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "go")
	require.NoError(t, err)

	f.sink.waitFor(t, core.EventTurnCompleted)
	assert.Equal(t, 0, f.sink.count(core.EventTurnFailed))
}

func TestTurn_CountersResetEachQuery(t *testing.T) {
	// Four single-response queries on one conversation must each start from
	// a zero turn counter; none may trip a MaxTurns=2 ceiling.
	m := model.NewScriptedModel(
		model.TextRound("one", usage(10, 5)),
		model.TextRound("two", usage(10, 5)),
		model.TextRound("three", usage(10, 5)),
		model.TextRound("four", usage(10, 5)),
	)
	f := newFixture(t, m, func(o *policy.Options) { o.MaxTurns = 2 })

	for _, prompt := range []string{"a", "b", "c", "d"} {
		_, err := f.ctrl.StartTurn(context.Background(), f.conv, prompt)
		require.NoError(t, err)
		f.sink.waitFor(t, core.EventTurnCompleted)
	}

	assert.Equal(t, 0, f.sink.count(core.EventTurnFailed))
	assert.Equal(t, 1, f.accounting().Turns())
	assert.Equal(t, "four", f.conv.LastMessage().Text())
}

func TestTurn_AccountingIsPerConversation(t *testing.T) {
	m := model.NewScriptedModel(
		model.TextRound("first conversation", usage(100_000, 0)),
		model.TextRound("second conversation", usage(10, 5)),
	)
	f := newFixture(t, m)

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "hello")
	require.NoError(t, err)
	f.sink.waitFor(t, core.EventTurnCompleted)

	other := core.NewConversation("other")
	_, err = f.ctrl.StartTurn(context.Background(), other, "hello again")
	require.NoError(t, err)
	f.sink.waitFor(t, core.EventTurnCompleted)

	// The second conversation's query neither reads nor resets the first
	// conversation's counters.
	assert.InDelta(t, 0.3, f.ctrl.Accounting(f.conv.ID).Cost(), 1e-9)
	assert.Equal(t, 1, f.ctrl.Accounting(f.conv.ID).Turns())
	assert.Less(t, f.ctrl.Accounting(other.ID).Cost(), 0.001)
}

func TestTurn_ConcurrentTurnRejected(t *testing.T) {
	m := model.NewScriptedModel(model.Round{HoldOpen: true})
	f := newFixture(t, m)

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "first")
	require.NoError(t, err)

	_, err = f.ctrl.StartTurn(context.Background(), f.conv, "second")
	var concurrent *core.ConcurrentTurnError
	require.ErrorAs(t, err, &concurrent)
	assert.Equal(t, f.conv.ID, concurrent.ConversationID)

	f.ctrl.Cancel(f.conv.ID)
	f.sink.waitFor(t, core.EventTurnFailed)
}

func TestTurn_TransportErrorFailsTurn(t *testing.T) {
	m := model.NewScriptedModel(model.ErrorRound(errors.New("connection reset")))
	f := newFixture(t, m)

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "hi")
	require.NoError(t, err)

	failed := f.sink.waitFor(t, core.EventTurnFailed)
	assert.Equal(t, core.FailTransport, failed.Reason)
	assert.Contains(t, failed.ErrorMessage, "connection reset")

	last := f.conv.LastMessage()
	assert.NotEmpty(t, last.Error)
	assert.False(t, last.Streaming)
}

func TestTurn_StreamErrorReleasesModelStream(t *testing.T) {
	// A stream error fails the turn while the model is still pushing
	// deltas; the producer goroutine must observe cancellation instead of
	// blocking on the event channel forever.
	events := []protocol.RawEvent{
		{Kind: protocol.RawMessageStart},
		protocol.NewStreamErrorRaw("upstream reset"),
	}
	for i := 0; i < 64; i++ {
		events = append(events, protocol.NewTextDeltaRaw("x"))
	}
	m := model.NewScriptedModel(model.Round{Events: events})
	f := newFixture(t, m)

	before := runtime.NumGoroutine()
	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "hi")
	require.NoError(t, err)

	failed := f.sink.waitFor(t, core.EventTurnFailed)
	assert.Equal(t, core.FailTransport, failed.Reason)

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 3*time.Second, 10*time.Millisecond, "model stream goroutine still running")
}

func TestController_CancelImmediatelyAfterStart(t *testing.T) {
	m := model.NewScriptedModel(model.Round{HoldOpen: true})
	f := newFixture(t, m)

	// Cancel from another goroutine the moment the turn becomes visible.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for !f.ctrl.HasActiveTurn(f.conv.ID) {
			time.Sleep(time.Millisecond)
		}
		f.ctrl.Cancel(f.conv.ID)
	}()

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "hi")
	require.NoError(t, err)

	failed := f.sink.waitFor(t, core.EventTurnFailed)
	assert.Equal(t, core.FailCancelled, failed.Reason)
	<-done
}

func TestTurn_UnknownToolBecomesCallError(t *testing.T) {
	m := model.NewScriptedModel(
		model.ToolUseRound("tc-1", "frobnicate", `{}`, usage(10, 5)),
		model.TextRound("that tool does not exist", usage(10, 5)),
	)
	f := newFixture(t, m)

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "frobnicate please")
	require.NoError(t, err)

	// Unrecognized tools still go through the approval gate.
	req := f.sink.waitFor(t, core.EventApprovalRequested)
	require.NoError(t, f.ctrl.ResolveApproval(f.conv.ID, req.ToolCall.ID, policy.ApprovalAllow))

	f.sink.waitFor(t, core.EventTurnCompleted)

	tc := f.conv.History()[1].ToolCalls[0]
	assert.Equal(t, core.ToolCallError, tc.CurrentStatus())
	assert.Contains(t, tc.Error, "unknown tool")
}

func TestTurn_MalformedEventSkipped(t *testing.T) {
	m := model.NewScriptedModel(model.Round{Events: []protocol.RawEvent{
		{Kind: protocol.RawMessageStart},
		{Kind: protocol.RawTextDelta, Payload: []byte(`{"nope":true}`)}, // malformed: no text
		protocol.NewTextDeltaRaw("still fine"),
		protocol.NewTurnEndRaw("end_turn", usage(10, 5)),
	}})
	f := newFixture(t, m)

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "go")
	require.NoError(t, err)

	f.sink.waitFor(t, core.EventTurnCompleted)
	assert.Equal(t, "still fine", f.conv.LastMessage().Text())
}

func TestTurn_ParallelToolCallsEmitInOrder(t *testing.T) {
	m := model.NewScriptedModel(
		model.Round{Events: []protocol.RawEvent{
			{Kind: protocol.RawMessageStart},
			protocol.NewToolUseStartRaw("tc-a", "vault_exists"),
			protocol.NewToolInputDeltaRaw("tc-a", `{"path":"a.md"}`),
			protocol.NewToolUseStopRaw("tc-a"),
			protocol.NewToolUseStartRaw("tc-b", "vault_exists"),
			protocol.NewToolInputDeltaRaw("tc-b", `{"path":"b.md"}`),
			protocol.NewToolUseStopRaw("tc-b"),
			protocol.NewTurnEndRaw("tool_use", usage(10, 5)),
		}},
		model.TextRound("neither exists", usage(10, 5)),
	)
	f := newFixture(t, m, func(o *policy.Options) { o.AutoApproveVaultReads = true })

	_, err := f.ctrl.StartTurn(context.Background(), f.conv, "check both")
	require.NoError(t, err)

	f.sink.waitFor(t, core.EventTurnCompleted)

	f.sink.mu.Lock()
	var updated []string
	for _, ev := range f.sink.events {
		if ev.Kind == core.EventToolCallUpdated {
			updated = append(updated, ev.ToolCall.ID)
		}
	}
	f.sink.mu.Unlock()

	// Terminal updates arrive in invocation order regardless of completion order.
	assert.Equal(t, []string{"tc-a", "tc-b"}, updated)
}
