package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vaultmind/core"
	"vaultmind/logging"
	"vaultmind/tool"
)

// Per-class execution deadlines. Delegations carry their own ceiling and run
// under the turn context directly.
const (
	vaultTimeout    = 30 * time.Second
	shellTimeout    = 2 * time.Minute
	externalTimeout = 1 * time.Minute
)

// Executor dispatches approved tool calls against the registry. It never
// returns an error: every outcome, including unknown tools, timeouts and
// panics inside tool implementations, lands on the ToolCall itself.
type Executor struct {
	registry *tool.Registry
	logger   logging.Logger
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *tool.Registry, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Executor{registry: registry, logger: logger}
}

// Execute runs the call to a terminal state. The call must be pending.
func (e *Executor) Execute(ctx context.Context, call *core.ToolCall) {
	if err := call.MarkRunning(); err != nil {
		e.logger.Warn("tool call not runnable", "tool", call.Name, "error", err.Error())
		return
	}
	e.ctrlExecute(ctx, call)
}

func (e *Executor) ctrlExecute(ctx context.Context, call *core.ToolCall) {
	start := time.Now()

	impl, err := e.registry.Get(call.Name)
	if err != nil {
		// Unknown tool is a call-level error, never a session failure.
		_ = call.MarkError(err.Error())
		e.logger.Warn("unknown tool requested", "tool", call.Name)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, timeoutFor(call.Identity))
	defer cancel()

	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			_ = call.MarkError(fmt.Sprintf("invalid tool input: %v", err))
			return
		}
	}

	output, callErr := e.invoke(execCtx, impl, args)

	switch {
	case callErr != nil && ctx.Err() != nil:
		_ = call.MarkError("interrupted")
	case callErr != nil && execCtx.Err() != nil:
		_ = call.MarkError(fmt.Sprintf("tool %s timed out", call.Name))
	case callErr != nil:
		_ = call.MarkError(callErr.Error())
	default:
		_ = call.MarkSuccess(output)
	}

	e.logger.Debug("tool call finished",
		"tool", call.Name,
		"status", string(call.CurrentStatus()),
		"duration_ms", time.Since(start).Milliseconds())
}

// invoke shields the session from panicking tool implementations.
func (e *Executor) invoke(ctx context.Context, impl tool.Tool, args map[string]any) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return impl.Call(ctx, args)
}

func timeoutFor(identity core.ToolIdentity) time.Duration {
	switch {
	case identity.Kind == core.IdentityExternal:
		return externalTimeout
	case identity.IsShell():
		return shellTimeout
	default:
		return vaultTimeout
	}
}
