package tool

import (
	"context"

	"vaultmind/core"
)

// delegateTool advertises the delegation capability to the model. The session
// controller intercepts calls to it and spawns a nested run; the Call method
// only exists to satisfy the Tool interface.
type delegateTool struct{}

// NewDelegateTool constructs the delegate tool instance.
func NewDelegateTool() Tool { return &delegateTool{} }

func (t *delegateTool) Name() string { return core.DelegateToolName }

func (t *delegateTool) Description() string {
	return "Delegate a self-contained research sub-task to a background agent with read-only vault access. Returns the sub-agent's final summary."
}

func (t *delegateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{"type": "string", "description": "Complete instructions for the sub-task"},
		},
		"required": []string{"prompt"},
	}
}

func (t *delegateTool) Call(ctx context.Context, args map[string]any) (string, error) {
	return "", NewToolError(t.Name(), "delegation must be dispatched by the session controller", "EXECUTION_ERROR")
}
