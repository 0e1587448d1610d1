package tool

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// shellOutputLimit caps captured output fed back to the model.
const shellOutputLimit = 16 * 1024

// shellTool runs a command line through the system shell with the vault root
// as working directory. Approval is enforced upstream by the permission gate;
// the tool itself only executes.
type shellTool struct {
	workDir string
}

// NewShellTool constructs the run_command tool rooted at workDir.
func NewShellTool(workDir string) Tool { return &shellTool{workDir: workDir} }

func (t *shellTool) Name() string { return "run_command" }

func (t *shellTool) Description() string {
	return "Run a shell command in the vault directory and return its combined output."
}

func (t *shellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Command line to execute"},
		},
		"required": []string{"command"},
	}
}

func (t *shellTool) Call(ctx context.Context, args map[string]any) (string, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return "", NewToolError(t.Name(), err.Error(), "VALIDATION_ERROR")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workDir
	out, runErr := cmd.CombinedOutput()

	text := strings.TrimRight(string(out), "\n")
	if len(text) > shellOutputLimit {
		text = text[:shellOutputLimit] + "\n... (output truncated)"
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return "", NewToolError(t.Name(), "command interrupted", "CANCELLED")
		}
		msg := runErr.Error()
		if text != "" {
			msg = fmt.Sprintf("%s\n%s", msg, text)
		}
		return "", NewToolError(t.Name(), msg, "EXECUTION_ERROR")
	}
	if text == "" {
		return "(no output)", nil
	}
	return text, nil
}
