package tool

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"vaultmind/vault"
)

// RegisterVaultTools registers the built-in vault tools against the given
// vault adapter. Read-only tools first, then the mutating ones.
func RegisterVaultTools(r *Registry, v vault.Vault) {
	r.Register(&vaultReadTool{v: v})
	r.Register(&vaultListTool{v: v})
	r.Register(&vaultSearchTool{v: v})
	r.Register(&vaultExistsTool{v: v})
	r.Register(&vaultWriteTool{v: v})
	r.Register(&vaultMkdirTool{v: v})
	r.Register(&vaultRemoveTool{v: v})
}

// pathSchema is the common single-path argument schema.
func pathSchema(desc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": desc},
		},
		"required": []string{"path"},
	}
}

type vaultReadTool struct{ v vault.Vault }

func (t *vaultReadTool) Name() string { return "vault_read" }

func (t *vaultReadTool) Description() string {
	return "Read the contents of a file in the vault."
}

func (t *vaultReadTool) Parameters() map[string]any {
	return pathSchema("Vault-relative path of the file to read")
}

func (t *vaultReadTool) Call(ctx context.Context, args map[string]any) (string, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return "", NewToolError(t.Name(), err.Error(), "VALIDATION_ERROR")
	}
	data, err := t.v.Read(ctx, p)
	if err != nil {
		return "", NewToolError(t.Name(), err.Error(), "EXECUTION_ERROR")
	}
	if !utf8.Valid(data) {
		return "", NewToolError(t.Name(), fmt.Sprintf("%s is not a text file", p), "EXECUTION_ERROR")
	}
	return string(data), nil
}

type vaultListTool struct{ v vault.Vault }

func (t *vaultListTool) Name() string { return "vault_list" }

func (t *vaultListTool) Description() string {
	return "List the entries of a directory in the vault."
}

func (t *vaultListTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Vault-relative directory path, defaults to the vault root"},
		},
	}
}

func (t *vaultListTool) Call(ctx context.Context, args map[string]any) (string, error) {
	p := optionalStringArg(args, "path", ".")
	entries, err := t.v.List(ctx, p)
	if err != nil {
		return "", NewToolError(t.Name(), err.Error(), "EXECUTION_ERROR")
	}
	if len(entries) == 0 {
		return "(empty)", nil
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&b, "%s/\n", e.Name)
		} else {
			fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name, e.Size)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

type vaultSearchTool struct{ v vault.Vault }

func (t *vaultSearchTool) Name() string { return "vault_search" }

func (t *vaultSearchTool) Description() string {
	return "Search vault files for a case-insensitive substring and return matching lines."
}

func (t *vaultSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Substring to search for"},
			"path":  map[string]any{"type": "string", "description": "Directory to search under, defaults to the vault root"},
		},
		"required": []string{"query"},
	}
}

// searchLimit caps result lines so a broad query cannot flood the model.
const searchLimit = 100

func (t *vaultSearchTool) Call(ctx context.Context, args map[string]any) (string, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return "", NewToolError(t.Name(), err.Error(), "VALIDATION_ERROR")
	}
	root := optionalStringArg(args, "path", ".")

	var matches []string
	if err := t.walk(ctx, root, strings.ToLower(query), &matches); err != nil {
		return "", NewToolError(t.Name(), err.Error(), "EXECUTION_ERROR")
	}
	if len(matches) == 0 {
		return "no matches", nil
	}
	return strings.Join(matches, "\n"), nil
}

func (t *vaultSearchTool) walk(ctx context.Context, dir, query string, matches *[]string) error {
	if len(*matches) >= searchLimit {
		return nil
	}
	entries, err := t.v.List(ctx, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if len(*matches) >= searchLimit {
			return nil
		}
		child := path.Join(dir, e.Name)
		if e.IsDir {
			if err := t.walk(ctx, child, query, matches); err != nil {
				return err
			}
			continue
		}
		data, err := t.v.Read(ctx, child)
		if err != nil {
			return err
		}
		if !utf8.Valid(data) {
			continue
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(strings.ToLower(line), query) {
				*matches = append(*matches, fmt.Sprintf("%s:%d: %s", child, i+1, strings.TrimSpace(line)))
				if len(*matches) >= searchLimit {
					break
				}
			}
		}
	}
	return nil
}

type vaultExistsTool struct{ v vault.Vault }

func (t *vaultExistsTool) Name() string { return "vault_exists" }

func (t *vaultExistsTool) Description() string {
	return "Check whether a path exists in the vault."
}

func (t *vaultExistsTool) Parameters() map[string]any {
	return pathSchema("Vault-relative path to check")
}

func (t *vaultExistsTool) Call(ctx context.Context, args map[string]any) (string, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return "", NewToolError(t.Name(), err.Error(), "VALIDATION_ERROR")
	}
	ok, err := t.v.Exists(ctx, p)
	if err != nil {
		return "", NewToolError(t.Name(), err.Error(), "EXECUTION_ERROR")
	}
	if ok {
		return "true", nil
	}
	return "false", nil
}

type vaultWriteTool struct{ v vault.Vault }

func (t *vaultWriteTool) Name() string { return "vault_write" }

func (t *vaultWriteTool) Description() string {
	return "Write content to a file in the vault, creating parent directories as needed."
}

func (t *vaultWriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Vault-relative path of the file to write"},
			"content": map[string]any{"type": "string", "description": "Full file content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *vaultWriteTool) Call(ctx context.Context, args map[string]any) (string, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return "", NewToolError(t.Name(), err.Error(), "VALIDATION_ERROR")
	}
	content, ok := args["content"].(string)
	if !ok {
		return "", NewToolError(t.Name(), "field \"content\" must be a string", "VALIDATION_ERROR")
	}
	if err := t.v.Write(ctx, p, []byte(content)); err != nil {
		return "", NewToolError(t.Name(), err.Error(), "EXECUTION_ERROR")
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), p), nil
}

type vaultMkdirTool struct{ v vault.Vault }

func (t *vaultMkdirTool) Name() string { return "vault_mkdir" }

func (t *vaultMkdirTool) Description() string {
	return "Create a directory in the vault, including missing parents."
}

func (t *vaultMkdirTool) Parameters() map[string]any {
	return pathSchema("Vault-relative directory path to create")
}

func (t *vaultMkdirTool) Call(ctx context.Context, args map[string]any) (string, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return "", NewToolError(t.Name(), err.Error(), "VALIDATION_ERROR")
	}
	if err := t.v.Mkdir(ctx, p); err != nil {
		return "", NewToolError(t.Name(), err.Error(), "EXECUTION_ERROR")
	}
	return fmt.Sprintf("created %s", p), nil
}

type vaultRemoveTool struct{ v vault.Vault }

func (t *vaultRemoveTool) Name() string { return "vault_remove" }

func (t *vaultRemoveTool) Description() string {
	return "Remove a file or empty directory from the vault."
}

func (t *vaultRemoveTool) Parameters() map[string]any {
	return pathSchema("Vault-relative path to remove")
}

func (t *vaultRemoveTool) Call(ctx context.Context, args map[string]any) (string, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return "", NewToolError(t.Name(), err.Error(), "VALIDATION_ERROR")
	}
	if err := t.v.Remove(ctx, p); err != nil {
		return "", NewToolError(t.Name(), err.Error(), "EXECUTION_ERROR")
	}
	return fmt.Sprintf("removed %s", p), nil
}
