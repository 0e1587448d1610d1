package core

import "strings"

// IdentityKind is the top-level classification of a tool name.
type IdentityKind string

const (
	// IdentityBuiltIn covers tools shipped with the core (vault and shell).
	IdentityBuiltIn IdentityKind = "builtin"
	// IdentityDelegation is the tool that spawns a nested sub-conversation.
	IdentityDelegation IdentityKind = "delegation"
	// IdentityExternal covers tools contributed by registered capability
	// servers, named as mcp__<server>__<operation>.
	IdentityExternal IdentityKind = "external"
)

// BuiltInKind refines IdentityBuiltIn into concrete capability classes.
type BuiltInKind string

const (
	// BuiltInVaultRead is a read-only vault operation.
	BuiltInVaultRead BuiltInKind = "vault_read"
	// BuiltInVaultWrite is a vault-mutating operation.
	BuiltInVaultWrite BuiltInKind = "vault_write"
	// BuiltInShell is shell command execution.
	BuiltInShell BuiltInKind = "shell"
	// BuiltInUnknown is a name the core does not recognize; dispatch fails
	// with UnknownToolError, never a session failure.
	BuiltInUnknown BuiltInKind = "unknown"
)

// DelegateToolName is the tool name that spawns a delegated sub-conversation.
const DelegateToolName = "delegate"

// ExternalToolPrefix prefixes tools contributed by capability servers.
const ExternalToolPrefix = "mcp__"

// ToolIdentity is the tagged classification of a tool name, resolved once at
// ToolCall creation. Server and Operation are set only for external tools.
type ToolIdentity struct {
	Kind      IdentityKind `json:"kind"`
	BuiltIn   BuiltInKind  `json:"builtin,omitempty"`
	Server    string       `json:"server,omitempty"`
	Operation string       `json:"operation,omitempty"`
}

var builtInKinds = map[string]BuiltInKind{
	"vault_read":   BuiltInVaultRead,
	"vault_list":   BuiltInVaultRead,
	"vault_search": BuiltInVaultRead,
	"vault_exists": BuiltInVaultRead,
	"vault_write":  BuiltInVaultWrite,
	"vault_mkdir":  BuiltInVaultWrite,
	"vault_remove": BuiltInVaultWrite,
	"run_command":  BuiltInShell,
}

// ResolveToolIdentity classifies a tool name into the closed identity
// enumeration used by the permission gate and executor.
func ResolveToolIdentity(name string) ToolIdentity {
	if name == DelegateToolName {
		return ToolIdentity{Kind: IdentityDelegation}
	}
	if rest, ok := strings.CutPrefix(name, ExternalToolPrefix); ok {
		server, op, found := strings.Cut(rest, "__")
		if found && server != "" && op != "" {
			return ToolIdentity{Kind: IdentityExternal, Server: server, Operation: op}
		}
		// Malformed external name: keep the external kind so the executor
		// routes it to the server dispatcher which reports it as unknown.
		return ToolIdentity{Kind: IdentityExternal, Server: rest}
	}
	if kind, ok := builtInKinds[name]; ok {
		return ToolIdentity{Kind: IdentityBuiltIn, BuiltIn: kind}
	}
	return ToolIdentity{Kind: IdentityBuiltIn, BuiltIn: BuiltInUnknown}
}

// ReadsVault reports whether the tool is a read-only vault operation.
func (id ToolIdentity) ReadsVault() bool {
	return id.Kind == IdentityBuiltIn && id.BuiltIn == BuiltInVaultRead
}

// MutatesVault reports whether the tool is a vault-mutating operation.
func (id ToolIdentity) MutatesVault() bool {
	return id.Kind == IdentityBuiltIn && id.BuiltIn == BuiltInVaultWrite
}

// IsShell reports whether the tool executes shell commands.
func (id ToolIdentity) IsShell() bool {
	return id.Kind == IdentityBuiltIn && id.BuiltIn == BuiltInShell
}
