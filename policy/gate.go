package policy

import "vaultmind/core"

// Decision is the outcome of the permission gate.
type Decision int

const (
	// Allow dispatches the tool call immediately.
	Allow Decision = iota
	// Deny produces a synthetic refusal result without executing. The
	// default decision order never yields Deny; it exists for approval
	// resolutions and future policy rules.
	Deny
	// AskUser suspends the turn until an approval decision arrives.
	AskUser
)

// String returns a readable decision name.
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case AskUser:
		return "ask_user"
	default:
		return "unknown"
	}
}

// ApprovalDecision resolves a pending AskUser request.
type ApprovalDecision int

const (
	// ApprovalAllow permits this single invocation.
	ApprovalAllow ApprovalDecision = iota
	// ApprovalAllowAlways permits the invocation and adds the tool to the
	// persisted always-allowed set.
	ApprovalAllowAlways
	// ApprovalDeny refuses the invocation; a synthetic denial result is fed
	// back to the model and the turn continues.
	ApprovalDeny
)

// Decide is the pure permission gate. It evaluates, in order:
//
//  1. always-allowed set membership
//  2. read-only vault tools under autoApproveVaultReads
//  3. vault-mutating tools under autoApproveVaultWrites
//  4. shell tools under requireBashApproval
//  5. everything else asks the user
//
// It has no side effects beyond reading policy state.
func Decide(toolName string, identity core.ToolIdentity, p *SessionPolicy) Decision {
	if p.IsAlwaysAllowed(toolName) {
		return Allow
	}
	if identity.ReadsVault() && p.AutoApproveVaultReads() {
		return Allow
	}
	if identity.MutatesVault() && p.AutoApproveVaultWrites() {
		return Allow
	}
	if identity.IsShell() {
		if p.RequireBashApproval() {
			return AskUser
		}
		return Allow
	}
	return AskUser
}
