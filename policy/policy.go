// Package policy holds the session-level authorization and accounting rules:
// the SessionPolicy value consulted by the permission gate, the pure gate
// decision function, and the budget / turn ceiling enforcement applied before
// every turn step.
package policy

import (
	"slices"
	"sync"
)

// SessionPolicy is the explicit policy value owned by the session controller
// and passed by reference into the gate. The always-allowed set grows only by
// explicit user action; persistence is a side effect invoked at the point of
// mutation, never read implicitly from ambient state.
type SessionPolicy struct {
	mu sync.RWMutex

	autoApproveVaultReads  bool
	autoApproveVaultWrites bool
	requireBashApproval    bool
	alwaysAllowed          []string
	maxBudgetPerSession    float64
	maxTurns               int

	persist func(alwaysAllowed []string) error
}

// Options configures a SessionPolicy.
type Options struct {
	AutoApproveVaultReads  bool
	AutoApproveVaultWrites bool
	RequireBashApproval    bool
	AlwaysAllowedTools     []string
	MaxBudgetPerSession    float64
	MaxTurns               int

	// Persist is invoked with the updated always-allowed set whenever an
	// AllowAlways decision adds a tool. A nil hook disables persistence.
	Persist func(alwaysAllowed []string) error
}

// New constructs a SessionPolicy with defaults: approvals required for
// everything, a 5.00 budget and 25 turns per query.
func New(optFns ...func(o *Options)) *SessionPolicy {
	opts := Options{
		RequireBashApproval: true,
		MaxBudgetPerSession: 5.0,
		MaxTurns:            25,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &SessionPolicy{
		autoApproveVaultReads:  opts.AutoApproveVaultReads,
		autoApproveVaultWrites: opts.AutoApproveVaultWrites,
		requireBashApproval:    opts.RequireBashApproval,
		alwaysAllowed:          slices.Clone(opts.AlwaysAllowedTools),
		maxBudgetPerSession:    opts.MaxBudgetPerSession,
		maxTurns:               opts.MaxTurns,
		persist:                opts.Persist,
	}
}

// AutoApproveVaultReads reports whether read-only vault tools bypass approval.
func (p *SessionPolicy) AutoApproveVaultReads() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoApproveVaultReads
}

// AutoApproveVaultWrites reports whether vault-mutating tools bypass approval.
func (p *SessionPolicy) AutoApproveVaultWrites() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoApproveVaultWrites
}

// RequireBashApproval reports whether shell tools need interactive approval.
func (p *SessionPolicy) RequireBashApproval() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.requireBashApproval
}

// MaxBudgetPerSession returns the currency ceiling for a session.
func (p *SessionPolicy) MaxBudgetPerSession() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxBudgetPerSession
}

// MaxTurns returns the per-query turn ceiling.
func (p *SessionPolicy) MaxTurns() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxTurns
}

// IsAlwaysAllowed reports whether the tool name is exempt from approval.
func (p *SessionPolicy) IsAlwaysAllowed(toolName string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Contains(p.alwaysAllowed, toolName)
}

// AlwaysAllowed returns an ordered copy of the always-allowed set.
func (p *SessionPolicy) AlwaysAllowed() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.alwaysAllowed)
}

// AllowAlways adds a tool to the always-allowed set and fires the persistence
// hook. The set grows only through this method; duplicates are ignored but
// still persisted so a previously failed save can be retried.
func (p *SessionPolicy) AllowAlways(toolName string) error {
	p.mu.Lock()
	if !slices.Contains(p.alwaysAllowed, toolName) {
		p.alwaysAllowed = append(p.alwaysAllowed, toolName)
	}
	snapshot := slices.Clone(p.alwaysAllowed)
	persist := p.persist
	p.mu.Unlock()

	if persist == nil {
		return nil
	}
	return persist(snapshot)
}

// Derive returns an independent policy for a delegated sub-conversation with
// ceilings carved from the parent's remaining allowance. The derived policy
// shares no mutable state with the parent and never persists. Read-only vault
// tools are auto-approved in the derived policy: delegated runs operate on a
// read-only toolset and must never block on interactive approval.
func (p *SessionPolicy) Derive(maxBudget float64, maxTurns int) *SessionPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &SessionPolicy{
		autoApproveVaultReads:  true,
		autoApproveVaultWrites: p.autoApproveVaultWrites,
		requireBashApproval:    p.requireBashApproval,
		alwaysAllowed:          slices.Clone(p.alwaysAllowed),
		maxBudgetPerSession:    maxBudget,
		maxTurns:               maxTurns,
	}
}

// SessionAccounting tracks cumulative session cost and turn count. It is
// reset at the start of each new query and never shared across conversations.
type SessionAccounting struct {
	mu    sync.Mutex
	cost  float64
	turns int
}

// NewAccounting creates zeroed accounting.
func NewAccounting() *SessionAccounting { return &SessionAccounting{} }

// AddCost accumulates cost from a completed model response.
func (a *SessionAccounting) AddCost(cost float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cost += cost
}

// AddTurn increments the turn counter; one turn per full model response.
func (a *SessionAccounting) AddTurn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns++
}

// Cost returns the cumulative session cost.
func (a *SessionAccounting) Cost() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cost
}

// Turns returns the turn count for the current query.
func (a *SessionAccounting) Turns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turns
}

// Reset zeroes cost and turns at the start of a new query.
func (a *SessionAccounting) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cost = 0
	a.turns = 0
}
