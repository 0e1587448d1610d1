package session

import (
	"context"
	"fmt"
	"sync"

	"vaultmind/config"
	"vaultmind/core"
	"vaultmind/logging"
	"vaultmind/model"
	"vaultmind/policy"
	"vaultmind/tool"
)

// EventHandler receives session lifecycle events. Handlers are invoked from
// the turn goroutine and must not block.
type EventHandler func(core.SessionEvent)

// Options configures a Controller.
type Options struct {
	Model        model.Model
	Registry     *tool.Registry
	Policy       *policy.SessionPolicy
	Pricing      config.Pricing
	Logger       logging.Logger
	SystemPrompt string
	MaxTokens    int64

	// SubagentTurnLimit caps turns inside a delegated run.
	SubagentTurnLimit int

	// DisableCeilingParking fails a turn outright when a budget or turn
	// ceiling is exceeded instead of parking for ContinueAnyway. Set for
	// delegated runs, which have no interactive collaborator.
	DisableCeilingParking bool
}

// Controller owns the turn lifecycle for its conversations. At most one turn
// per conversation is active at a time; a second StartTurn fails with
// ConcurrentTurnError. All side effects surface through the event handler.
type Controller struct {
	model     model.Model
	registry  *tool.Registry
	policy    *policy.SessionPolicy
	pricing   config.Pricing
	logger    logging.Logger
	system    string
	maxTokens int64
	executor  *Executor
	tracker   *SubagentTracker

	subagentTurnLimit int
	parkOnCeiling     bool

	mu       sync.Mutex
	handler  EventHandler
	active   map[string]*turn
	accounts map[string]*policy.SessionAccounting
}

// New constructs a Controller. Model, Registry and Policy are required; the
// remaining options have working defaults.
func New(optFns ...func(o *Options)) (*Controller, error) {
	opts := Options{
		Pricing:           config.PricingFor(config.TierBalanced),
		Logger:            logging.NoOpLogger{},
		MaxTokens:         4096,
		SubagentTurnLimit: 10,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("session: model is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("session: tool registry is required")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("session: policy is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Controller{
		model:             opts.Model,
		registry:          opts.Registry,
		policy:            opts.Policy,
		pricing:           opts.Pricing,
		logger:            opts.Logger,
		system:            opts.SystemPrompt,
		maxTokens:         opts.MaxTokens,
		executor:          NewExecutor(opts.Registry, opts.Logger),
		tracker:           NewSubagentTracker(),
		subagentTurnLimit: opts.SubagentTurnLimit,
		parkOnCeiling:     !opts.DisableCeilingParking,
		active:            map[string]*turn{},
		accounts:          map[string]*policy.SessionAccounting{},
	}, nil
}

// SetEventHandler installs the lifecycle event sink. Replacing the handler
// mid-turn affects subsequent events only.
func (c *Controller) SetEventHandler(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Accounting returns the conversation's cost / turn counters. Accounting is
// per-conversation and resets at the start of each query.
func (c *Controller) Accounting(conversationID string) *policy.SessionAccounting {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountingLocked(conversationID)
}

func (c *Controller) accountingLocked(conversationID string) *policy.SessionAccounting {
	acc := c.accounts[conversationID]
	if acc == nil {
		acc = policy.NewAccounting()
		c.accounts[conversationID] = acc
	}
	return acc
}

// Policy exposes the session policy consulted by the permission gate.
func (c *Controller) Policy() *policy.SessionPolicy { return c.policy }

// StartTurn appends the user message and launches the turn loop for the
// conversation. It returns the turn id immediately; progress is reported via
// events. A conversation with an active turn rejects the call.
func (c *Controller) StartTurn(ctx context.Context, conv *core.Conversation, userText string) (string, error) {
	turnCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, busy := c.active[conv.ID]; busy {
		c.mu.Unlock()
		cancel()
		return "", &core.ConcurrentTurnError{ConversationID: conv.ID}
	}
	acc := c.accountingLocked(conv.ID)
	t := newTurn(c, conv, acc)
	t.cancel = cancel
	c.active[conv.ID] = t
	c.mu.Unlock()

	// Each query starts from zero cost and turn counters.
	acc.Reset()

	userMsg := core.NewUserMessage(userText)
	conv.AddMessage(userMsg)
	c.emit(core.NewMessageCreatedEvent(conv.ID, t.id, userMsg))

	go func() {
		defer cancel()
		t.run(turnCtx)
	}()
	return t.id, nil
}

// Cancel interrupts the active turn for the conversation, if any. Already
// produced output is retained; running tool calls are marked interrupted.
func (c *Controller) Cancel(conversationID string) {
	c.mu.Lock()
	t := c.active[conversationID]
	c.mu.Unlock()
	if t != nil && t.cancel != nil {
		t.cancel()
	}
}

// ResolveApproval delivers the user's decision for a pending approval request
// correlated by tool call id.
func (c *Controller) ResolveApproval(conversationID, toolCallID string, decision policy.ApprovalDecision) error {
	c.mu.Lock()
	t := c.active[conversationID]
	c.mu.Unlock()
	if t == nil {
		return fmt.Errorf("session: no active turn for conversation %s", conversationID)
	}
	return t.resolveApproval(toolCallID, decision)
}

// ContinueAnyway resumes a turn parked on a budget or turn-limit ceiling,
// permitting one more step.
func (c *Controller) ContinueAnyway(conversationID string) error {
	c.mu.Lock()
	t := c.active[conversationID]
	c.mu.Unlock()
	if t == nil {
		return fmt.Errorf("session: no active turn for conversation %s", conversationID)
	}
	return t.continueAnyway()
}

// HasActiveTurn reports whether the conversation currently runs a turn.
func (c *Controller) HasActiveTurn(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[conversationID]
	return ok
}

func (c *Controller) emit(ev core.SessionEvent) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *Controller) finishTurn(conversationID string) {
	c.mu.Lock()
	delete(c.active, conversationID)
	c.mu.Unlock()
}
