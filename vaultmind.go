// Package vaultmind provides a high-level façade over the session controller
// and its collaborators (vault, tool registry, policy, conversation store,
// model transports). Most applications interact with this package by:
//  1. Creating an App via New() (optionally overriding defaults)
//  2. Installing an event handler for lifecycle notifications
//  3. Creating or opening conversations and sending messages
//
// The façade delegates orchestration to session.Controller while keeping
// setup, persistence and index maintenance concise. All defaults are safe for
// local development and testing; real deployments supply their own settings
// path, vault location and durable store implementation.
package vaultmind

import (
	"context"
	"fmt"
	"sync"

	"vaultmind/config"
	"vaultmind/core"
	"vaultmind/logging"
	"vaultmind/model"
	"vaultmind/model/anthropic"
	"vaultmind/policy"
	"vaultmind/session"
	"vaultmind/storage"
	"vaultmind/tool"
	"vaultmind/tool/mcp"
	"vaultmind/vault"
)

// Options configures the App.
type Options struct {
	// Settings overrides loading from SettingsPath.
	Settings *config.Settings
	// SettingsPath locates the JSON settings file; also the persistence
	// target for always-allowed updates. Empty disables persistence.
	SettingsPath string

	// VaultPath roots the sandboxed document tree. Defaults to ".".
	VaultPath string
	// Vault overrides the local filesystem vault.
	Vault vault.Vault

	// Model overrides the transport built from the settings tier.
	Model model.Model

	// Store defaults to the in-memory implementation.
	Store storage.ConversationStore

	// Logger defaults to NoOp.
	Logger logging.Logger

	// SystemPrompt frames the top-level agent.
	SystemPrompt string
}

// App is the high-level façade aggregating the controller and its services.
type App struct {
	settings   *config.Settings
	store      storage.ConversationStore
	vault      vault.Vault
	registry   *tool.Registry
	policy     *policy.SessionPolicy
	controller *session.Controller
	servers    *mcp.Manager
	logger     logging.Logger

	mu   sync.Mutex
	open map[string]*core.Conversation
}

// New wires settings, vault, tools, capability servers, model transport and
// the session controller into a ready App. Any unset collaborator is
// initialized with a safe default.
func New(ctx context.Context, optFns ...func(o *Options)) (*App, error) {
	opts := Options{
		VaultPath: ".",
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	settings := opts.Settings
	if settings == nil {
		var err error
		settings, err = config.Load(opts.SettingsPath)
		if err != nil {
			return nil, err
		}
	}
	settings.Normalize()

	v := opts.Vault
	if v == nil {
		var err error
		v, err = vault.NewLocal(opts.VaultPath)
		if err != nil {
			return nil, err
		}
	}

	store := opts.Store
	if store == nil {
		store = storage.NewInMemoryStore()
	}
	if !store.IsInitialized() {
		if err := store.Initialize(); err != nil {
			return nil, fmt.Errorf("initialize conversation store: %w", err)
		}
	}

	registry := tool.NewRegistry()
	tool.RegisterVaultTools(registry, v)
	registry.Register(tool.NewShellTool(v.BasePath()))
	registry.Register(tool.NewDelegateTool())

	servers := mcp.NewManager(opts.Logger)
	servers.RegisterServers(ctx, registry, settings.EnabledServers())

	pol := policy.New(func(o *policy.Options) {
		o.AutoApproveVaultReads = settings.AutoApproveVaultReads
		o.AutoApproveVaultWrites = settings.AutoApproveVaultWrites
		o.RequireBashApproval = settings.RequireBashApproval
		o.AlwaysAllowedTools = settings.AlwaysAllowedTools
		o.MaxBudgetPerSession = settings.MaxBudgetPerSession
		o.MaxTurns = settings.MaxTurns
		if opts.SettingsPath != "" {
			path := opts.SettingsPath
			o.Persist = func(alwaysAllowed []string) error {
				settings.AlwaysAllowedTools = alwaysAllowed
				return config.Save(path, settings)
			}
		}
	})

	m := opts.Model
	if m == nil {
		m = anthropic.NewModel(func(o *anthropic.Options) {
			o.Model = anthropic.TierModel(settings.Model)
			o.APIKey = settings.APIKey
		})
	}

	ctrl, err := session.New(func(o *session.Options) {
		o.Model = m
		o.Registry = registry
		o.Policy = pol
		o.Pricing = config.PricingFor(settings.Model)
		o.Logger = opts.Logger
		o.SystemPrompt = opts.SystemPrompt
	})
	if err != nil {
		return nil, err
	}

	app := &App{
		settings:   settings,
		store:      store,
		vault:      v,
		registry:   registry,
		policy:     pol,
		controller: ctrl,
		servers:    servers,
		logger:     opts.Logger,
		open:       map[string]*core.Conversation{},
	}
	return app, nil
}

// SetEventHandler installs the lifecycle event sink. The App persists the
// conversation and index on turn completion or failure before forwarding the
// event.
func (a *App) SetEventHandler(h session.EventHandler) {
	a.controller.SetEventHandler(func(ev core.SessionEvent) {
		if ev.Kind == core.EventTurnCompleted || ev.Kind == core.EventTurnFailed {
			a.persist(ev.ConversationID)
		}
		if h != nil {
			h(ev)
		}
	})
}

// Controller exposes the underlying session controller.
func (a *App) Controller() *session.Controller { return a.controller }

// Policy exposes the session policy.
func (a *App) Policy() *policy.SessionPolicy { return a.policy }

// Registry exposes the tool registry.
func (a *App) Registry() *tool.Registry { return a.registry }

// NewConversation creates, registers and persists an empty conversation.
func (a *App) NewConversation(title string) (*core.Conversation, error) {
	conv := core.NewConversation(title)
	a.mu.Lock()
	a.open[conv.ID] = conv
	a.mu.Unlock()

	if err := a.store.SaveConversation(conv); err != nil {
		return nil, err
	}
	if err := a.updateIndex(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// OpenConversation loads a stored conversation and registers it for turns.
func (a *App) OpenConversation(id string) (*core.Conversation, error) {
	a.mu.Lock()
	if conv, ok := a.open[id]; ok {
		a.mu.Unlock()
		return conv, nil
	}
	a.mu.Unlock()

	conv, err := a.store.LoadConversation(id)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.open[id] = conv
	a.mu.Unlock()
	return conv, nil
}

// Conversations returns the stored index.
func (a *App) Conversations() (*storage.Index, error) {
	return a.store.LoadIndex()
}

// DeleteConversation removes a conversation from the store and the index.
// A conversation with an active turn cannot be deleted.
func (a *App) DeleteConversation(id string) error {
	if a.controller.HasActiveTurn(id) {
		return &core.ConcurrentTurnError{ConversationID: id}
	}
	a.mu.Lock()
	delete(a.open, id)
	a.mu.Unlock()

	if err := a.store.DeleteConversation(id); err != nil {
		return err
	}
	index, err := a.store.LoadIndex()
	if err != nil {
		return err
	}
	kept := index.Conversations[:0]
	for _, e := range index.Conversations {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	index.Conversations = kept
	return a.store.SaveIndex(index)
}

// SendMessage starts a turn on the conversation with the user's text. An
// untitled conversation takes its title from this first message.
func (a *App) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	conv, err := a.OpenConversation(conversationID)
	if err != nil {
		return "", err
	}
	if conv.Title == "" {
		conv.SetTitle(titleFrom(text))
	}
	return a.controller.StartTurn(ctx, conv, text)
}

// Cancel interrupts the active turn for the conversation.
func (a *App) Cancel(conversationID string) { a.controller.Cancel(conversationID) }

// ResolveApproval delivers an approval decision for a pending tool call.
func (a *App) ResolveApproval(conversationID, toolCallID string, decision policy.ApprovalDecision) error {
	return a.controller.ResolveApproval(conversationID, toolCallID, decision)
}

// ContinueAnyway resumes a turn parked on a budget or turn-limit ceiling.
func (a *App) ContinueAnyway(conversationID string) error {
	return a.controller.ContinueAnyway(conversationID)
}

// Close shuts down connected capability servers.
func (a *App) Close() { a.servers.Close() }

// persist saves the conversation and refreshes its index entry; failures are
// logged, never surfaced into the turn lifecycle.
func (a *App) persist(conversationID string) {
	a.mu.Lock()
	conv := a.open[conversationID]
	a.mu.Unlock()
	if conv == nil {
		return
	}
	if err := a.store.SaveConversation(conv); err != nil {
		a.logger.Error("saving conversation failed", "conversation_id", conversationID, "error", err.Error())
		return
	}
	if err := a.updateIndex(conv); err != nil {
		a.logger.Error("saving index failed", "conversation_id", conversationID, "error", err.Error())
	}
}

// updateIndex upserts the conversation's metadata entry.
func (a *App) updateIndex(conv *core.Conversation) error {
	index, err := a.store.LoadIndex()
	if err != nil {
		return err
	}
	snap := conv.Clone()
	entry := storage.IndexEntry{
		ID:           snap.ID,
		Title:        snap.Title,
		Created:      snap.Created,
		Updated:      snap.Updated,
		MessageCount: len(snap.Messages),
	}
	replaced := false
	for i, e := range index.Conversations {
		if e.ID == entry.ID {
			index.Conversations[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		index.Conversations = append(index.Conversations, entry)
	}
	return a.store.SaveIndex(index)
}

// titleFrom derives a conversation title from the first user message.
func titleFrom(text string) string {
	const maxTitle = 60
	runes := []rune(text)
	if len(runes) <= maxTitle {
		return text
	}
	return string(runes[:maxTitle-1]) + "…"
}
