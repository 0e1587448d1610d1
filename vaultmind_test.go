package vaultmind

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"vaultmind/config"
	"vaultmind/core"
	"vaultmind/model"
	"vaultmind/protocol"
)

func newTestApp(t *testing.T, m model.Model, optFns ...func(o *Options)) *App {
	t.Helper()
	fns := append([]func(o *Options){func(o *Options) {
		o.Model = m
		o.VaultPath = t.TempDir()
	}}, optFns...)
	app, err := New(context.Background(), fns...)
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func waitForKind(t *testing.T, ch <-chan core.SessionEvent, kind core.EventKind) core.SessionEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return core.SessionEvent{}
		}
	}
}

func TestApp_NewConversationAppearsInIndex(t *testing.T) {
	app := newTestApp(t, model.NewScriptedModel())

	conv, err := app.NewConversation("vault notes")
	require.NoError(t, err)

	index, err := app.Conversations()
	require.NoError(t, err)
	require.Len(t, index.Conversations, 1)
	assert.Equal(t, conv.ID, index.Conversations[0].ID)
	assert.Equal(t, "vault notes", index.Conversations[0].Title)
	assert.Equal(t, 0, index.Conversations[0].MessageCount)
}

func TestApp_SendMessagePersistsOnCompletion(t *testing.T) {
	m := model.NewScriptedModel(model.TextRound("hello", protocol.Usage{InputTokens: 100, OutputTokens: 10}))
	app := newTestApp(t, m)

	events := make(chan core.SessionEvent, 64)
	app.SetEventHandler(func(ev core.SessionEvent) { events <- ev })

	conv, err := app.NewConversation("")
	require.NoError(t, err)

	_, err = app.SendMessage(context.Background(), conv.ID, "hi there")
	require.NoError(t, err)
	waitForKind(t, events, core.EventTurnCompleted)

	// Untitled conversations take their title from the first message.
	assert.Equal(t, "hi there", conv.Title)

	stored, err := app.store.LoadConversation(conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "hello", stored.Messages[1].Text())

	index, err := app.Conversations()
	require.NoError(t, err)
	require.Len(t, index.Conversations, 1)
	assert.Equal(t, "hi there", index.Conversations[0].Title)
	assert.Equal(t, 2, index.Conversations[0].MessageCount)
}

func TestApp_OpenConversationReturnsSameInstance(t *testing.T) {
	app := newTestApp(t, model.NewScriptedModel())

	conv, err := app.NewConversation("first")
	require.NoError(t, err)

	again, err := app.OpenConversation(conv.ID)
	require.NoError(t, err)
	assert.Same(t, conv, again)

	_, err = app.OpenConversation("nope")
	require.Error(t, err)
}

func TestApp_DeleteConversationPrunesIndex(t *testing.T) {
	app := newTestApp(t, model.NewScriptedModel())

	a, err := app.NewConversation("keep")
	require.NoError(t, err)
	b, err := app.NewConversation("drop")
	require.NoError(t, err)

	require.NoError(t, app.DeleteConversation(b.ID))

	index, err := app.Conversations()
	require.NoError(t, err)
	require.Len(t, index.Conversations, 1)
	assert.Equal(t, a.ID, index.Conversations[0].ID)

	_, err = app.OpenConversation(b.ID)
	require.Error(t, err)
}

func TestApp_DeleteConversationRejectsActiveTurn(t *testing.T) {
	m := model.NewScriptedModel(model.Round{HoldOpen: true})
	app := newTestApp(t, m)

	events := make(chan core.SessionEvent, 64)
	app.SetEventHandler(func(ev core.SessionEvent) { events <- ev })

	conv, err := app.NewConversation("busy")
	require.NoError(t, err)
	_, err = app.SendMessage(context.Background(), conv.ID, "stream forever")
	require.NoError(t, err)
	waitForKind(t, events, core.EventMessageCreated)

	err = app.DeleteConversation(conv.ID)
	var concurrent *core.ConcurrentTurnError
	require.ErrorAs(t, err, &concurrent)

	app.Cancel(conv.ID)
	waitForKind(t, events, core.EventTurnFailed)
	require.NoError(t, app.DeleteConversation(conv.ID))
}

func TestApp_AllowAlwaysPersistsSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	settings := config.DefaultSettings()
	settings.AutoApproveVaultReads = true

	app := newTestApp(t, model.NewScriptedModel(), func(o *Options) {
		o.Settings = settings
		o.SettingsPath = path
	})

	require.NoError(t, app.Policy().AllowAlways("run_command"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	allowed := gjson.GetBytes(data, "alwaysAllowedTools").Array()
	require.Len(t, allowed, 1)
	assert.Equal(t, "run_command", allowed[0].String())
}

func TestApp_RegistryHasBuiltinTools(t *testing.T) {
	app := newTestApp(t, model.NewScriptedModel())

	names := app.Registry().Names()
	assert.Contains(t, names, "vault_read")
	assert.Contains(t, names, "vault_write")
	assert.Contains(t, names, "run_command")
	assert.Contains(t, names, core.DelegateToolName)
}

func TestApp_EventHandlerForwardsAfterPersist(t *testing.T) {
	m := model.NewScriptedModel(model.TextRound("ok", protocol.Usage{InputTokens: 10, OutputTokens: 5}))
	app := newTestApp(t, m)

	var mu sync.Mutex
	var seenStoredCount int
	done := make(chan struct{})
	app.SetEventHandler(func(ev core.SessionEvent) {
		if ev.Kind != core.EventTurnCompleted {
			return
		}
		// By the time the completion event reaches the application, the
		// conversation is already durable.
		stored, err := app.store.LoadConversation(ev.ConversationID)
		mu.Lock()
		if err == nil {
			seenStoredCount = len(stored.Messages)
		}
		mu.Unlock()
		close(done)
	})

	conv, err := app.NewConversation("durability")
	require.NoError(t, err)
	_, err = app.SendMessage(context.Background(), conv.ID, "write this down")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for completion event")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, seenStoredCount)
}
