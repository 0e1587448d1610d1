package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a ChatMessage.
type Role string

const (
	// RoleUser marks a message authored by the user.
	RoleUser Role = "user"
	// RoleAssistant marks a message authored by the remote agent.
	RoleAssistant Role = "assistant"
)

// ChatMessage is a single conversational message. Content is mutable while
// Streaming is true and becomes immutable once the owning turn completes.
// Tool calls triggered by an assistant message are attached in emission order.
type ChatMessage struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	ToolCalls []*ToolCall `json:"tool_calls,omitempty"`
	Streaming bool        `json:"streaming"`
	Error     string      `json:"error,omitempty"`
	Created   time.Time   `json:"created"`

	mu sync.Mutex
}

// NewUserMessage creates a finalized user message.
func NewUserMessage(text string) *ChatMessage {
	return &ChatMessage{
		ID:      NewID(),
		Role:    RoleUser,
		Content: text,
		Created: time.Now().UTC(),
	}
}

// NewAssistantMessage creates an empty assistant message in streaming state.
func NewAssistantMessage() *ChatMessage {
	return &ChatMessage{
		ID:        NewID(),
		Role:      RoleAssistant,
		Streaming: true,
		Created:   time.Now().UTC(),
	}
}

// AppendContent appends a streamed text delta. Appends after finalization are
// dropped so a cancelled turn cannot reopen a completed message.
func (m *ChatMessage) AppendContent(delta string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Streaming {
		return
	}
	m.Content += delta
}

// AddToolCall attaches a tool call to the message preserving emission order.
func (m *ChatMessage) AddToolCall(tc *ToolCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ToolCalls = append(m.ToolCalls, tc)
}

// Finalize marks the message immutable. Safe to call more than once.
func (m *ChatMessage) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Streaming = false
}

// SetError attaches an error indicator and finalizes the message.
func (m *ChatMessage) SetError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Error = msg
	m.Streaming = false
}

// Text returns the current content under the message lock.
func (m *ChatMessage) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Content
}

// Clone returns a deep copy of the message including tool call snapshots.
func (m *ChatMessage) Clone() *ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := &ChatMessage{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		Streaming: m.Streaming,
		Error:     m.Error,
		Created:   m.Created,
	}
	for _, tc := range m.ToolCalls {
		clone.ToolCalls = append(clone.ToolCalls, tc.Snapshot())
	}
	return clone
}

// Conversation is an ordered message container. It is owned exclusively by the
// session controller for the duration of an active turn and handed to the
// external persistence collaborator between turns.
type Conversation struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Created  time.Time      `json:"created"`
	Updated  time.Time      `json:"updated"`
	Messages []*ChatMessage `json:"messages"`

	mu sync.RWMutex
}

// NewConversation creates an empty conversation with a fresh identifier.
func NewConversation(title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{ID: NewID(), Title: title, Created: now, Updated: now}
}

// AddMessage appends a message and bumps the Updated timestamp.
func (c *Conversation) AddMessage(m *ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = append(c.Messages, m)
	c.Updated = time.Now().UTC()
}

// SetTitle updates the conversation title and timestamp.
func (c *Conversation) SetTitle(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Title = title
	c.Updated = time.Now().UTC()
}

// Touch bumps the Updated timestamp.
func (c *Conversation) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Updated = time.Now().UTC()
}

// History returns a defensive copy of the message slice. The messages
// themselves are shared; callers must treat finalized messages as immutable.
func (c *Conversation) History() []*ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := make([]*ChatMessage, len(c.Messages))
	copy(msgs, c.Messages)
	return msgs
}

// LastMessage returns the most recent message or nil.
func (c *Conversation) LastMessage() *ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// Clone returns a deep copy safe for independent mutation or persistence.
func (c *Conversation) Clone() *Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := &Conversation{
		ID:      c.ID,
		Title:   c.Title,
		Created: c.Created,
		Updated: c.Updated,
	}
	for _, m := range c.Messages {
		clone.Messages = append(clone.Messages, m.Clone())
	}
	return clone
}

// NewID generates a unique identifier for conversations, messages, tool calls
// and turns.
func NewID() string { return uuid.NewString() }
