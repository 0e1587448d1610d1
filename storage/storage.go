// Package storage defines the conversation persistence contract consumed by
// the session controller, plus an in-memory implementation. The controller
// saves a conversation after each turn completes or fails, and saves the
// index whenever conversation metadata changes. Durable backends live in
// sub-packages without changing any calling code.
package storage

import (
	"errors"
	"time"

	"vaultmind/core"
)

// ErrNotFound is returned when a conversation id is unknown to the store.
var ErrNotFound = errors.New("conversation not found")

// IndexEntry is the metadata record for one conversation.
type IndexEntry struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
	MessageCount int       `json:"message_count"`
}

// Index is the ordered conversation listing.
type Index struct {
	Conversations []IndexEntry `json:"conversations"`
}

// ConversationStore persists conversations and their index. A save must
// complete before the corresponding UI-visible state is considered durable;
// atomicity is the implementation's responsibility.
type ConversationStore interface {
	LoadIndex() (*Index, error)
	SaveIndex(index *Index) error
	LoadConversation(id string) (*core.Conversation, error)
	SaveConversation(conv *core.Conversation) error
	DeleteConversation(id string) error
	IsInitialized() bool
	Initialize() error
}
