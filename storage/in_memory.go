package storage

import (
	"fmt"
	"sync"

	"vaultmind/core"
)

// InMemoryStore is a volatile ConversationStore keeping conversations in a
// process-local map. It is safe for concurrent access and best suited for
// tests or ephemeral sessions. Conversations are cloned on both save and load
// to prevent external mutation of stored state.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*core.Conversation
	index         *Index
	initialized   bool
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*core.Conversation),
		index:         &Index{},
	}
}

// IsInitialized reports whether Initialize has been called.
func (s *InMemoryStore) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Initialize marks the store ready. Idempotent.
func (s *InMemoryStore) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return nil
}

// LoadIndex returns a copy of the conversation index.
func (s *InMemoryStore) LoadIndex() (*Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := &Index{Conversations: make([]IndexEntry, len(s.index.Conversations))}
	copy(idx.Conversations, s.index.Conversations)
	return idx, nil
}

// SaveIndex replaces the stored index with a copy of the given one.
func (s *InMemoryStore) SaveIndex(index *Index) error {
	if index == nil {
		return fmt.Errorf("nil index")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := &Index{Conversations: make([]IndexEntry, len(index.Conversations))}
	copy(idx.Conversations, index.Conversations)
	s.index = idx
	return nil
}

// LoadConversation returns a clone of the stored conversation.
func (s *InMemoryStore) LoadConversation(id string) (*core.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("load conversation %s: %w", id, ErrNotFound)
	}
	return conv.Clone(), nil
}

// SaveConversation stores a clone of the conversation snapshot.
func (s *InMemoryStore) SaveConversation(conv *core.Conversation) error {
	if conv == nil {
		return fmt.Errorf("nil conversation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv.Clone()
	return nil
}

// DeleteConversation removes the conversation and its index entry.
func (s *InMemoryStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return fmt.Errorf("delete conversation %s: %w", id, ErrNotFound)
	}
	delete(s.conversations, id)
	kept := s.index.Conversations[:0]
	for _, e := range s.index.Conversations {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	s.index.Conversations = kept
	return nil
}
