package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/example/visual-orchestrator/internal/models"
)

// MemoryStore keeps the log in process memory. Used by tests and by the
// memory store driver.
type MemoryStore struct {
	mu      sync.RWMutex
	byConv  map[string][]string
	entries map[string]Entry
	order   []string
	clock   models.Clock
	ids     models.IDGenerator
}

func NewMemoryStore(clock models.Clock, ids models.IDGenerator) *MemoryStore {
	if clock == nil {
		clock = models.SystemClock{}
	}
	if ids == nil {
		ids = models.UUIDGenerator{}
	}
	return &MemoryStore{
		byConv:  map[string][]string{},
		entries: map[string]Entry{},
		clock:   clock,
		ids:     ids,
	}
}

func (s *MemoryStore) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ConversationID == "" {
		return Entry{}, fmt.Errorf("conversation_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = s.ids.NewID()
	}
	if _, exists := s.entries[e.ID]; exists {
		return Entry{}, fmt.Errorf("entry %s already exists", e.ID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now()
	}
	e.Version = 1
	e.Metadata = cloneRaw(e.Metadata)
	s.entries[e.ID] = e
	if _, ok := s.byConv[e.ConversationID]; !ok {
		s.order = append(s.order, e.ConversationID)
	}
	s.byConv[e.ConversationID] = append(s.byConv[e.ConversationID], e.ID)
	return copyEntry(e), nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, conversationID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyEntry(s.entries[id]))
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, entryID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return copyEntry(e), nil
}

func (s *MemoryStore) UpdateMetadata(ctx context.Context, entryID string, metadata json.RawMessage, expectedVersion int64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Version != expectedVersion {
		return Entry{}, fmt.Errorf("%w: entry %s at version %d, expected %d", ErrVersionConflict, entryID, e.Version, expectedVersion)
	}
	e.Metadata = cloneRaw(metadata)
	e.Version++
	s.entries[entryID] = e
	return copyEntry(e), nil
}

func (s *MemoryStore) Conversations(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *MemoryStore) Close() error { return nil }

func copyEntry(e Entry) Entry {
	e.Metadata = cloneRaw(e.Metadata)
	return e
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
