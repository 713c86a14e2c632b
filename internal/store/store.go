// Package store is the conversation log the orchestration core persists into:
// an append-only, per-conversation ordered list of entries, each of which may
// carry structured metadata guarded by an optimistic version token.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("store: entry not found")
	ErrVersionConflict = errors.New("store: version conflict")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Entry struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Store interface {
	// Append adds an entry at the end of its conversation. A missing ID is
	// generated; the stored entry starts at version 1.
	Append(ctx context.Context, e Entry) (Entry, error)
	// ReadAll returns the conversation's entries in append order.
	ReadAll(ctx context.Context, conversationID string) ([]Entry, error)
	Get(ctx context.Context, entryID string) (Entry, error)
	// UpdateMetadata replaces an entry's metadata if its version still equals
	// expectedVersion, and returns the entry with the bumped version.
	UpdateMetadata(ctx context.Context, entryID string, metadata json.RawMessage, expectedVersion int64) (Entry, error)
	Conversations(ctx context.Context) ([]string, error)
	Close() error
}
