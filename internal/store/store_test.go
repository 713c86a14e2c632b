package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func implementations(t *testing.T) map[string]Store {
	t.Helper()
	clock := fixedClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "conversations.db"), clock, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(clock, nil),
		"sqlite": sq,
	}
}

func TestAppendAndReadAllOrdered(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, content := range []string{"first", "second", "third"} {
				_, err := s.Append(ctx, Entry{ConversationID: "c-1", Role: RoleUser, Content: content})
				require.NoError(t, err)
			}
			_, err := s.Append(ctx, Entry{ConversationID: "c-2", Role: RoleUser, Content: "other"})
			require.NoError(t, err)

			entries, err := s.ReadAll(ctx, "c-1")
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, "first", entries[0].Content)
			assert.Equal(t, "third", entries[2].Content)
			for _, e := range entries {
				assert.NotEmpty(t, e.ID)
				assert.Equal(t, int64(1), e.Version)
			}

			convs, err := s.Conversations(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c-1", "c-2"}, convs)
		})
	}
}

func TestAppendRequiresConversation(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Append(context.Background(), Entry{Role: RoleUser})
			assert.Error(t, err)
		})
	}
}

func TestUpdateMetadataOptimistic(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e, err := s.Append(ctx, Entry{ConversationID: "c-1", Role: RoleAssistant, Metadata: json.RawMessage(`{"a":1}`)})
			require.NoError(t, err)

			updated, err := s.UpdateMetadata(ctx, e.ID, json.RawMessage(`{"a":2}`), 1)
			require.NoError(t, err)
			assert.Equal(t, int64(2), updated.Version)
			assert.JSONEq(t, `{"a":2}`, string(updated.Metadata))

			_, err = s.UpdateMetadata(ctx, e.ID, json.RawMessage(`{"a":3}`), 1)
			assert.ErrorIs(t, err, ErrVersionConflict)

			got, err := s.Get(ctx, e.ID)
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":2}`, string(got.Metadata), "stale writer must not win")

			_, err = s.UpdateMetadata(ctx, "missing", json.RawMessage(`{}`), 1)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.db")
	ctx := context.Background()

	s, err := OpenSQLite(path, nil, nil)
	require.NoError(t, err)
	e, err := s.Append(ctx, Entry{ConversationID: "c-1", Role: RoleAssistant, Metadata: json.RawMessage(`{"state":"running"}`)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, nil, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"running"}`, string(got.Metadata))
	assert.Equal(t, int64(1), got.Version)
}
