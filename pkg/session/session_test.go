package session

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/types"
)

func runSessionContract(t *testing.T, store interfaces.SessionStore) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	t.Run("missing summary is nil", func(t *testing.T) {
		sum, err := store.GetThreadSummary(ctx, "s1", "t1")
		require.NoError(t, err)
		assert.Nil(t, sum)
	})

	t.Run("save and replace summary", func(t *testing.T) {
		require.NoError(t, store.SaveThreadSummary(ctx, &types.ThreadSummary{
			SessionID: "s1",
			ThreadID:  "t1",
			UserID:    "u1",
			AgentID:   "coach",
			Summary:   "first",
			Concepts:  []string{"docker"},
			Entities:  []string{"Acme"},
			UpdatedAt: base,
		}))
		require.NoError(t, store.SaveThreadSummary(ctx, &types.ThreadSummary{
			SessionID: "s1",
			ThreadID:  "t1",
			UserID:    "u1",
			AgentID:   "coach",
			Summary:   "second",
			Concepts:  []string{"docker", "kubernetes"},
			UpdatedAt: base.Add(time.Minute),
		}))

		sum, err := store.GetThreadSummary(ctx, "s1", "t1")
		require.NoError(t, err)
		require.NotNil(t, sum)
		assert.Equal(t, "second", sum.Summary)
		assert.Equal(t, []string{"docker", "kubernetes"}, sum.Concepts)
		assert.Equal(t, []string{}, sum.Entities)
		assert.Equal(t, "coach", sum.AgentID)
		assert.WithinDuration(t, base.Add(time.Minute), sum.UpdatedAt, time.Second)
		assert.Nil(t, sum.ConsolidatedAt)
	})

	t.Run("invalid summary", func(t *testing.T) {
		assert.Error(t, store.SaveThreadSummary(ctx, &types.ThreadSummary{ThreadID: "t1"}))
		assert.Error(t, store.SaveThreadSummary(ctx, nil))
	})

	t.Run("messages oldest first with recent window", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			require.NoError(t, store.AppendMessage(ctx, types.ConversationMessage{
				SessionID: "s1",
				ThreadID:  "t2",
				Role:      types.MessageRoleUser,
				Content:   fmt.Sprintf("m%d", i),
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, store.AppendMessage(ctx, types.ConversationMessage{
			SessionID: "s1", ThreadID: "other", Role: types.MessageRoleUser, Content: "x",
		}))

		all, err := store.ListThreadMessages(ctx, "s1", "t2", 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "m0", all[0].Content)
		assert.NotEmpty(t, all[0].ID)

		recent, err := store.ListThreadMessages(ctx, "s1", "t2", 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "m3", recent[0].Content)
		assert.Equal(t, "m4", recent[1].Content)

		none, err := store.ListThreadMessages(ctx, "s9", "t9", 0)
		require.NoError(t, err)
		assert.Empty(t, none)

		assert.Error(t, store.AppendMessage(ctx, types.ConversationMessage{Content: "orphan"}))
	})

	t.Run("consolidated marker survives later saves", func(t *testing.T) {
		ok, err := store.IsThreadConsolidated(ctx, "s1", "t1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.MarkThreadConsolidated(ctx, "s1", "t1", base.Add(time.Hour)))
		ok, err = store.IsThreadConsolidated(ctx, "s1", "t1")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, store.SaveThreadSummary(ctx, &types.ThreadSummary{
			SessionID: "s1", ThreadID: "t1", UserID: "u1", Summary: "third",
		}))
		sum, err := store.GetThreadSummary(ctx, "s1", "t1")
		require.NoError(t, err)
		assert.Equal(t, "third", sum.Summary)
		require.NotNil(t, sum.ConsolidatedAt)
		assert.WithinDuration(t, base.Add(time.Hour), *sum.ConsolidatedAt, time.Second)
	})

	t.Run("marker without summary", func(t *testing.T) {
		require.NoError(t, store.MarkThreadConsolidated(ctx, "s2", "archived", base))
		ok, err := store.IsThreadConsolidated(ctx, "s2", "archived")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	runSessionContract(t, store)
	require.NoError(t, store.Close())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveThreadSummary(ctx, &types.ThreadSummary{
		SessionID: "s", ThreadID: "t", Concepts: []string{"a"},
	}))

	sum, err := store.GetThreadSummary(ctx, "s", "t")
	require.NoError(t, err)
	sum.Concepts[0] = "mutated"

	again, err := store.GetThreadSummary(ctx, "s", "t")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again.Concepts)
}

func TestSQLStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "session.db")
	store, err := NewSQLStore(path, nil)
	require.NoError(t, err)
	defer store.Close()

	runSessionContract(t, store)
}

func TestSQLStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")

	store, err := NewSQLStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.SaveThreadSummary(ctx, &types.ThreadSummary{
		SessionID: "s", ThreadID: "t", Summary: "kept", Concepts: []string{"x"},
	}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	sum, err := reopened.GetThreadSummary(ctx, "s", "t")
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, "kept", sum.Summary)
	assert.Equal(t, []string{"x"}, sum.Concepts)
}

func TestNew(t *testing.T) {
	store, err := New(config.SessionConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = New(config.SessionConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "s.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, store)
	require.NoError(t, store.Close())

	_, err = New(config.SessionConfig{Backend: "postgres"}, nil)
	assert.True(t, errors.IsConfigError(err))

	_, err = NewSQLStore("", nil)
	assert.True(t, errors.IsConfigError(err))
}
