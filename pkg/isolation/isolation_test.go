package isolation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtensor/hybridmem/pkg/embedders"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/metrics"
	"github.com/memtensor/hybridmem/pkg/types"
	"github.com/memtensor/hybridmem/pkg/vectordb"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"", ModePermissive},
		{"permissive", ModePermissive},
		{" STRICT ", ModeStrict},
		{"Strict", ModeStrict},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseMode("paranoid")
	assert.True(t, errors.IsConfigError(err))
}

func TestFilter_Visible(t *testing.T) {
	legacy := map[string]string{types.MetaID: "legacy"}
	mine := map[string]string{types.MetaID: "mine", types.MetaAgentID: "Coach"}
	other := map[string]string{types.MetaID: "other", types.MetaAgentID: "planner"}

	t.Run("permissive", func(t *testing.T) {
		m := metrics.NewInMemoryMetrics()
		f := NewFilter(ModePermissive, nil, m)
		assert.True(t, f.Visible(legacy, "coach"))
		assert.True(t, f.Visible(mine, "coach"))
		assert.False(t, f.Visible(other, "coach"))
		assert.Zero(t, m.CounterTotal("memory_isolation_violation"))
	})

	t.Run("strict", func(t *testing.T) {
		log, logs := logger.NewObservedLogger("debug")
		m := metrics.NewInMemoryMetrics()
		f := NewFilter(ModeStrict, log, m)
		assert.False(t, f.Visible(legacy, "coach"))
		assert.True(t, f.Visible(mine, "COACH"))
		assert.False(t, f.Visible(other, "coach"))

		assert.Equal(t, float64(1), m.CounterValue("memory_isolation_violation", map[string]string{"agent": "coach"}))
		entries := logs.FilterMessage("memory_isolation_violation").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "planner", entries[0].ContextMap()["item_agent"])
	})

	t.Run("unknown mode falls back to permissive", func(t *testing.T) {
		assert.Equal(t, ModePermissive, NewFilter("weird", nil, nil).Mode())
	})
}

func TestFilter_Collections(t *testing.T) {
	f := NewFilter(ModeStrict, nil, nil)
	hits := []types.SearchHit{
		{ID: "a", Metadata: map[string]string{types.MetaAgentID: "coach"}},
		{ID: "b", Metadata: map[string]string{}},
		{ID: "c", Metadata: map[string]string{types.MetaAgentID: "coach"}},
	}
	got := f.FilterHits(hits, "coach")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)

	res := &types.GetResult{}
	res.Append("x", "doc x", map[string]string{types.MetaAgentID: "other"})
	res.Append("y", "doc y", map[string]string{types.MetaAgentID: "coach"})
	filtered := f.FilterResult(res, "coach")
	assert.Equal(t, []string{"y"}, filtered.IDs)
	assert.Equal(t, []string{"doc y"}, filtered.Documents)

	assert.Equal(t, 0, f.FilterResult(nil, "coach").Len())

	passages := f.FilterPassages([]types.Passage{
		{Text: "p1", Metadata: map[string]string{types.MetaAgentID: "coach"}},
		{Text: "p2"},
	}, "coach")
	require.Len(t, passages, 1)
	assert.Equal(t, "p1", passages[0].Text)
}

func TestScopedStore(t *testing.T) {
	ctx := context.Background()
	emb, err := embedders.NewHashEmbedder(64)
	require.NoError(t, err)
	base, err := vectordb.NewMemoryStore(emb)
	require.NoError(t, err)

	require.NoError(t, base.Upsert(ctx, []types.StoredDocument{
		{ID: "legacy", Text: "docker basics", Metadata: map[string]string{types.MetaUserID: "u1"}},
		{ID: "planner", Text: "docker compose", Metadata: map[string]string{types.MetaUserID: "u1", types.MetaAgentID: "planner"}},
	}))

	strict := NewScopedStore(base, NewFilter(ModeStrict, nil, nil), "coach")
	permissive := NewScopedStore(base, NewFilter(ModePermissive, nil, nil), "coach")

	require.NoError(t, strict.Upsert(ctx, []types.StoredDocument{
		{ID: "coach", Text: "docker swarm", Metadata: map[string]string{types.MetaUserID: "u1"}},
	}))
	raw, err := base.Get(ctx, types.MetadataFilter{types.MetaAgentID: "coach"})
	require.NoError(t, err)
	assert.Equal(t, []string{"coach"}, raw.IDs)

	t.Run("strict sees only its own items", func(t *testing.T) {
		hits, err := strict.Query(ctx, "docker", types.MetadataFilter{types.MetaUserID: "u1"}, 5)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "coach", hits[0].ID)

		res, err := strict.Get(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"coach"}, res.IDs)
	})

	t.Run("permissive adds legacy items", func(t *testing.T) {
		res, err := permissive.Get(ctx, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"legacy", "coach"}, res.IDs)

		hits, err := permissive.Query(ctx, "docker", nil, 1)
		require.NoError(t, err)
		assert.Len(t, hits, 1)
		assert.NotEqual(t, "planner", hits[0].ID)
	})

	t.Run("zero limit", func(t *testing.T) {
		hits, err := strict.Query(ctx, "docker", nil, 0)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	assert.Equal(t, "coach", strict.AgentID())
	require.NoError(t, strict.Delete(ctx, []string{"coach"}))
	assert.Equal(t, 2, base.Len())
	assert.NoError(t, strict.Close())
}
