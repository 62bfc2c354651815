package vectordb

import (
	"context"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/embedders"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/metrics"
	"github.com/memtensor/hybridmem/pkg/types"
)

func TestFlattenMetadata(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	flat := FlattenMetadata(map[string]interface{}{
		"kind":     "concept",
		"count":    3,
		"vitality": 0.75,
		"active":   true,
		"seen_at":  at,
		"threads":  []string{"t1", "t2"},
		"nested":   map[string]interface{}{"a": 1},
		"missing":  nil,
	})

	assert.Equal(t, "concept", flat["kind"])
	assert.Equal(t, "3", flat["count"])
	assert.Equal(t, "0.75", flat["vitality"])
	assert.Equal(t, "true", flat["active"])
	assert.Equal(t, "2026-03-01T12:00:00Z", flat["seen_at"])
	assert.Equal(t, `["t1","t2"]`, flat["threads"])
	assert.Equal(t, `{"a":1}`, flat["nested"])
	assert.NotContains(t, flat, "missing")
}

func TestExpandList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "json list", input: `["t1","t2"]`, want: []string{"t1", "t2"}},
		{name: "json list with blanks", input: `["a", "", " "]`, want: []string{"a"}},
		{name: "comma separated", input: "a, b,,c", want: []string{"a", "b", "c"}},
		{name: "single value", input: "solo", want: []string{"solo"}},
		{name: "empty", input: "  ", want: []string{}},
		{name: "numbers", input: `[1,2.5]`, want: []string{"1", "2.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandList(tt.input))
		})
	}

	assert.Equal(t, []string{"x", "y"}, ExpandList(EncodeList([]string{"x", "y"})))
	assert.Equal(t, "[]", EncodeList(nil))
}

func TestMatchesFilter(t *testing.T) {
	meta := map[string]string{"user_id": "u1", "kind": "concept"}

	assert.True(t, MatchesFilter(meta, nil))
	assert.True(t, MatchesFilter(meta, types.MetadataFilter{"user_id": "u1"}))
	assert.False(t, MatchesFilter(meta, types.MetadataFilter{"user_id": "u2"}))
	assert.False(t, MatchesFilter(meta, types.MetadataFilter{"agent_id": ""}))
}

func newHashEmbedder(t *testing.T) interfaces.Embedder {
	t.Helper()
	e, err := embedders.NewHashEmbedder(128)
	require.NoError(t, err)
	return e
}

func storeFixture() []types.StoredDocument {
	return []types.StoredDocument{
		{ID: "a", Text: "docker containers for the build", Metadata: map[string]string{"user_id": "u1", "kind": "concept"}},
		{ID: "b", Text: "kubernetes cluster upgrade", Metadata: map[string]string{"user_id": "u1", "kind": "concept"}},
		{ID: "c", Text: "docker containers for the build", Metadata: map[string]string{"user_id": "u2", "kind": "concept"}},
		{ID: "d", Text: "likes green tea", Metadata: map[string]string{"user_id": "u1", "kind": "preference"}},
	}
}

// runStoreContract exercises the SemanticStore behaviour every backend shares
func runStoreContract(t *testing.T, store interfaces.SemanticStore) {
	ctx := context.Background()

	empty, err := store.Query(ctx, "anything", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.Upsert(ctx, storeFixture()))

	t.Run("query ranks closest first and honors filter", func(t *testing.T) {
		hits, err := store.Query(ctx, "docker containers for the build", types.MetadataFilter{"user_id": "u1"}, 10)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, "a", hits[0].ID)
		assert.InDelta(t, 0, hits[0].Distance, 1e-4)
		assert.Equal(t, "concept", hits[0].Metadata["kind"])
		for _, h := range hits {
			assert.Equal(t, "u1", h.Metadata["user_id"])
		}
		for i := 1; i < len(hits); i++ {
			assert.LessOrEqual(t, hits[i-1].Distance, hits[i].Distance)
		}
	})

	t.Run("limit larger than collection", func(t *testing.T) {
		hits, err := store.Query(ctx, "tea", nil, 100)
		require.NoError(t, err)
		assert.Len(t, hits, 4)
	})

	t.Run("get by filter", func(t *testing.T) {
		res, err := store.Get(ctx, types.MetadataFilter{"user_id": "u1", "kind": "concept"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, res.IDs)
		assert.Equal(t, res.Len(), len(res.Documents))
		assert.Equal(t, res.Len(), len(res.Metadatas))

		none, err := store.Get(ctx, types.MetadataFilter{"user_id": "nobody"})
		require.NoError(t, err)
		assert.Equal(t, 0, none.Len())
	})

	t.Run("upsert replaces", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, []types.StoredDocument{
			{ID: "d", Text: "likes black coffee", Metadata: map[string]string{"user_id": "u1", "kind": "preference"}},
		}))
		res, err := store.Get(ctx, types.MetadataFilter{"kind": "preference"})
		require.NoError(t, err)
		require.Equal(t, 1, res.Len())
		assert.Equal(t, "likes black coffee", res.Documents[0])
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, []string{"b", "missing"}))
		res, err := store.Get(ctx, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c", "d"}, res.IDs)
		require.NoError(t, store.Delete(ctx, nil))
	})

	t.Run("empty id rejected", func(t *testing.T) {
		err := store.Upsert(ctx, []types.StoredDocument{{Text: "no id"}})
		assert.Error(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	store, err := NewMemoryStore(newHashEmbedder(t))
	require.NoError(t, err)
	runStoreContract(t, store)

	_, err = NewMemoryStore(nil)
	assert.True(t, errors.IsConfigError(err))
}

func TestChromemStore(t *testing.T) {
	store, err := NewChromemStore(config.ChromemConfig{Collection: "test"}, newHashEmbedder(t), nil)
	require.NoError(t, err)
	runStoreContract(t, store)
}

func TestChromemStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := config.ChromemConfig{Path: dir, Collection: "persisted"}
	ctx := context.Background()

	store, err := NewChromemStore(cfg, newHashEmbedder(t), nil)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, storeFixture()[:2]))
	require.NoError(t, store.Close())

	reopened, err := NewChromemStore(cfg, newHashEmbedder(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Count())
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, config.StoreConfig{Backend: "memory"}, newHashEmbedder(t), nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = New(ctx, config.StoreConfig{Backend: "chromem", Chromem: config.ChromemConfig{Collection: "c"}}, newHashEmbedder(t), nil)
	require.NoError(t, err)
	assert.IsType(t, &ChromemStore{}, store)

	_, err = New(ctx, config.StoreConfig{Backend: "pinecone"}, newHashEmbedder(t), nil)
	assert.True(t, errors.IsConfigError(err))
}

func TestInstrumentedStore(t *testing.T) {
	inner, err := NewMemoryStore(newHashEmbedder(t))
	require.NoError(t, err)
	m := metrics.NewInMemoryMetrics()
	store := NewInstrumentedStore(inner, "memory", m)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, storeFixture()))
	_, err = store.Query(ctx, "docker", nil, 2)
	require.NoError(t, err)
	assert.Error(t, store.Upsert(ctx, []types.StoredDocument{{Text: "bad"}}))

	labels := map[string]string{"backend": "memory", "operation": "upsert"}
	assert.Len(t, m.Observations("store_operation_duration_ms", labels), 2)
	assert.Equal(t, float64(1), m.CounterValue("store_operation_errors", labels))
	assert.Len(t, m.Observations("store_operation_duration_ms", map[string]string{"backend": "memory", "operation": "query"}), 1)
}

func TestQdrantPayload(t *testing.T) {
	doc := types.StoredDocument{
		ID:       "concept-42",
		Text:     "docker containers",
		Metadata: map[string]string{"user_id": "u1", "kind": "concept"},
	}

	id := pointID(doc.ID)
	assert.NotEqual(t, doc.ID, id.GetUuid())
	assert.Equal(t, id.GetUuid(), pointID(doc.ID).GetUuid())

	uuidID := "8d4c2f6e-3b7a-5e1d-9c0f-2a6b4e8d1f35"
	assert.Equal(t, uuidID, pointID(uuidID).GetUuid())

	gotID, text, meta := decodePayload(id, encodePayload(doc))
	assert.Equal(t, doc.ID, gotID)
	assert.Equal(t, doc.Text, text)
	assert.Equal(t, doc.Metadata, meta)

	foreign := map[string]*qdrant.Value{
		"count": {Kind: &qdrant.Value_IntegerValue{IntegerValue: 7}},
		"tags": {Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: []*qdrant.Value{
			stringValue("x"), stringValue("y"),
		}}}},
	}
	_, _, meta = decodePayload(pointID(uuidID), foreign)
	assert.Equal(t, "7", meta["count"])
	assert.Equal(t, []string{"x", "y"}, ExpandList(meta["tags"]))
}

func TestQdrantFilter(t *testing.T) {
	assert.Nil(t, convertFilter(nil))

	f := convertFilter(types.MetadataFilter{"user_id": "u1", "kind": "concept"})
	require.Len(t, f.Must, 2)
	first := f.Must[0].GetField()
	assert.Equal(t, "kind", first.Key)
	assert.Equal(t, "concept", first.Match.GetKeyword())
}

func TestQdrantStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping qdrant integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	store, err := NewQdrantStore(ctx, config.QdrantConfig{
		Host:       "localhost",
		Port:       6334,
		Collection: "hybridmem_test",
		Timeout:    time.Second,
	}, newHashEmbedder(t), nil)
	if err != nil {
		t.Skipf("qdrant not available: %v", err)
	}
	defer store.Close()

	require.NoError(t, store.Delete(context.Background(), []string{"a", "b", "c", "d"}))
	runStoreContract(t, store)
}
