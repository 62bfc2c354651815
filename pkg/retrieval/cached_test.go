package retrieval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtensor/hybridmem/pkg/types"
)

type mapLookup struct {
	mu     sync.Mutex
	scores map[string]float64
	gets   int
	sets   int
}

func newMapLookup() *mapLookup {
	return &mapLookup{scores: make(map[string]float64)}
}

func (m *mapLookup) Get(_ context.Context, query, candidateID, version string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	s, ok := m.scores[query+"|"+candidateID+"|"+version]
	return s, ok
}

func (m *mapLookup) Set(_ context.Context, query, candidateID, version string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.scores[query+"|"+candidateID+"|"+version] = score
}

func TestCachedRetriever(t *testing.T) {
	ctx := context.Background()
	corpus := []types.Passage{
		{ID: "p1", Version: "1", Text: "CI/CD pipeline setup"},
		{ID: "p2", Version: "1", Text: "Docker containers"},
		{ID: "p3", Version: "1", Text: "unrelated text"},
	}
	hits := []types.SearchHit{{
		ID:       "p2",
		Text:     "Docker containers",
		Distance: 0.3,
		Metadata: map[string]string{types.MetaLastMentioned: "2026-06-30T09:00:00Z"},
	}}

	t.Run("second call is served from cache with identical ranking", func(t *testing.T) {
		lookup := newMapLookup()
		cr := NewCachedRetriever(newRetriever(t, 0.5, 0, 10), lookup, nil)

		first := cr.Retrieve(ctx, "CI/CD", corpus, hits)
		require.NotEmpty(t, first)
		assert.Equal(t, 6, lookup.sets)
		for _, p := range first {
			assert.False(t, p.Cached)
		}

		second := cr.Retrieve(ctx, "CI/CD", corpus, hits)
		require.Len(t, second, len(first))
		assert.Equal(t, 6, lookup.sets)
		for i := range first {
			assert.Equal(t, first[i].ID, second[i].ID)
			assert.Equal(t, first[i].Score, second[i].Score)
			assert.Equal(t, first[i].Lexical, second[i].Lexical)
			assert.Equal(t, first[i].Semantic, second[i].Semantic)
			assert.Equal(t, first[i].Metadata, second[i].Metadata)
			assert.True(t, second[i].Cached)
		}
	})

	t.Run("cached results rerank like fresh ones", func(t *testing.T) {
		lookup := newMapLookup()
		cr := NewCachedRetriever(newRetriever(t, 0.5, 0, 10), lookup, nil)
		ranker, err := NewTemporalDecayRanker(DefaultTemporalConfig())
		require.NoError(t, err)
		now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

		fresh := ranker.Rerank(cr.Retrieve(ctx, "docker", corpus, hits), now)
		cached := ranker.Rerank(cr.Retrieve(ctx, "docker", corpus, hits), now)
		require.Len(t, cached, len(fresh))
		assert.Equal(t, "p2", fresh[0].ID)
		assert.Equal(t, "2026-06-30T09:00:00Z", cached[0].Metadata[types.MetaLastMentioned])
		for i := range fresh {
			assert.Equal(t, fresh[i].ID, cached[i].ID)
			assert.InDelta(t, fresh[i].Score, cached[i].Score, 1e-12)
		}
	})

	t.Run("new version recomputes", func(t *testing.T) {
		lookup := newMapLookup()
		cr := NewCachedRetriever(newRetriever(t, 0.5, 0, 10), lookup, nil)
		cr.Retrieve(ctx, "CI/CD", corpus, hits)

		changed := append([]types.Passage(nil), corpus...)
		changed[0].Version = "2"
		cr.Retrieve(ctx, "CI/CD", changed, hits)
		assert.Equal(t, 12, lookup.sets)
	})

	t.Run("different hits recompute", func(t *testing.T) {
		lookup := newMapLookup()
		cr := NewCachedRetriever(newRetriever(t, 0.5, 0, 10), lookup, nil)
		cr.Retrieve(ctx, "CI/CD", corpus, hits)
		cr.Retrieve(ctx, "CI/CD", corpus, nil)
		assert.Equal(t, 12, lookup.sets)
	})

	t.Run("threshold applies to cached scores", func(t *testing.T) {
		lookup := newMapLookup()
		warm := NewCachedRetriever(newRetriever(t, 0.5, 0, 10), lookup, nil)
		warm.Retrieve(ctx, "CI/CD", corpus, nil)

		strict := NewCachedRetriever(newRetriever(t, 0.5, 0.9, 10), lookup, nil)
		assert.Empty(t, strict.Retrieve(ctx, "CI/CD", corpus, nil))
	})

	t.Run("passages without ids bypass the cache", func(t *testing.T) {
		lookup := newMapLookup()
		cr := NewCachedRetriever(newRetriever(t, 0.5, 0, 10), lookup, nil)
		out := cr.Retrieve(ctx, "CI/CD", []types.Passage{{Text: "CI/CD pipeline setup"}, {Text: "other"}}, nil)
		require.Len(t, out, 2)
		assert.Equal(t, 0, lookup.gets)
		assert.Equal(t, 0, lookup.sets)
	})

	t.Run("empty query", func(t *testing.T) {
		cr := NewCachedRetriever(newRetriever(t, 0.5, 0, 10), newMapLookup(), nil)
		out := cr.Retrieve(ctx, "", corpus, hits)
		assert.NotNil(t, out)
		assert.Empty(t, out)
	})
}
