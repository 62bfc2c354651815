package retrieval

import (
	"context"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/types"
)

// ScoreLookup is the cache contract the cached retriever needs
type ScoreLookup interface {
	Get(ctx context.Context, query, candidateID, version string) (float64, bool)
	Set(ctx context.Context, query, candidateID, version string, score float64)
}

// CachedRetriever avoids recomputing BM25 and semantic sub-scores for
// passages it has already ranked against the same query, corpus and hits.
// Both sub-scores are cached per passage and fused again on a hit, so cached
// results carry the same sub-scores and hit metadata as fresh ones. Only
// passages carrying an ID take part in caching.
type CachedRetriever struct {
	retriever *HybridRetriever
	cache     ScoreLookup
	logger    interfaces.Logger
}

const (
	lexicalPart  = "\x1elexical"
	semanticPart = "\x1esemantic"
)

// NewCachedRetriever wraps r with cache
func NewCachedRetriever(r *HybridRetriever, cache ScoreLookup, log interfaces.Logger) *CachedRetriever {
	return &CachedRetriever{retriever: r, cache: cache, logger: logger.OrNop(log)}
}

// Retrieve ranks corpus, serving sub-scores from the cache when every
// passage has live entries. Any miss recomputes the whole corpus, since
// min-max normalization couples every score to the others, and refreshes
// the cache.
func (c *CachedRetriever) Retrieve(ctx context.Context, query string, corpus []types.Passage, hits []types.SearchHit) []types.RankedPassage {
	if strings.TrimSpace(query) == "" || len(corpus) == 0 {
		return []types.RankedPassage{}
	}
	if !cacheable(corpus) {
		return c.retriever.RetrievePassages(query, corpus, hits)
	}

	scoreKey := c.scoreContext(query, corpus, hits)
	if cached, ok := c.lookupAll(ctx, scoreKey, corpus, hits); ok {
		c.logger.Debug("Serving retrieval from score cache", map[string]interface{}{
			"passages": len(corpus),
		})
		return c.retriever.Select(cached)
	}

	scored := c.retriever.Score(query, corpus, hits)
	for _, p := range scored {
		version := corpus[p.Index].Version
		c.cache.Set(ctx, scoreKey+lexicalPart, p.ID, version, p.Lexical)
		c.cache.Set(ctx, scoreKey+semanticPart, p.ID, version, p.Semantic)
	}
	return c.retriever.Select(scored)
}

func (c *CachedRetriever) lookupAll(ctx context.Context, scoreKey string, corpus []types.Passage, hits []types.SearchHit) ([]types.RankedPassage, bool) {
	lexical := make([]float64, len(corpus))
	semantic := make([]float64, len(corpus))
	for i, p := range corpus {
		lex, ok := c.cache.Get(ctx, scoreKey+lexicalPart, p.ID, p.Version)
		if !ok {
			return nil, false
		}
		sem, ok := c.cache.Get(ctx, scoreKey+semanticPart, p.ID, p.Version)
		if !ok {
			return nil, false
		}
		lexical[i], semantic[i] = lex, sem
	}

	hitMeta := HitMetadata(corpus, hits)
	out := make([]types.RankedPassage, len(corpus))
	for i, p := range corpus {
		out[i] = types.RankedPassage{
			Index:    i,
			ID:       p.ID,
			Text:     p.Text,
			Metadata: mergeMetadata(p.Metadata, hitMeta[i]),
			Lexical:  lexical[i],
			Semantic: semantic[i],
			Score:    c.retriever.Fuse(lexical[i], semantic[i]),
			Cached:   true,
		}
	}
	return out, true
}

// scoreContext folds the query, blend weight, corpus membership and hit set
// into the query part of the cache key.
func (c *CachedRetriever) scoreContext(query string, corpus []types.Passage, hits []types.SearchHit) string {
	d := xxhash.New()
	_, _ = d.WriteString(strconv.FormatFloat(c.retriever.cfg.Alpha, 'g', -1, 64))
	for _, p := range corpus {
		_, _ = d.WriteString("\x00p")
		_, _ = d.WriteString(p.ID)
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(p.Version)
	}
	for _, h := range hits {
		_, _ = d.WriteString("\x00h")
		_, _ = d.WriteString(h.ID)
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(h.Text)
		_, _ = d.WriteString(strconv.FormatFloat(h.Distance, 'g', -1, 64))
	}
	return query + "\x1f" + strconv.FormatUint(d.Sum64(), 16)
}

func cacheable(corpus []types.Passage) bool {
	for _, p := range corpus {
		if p.ID == "" {
			return false
		}
	}
	return true
}
