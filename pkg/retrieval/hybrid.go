package retrieval

import (
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/metrics"
	"github.com/memtensor/hybridmem/pkg/types"
)

// HybridConfig holds the fusion parameters
type HybridConfig struct {
	// Alpha blends the signals: 0 is pure lexical, 1 is pure semantic
	Alpha float64
	// MinScore drops passages whose fused score is below it
	MinScore float64
	// MaxResults caps the output; zero or less means no cap
	MaxResults int
	K1         float64
	B          float64
}

// DefaultHybridConfig returns balanced defaults
func DefaultHybridConfig() HybridConfig {
	return HybridConfig{
		Alpha:      0.5,
		MaxResults: 10,
		K1:         DefaultK1,
		B:          DefaultB,
	}
}

// HybridRetriever fuses BM25 scores with externally supplied semantic hits
type HybridRetriever struct {
	cfg     HybridConfig
	lexical *LexicalScorer
	logger  interfaces.Logger
	metrics interfaces.Metrics
}

// NewHybridRetriever validates cfg and builds a retriever
func NewHybridRetriever(cfg HybridConfig, log interfaces.Logger, m interfaces.Metrics) (*HybridRetriever, error) {
	if cfg.Alpha < 0 || cfg.Alpha > 1 || math.IsNaN(cfg.Alpha) {
		return nil, errors.NewConfigInvalidError("alpha must be within [0,1]").WithDetail("alpha", cfg.Alpha)
	}
	if cfg.MinScore < 0 || math.IsNaN(cfg.MinScore) {
		return nil, errors.NewConfigInvalidError("min score must be non-negative").WithDetail("min_score", cfg.MinScore)
	}
	lexical, err := NewLexicalScorer(cfg.K1, cfg.B)
	if err != nil {
		return nil, err
	}
	return &HybridRetriever{
		cfg:     cfg,
		lexical: lexical,
		logger:  logger.OrNop(log),
		metrics: metrics.OrNoOp(m),
	}, nil
}

// Config returns the fusion parameters
func (r *HybridRetriever) Config() HybridConfig {
	return r.cfg
}

// Retrieve ranks a plain text corpus
func (r *HybridRetriever) Retrieve(query string, corpus []string, hits []types.SearchHit) []types.RankedPassage {
	passages := make([]types.Passage, len(corpus))
	for i, text := range corpus {
		passages[i] = types.Passage{Text: text}
	}
	return r.RetrievePassages(query, passages, hits)
}

// RetrievePassages ranks corpus for query. An empty query or corpus yields an empty list.
func (r *HybridRetriever) RetrievePassages(query string, corpus []types.Passage, hits []types.SearchHit) []types.RankedPassage {
	if strings.TrimSpace(query) == "" || len(corpus) == 0 {
		return []types.RankedPassage{}
	}

	start := time.Now()
	defer func() {
		r.metrics.Timer("retrieval_duration_ms", float64(time.Since(start).Milliseconds()), nil)
	}()
	r.metrics.Counter("retrieval_requests", 1, nil)

	ranked := r.Select(r.Score(query, corpus, hits))

	r.logger.Debug("Hybrid retrieval completed", map[string]interface{}{
		"corpus":  len(corpus),
		"hits":    len(hits),
		"results": len(ranked),
		"alpha":   r.cfg.Alpha,
	})
	return ranked
}

// Score computes the normalized sub-scores and the fused score of every
// passage, in corpus order, without filtering.
func (r *HybridRetriever) Score(query string, corpus []types.Passage, hits []types.SearchHit) []types.RankedPassage {
	texts := make([]string, len(corpus))
	for i, p := range corpus {
		texts[i] = p.Text
	}
	lexical := MinMaxNormalize(r.lexical.Score(texts, query))
	semantic, hitMeta := SemanticScores(corpus, hits)

	out := make([]types.RankedPassage, len(corpus))
	for i, p := range corpus {
		out[i] = types.RankedPassage{
			Index:    i,
			ID:       p.ID,
			Text:     p.Text,
			Metadata: mergeMetadata(p.Metadata, hitMeta[i]),
			Lexical:  lexical[i],
			Semantic: semantic[i],
			Score:    r.Fuse(lexical[i], semantic[i]),
		}
	}
	return out
}

// Fuse blends two normalized scores
func (r *HybridRetriever) Fuse(lexical, semantic float64) float64 {
	return clamp01((1-r.cfg.Alpha)*lexical + r.cfg.Alpha*semantic)
}

// Select drops passages below the threshold, sorts the rest by score
// descending with corpus order breaking ties, and applies the cap.
func (r *HybridRetriever) Select(scored []types.RankedPassage) []types.RankedPassage {
	kept := make([]types.RankedPassage, 0, len(scored))
	for _, p := range scored {
		if p.Score >= r.cfg.MinScore {
			kept = append(kept, p)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})
	if r.cfg.MaxResults > 0 && len(kept) > r.cfg.MaxResults {
		kept = kept[:r.cfg.MaxResults]
	}
	return kept
}

// SemanticScores converts hit distances to similarities via 1/(1+d),
// normalizes them across the hits returned and maps them onto the corpus.
// Passages match a hit by id when both carry one, otherwise by exact text.
// Unmatched passages score 0.
func SemanticScores(corpus []types.Passage, hits []types.SearchHit) ([]float64, []map[string]string) {
	scores := make([]float64, len(corpus))
	meta := make([]map[string]string, len(corpus))
	if len(hits) == 0 {
		return scores, meta
	}

	sims := make([]float64, len(hits))
	for i, h := range hits {
		sims[i] = DistanceToSimilarity(h.Distance)
	}
	sims = MinMaxNormalize(sims)

	for i, hi := range matchHits(corpus, hits, sims) {
		if hi >= 0 {
			scores[i] = sims[hi]
			meta[i] = hits[hi].Metadata
		}
	}
	return scores, meta
}

// HitMetadata returns the metadata of the hit each passage matches, the
// same hit SemanticScores would take its score from.
func HitMetadata(corpus []types.Passage, hits []types.SearchHit) []map[string]string {
	_, meta := SemanticScores(corpus, hits)
	return meta
}

// matchHits returns, per passage, the index of the best scoring hit it
// matches or -1.
func matchHits(corpus []types.Passage, hits []types.SearchHit, sims []float64) []int {
	byID := make(map[string]int, len(hits))
	byText := make(map[string]int, len(hits))
	for i, h := range hits {
		if h.ID != "" {
			if j, ok := byID[h.ID]; !ok || sims[i] > sims[j] {
				byID[h.ID] = i
			}
		}
		if j, ok := byText[h.Text]; !ok || sims[i] > sims[j] {
			byText[h.Text] = i
		}
	}

	out := make([]int, len(corpus))
	for i, p := range corpus {
		hi, ok := -1, false
		if p.ID != "" {
			hi, ok = byID[p.ID]
		}
		if !ok {
			hi, ok = byText[p.Text]
		}
		if !ok {
			hi = -1
		}
		out[i] = hi
	}
	return out
}

// DistanceToSimilarity maps a non-negative distance onto (0,1]
func DistanceToSimilarity(distance float64) float64 {
	if distance < 0 || math.IsNaN(distance) {
		distance = 0
	}
	return 1 / (1 + distance)
}

// MinMaxNormalize rescales xs onto [0,1]. A constant non-zero vector maps to
// all ones and an all-zero vector stays all zero.
func MinMaxNormalize(xs []float64) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	copy(out, xs)
	lo, hi := floats.Min(out), floats.Max(out)
	if hi == lo {
		if hi == 0 {
			return out
		}
		for i := range out {
			out[i] = 1
		}
		return out
	}
	floats.AddConst(-lo, out)
	floats.Scale(1/(hi-lo), out)
	return out
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range base {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
