package retrieval

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/types"
)

// TemporalConfig holds the decay parameters
type TemporalConfig struct {
	// K is the evaluation window
	K int
	// HalfLife is the time scale T of the decay exp(-Lambda*age/T)
	HalfLife time.Duration
	// Lambda controls the steepness of the decay
	Lambda float64
	// MinFactor floors the decay applied when re-ranking retrieval results
	MinFactor float64
	// UsageWeight scales the logarithmic usage boost when re-ranking
	UsageWeight float64
}

// DefaultTemporalConfig returns a one week scale with unit steepness
func DefaultTemporalConfig() TemporalConfig {
	return TemporalConfig{
		K:           10,
		HalfLife:    7 * 24 * time.Hour,
		Lambda:      1,
		MinFactor:   0.1,
		UsageWeight: 0.1,
	}
}

func (c TemporalConfig) validate() error {
	if c.K <= 0 {
		return errors.NewConfigInvalidError("k must be positive").WithDetail("k", c.K)
	}
	if c.HalfLife <= 0 {
		return errors.NewConfigInvalidError("half life must be positive").WithDetail("half_life", c.HalfLife.String())
	}
	if c.Lambda < 0 || math.IsNaN(c.Lambda) {
		return errors.NewConfigInvalidError("lambda must be non-negative").WithDetail("lambda", c.Lambda)
	}
	if c.MinFactor < 0 || c.MinFactor > 1 {
		return errors.NewConfigInvalidError("min factor must be within [0,1]").WithDetail("min_factor", c.MinFactor)
	}
	if c.UsageWeight < 0 {
		return errors.NewConfigInvalidError("usage weight must be non-negative").WithDetail("usage_weight", c.UsageWeight)
	}
	return nil
}

// TemporalDecayRanker weighs relevance by recency
type TemporalDecayRanker struct {
	cfg TemporalConfig
}

// NewTemporalDecayRanker validates cfg and builds a ranker
func NewTemporalDecayRanker(cfg TemporalConfig) (*TemporalDecayRanker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &TemporalDecayRanker{cfg: cfg}, nil
}

// Decay returns exp(-Lambda*age/HalfLife). A nil timestamp is fully decayed;
// timestamps in the future count as age zero.
func (r *TemporalDecayRanker) Decay(ts *time.Time, now time.Time) float64 {
	return decay(ts, now, r.cfg.HalfLife, r.cfg.Lambda)
}

func decay(ts *time.Time, now time.Time, halfLife time.Duration, lambda float64) float64 {
	if ts == nil || ts.IsZero() {
		return 0
	}
	age := now.Sub(*ts)
	if age < 0 {
		age = 0
	}
	return math.Exp(-lambda * float64(age) / float64(halfLife))
}

// Evaluate returns the time-decayed normalized gain of candidates in their given order
func (r *TemporalDecayRanker) Evaluate(candidates []types.TemporalCandidate, now time.Time) float64 {
	return timeDecayedNDCG(candidates, r.cfg.K, r.cfg.HalfLife, r.cfg.Lambda, now)
}

// TimeDecayedNDCG scores the ordering of candidates over the top k window.
// Each candidate contributes relevance*exp(-lambda*age/halfLife), discounted
// by log2 of its rank; the result is divided by the gain of the ideal
// ordering. Empty input scores 0. When no candidate carries positive gain
// the ordering is perfect by convention and scores 1.
func TimeDecayedNDCG(candidates []types.TemporalCandidate, k int, halfLife time.Duration, lambda float64, now time.Time) (float64, error) {
	cfg := TemporalConfig{K: k, HalfLife: halfLife, Lambda: lambda}
	if err := cfg.validate(); err != nil {
		return 0, err
	}
	return timeDecayedNDCG(candidates, k, halfLife, lambda, now), nil
}

func timeDecayedNDCG(candidates []types.TemporalCandidate, k int, halfLife time.Duration, lambda float64, now time.Time) float64 {
	if len(candidates) == 0 {
		return 0
	}

	gains := make([]float64, len(candidates))
	for i, c := range candidates {
		rel := c.Relevance
		if rel < 0 || math.IsNaN(rel) {
			rel = 0
		}
		gains[i] = rel * decay(c.Timestamp, now, halfLife, lambda)
	}

	ideal := append([]float64(nil), gains...)
	sort.Sort(sort.Reverse(sort.Float64Slice(ideal)))

	idcg := dcg(ideal, k)
	if idcg == 0 {
		return 1
	}
	score := dcg(gains, k) / idcg
	if score > 1 {
		score = 1
	}
	return score
}

func dcg(gains []float64, k int) float64 {
	if k > len(gains) {
		k = len(gains)
	}
	var sum float64
	for i := 0; i < k; i++ {
		sum += gains[i] / math.Log2(float64(i)+2)
	}
	return sum
}

// Rerank multiplies each fused score by a floored recency factor and a
// usage boost, then re-sorts stably. Recency is read from the
// last_mentioned_at or created_at metadata (RFC 3339), usage from
// mention_count or use_count. Passages without a timestamp get MinFactor.
func (r *TemporalDecayRanker) Rerank(passages []types.RankedPassage, now time.Time) []types.RankedPassage {
	out := make([]types.RankedPassage, len(passages))
	copy(out, passages)

	for i := range out {
		factor := r.Decay(passageTime(out[i].Metadata), now)
		if factor < r.cfg.MinFactor {
			factor = r.cfg.MinFactor
		}
		boost := 1 + r.cfg.UsageWeight*math.Log1p(passageUses(out[i].Metadata))
		out[i].Score = out[i].Score * factor * boost
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

func passageTime(meta map[string]string) *time.Time {
	for _, key := range []string{types.MetaLastMentioned, types.MetaCreatedAt} {
		if v, ok := meta[key]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return &ts
			}
		}
	}
	return nil
}

func passageUses(meta map[string]string) float64 {
	for _, key := range []string{types.MetaMentionCount, types.MetaUseCount} {
		if v, ok := meta[key]; ok {
			if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}
