package cache

import (
	"context"

	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/metrics"
)

// TieredScoreCache consults the in-process cache first and an optional
// shared store second. Shared store failures are logged and treated as misses.
type TieredScoreCache struct {
	local   *ScoreCache
	shared  interfaces.ScoreStore
	logger  interfaces.Logger
	metrics interfaces.Metrics
}

// NewTieredScoreCache layers shared under local. shared may be nil.
func NewTieredScoreCache(local *ScoreCache, shared interfaces.ScoreStore, log interfaces.Logger, m interfaces.Metrics) *TieredScoreCache {
	return &TieredScoreCache{
		local:   local,
		shared:  shared,
		logger:  logger.OrNop(log),
		metrics: metrics.OrNoOp(m),
	}
}

// Local returns the in-process tier
func (t *TieredScoreCache) Local() *ScoreCache {
	return t.local
}

// Get returns a cached score from either tier. A shared hit is copied into
// the local tier.
func (t *TieredScoreCache) Get(ctx context.Context, query, candidateID, version string) (float64, bool) {
	if score, ok := t.local.Get(query, candidateID, version); ok {
		return score, true
	}
	if t.shared == nil {
		return 0, false
	}

	score, ok, err := t.shared.GetScore(ctx, KeyString(Key(query, candidateID, version)))
	if err != nil {
		t.sharedFailure("get", candidateID, err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	t.local.Set(query, candidateID, version, score)
	return score, true
}

// Set writes the score to both tiers
func (t *TieredScoreCache) Set(ctx context.Context, query, candidateID, version string, score float64) {
	t.local.Set(query, candidateID, version, score)
	if t.shared == nil {
		return
	}
	key := KeyString(Key(query, candidateID, version))
	if err := t.shared.SetScore(ctx, key, candidateID, score, t.local.TTL()); err != nil {
		t.sharedFailure("set", candidateID, err)
	}
}

// Invalidate drops every score of candidateID from both tiers
func (t *TieredScoreCache) Invalidate(ctx context.Context, candidateID string) int {
	n := t.local.Invalidate(candidateID)
	if t.shared != nil {
		if err := t.shared.DeleteCandidate(ctx, candidateID); err != nil {
			t.sharedFailure("invalidate", candidateID, err)
		}
	}
	return n
}

// Clear empties both tiers
func (t *TieredScoreCache) Clear(ctx context.Context) {
	t.local.Clear()
	if t.shared != nil {
		if err := t.shared.Clear(ctx); err != nil {
			t.sharedFailure("clear", "", err)
		}
	}
}

func (t *TieredScoreCache) sharedFailure(op, candidateID string, err error) {
	t.metrics.Counter("score_cache_shared_error", 1, map[string]string{"op": op})
	t.logger.Warn("Shared score cache unavailable, treating as miss", map[string]interface{}{
		"op":           op,
		"candidate_id": candidateID,
		"error":        err.Error(),
	})
}
