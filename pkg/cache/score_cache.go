// Package cache provides the bounded, time-limited score cache used by retrieval
package cache

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/metrics"
)

// Config sizes a ScoreCache
type Config struct {
	MaxEntries int
	TTL        time.Duration
}

// Stats reports cache activity since creation or the last Clear
type Stats struct {
	Size          int     `json:"size"`
	MaxSize       int     `json:"max_size"`
	HitCount      int64   `json:"hit_count"`
	MissCount     int64   `json:"miss_count"`
	EvictCount    int64   `json:"evict_count"`
	ExpireCount   int64   `json:"expire_count"`
	InvalidCount  int64   `json:"invalid_count"`
	StaleCount    int64   `json:"stale_count"`
	HitRate       float64 `json:"hit_rate"`
	CandidateKeys int     `json:"candidate_keys"`
}

// Key hashes the parts identifying one cached score
func Key(query, candidateID, version string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(query)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(candidateID)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(version)
	return d.Sum64()
}

// retiredVersions bounds how many superseded version markers are
// remembered per candidate for rejecting late writes
const retiredVersions = 8

// KeyString renders a key for external stores
func KeyString(key uint64) string {
	return strconv.FormatUint(key, 16)
}

type entry struct {
	candidateID string
	version     string
	score       float64
	createdAt   time.Time
	expiresAt   time.Time
}

// ScoreCache maps (query, candidate id, version marker) to a computed score.
//
// Entries leave the cache when their TTL elapses (checked lazily on lookup
// and by Sweep), when the candidate's version marker changes, when the
// candidate is invalidated, or when the cache is full. On overflow the
// oldest-created entry is evicted: lookups do not refresh recency, only a
// new Set does. Safe for concurrent use.
type ScoreCache struct {
	mu          sync.Mutex
	lru         *simplelru.LRU[uint64, *entry]
	byCandidate map[string]map[uint64]struct{}
	versions    map[string]string
	retired     map[string][]string
	maxEntries  int
	ttl         time.Duration
	now         func() time.Time
	stats       Stats
	logger      interfaces.Logger
	metrics     interfaces.Metrics
}

// NewScoreCache creates a cache. Both bounds must be positive.
func NewScoreCache(cfg Config, log interfaces.Logger, m interfaces.Metrics) (*ScoreCache, error) {
	if cfg.MaxEntries <= 0 {
		return nil, errors.NewConfigInvalidError("cache max entries must be positive").WithDetail("max_entries", cfg.MaxEntries)
	}
	if cfg.TTL <= 0 {
		return nil, errors.NewConfigInvalidError("cache ttl must be positive").WithDetail("ttl", cfg.TTL.String())
	}

	c := &ScoreCache{
		byCandidate: make(map[string]map[uint64]struct{}),
		versions:    make(map[string]string),
		retired:     make(map[string][]string),
		maxEntries:  cfg.MaxEntries,
		ttl:         cfg.TTL,
		now:         time.Now,
		logger:      logger.OrNop(log),
		metrics:     metrics.OrNoOp(m),
	}
	lru, err := simplelru.NewLRU[uint64, *entry](cfg.MaxEntries, c.onRemove)
	if err != nil {
		return nil, errors.NewConfigInvalidError(err.Error())
	}
	c.lru = lru
	return c, nil
}

// SetClock replaces the time source, for tests
func (c *ScoreCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// TTL returns the configured entry lifetime
func (c *ScoreCache) TTL() time.Duration {
	return c.ttl
}

// onRemove runs under c.mu for every entry leaving the LRU
func (c *ScoreCache) onRemove(key uint64, e *entry) {
	keys := c.byCandidate[e.candidateID]
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.byCandidate, e.candidateID)
	}
}

// Get returns the cached score, or false on a miss. Expired entries are
// removed and reported as misses.
func (c *ScoreCache) Get(query, candidateID, version string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(query, candidateID, version)
	e, ok := c.lru.Peek(key)
	if !ok {
		c.miss()
		return 0, false
	}
	if e.candidateID != candidateID || e.version != version {
		c.miss()
		return 0, false
	}
	if !c.now().Before(e.expiresAt) {
		c.lru.Remove(key)
		c.stats.ExpireCount++
		c.metrics.Counter("score_cache_expire", 1, nil)
		c.miss()
		return 0, false
	}

	c.stats.HitCount++
	c.metrics.Counter("score_cache_hit", 1, nil)
	return e.score, true
}

func (c *ScoreCache) miss() {
	c.stats.MissCount++
	c.metrics.Counter("score_cache_miss", 1, nil)
}

// Set stores score. A version different from the last one seen for the
// candidate first drops every entry of the older version, which is then
// retired: a late Set carrying a retired version is ignored. Version markers
// are opaque, so a marker that comes back after being superseded is treated
// as stale until the candidate is invalidated.
func (c *ScoreCache) Set(query, candidateID, version string, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRetired(candidateID, version) {
		c.stats.StaleCount++
		c.metrics.Counter("score_cache_stale_write", 1, nil)
		return
	}
	if latest, known := c.versions[candidateID]; known && latest != version {
		c.stats.InvalidCount += int64(c.invalidateLocked(candidateID))
		c.retire(candidateID, latest)
	}
	c.versions[candidateID] = version

	now := c.now()
	key := Key(query, candidateID, version)
	if evicted := c.lru.Add(key, &entry{
		candidateID: candidateID,
		version:     version,
		score:       score,
		createdAt:   now,
		expiresAt:   now.Add(c.ttl),
	}); evicted {
		c.stats.EvictCount++
		c.metrics.Counter("score_cache_evict", 1, nil)
	}

	keys, ok := c.byCandidate[candidateID]
	if !ok {
		keys = make(map[uint64]struct{})
		c.byCandidate[candidateID] = keys
	}
	keys[key] = struct{}{}
}

func (c *ScoreCache) isRetired(candidateID, version string) bool {
	for _, v := range c.retired[candidateID] {
		if v == version {
			return true
		}
	}
	return false
}

func (c *ScoreCache) retire(candidateID, version string) {
	r := append(c.retired[candidateID], version)
	if len(r) > retiredVersions {
		r = r[len(r)-retiredVersions:]
	}
	c.retired[candidateID] = r
}

// Invalidate removes every entry ever set for candidateID regardless of
// query and returns how many were removed. The candidate's version history
// is forgotten too.
func (c *ScoreCache) Invalidate(candidateID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.invalidateLocked(candidateID)
	delete(c.versions, candidateID)
	delete(c.retired, candidateID)
	c.stats.InvalidCount += int64(n)
	return n
}

func (c *ScoreCache) invalidateLocked(candidateID string) int {
	keys := c.byCandidate[candidateID]
	if len(keys) == 0 {
		return 0
	}
	// onRemove mutates the set, so collect first
	doomed := make([]uint64, 0, len(keys))
	for k := range keys {
		doomed = append(doomed, k)
	}
	for _, k := range doomed {
		c.lru.Remove(k)
	}
	delete(c.byCandidate, candidateID)
	return len(doomed)
}

// Clear empties the cache and resets statistics
func (c *ScoreCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.byCandidate = make(map[string]map[uint64]struct{})
	c.versions = make(map[string]string)
	c.retired = make(map[string][]string)
	c.stats = Stats{}
}

// Sweep removes expired entries and returns how many were dropped
func (c *ScoreCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && !now.Before(e.expiresAt) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.stats.ExpireCount += int64(removed)
	if removed > 0 {
		c.metrics.Counter("score_cache_expire", float64(removed), nil)
		c.logger.Debug("Score cache sweep", map[string]interface{}{
			"removed": removed,
			"size":    c.lru.Len(),
		})
	}
	c.metrics.Gauge("score_cache_size", float64(c.lru.Len()), nil)
	return removed
}

// Len returns the number of entries, including expired ones not yet swept
func (c *ScoreCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns cache statistics
func (c *ScoreCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = c.lru.Len()
	s.MaxSize = c.maxEntries
	s.CandidateKeys = len(c.byCandidate)
	if total := s.HitCount + s.MissCount; total > 0 {
		s.HitRate = float64(s.HitCount) / float64(total)
	}
	return s
}
