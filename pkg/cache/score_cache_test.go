package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, size int, ttl time.Duration) (*ScoreCache, *fakeClock) {
	t.Helper()
	c, err := NewScoreCache(Config{MaxEntries: size, TTL: ttl}, nil, nil)
	require.NoError(t, err)
	clock := newFakeClock()
	c.SetClock(clock.Now)
	return c, clock
}

func TestNewScoreCacheValidation(t *testing.T) {
	_, err := NewScoreCache(Config{MaxEntries: 0, TTL: time.Minute}, nil, nil)
	assert.True(t, errors.IsConfigError(err))

	_, err = NewScoreCache(Config{MaxEntries: 10, TTL: 0}, nil, nil)
	assert.True(t, errors.IsConfigError(err))
}

func TestScoreCacheGetSet(t *testing.T) {
	t.Run("set then get returns the exact score", func(t *testing.T) {
		c, _ := newTestCache(t, 10, time.Minute)
		c.Set("ci/cd", "doc-1", "v1", 0.8125)

		score, ok := c.Get("ci/cd", "doc-1", "v1")
		require.True(t, ok)
		assert.Equal(t, 0.8125, score)
	})

	t.Run("different key parts miss", func(t *testing.T) {
		c, _ := newTestCache(t, 10, time.Minute)
		c.Set("ci/cd", "doc-1", "v1", 0.5)

		_, ok := c.Get("docker", "doc-1", "v1")
		assert.False(t, ok)
		_, ok = c.Get("ci/cd", "doc-2", "v1")
		assert.False(t, ok)
		_, ok = c.Get("ci/cd", "doc-1", "v2")
		assert.False(t, ok)
	})

	t.Run("overwrite replaces the score", func(t *testing.T) {
		c, _ := newTestCache(t, 10, time.Minute)
		c.Set("q", "doc-1", "v1", 0.1)
		c.Set("q", "doc-1", "v1", 0.9)

		score, ok := c.Get("q", "doc-1", "v1")
		require.True(t, ok)
		assert.Equal(t, 0.9, score)
		assert.Equal(t, 1, c.Len())
	})
}

func TestScoreCacheExpiry(t *testing.T) {
	t.Run("expired entry is a miss and is removed", func(t *testing.T) {
		c, clock := newTestCache(t, 10, time.Minute)
		c.Set("q", "doc-1", "v1", 0.4)

		clock.Advance(59 * time.Second)
		_, ok := c.Get("q", "doc-1", "v1")
		assert.True(t, ok)

		clock.Advance(time.Second)
		_, ok = c.Get("q", "doc-1", "v1")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
		assert.Equal(t, int64(1), c.Stats().ExpireCount)
	})

	t.Run("sweep drops only expired entries", func(t *testing.T) {
		c, clock := newTestCache(t, 10, time.Minute)
		c.Set("q", "old", "v1", 0.1)
		clock.Advance(30 * time.Second)
		c.Set("q", "new", "v1", 0.2)
		clock.Advance(45 * time.Second)

		assert.Equal(t, 1, c.Sweep())
		assert.Equal(t, 1, c.Len())
		_, ok := c.Get("q", "new", "v1")
		assert.True(t, ok)
		assert.Equal(t, 0, c.Invalidate("old"))
	})
}

func TestScoreCacheInvalidate(t *testing.T) {
	t.Run("removes every query for the candidate", func(t *testing.T) {
		c, _ := newTestCache(t, 100, time.Minute)
		for i := 0; i < 5; i++ {
			c.Set(fmt.Sprintf("query-%d", i), "doc-1", "v1", float64(i)/10)
		}
		c.Set("query-0", "doc-2", "v1", 0.7)

		assert.Equal(t, 5, c.Invalidate("doc-1"))
		for i := 0; i < 5; i++ {
			_, ok := c.Get(fmt.Sprintf("query-%d", i), "doc-1", "v1")
			assert.False(t, ok)
		}
		score, ok := c.Get("query-0", "doc-2", "v1")
		assert.True(t, ok)
		assert.Equal(t, 0.7, score)
		assert.Equal(t, 1, c.Stats().CandidateKeys)
	})

	t.Run("unknown candidate is a no-op", func(t *testing.T) {
		c, _ := newTestCache(t, 10, time.Minute)
		assert.Equal(t, 0, c.Invalidate("ghost"))
	})

	t.Run("version change drops older entries", func(t *testing.T) {
		c, _ := newTestCache(t, 10, time.Minute)
		c.Set("a", "doc-1", "v1", 0.1)
		c.Set("b", "doc-1", "v1", 0.2)
		c.Set("a", "doc-1", "v2", 0.3)

		_, ok := c.Get("b", "doc-1", "v1")
		assert.False(t, ok)
		score, ok := c.Get("a", "doc-1", "v2")
		assert.True(t, ok)
		assert.Equal(t, 0.3, score)
		assert.Equal(t, 1, c.Len())
	})

	t.Run("late write of a superseded version is ignored", func(t *testing.T) {
		c, _ := newTestCache(t, 10, time.Minute)
		c.Set("a", "doc-1", "v1", 0.1)
		c.Set("a", "doc-1", "v2", 0.3)
		c.Set("b", "doc-1", "v2", 0.4)
		c.Set("a", "doc-1", "v1", 0.9)

		_, ok := c.Get("a", "doc-1", "v1")
		assert.False(t, ok)
		score, ok := c.Get("b", "doc-1", "v2")
		assert.True(t, ok)
		assert.Equal(t, 0.4, score)
		assert.Equal(t, 2, c.Len())
		assert.Equal(t, int64(1), c.Stats().StaleCount)
	})

	t.Run("invalidate forgets retired versions", func(t *testing.T) {
		c, _ := newTestCache(t, 10, time.Minute)
		c.Set("a", "doc-1", "v1", 0.1)
		c.Set("a", "doc-1", "v2", 0.2)
		c.Invalidate("doc-1")

		c.Set("a", "doc-1", "v1", 0.5)
		score, ok := c.Get("a", "doc-1", "v1")
		assert.True(t, ok)
		assert.Equal(t, 0.5, score)
	})
}

func TestScoreCacheEviction(t *testing.T) {
	t.Run("oldest created entry is evicted on overflow", func(t *testing.T) {
		c, clock := newTestCache(t, 3, time.Hour)
		c.Set("q", "a", "v", 0.1)
		clock.Advance(time.Second)
		c.Set("q", "b", "v", 0.2)
		clock.Advance(time.Second)
		c.Set("q", "c", "v", 0.3)

		// reads do not refresh recency
		_, ok := c.Get("q", "a", "v")
		require.True(t, ok)

		c.Set("q", "d", "v", 0.4)

		_, ok = c.Get("q", "a", "v")
		assert.False(t, ok)
		for _, id := range []string{"b", "c", "d"} {
			_, ok := c.Get("q", id, "v")
			assert.True(t, ok, id)
		}
		assert.Equal(t, int64(1), c.Stats().EvictCount)
	})

	t.Run("evicted entries leave the candidate index", func(t *testing.T) {
		c, _ := newTestCache(t, 2, time.Hour)
		c.Set("q1", "a", "v", 0.1)
		c.Set("q2", "b", "v", 0.2)
		c.Set("q3", "b", "v", 0.3)

		assert.Equal(t, 0, c.Invalidate("a"))
		assert.Equal(t, 2, c.Invalidate("b"))
		assert.Equal(t, 0, c.Len())
	})
}

func TestScoreCacheClearAndStats(t *testing.T) {
	m := metrics.NewInMemoryMetrics()
	c, err := NewScoreCache(Config{MaxEntries: 10, TTL: time.Minute}, nil, m)
	require.NoError(t, err)

	c.Set("q", "a", "v", 0.1)
	c.Get("q", "a", "v")
	c.Get("q", "b", "v")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.HitCount)
	assert.Equal(t, int64(1), stats.MissCount)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, 10, stats.MaxSize)
	assert.Equal(t, 1.0, m.CounterValue("score_cache_hit", nil))
	assert.Equal(t, 1.0, m.CounterValue("score_cache_miss", nil))

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, Stats{MaxSize: 10}, c.Stats())
	_, ok := c.Get("q", "a", "v")
	assert.False(t, ok)
}

func TestScoreCacheConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t, 64, time.Hour)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("doc-%d", i%16)
				c.Set(fmt.Sprintf("q-%d", w), id, "v", float64(i))
				c.Get(fmt.Sprintf("q-%d", w), id, "v")
				if i%50 == 0 {
					c.Invalidate(id)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key("q", "a", "v"), Key("q", "a", "v"))
	assert.NotEqual(t, Key("qa", "", "v"), Key("q", "a", "v"))
	assert.NotEmpty(t, KeyString(Key("q", "a", "v")))
}
