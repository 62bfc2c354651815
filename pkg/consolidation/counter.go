// Package consolidation folds recent conversation into durable concept memory
package consolidation

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
)

// CounterKey is the counter key of one conversation thread
func CounterKey(sessionID, threadID string) string {
	return "consolidation/" + sessionID + "/" + threadID
}

type counterShard struct {
	mu     sync.Mutex
	counts map[string]int64
}

// CounterTable is a process-local CounterStore. Keys are spread over
// independently locked shards so unrelated threads do not contend; a shard
// lock is held only for the arithmetic on one value.
type CounterTable struct {
	shards []*counterShard
}

// NewCounterTable creates a table with the given number of shards
func NewCounterTable(shards int) *CounterTable {
	if shards <= 0 {
		shards = 1
	}
	t := &CounterTable{shards: make([]*counterShard, shards)}
	for i := range t.shards {
		t.shards[i] = &counterShard{counts: make(map[string]int64)}
	}
	return t
}

func (t *CounterTable) shard(key string) *counterShard {
	return t.shards[xxhash.Sum64String(key)%uint64(len(t.shards))]
}

// Increment adds one and returns the new value
func (t *CounterTable) Increment(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, errors.NewInvalidInputError("counter key is required")
	}
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
	return s.counts[key], nil
}

// Get returns the current value, zero when absent
func (t *CounterTable) Get(ctx context.Context, key string) (int64, error) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key], nil
}

// Subtract removes n, never going below zero. Keys that reach zero are dropped.
func (t *CounterTable) Subtract(ctx context.Context, key string, n int64) (int64, error) {
	if n < 0 {
		return 0, errors.NewInvalidInputError("cannot subtract a negative amount")
	}
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.counts[key] - n
	if v <= 0 {
		delete(s.counts, key)
		return 0, nil
	}
	s.counts[key] = v
	return v, nil
}

// Len returns the number of non-zero counters
func (t *CounterTable) Len() int {
	total := 0
	for _, s := range t.shards {
		s.mu.Lock()
		total += len(s.counts)
		s.mu.Unlock()
	}
	return total
}

// Reset drops every counter
func (t *CounterTable) Reset() {
	for _, s := range t.shards {
		s.mu.Lock()
		s.counts = make(map[string]int64)
		s.mu.Unlock()
	}
}

var _ interfaces.CounterStore = (*CounterTable)(nil)
