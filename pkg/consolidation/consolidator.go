package consolidation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/metrics"
	"github.com/memtensor/hybridmem/pkg/recall"
	"github.com/memtensor/hybridmem/pkg/types"
)

// Config tunes incremental consolidation
type Config struct {
	// Threshold is the number of turns that triggers a pass; the turn that
	// brings the counter to Threshold consolidates the thread
	Threshold int
	// RecentWindow is how many recent turns a micro-consolidation summarizes
	RecentWindow int
}

// DefaultConfig returns the default consolidation configuration
func DefaultConfig() Config {
	return Config{Threshold: 10, RecentWindow: 20}
}

// Request identifies the thread a turn belongs to
type Request struct {
	SessionID string
	ThreadID  string
	Owner     types.OwnerIdentifiers
	AgentID   string
	// RecentMessages, when set, is summarized instead of reading the thread
	// back from the session store
	RecentMessages []types.ConversationMessage
}

type passKind string

const (
	passRecent  passKind = "recent"
	passArchive passKind = "archive"
)

// IncrementalConsolidator counts turns per thread and folds the thread into
// its short-term summary and the concept repository once the count reaches
// the threshold. Failures are reported in the result, never returned.
type IncrementalConsolidator struct {
	counters   interfaces.CounterStore
	sessions   interfaces.SessionStore
	summarizer interfaces.Summarizer
	concepts   *recall.ConceptRepository
	config     Config
	logger     interfaces.Logger
	metrics    interfaces.Metrics
	now        func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

// NewIncrementalConsolidator creates a consolidator
func NewIncrementalConsolidator(
	cfg Config,
	counters interfaces.CounterStore,
	sessions interfaces.SessionStore,
	summarizer interfaces.Summarizer,
	concepts *recall.ConceptRepository,
	log interfaces.Logger,
	m interfaces.Metrics,
) (*IncrementalConsolidator, error) {
	if counters == nil || sessions == nil || summarizer == nil || concepts == nil {
		return nil, errors.NewConfigInvalidError("consolidator requires counters, sessions, summarizer and concepts")
	}
	if cfg.Threshold <= 0 {
		return nil, errors.NewConfigInvalidError("consolidation threshold must be positive").
			WithDetail("threshold", cfg.Threshold)
	}
	if cfg.RecentWindow <= 0 {
		return nil, errors.NewConfigInvalidError("recent window must be positive").
			WithDetail("recent_window", cfg.RecentWindow)
	}
	return &IncrementalConsolidator{
		counters:   counters,
		sessions:   sessions,
		summarizer: summarizer,
		concepts:   concepts,
		config:     cfg,
		logger:     logger.OrNop(log),
		metrics:    metrics.OrNoOp(m),
		now:        time.Now,
		running:    make(map[string]struct{}),
	}, nil
}

// SetClock overrides the time source
func (c *IncrementalConsolidator) SetClock(now func() time.Time) {
	c.now = now
}

// CheckAndConsolidate counts one turn for the thread and runs a
// micro-consolidation when the count reaches the threshold. On success the
// counted turns are subtracted; on failure the counter is left as is so the
// next turn retries.
func (c *IncrementalConsolidator) CheckAndConsolidate(ctx context.Context, req Request) types.ConsolidationResult {
	key := CounterKey(req.SessionID, req.ThreadID)
	if req.SessionID == "" || req.ThreadID == "" {
		return c.failed(req, "", 0, errors.NewInvalidInputError("session and thread ids are required"))
	}

	count, err := c.counters.Increment(ctx, key)
	if err != nil {
		return c.failed(req, "counter", 0, err)
	}
	if count < int64(c.config.Threshold) {
		return types.ConsolidationResult{Status: types.ConsolidationCounting, Count: count}
	}

	done, ok := c.acquire(key)
	if !ok {
		return types.ConsolidationResult{Status: types.ConsolidationInProgress, Count: count}
	}
	defer done()

	archived, err := c.sessions.IsThreadConsolidated(ctx, req.SessionID, req.ThreadID)
	if err != nil {
		return c.failed(req, "session", count, err)
	}
	if archived {
		remaining, _ := c.counters.Subtract(ctx, key, count)
		return types.ConsolidationResult{Status: types.ConsolidationSkipped, Count: remaining}
	}

	owner, _, ok := req.Owner.Resolve()
	if !ok {
		c.logger.Warn("Consolidation skipped without owner identity", map[string]interface{}{
			"session_id": req.SessionID,
			"thread_id":  req.ThreadID,
		})
		c.metrics.Counter("consolidation_failed", 1, map[string]string{"reason": "identity"})
		return types.ConsolidationResult{
			Status: types.ConsolidationIdentityFail,
			Count:  count,
			Error:  errors.NewIdentityError("consolidation").Error(),
		}
	}

	c.metrics.Counter("consolidation_triggered", 1, map[string]string{"pass": string(passRecent)})
	messages := req.RecentMessages
	if len(messages) == 0 {
		messages, err = c.sessions.ListThreadMessages(ctx, req.SessionID, req.ThreadID, c.config.RecentWindow)
		if err != nil {
			return c.failed(req, "session", count, err)
		}
	} else if len(messages) > c.config.RecentWindow {
		messages = messages[len(messages)-c.config.RecentWindow:]
	}

	added, err := c.fold(ctx, req, owner, messages, passRecent)
	if err != nil {
		return c.failed(req, "fold", count, err)
	}

	remaining, err := c.counters.Subtract(ctx, key, count)
	if err != nil {
		c.logger.Warn("Failed to reset consolidation counter", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		remaining = count
	}
	c.metrics.Counter("consolidation_succeeded", 1, map[string]string{"pass": string(passRecent)})
	return types.ConsolidationResult{
		Status:           types.ConsolidationSuccess,
		NewConceptsCount: added,
		Count:            remaining,
	}
}

// ArchiveThread consolidates every message of the thread and records the
// consolidated-at marker so the thread is never consolidated automatically
// again. Failures are reported in the result; the caller goes on archiving.
func (c *IncrementalConsolidator) ArchiveThread(ctx context.Context, req Request) types.ConsolidationResult {
	if req.SessionID == "" || req.ThreadID == "" {
		return c.failed(req, "", 0, errors.NewInvalidInputError("session and thread ids are required"))
	}
	key := CounterKey(req.SessionID, req.ThreadID)

	done, ok := c.acquire(key)
	if !ok {
		return types.ConsolidationResult{Status: types.ConsolidationInProgress}
	}
	defer done()

	already, err := c.sessions.IsThreadConsolidated(ctx, req.SessionID, req.ThreadID)
	if err != nil {
		return c.failed(req, "session", 0, err)
	}
	if already {
		return types.ConsolidationResult{Status: types.ConsolidationSkipped}
	}

	owner, _, ok := req.Owner.Resolve()
	if !ok {
		c.metrics.Counter("consolidation_failed", 1, map[string]string{"reason": "identity"})
		return types.ConsolidationResult{
			Status: types.ConsolidationIdentityFail,
			Error:  errors.NewIdentityError("archive consolidation").Error(),
		}
	}

	c.metrics.Counter("consolidation_triggered", 1, map[string]string{"pass": string(passArchive)})
	messages, err := c.sessions.ListThreadMessages(ctx, req.SessionID, req.ThreadID, 0)
	if err != nil {
		return c.failed(req, "session", 0, err)
	}
	if len(messages) == 0 {
		messages = req.RecentMessages
	}

	added, err := c.fold(ctx, req, owner, messages, passArchive)
	if err != nil {
		return c.failed(req, "fold", 0, err)
	}
	if err := c.sessions.MarkThreadConsolidated(ctx, req.SessionID, req.ThreadID, c.now().UTC()); err != nil {
		return c.failed(req, "marker", 0, err)
	}

	if n, err := c.counters.Get(ctx, key); err == nil && n > 0 {
		_, _ = c.counters.Subtract(ctx, key, n)
	}
	c.metrics.Counter("consolidation_succeeded", 1, map[string]string{"pass": string(passArchive)})
	return types.ConsolidationResult{Status: types.ConsolidationSuccess, NewConceptsCount: added}
}

// fold summarizes messages, records each concept in the repository and merges
// the digest into the thread summary. Concepts are written first so a failed
// summary save is retried without losing them; Observe ignores replays.
func (c *IncrementalConsolidator) fold(ctx context.Context, req Request, owner string, messages []types.ConversationMessage, kind passKind) (int, error) {
	existing, err := c.sessions.GetThreadSummary(ctx, req.SessionID, req.ThreadID)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	digest, err := c.summarizer.Summarize(ctx, messages)
	if err != nil {
		return 0, err
	}
	if digest == nil {
		digest = &types.ThreadDigest{}
	}

	merged := &types.ThreadSummary{
		SessionID: req.SessionID,
		ThreadID:  req.ThreadID,
		UserID:    owner,
		AgentID:   req.AgentID,
		Concepts:  []string{},
		Entities:  []string{},
	}
	if existing != nil {
		merged.Summary = existing.Summary
		merged.Concepts = existing.Concepts
		merged.Entities = existing.Entities
		merged.Archived = existing.Archived
		if merged.AgentID == "" {
			merged.AgentID = existing.AgentID
		}
	}
	if s := strings.TrimSpace(digest.Summary); s != "" {
		merged.Summary = s
	}
	var added []string
	merged.Concepts, added = union(merged.Concepts, digest.Concepts)
	merged.Entities, _ = union(merged.Entities, digest.Entities)
	merged.UpdatedAt = c.now().UTC()
	if kind == passArchive {
		merged.Archived = true
	}

	at := c.now().UTC()
	for _, concept := range merged.Concepts {
		if _, _, err := c.concepts.Observe(ctx, recall.Mention{
			UserID:      owner,
			AgentID:     req.AgentID,
			ConceptText: concept,
			ThreadID:    req.ThreadID,
			At:          at,
		}); err != nil {
			return 0, err
		}
	}

	if err := c.sessions.SaveThreadSummary(ctx, merged); err != nil {
		return 0, err
	}

	c.logger.Info("Thread consolidated", map[string]interface{}{
		"session_id":   req.SessionID,
		"thread_id":    req.ThreadID,
		"pass":         string(kind),
		"messages":     len(messages),
		"new_concepts": len(added),
	})
	return len(added), nil
}

func (c *IncrementalConsolidator) failed(req Request, reason string, count int64, err error) types.ConsolidationResult {
	wrapped := errors.NewConsolidationError("consolidation failed", err).
		WithDetail("session_id", req.SessionID).
		WithDetail("thread_id", req.ThreadID)
	c.logger.Error("Consolidation failed", wrapped, map[string]interface{}{
		"reason": reason,
		"count":  count,
	})
	c.metrics.Counter("consolidation_failed", 1, map[string]string{"reason": reason})
	return types.ConsolidationResult{
		Status: types.ConsolidationError,
		Count:  count,
		Error:  wrapped.Error(),
	}
}

// acquire marks key as being consolidated. The returned func releases it.
func (c *IncrementalConsolidator) acquire(key string) (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.running[key]; busy {
		return nil, false
	}
	c.running[key] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.running, key)
		c.mu.Unlock()
	}, true
}

// union appends the items of extra missing from base, comparing normalized
// keys. It returns the merged list and the items that were added.
func union(base, extra []string) (merged, added []string) {
	seen := make(map[string]struct{}, len(base)+len(extra))
	merged = make([]string, 0, len(base)+len(extra))
	for _, item := range base {
		k := types.NormalizeKey(item)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, strings.TrimSpace(item))
	}
	for _, item := range extra {
		k := types.NormalizeKey(item)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, strings.TrimSpace(item))
		added = append(added, strings.TrimSpace(item))
	}
	return merged, added
}
