// Package core wires the hybrid memory components into a single engine
package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memtensor/hybridmem/pkg/cache"
	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/consolidation"
	"github.com/memtensor/hybridmem/pkg/embedders"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/extraction"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/isolation"
	"github.com/memtensor/hybridmem/pkg/llm"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/metrics"
	"github.com/memtensor/hybridmem/pkg/recall"
	"github.com/memtensor/hybridmem/pkg/retrieval"
	"github.com/memtensor/hybridmem/pkg/session"
	"github.com/memtensor/hybridmem/pkg/types"
	"github.com/memtensor/hybridmem/pkg/vectordb"
)

// Option overrides a collaborator the engine would otherwise build from config
type Option func(*options)

type options struct {
	classifier interfaces.Classifier
	summarizer interfaces.Summarizer
	embedder   interfaces.Embedder
	store      interfaces.SemanticStore
	sessions   interfaces.SessionStore
	counters   interfaces.CounterStore
	scoreStore interfaces.ScoreStore
	now        func() time.Time
}

// WithClassifier replaces the configured classifier backend
func WithClassifier(c interfaces.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithSummarizer replaces the structured summarizer built over the classifier
func WithSummarizer(s interfaces.Summarizer) Option {
	return func(o *options) { o.summarizer = s }
}

// WithEmbedder replaces the configured embedder
func WithEmbedder(e interfaces.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithSemanticStore replaces the configured long-term store
func WithSemanticStore(s interfaces.SemanticStore) Option {
	return func(o *options) { o.store = s }
}

// WithSessionStore replaces the configured session store
func WithSessionStore(s interfaces.SessionStore) Option {
	return func(o *options) { o.sessions = s }
}

// WithCounterStore replaces the turn and reminder counters
func WithCounterStore(c interfaces.CounterStore) Option {
	return func(o *options) { o.counters = c }
}

// WithScoreStore sets the shared score tier instead of connecting to Redis
func WithScoreStore(s interfaces.ScoreStore) Option {
	return func(o *options) { o.scoreStore = s }
}

// WithClock sets the time source of every time-dependent component
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// RetrieveRequest asks for passages ranked against Query. When Corpus is
// empty the corpus is read from the semantic store as the visible
// neighbours of Query for UserID.
type RetrieveRequest struct {
	Query   string               `json:"query"`
	UserID  string               `json:"user_id,omitempty"`
	AgentID string               `json:"agent_id,omitempty"`
	Corpus  []types.Passage      `json:"corpus,omitempty"`
	Hits    []types.SearchHit    `json:"hits,omitempty"`
	Limit   int                  `json:"limit,omitempty"`
	Filter  types.MetadataFilter `json:"filter,omitempty"`
	// Temporal re-ranks the fused scores by recency and usage
	Temporal bool `json:"temporal,omitempty"`
}

// Turn is one conversational message handed to the engine
type Turn struct {
	SessionID string                    `json:"session_id"`
	ThreadID  string                    `json:"thread_id"`
	AgentID   string                    `json:"agent_id,omitempty"`
	Owner     types.OwnerIdentifiers    `json:"owner"`
	Message   types.ConversationMessage `json:"message"`
	// Explicit marks a direct question about past conversations
	Explicit bool `json:"explicit,omitempty"`
}

// TurnResult reports what the engine did with a turn
type TurnResult struct {
	Preferences   []types.PreferenceRecord  `json:"preferences"`
	Recalls       []recall.Recall           `json:"recalls"`
	Consolidation types.ConsolidationResult `json:"consolidation"`
}

// ArchiveRequest asks for a full consolidation of a finished thread
type ArchiveRequest struct {
	SessionID string                 `json:"session_id"`
	ThreadID  string                 `json:"thread_id"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Owner     types.OwnerIdentifiers `json:"owner"`
}

// Engine is the hybrid memory engine: retrieval, preference extraction,
// incremental consolidation and cross-thread recall behind one facade.
type Engine struct {
	config *config.EngineConfig

	embedder   interfaces.Embedder
	store      interfaces.SemanticStore
	sessions   interfaces.SessionStore
	classifier interfaces.Classifier

	scores    *cache.ScoreCache
	tiered    *cache.TieredScoreCache
	retriever *retrieval.CachedRetriever
	ranker    *retrieval.TemporalDecayRanker

	pipeline     *extraction.Pipeline
	reminders    *extraction.ReminderTracker
	counters     interfaces.CounterStore
	consolidator *consolidation.IncrementalConsolidator
	concepts     *recall.ConceptRepository
	recallConfig recall.Config
	isolation    *isolation.Filter

	closers []func() error
	logger  interfaces.Logger
	metrics interfaces.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// New builds an engine from cfg. Collaborators that are not overridden by
// opts are created from their config sections; the engine owns and closes
// everything it holds.
func New(ctx context.Context, cfg *config.EngineConfig, log interfaces.Logger, m interfaces.Metrics, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.NewConfigInvalidError("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		config:  cfg,
		logger:  logger.OrNop(log),
		metrics: metrics.OrNoOp(m),
		now:     o.now,
	}
	if err := e.build(ctx, o); err != nil {
		_ = e.closeAll()
		return nil, err
	}

	e.logger.Info("Engine initialized", map[string]interface{}{
		"store":          cfg.Store.Backend,
		"session":        cfg.Session.Backend,
		"classifier":     cfg.Classifier.Backend,
		"isolation_mode": string(e.isolation.Mode()),
		"shared_scores":  o.scoreStore != nil || cfg.Cache.Redis.Enabled,
		"shared_counter": cfg.Consolidation.NATS.Enabled,
	})
	e.metrics.Counter("engine_initialize_count", 1, nil)
	return e, nil
}

func (e *Engine) build(ctx context.Context, o *options) error {
	cfg := e.config

	if err := e.initializeStores(ctx, o); err != nil {
		return err
	}
	if err := e.initializeRetrieval(ctx, o); err != nil {
		return fmt.Errorf("failed to initialize retrieval: %w", err)
	}

	mode, err := isolation.ParseMode(cfg.Isolation.Mode)
	if err != nil {
		return err
	}
	e.isolation = isolation.NewFilter(mode, e.logger, e.metrics)

	e.classifier = o.classifier
	if e.classifier == nil {
		if e.classifier, err = llm.NewClassifier(cfg.Classifier, e.logger); err != nil {
			return err
		}
	}
	e.pipeline, err = extraction.NewPipeline(e.classifier, extraction.NewFilter(nil), extraction.Config{
		MinConfidence:     cfg.Extraction.MinConfidence,
		ClassifierTimeout: cfg.Extraction.ClassifierTimeout,
	}, e.logger.WithFields(map[string]interface{}{"component": "extraction"}), e.metrics)
	if err != nil {
		return err
	}
	e.pipeline.SetClock(e.now)

	if err := e.initializeCounters(ctx, o); err != nil {
		return err
	}
	if e.reminders, err = extraction.NewReminderTracker(e.counters, cfg.Reminders.MaxReminders, e.logger, e.metrics); err != nil {
		return err
	}

	if e.concepts, err = recall.NewConceptRepository(e.store, e.logger); err != nil {
		return err
	}
	e.recallConfig = recall.Config{
		ExplicitFloor:    cfg.Recall.ExplicitFloor,
		PassiveFloor:     cfg.Recall.PassiveFloor,
		MaxRecalls:       cfg.Recall.MaxRecalls,
		SearchLimit:      cfg.Recall.SearchLimit,
		VitalityBoost:    cfg.Recall.VitalityBoost,
		VitalityHalfLife: cfg.Recall.VitalityHalfLife,
	}
	if err := e.recallConfig.Validate(); err != nil {
		return err
	}

	summarizer := o.summarizer
	if summarizer == nil {
		summarizer = llm.NewStructuredSummarizer(e.classifier, 0)
	}
	e.consolidator, err = consolidation.NewIncrementalConsolidator(consolidation.Config{
		Threshold:    cfg.Consolidation.Threshold,
		RecentWindow: cfg.Consolidation.RecentWindow,
	}, e.counters, e.sessions, summarizer, e.concepts,
		e.logger.WithFields(map[string]interface{}{"component": "consolidation"}), e.metrics)
	if err != nil {
		return err
	}
	e.consolidator.SetClock(e.now)
	return nil
}

func (e *Engine) initializeStores(ctx context.Context, o *options) error {
	cfg := e.config
	var err error

	e.store = o.store
	if e.store == nil {
		e.embedder = o.embedder
		if e.embedder == nil {
			if e.embedder, err = embedders.New(cfg.Embedder, e.logger); err != nil {
				return fmt.Errorf("failed to initialize embedder: %w", err)
			}
		}
		e.closers = append(e.closers, e.embedder.Close)

		store, err := vectordb.New(ctx, cfg.Store, e.embedder, e.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize semantic store: %w", err)
		}
		e.store = store
	}
	e.store = vectordb.NewInstrumentedStore(e.store, strings.ToLower(cfg.Store.Backend), e.metrics)
	e.closers = append(e.closers, e.store.Close)

	e.sessions = o.sessions
	if e.sessions == nil {
		if e.sessions, err = session.New(cfg.Session, e.logger); err != nil {
			return fmt.Errorf("failed to initialize session store: %w", err)
		}
	}
	e.closers = append(e.closers, e.sessions.Close)
	return nil
}

func (e *Engine) initializeRetrieval(ctx context.Context, o *options) error {
	cfg := e.config

	hybrid, err := retrieval.NewHybridRetriever(retrieval.HybridConfig{
		Alpha:      cfg.Retrieval.Alpha,
		MinScore:   cfg.Retrieval.MinScore,
		MaxResults: cfg.Retrieval.MaxResults,
		K1:         cfg.Retrieval.K1,
		B:          cfg.Retrieval.B,
	}, e.logger, e.metrics)
	if err != nil {
		return err
	}
	e.ranker, err = retrieval.NewTemporalDecayRanker(retrieval.TemporalConfig{
		K:           cfg.Temporal.K,
		HalfLife:    cfg.Temporal.HalfLife,
		Lambda:      cfg.Temporal.Lambda,
		MinFactor:   cfg.Temporal.MinFactor,
		UsageWeight: cfg.Temporal.UsageWeight,
	})
	if err != nil {
		return err
	}

	e.scores, err = cache.NewScoreCache(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        cfg.Cache.TTL,
	}, e.logger, e.metrics)
	if err != nil {
		return err
	}
	e.scores.SetClock(e.now)

	shared := o.scoreStore
	if shared == nil && cfg.Cache.Redis.Enabled {
		redisStore, err := cache.NewRedisScoreStore(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
			Prefix:   cfg.Cache.Redis.Prefix,
		}, e.logger)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, redisStore.Close)
		shared = redisStore
	}

	e.tiered = cache.NewTieredScoreCache(e.scores, shared, e.logger, e.metrics)
	e.retriever = retrieval.NewCachedRetriever(hybrid, e.tiered, e.logger)
	return nil
}

func (e *Engine) initializeCounters(ctx context.Context, o *options) error {
	cfg := e.config

	e.counters = o.counters
	if e.counters != nil {
		return nil
	}
	if !cfg.Consolidation.NATS.Enabled {
		e.counters = consolidation.NewCounterTable(cfg.Consolidation.CounterShards)
		return nil
	}

	kv, err := consolidation.NewKVCounterStore(ctx, cfg.Consolidation.NATS, e.logger)
	if err != nil {
		return err
	}
	e.closers = append(e.closers, kv.Close)
	e.counters = kv
	return nil
}

// Config returns the configuration the engine was built from
func (e *Engine) Config() *config.EngineConfig {
	return e.config
}

// Store returns the instrumented long-term store
func (e *Engine) Store() interfaces.SemanticStore {
	return e.store
}

// Sessions returns the short-term session store
func (e *Engine) Sessions() interfaces.SessionStore {
	return e.sessions
}

// Concepts returns the concept repository
func (e *Engine) Concepts() *recall.ConceptRepository {
	return e.concepts
}

// CacheStats reports the in-process score cache activity
func (e *Engine) CacheStats() cache.Stats {
	return e.scores.Stats()
}

// scoped returns the view of the store visible to agentID
func (e *Engine) scoped(agentID string) *isolation.ScopedStore {
	return isolation.NewScopedStore(e.store, e.isolation, agentID)
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return errors.NewInternalError("engine is closed")
	}
	return nil
}

// Retrieve ranks passages against the query with the hybrid retriever,
// serving repeated scores from the score cache. Passages the agent may not
// read are removed before scoring.
func (e *Engine) Retrieve(ctx context.Context, req RetrieveRequest) ([]types.RankedPassage, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Query) == "" {
		return []types.RankedPassage{}, nil
	}

	start := e.now()
	corpus := e.isolation.FilterPassages(req.Corpus, req.AgentID)
	hits := e.isolation.FilterHits(req.Hits, req.AgentID)

	if len(req.Corpus) == 0 {
		limit := req.Limit
		if limit <= 0 {
			limit = e.config.Retrieval.MaxResults
		}
		filter := types.MetadataFilter{}
		for k, v := range req.Filter {
			filter[k] = v
		}
		if req.UserID != "" {
			filter[types.MetaUserID] = req.UserID
		}

		found, err := e.scoped(req.AgentID).Query(ctx, req.Query, filter, limit)
		if err != nil {
			return nil, errors.NewQueryFailedError(req.Query, err)
		}
		corpus = make([]types.Passage, len(found))
		for i, h := range found {
			corpus[i] = types.Passage{
				ID:       h.ID,
				Version:  h.Metadata[types.MetaVersion],
				Text:     h.Text,
				Metadata: h.Metadata,
			}
		}
		hits = found
	}

	ranked := e.retriever.Retrieve(ctx, req.Query, corpus, hits)
	if req.Temporal {
		ranked = e.ranker.Rerank(ranked, e.now())
	}
	if req.Limit > 0 && len(ranked) > req.Limit {
		ranked = ranked[:req.Limit]
	}

	e.metrics.Timer("engine_retrieve_duration", float64(e.now().Sub(start).Milliseconds()), nil)
	return ranked, nil
}

// Extract runs the preference pipeline over messages without persisting.
// It fails only when no owner identifier is usable.
func (e *Engine) Extract(ctx context.Context, messages []types.ConversationMessage, owner types.OwnerIdentifiers, threadID string) ([]types.PreferenceRecord, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.pipeline.Extract(ctx, messages, owner, threadID)
}

// OnTurn handles one conversational turn: the message is stored, user
// messages are mined for preferences and checked for cross-thread recalls,
// and the thread's consolidation counter advances. Only an unusable owner
// fails the turn; every other failure is logged and counted.
func (e *Engine) OnTurn(ctx context.Context, turn Turn) (*TurnResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	owner, err := e.pipeline.ResolveOwner(turn.Owner)
	if err != nil {
		return nil, err
	}

	msg := turn.Message
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = turn.SessionID
	}
	if msg.ThreadID == "" {
		msg.ThreadID = turn.ThreadID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = e.now().UTC()
	}

	log := e.logger.WithFields(map[string]interface{}{
		"session_id": turn.SessionID,
		"thread_id":  turn.ThreadID,
		"agent_id":   turn.AgentID,
	})

	if err := e.sessions.AppendMessage(ctx, msg); err != nil {
		log.Warn("Failed to store turn", map[string]interface{}{"error": err.Error()})
		e.metrics.Counter("turn_failure", 1, map[string]string{"stage": "append"})
	}

	result := &TurnResult{
		Preferences: []types.PreferenceRecord{},
		Recalls:     []recall.Recall{},
	}

	if msg.Role == types.MessageRoleUser {
		var target interfaces.SemanticStore
		if e.config.Extraction.Persist {
			target = e.scoped(turn.AgentID)
		}
		records, err := e.pipeline.ExtractAndStoreFor(ctx, target, []types.ConversationMessage{msg}, owner, turn.ThreadID)
		if err != nil {
			if errors.IsIdentityError(err) {
				return nil, err
			}
			log.Warn("Preference extraction failed", map[string]interface{}{"error": err.Error()})
			e.metrics.Counter("turn_failure", 1, map[string]string{"stage": "extract"})
		}
		if records != nil {
			result.Preferences = records
		}

		detector, err := recall.NewDetector(e.scoped(turn.AgentID), e.concepts, e.recallConfig, log, e.metrics)
		if err != nil {
			return nil, err
		}
		detector.SetClock(e.now)
		recalls, err := detector.Detect(ctx, recall.Request{
			Text:     msg.Content,
			UserID:   owner.ID,
			AgentID:  turn.AgentID,
			ThreadID: turn.ThreadID,
			Explicit: turn.Explicit,
		})
		if err != nil {
			log.Warn("Concept recall failed", map[string]interface{}{"error": err.Error()})
			e.metrics.Counter("turn_failure", 1, map[string]string{"stage": "recall"})
		} else {
			result.Recalls = recalls
		}
	}

	result.Consolidation = e.consolidator.CheckAndConsolidate(ctx, consolidation.Request{
		SessionID: turn.SessionID,
		ThreadID:  turn.ThreadID,
		Owner:     turn.Owner,
		AgentID:   turn.AgentID,
	})
	return result, nil
}

// ArchiveThread folds a whole finished thread into its summary and the
// concept repository and marks it consolidated
func (e *Engine) ArchiveThread(ctx context.Context, req ArchiveRequest) (types.ConsolidationResult, error) {
	if err := e.checkOpen(); err != nil {
		return types.ConsolidationResult{}, err
	}
	if _, err := e.pipeline.ResolveOwner(req.Owner); err != nil {
		return types.ConsolidationResult{Status: types.ConsolidationIdentityFail, Error: err.Error()}, err
	}
	return e.consolidator.ArchiveThread(ctx, consolidation.Request{
		SessionID: req.SessionID,
		ThreadID:  req.ThreadID,
		Owner:     req.Owner,
		AgentID:   req.AgentID,
	}), nil
}

// RemindPendingIntent records that the user was reminded of a stored
// intent. Once the reminder limit is reached the intent is deleted from the
// store, its cached scores are dropped and purged is true.
func (e *Engine) RemindPendingIntent(ctx context.Context, recordID string) (count int64, purged bool, err error) {
	if err := e.checkOpen(); err != nil {
		return 0, false, err
	}
	count, purge, err := e.reminders.Remind(ctx, recordID)
	if err != nil || !purge {
		return count, false, err
	}

	if err := e.store.Delete(ctx, []string{recordID}); err != nil {
		return count, false, errors.NewStoreError("failed to purge intent", err).WithDetail("record_id", recordID)
	}
	e.tiered.Invalidate(ctx, recordID)
	if err := e.reminders.Acknowledge(ctx, recordID); err != nil {
		e.logger.Warn("Failed to reset reminder count", map[string]interface{}{
			"record_id": recordID,
			"error":     err.Error(),
		})
	}
	e.logger.Info("Purged pending intent", map[string]interface{}{"record_id": recordID, "reminders": count})
	return count, true, nil
}

// SweepCache drops expired score cache entries and returns how many were removed
func (e *Engine) SweepCache() int {
	removed := e.scores.Sweep()
	e.metrics.Gauge("score_cache_size", float64(e.scores.Len()), nil)
	return removed
}

// DecayConcepts applies vitality decay to every stored concept
func (e *Engine) DecayConcepts(ctx context.Context) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.concepts.DecayAll(ctx, e.now(), e.config.Recall.VitalityHalfLife)
}

// Close releases every collaborator the engine holds
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.closeAll()
	e.logger.Info("Engine closed")
	return err
}

func (e *Engine) closeAll() error {
	errs := errors.NewErrorList()
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs.Add(errors.NewInternalErrorWithCause("failed to close component", err))
		}
	}
	e.closers = nil
	return errs.ToError()
}
