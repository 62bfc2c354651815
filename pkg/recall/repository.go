// Package recall detects when a conversation returns to a concept consolidated
// from another thread, and keeps concept entries in the semantic store
package recall

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/types"
	"github.com/memtensor/hybridmem/pkg/vectordb"
)

const (
	// InitialVitality is the vitality of a freshly created concept
	InitialVitality = 1.0
	// MinVitality is the floor decay never goes below
	MinVitality = 0.05
)

// ConceptToDocument renders a concept as a semantic store document (kind=concept)
func ConceptToDocument(c types.ConceptEntry) types.StoredDocument {
	meta := vectordb.FlattenMetadata(map[string]interface{}{
		types.MetaKind:           types.KindConcept,
		types.MetaID:             c.ID,
		types.MetaConceptText:    c.ConceptText,
		types.MetaUserID:         c.UserID,
		types.MetaFirstMentioned: c.FirstMentionedAt,
		types.MetaLastMentioned:  c.LastMentionedAt,
		types.MetaCreatedAt:      c.FirstMentionedAt,
		types.MetaMentionCount:   c.MentionCount,
		types.MetaVitality:       c.Vitality,
		types.MetaVitalityAt:     c.VitalityAt,
		types.MetaThreadIDs:      vectordb.EncodeList(c.ThreadIDs),
	})
	if c.AgentID != "" {
		meta[types.MetaAgentID] = c.AgentID
	}
	return types.StoredDocument{ID: c.ID, Text: c.ConceptText, Metadata: meta}
}

// ConceptFromDocument rebuilds a concept from a stored document
func ConceptFromDocument(id, text string, meta map[string]string) (types.ConceptEntry, error) {
	if meta[types.MetaKind] != types.KindConcept {
		return types.ConceptEntry{}, errors.NewInvalidInputError("document is not a concept").
			WithDetail("id", id)
	}
	conceptText := meta[types.MetaConceptText]
	if conceptText == "" {
		conceptText = text
	}
	count, _ := strconv.Atoi(meta[types.MetaMentionCount])
	vitality, err := strconv.ParseFloat(meta[types.MetaVitality], 64)
	if err != nil {
		vitality = InitialVitality
	}

	return types.ConceptEntry{
		ID:               id,
		ConceptText:      conceptText,
		UserID:           meta[types.MetaUserID],
		AgentID:          meta[types.MetaAgentID],
		FirstMentionedAt: parseTime(meta[types.MetaFirstMentioned]),
		LastMentionedAt:  parseTime(meta[types.MetaLastMentioned]),
		MentionCount:     count,
		Vitality:         vitality,
		VitalityAt:       parseTime(meta[types.MetaVitalityAt]),
		ThreadIDs:        vectordb.ExpandList(meta[types.MetaThreadIDs]),
	}, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DecayVitality returns the vitality of entry at now. Vitality halves every
// halfLife since it was last boosted or decayed and never drops below
// MinVitality. Decay is memoryless, so applying it repeatedly with VitalityAt
// advanced each time gives the same result as applying it once.
func DecayVitality(entry types.ConceptEntry, now time.Time, halfLife time.Duration) float64 {
	ref := entry.VitalityAt
	if entry.LastMentionedAt.After(ref) {
		ref = entry.LastMentionedAt
	}
	if ref.IsZero() || halfLife <= 0 || !now.After(ref) {
		return math.Max(entry.Vitality, MinVitality)
	}
	elapsed := now.Sub(ref).Seconds() / halfLife.Seconds()
	return math.Max(MinVitality, entry.Vitality*math.Pow(0.5, elapsed))
}

// Mention is one observation of a concept in a thread
type Mention struct {
	UserID      string
	AgentID     string
	ConceptText string
	ThreadID    string
	At          time.Time
}

// idLock is a mutex shared by the callers currently working on one id
type idLock struct {
	mu   sync.Mutex
	refs int
}

// idLocks hands out one mutex per id, created on first use and dropped when
// its last holder unlocks. Distinct ids never contend.
type idLocks struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

func (l *idLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*idLock)
	}
	k, ok := l.locks[id]
	if !ok {
		k = &idLock{}
		l.locks[id] = k
	}
	k.refs++
	l.mu.Unlock()

	k.mu.Lock()
	return func() {
		k.mu.Unlock()
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *idLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// ConceptRepository maps concept entries onto the semantic store. The
// read-modify-write of one concept is serialized by a lock on its id.
type ConceptRepository struct {
	store  interfaces.SemanticStore
	locks  idLocks
	logger interfaces.Logger
}

// NewConceptRepository creates a repository over store
func NewConceptRepository(store interfaces.SemanticStore, log interfaces.Logger) (*ConceptRepository, error) {
	if store == nil {
		return nil, errors.NewConfigInvalidError("concept repository requires a semantic store")
	}
	return &ConceptRepository{store: store, logger: logger.OrNop(log)}, nil
}

func (r *ConceptRepository) lock(id string) func() {
	return r.locks.lock(id)
}

// Get returns the concept with id, or nil when absent
func (r *ConceptRepository) Get(ctx context.Context, id string) (*types.ConceptEntry, error) {
	res, err := r.store.Get(ctx, types.MetadataFilter{
		types.MetaKind: types.KindConcept,
		types.MetaID:   id,
	})
	if err != nil {
		return nil, errors.NewStoreError("failed to load concept", err).WithDetail("id", id)
	}
	for i := 0; i < res.Len(); i++ {
		if res.IDs[i] != id {
			continue
		}
		entry, err := ConceptFromDocument(res.IDs[i], res.Documents[i], res.Metadatas[i])
		if err != nil {
			return nil, err
		}
		return &entry, nil
	}
	return nil, nil
}

// List returns every concept matching filter
func (r *ConceptRepository) List(ctx context.Context, filter types.MetadataFilter) ([]types.ConceptEntry, error) {
	f := types.MetadataFilter{types.MetaKind: types.KindConcept}
	for k, v := range filter {
		f[k] = v
	}
	res, err := r.store.Get(ctx, f)
	if err != nil {
		return nil, errors.NewStoreError("failed to list concepts", err)
	}
	out := make([]types.ConceptEntry, 0, res.Len())
	for i := 0; i < res.Len(); i++ {
		entry, err := ConceptFromDocument(res.IDs[i], res.Documents[i], res.Metadatas[i])
		if err != nil {
			r.logger.Warn("Skipping malformed concept document", map[string]interface{}{"id": res.IDs[i]})
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Save upserts entries as they are
func (r *ConceptRepository) Save(ctx context.Context, entries ...types.ConceptEntry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]types.StoredDocument, len(entries))
	for i, e := range entries {
		docs[i] = ConceptToDocument(e)
	}
	if err := r.store.Upsert(ctx, docs); err != nil {
		return errors.NewStoreError("failed to save concepts", err).WithDetail("count", len(docs))
	}
	return nil
}

// Observe records that a concept was discussed in a thread. A new concept
// is created with one mention; an existing one gains a mention only when the
// thread is new to it, so replaying the same observation changes nothing.
func (r *ConceptRepository) Observe(ctx context.Context, m Mention) (entry types.ConceptEntry, created bool, err error) {
	text := strings.TrimSpace(m.ConceptText)
	if text == "" || m.UserID == "" {
		return types.ConceptEntry{}, false, errors.NewInvalidInputError("concept mention requires text and user")
	}
	id := types.ConceptID(m.UserID, m.AgentID, text)
	defer r.lock(id)()

	existing, err := r.Get(ctx, id)
	if err != nil {
		return types.ConceptEntry{}, false, err
	}
	if existing == nil {
		entry = types.ConceptEntry{
			ID:               id,
			ConceptText:      text,
			UserID:           m.UserID,
			AgentID:          m.AgentID,
			FirstMentionedAt: m.At,
			LastMentionedAt:  m.At,
			MentionCount:     1,
			Vitality:         InitialVitality,
			VitalityAt:       m.At,
			ThreadIDs:        []string{},
		}
		entry.AddThread(m.ThreadID)
		return entry, true, r.Save(ctx, entry)
	}

	entry = *existing
	if !entry.AddThread(m.ThreadID) {
		return entry, false, nil
	}
	entry.MentionCount++
	if m.At.After(entry.LastMentionedAt) {
		entry.LastMentionedAt = m.At
	}
	return entry, false, r.Save(ctx, entry)
}

// Boost describes how a recall raises vitality
type Boost struct {
	// Amount is added to the decayed vitality, capped at 1
	Amount float64
	// HalfLife decays the stored vitality up to the recall first
	HalfLife time.Duration
}

// Recall applies a cross-thread recall to the concept with id: one more
// mention, the thread joins the thread set, last mention moves to at and
// vitality is boosted. ok is false when the concept is gone or already
// knows the thread.
func (r *ConceptRepository) Recall(ctx context.Context, id, threadID string, at time.Time, boost Boost) (entry types.ConceptEntry, ok bool, err error) {
	defer r.lock(id)()

	existing, err := r.Get(ctx, id)
	if err != nil || existing == nil {
		return types.ConceptEntry{}, false, err
	}
	entry = *existing
	if !entry.AddThread(threadID) {
		return entry, false, nil
	}
	entry.Vitality = math.Min(1, DecayVitality(*existing, at, boost.HalfLife)+boost.Amount)
	entry.VitalityAt = at
	entry.MentionCount++
	entry.LastMentionedAt = at
	if err := r.Save(ctx, entry); err != nil {
		return types.ConceptEntry{}, false, err
	}
	return entry, true, nil
}

// DecayAll applies vitality decay to every concept and persists the changed
// ones. It returns the number of concepts updated.
func (r *ConceptRepository) DecayAll(ctx context.Context, now time.Time, halfLife time.Duration) (int, error) {
	entries, err := r.List(ctx, nil)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, e := range entries {
		changed, err := r.decayOne(ctx, e.ID, now, halfLife)
		if err != nil {
			return updated, err
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

func (r *ConceptRepository) decayOne(ctx context.Context, id string, now time.Time, halfLife time.Duration) (bool, error) {
	defer r.lock(id)()

	cur, err := r.Get(ctx, id)
	if err != nil || cur == nil {
		return false, err
	}
	v := DecayVitality(*cur, now, halfLife)
	if v == cur.Vitality {
		return false, nil
	}
	cur.Vitality = v
	cur.VitalityAt = now
	return true, r.Save(ctx, *cur)
}
