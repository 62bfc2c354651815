package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/types"
)

type threadKey struct {
	sessionID string
	threadID  string
}

// MemoryStore keeps thread state in process. Safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	summaries map[threadKey]*types.ThreadSummary
	messages  map[threadKey][]types.ConversationMessage
}

// NewMemoryStore creates an empty in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		summaries: make(map[threadKey]*types.ThreadSummary),
		messages:  make(map[threadKey][]types.ConversationMessage),
	}
}

// GetThreadSummary returns a copy of the stored summary or nil
func (s *MemoryStore) GetThreadSummary(ctx context.Context, sessionID, threadID string) (*types.ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[threadKey{sessionID, threadID}]
	if !ok {
		return nil, nil
	}
	return copySummary(sum), nil
}

// SaveThreadSummary creates or replaces the summary of a thread. An existing
// consolidated-at marker is kept.
func (s *MemoryStore) SaveThreadSummary(ctx context.Context, summary *types.ThreadSummary) error {
	if summary == nil || summary.SessionID == "" || summary.ThreadID == "" {
		return errors.NewInvalidInputError("thread summary requires session and thread ids")
	}
	stored := copySummary(summary)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := threadKey{summary.SessionID, summary.ThreadID}
	if prev, ok := s.summaries[key]; ok && prev.ConsolidatedAt != nil {
		stored.ConsolidatedAt = prev.ConsolidatedAt
	}
	s.summaries[key] = stored
	return nil
}

// AppendMessage stores a conversation turn
func (s *MemoryStore) AppendMessage(ctx context.Context, msg types.ConversationMessage) error {
	if msg.SessionID == "" || msg.ThreadID == "" {
		return errors.NewInvalidInputError("message requires session and thread ids")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := threadKey{msg.SessionID, msg.ThreadID}
	s.messages[key] = append(s.messages[key], msg)
	return nil
}

// ListThreadMessages returns messages oldest first. limit <= 0 returns all,
// otherwise the most recent limit messages.
func (s *MemoryStore) ListThreadMessages(ctx context.Context, sessionID, threadID string, limit int) ([]types.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[threadKey{sessionID, threadID}]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]types.ConversationMessage{}, msgs...), nil
}

// MarkThreadConsolidated records the durable consolidated-at marker
func (s *MemoryStore) MarkThreadConsolidated(ctx context.Context, sessionID, threadID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := threadKey{sessionID, threadID}
	sum, ok := s.summaries[key]
	if !ok {
		sum = &types.ThreadSummary{
			SessionID: sessionID,
			ThreadID:  threadID,
			Concepts:  []string{},
			Entities:  []string{},
			UpdatedAt: at,
		}
		s.summaries[key] = sum
	}
	marker := at
	sum.ConsolidatedAt = &marker
	return nil
}

// IsThreadConsolidated reports whether the consolidated-at marker is set
func (s *MemoryStore) IsThreadConsolidated(ctx context.Context, sessionID, threadID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[threadKey{sessionID, threadID}]
	return ok && sum.ConsolidatedAt != nil, nil
}

// Close releases the store
func (s *MemoryStore) Close() error {
	return nil
}

func copySummary(in *types.ThreadSummary) *types.ThreadSummary {
	out := *in
	out.Concepts = append([]string{}, in.Concepts...)
	out.Entities = append([]string{}, in.Entities...)
	if in.ConsolidatedAt != nil {
		at := *in.ConsolidatedAt
		out.ConsolidatedAt = &at
	}
	return &out
}

// New creates the session store selected by cfg.Backend
func New(cfg config.SessionConfig, log interfaces.Logger) (interfaces.SessionStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLStore(cfg.Path, log)
	default:
		return nil, errors.NewConfigInvalidError("unsupported session backend").
			WithDetail("backend", cfg.Backend)
	}
}
