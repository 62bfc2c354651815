package isolation

import (
	"context"

	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/types"
)

// overfetch widens store queries so filtering still fills the limit
const overfetch = 3

// ScopedStore is the view of a semantic store seen by one agent. Every read
// passes through the isolation filter; writes are tagged with the agent.
type ScopedStore struct {
	store   interfaces.SemanticStore
	filter  *Filter
	agentID string
}

// NewScopedStore wraps store for agentID
func NewScopedStore(store interfaces.SemanticStore, filter *Filter, agentID string) *ScopedStore {
	return &ScopedStore{store: store, filter: filter, agentID: agentID}
}

// AgentID returns the agent the view belongs to
func (s *ScopedStore) AgentID() string {
	return s.agentID
}

// Query returns up to limit visible documents closest to text
func (s *ScopedStore) Query(ctx context.Context, text string, filter types.MetadataFilter, limit int) ([]types.SearchHit, error) {
	if limit <= 0 {
		return []types.SearchHit{}, nil
	}
	hits, err := s.store.Query(ctx, text, filter, limit*overfetch)
	if err != nil {
		return nil, err
	}
	visible := s.filter.FilterHits(hits, s.agentID)
	if len(visible) > limit {
		visible = visible[:limit]
	}
	return visible, nil
}

// Get returns every visible document matching filter
func (s *ScopedStore) Get(ctx context.Context, filter types.MetadataFilter) (*types.GetResult, error) {
	res, err := s.store.Get(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.filter.FilterResult(res, s.agentID), nil
}

// Upsert writes docs, tagging untagged ones with the view's agent
func (s *ScopedStore) Upsert(ctx context.Context, docs []types.StoredDocument) error {
	if s.agentID == "" {
		return s.store.Upsert(ctx, docs)
	}
	tagged := make([]types.StoredDocument, len(docs))
	for i, d := range docs {
		meta := make(map[string]string, len(d.Metadata)+1)
		for k, v := range d.Metadata {
			meta[k] = v
		}
		if meta[types.MetaAgentID] == "" {
			meta[types.MetaAgentID] = s.agentID
		}
		tagged[i] = types.StoredDocument{ID: d.ID, Text: d.Text, Metadata: meta}
	}
	return s.store.Upsert(ctx, tagged)
}

// Delete removes documents by id
func (s *ScopedStore) Delete(ctx context.Context, ids []string) error {
	return s.store.Delete(ctx, ids)
}

// Close is a no-op; the underlying store is owned by its creator
func (s *ScopedStore) Close() error {
	return nil
}

var _ interfaces.SemanticStore = (*ScopedStore)(nil)
