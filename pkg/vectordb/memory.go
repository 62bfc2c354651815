package vectordb

import (
	"context"
	"sort"
	"sync"

	"github.com/memtensor/hybridmem/pkg/embedders"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/types"
)

type memoryDoc struct {
	text     string
	meta     map[string]string
	vector   types.EmbeddingVector
	sequence int
}

// MemoryStore is a process-local SemanticStore with exhaustive cosine search.
// Distances are 1 - cosine similarity.
type MemoryStore struct {
	mu       sync.RWMutex
	embedder interfaces.Embedder
	docs     map[string]*memoryDoc
	sequence int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(embedder interfaces.Embedder) (*MemoryStore, error) {
	if embedder == nil {
		return nil, errors.NewConfigInvalidError("memory store requires an embedder")
	}
	return &MemoryStore{embedder: embedder, docs: make(map[string]*memoryDoc)}, nil
}

// Query returns up to limit documents closest to text that match filter
func (s *MemoryStore) Query(ctx context.Context, text string, filter types.MetadataFilter, limit int) ([]types.SearchHit, error) {
	if limit <= 0 {
		return []types.SearchHit{}, nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, errors.NewStoreError("failed to embed query", err)
	}

	s.mu.RLock()
	hits := make([]types.SearchHit, 0, len(s.docs))
	for id, doc := range s.docs {
		if !MatchesFilter(doc.meta, filter) {
			continue
		}
		sim := embedders.CosineSimilarity(vec, doc.vector)
		hits = append(hits, types.SearchHit{
			ID:       id,
			Text:     doc.text,
			Metadata: cloneMetadata(doc.meta),
			Distance: 1 - float64(sim),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Get returns every document matching filter in insertion order
func (s *MemoryStore) Get(ctx context.Context, filter types.MetadataFilter) (*types.GetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	type row struct {
		id  string
		doc *memoryDoc
	}
	rows := make([]row, 0, len(s.docs))
	for id, doc := range s.docs {
		if MatchesFilter(doc.meta, filter) {
			rows = append(rows, row{id: id, doc: doc})
		}
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].doc.sequence < rows[j].doc.sequence })
	result := &types.GetResult{IDs: []string{}, Documents: []string{}, Metadatas: []map[string]string{}}
	for _, r := range rows {
		result.Append(r.id, r.doc.text, cloneMetadata(r.doc.meta))
	}
	return result, nil
}

// Upsert inserts or replaces documents by id. A replaced document keeps its
// original insertion position.
func (s *MemoryStore) Upsert(ctx context.Context, docs []types.StoredDocument) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			return errors.NewInvalidInputError("document id is empty").WithDetail("index", i)
		}
		texts[i] = d.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return errors.NewStoreError("failed to embed documents", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range docs {
		seq := s.sequence
		if existing, ok := s.docs[d.ID]; ok {
			seq = existing.sequence
		} else {
			s.sequence++
		}
		s.docs[d.ID] = &memoryDoc{
			text:     d.Text,
			meta:     cloneMetadata(d.Metadata),
			vector:   vectors[i],
			sequence: seq,
		}
	}
	return nil
}

// Delete removes documents by id. Unknown ids are ignored.
func (s *MemoryStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.docs, id)
	}
	return nil
}

// Len returns the number of stored documents
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Close releases the store
func (s *MemoryStore) Close() error {
	return nil
}
