package vectordb

import (
	"context"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/types"
)

// ChromemStore is a SemanticStore on top of the embedded chromem-go database.
// An empty path keeps everything in memory, otherwise documents persist to
// disk. Distances are 1 - cosine similarity.
type ChromemStore struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	embedder   interfaces.Embedder
	logger     interfaces.Logger
}

// NewChromemStore opens or creates the configured collection
func NewChromemStore(cfg config.ChromemConfig, embedder interfaces.Embedder, log interfaces.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, errors.NewConfigInvalidError("chromem store requires an embedder")
	}
	if cfg.Collection == "" {
		return nil, errors.NewConfigInvalidError("chromem collection name is required")
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, errors.NewConnectionFailedError(cfg.Path, err)
		}
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, EmbeddingFunc(embedder))
	if err != nil {
		return nil, errors.NewStoreError("failed to open collection", err).WithDetail("collection", cfg.Collection)
	}

	l := logger.OrNop(log)
	l.Info("Chromem store ready", map[string]interface{}{
		"collection": cfg.Collection,
		"persistent": cfg.Path != "",
		"documents":  collection.Count(),
	})

	return &ChromemStore{
		db:         db,
		collection: collection,
		embedder:   embedder,
		logger:     l,
	}, nil
}

// EmbeddingFunc adapts an Embedder to the chromem embedding callback
func EmbeddingFunc(embedder interfaces.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		return []float32(vec), nil
	}
}

// Query returns up to limit documents closest to text that match filter
func (s *ChromemStore) Query(ctx context.Context, text string, filter types.MetadataFilter, limit int) ([]types.SearchHit, error) {
	if limit <= 0 || text == "" {
		return []types.SearchHit{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// chromem rejects nResults above the collection size
	if count := s.collection.Count(); count == 0 {
		return []types.SearchHit{}, nil
	} else if limit > count {
		limit = count
	}

	results, err := s.collection.Query(ctx, text, limit, whereClause(filter), nil)
	if err != nil {
		return nil, errors.NewQueryFailedError(text, err)
	}

	hits := make([]types.SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, types.SearchHit{
			ID:       r.ID,
			Text:     r.Content,
			Metadata: cloneMetadata(r.Metadata),
			Distance: 1 - float64(r.Similarity),
		})
	}
	return hits, nil
}

// Get returns every document matching filter ordered by id
func (s *ChromemStore) Get(ctx context.Context, filter types.MetadataFilter) (*types.GetResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := &types.GetResult{IDs: []string{}, Documents: []string{}, Metadatas: []map[string]string{}}
	count := s.collection.Count()
	if count == 0 {
		return result, nil
	}

	// chromem has no listing call, so run an exhaustive query with a probe
	// vector; the filter does the selection and the ranking is discarded
	results, err := s.collection.QueryEmbedding(ctx, probeVector(s.embedder.GetDimension()), count, whereClause(filter), nil)
	if err != nil {
		return nil, errors.NewStoreError("failed to list documents", err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	for _, r := range results {
		result.Append(r.ID, r.Content, cloneMetadata(r.Metadata))
	}
	return result, nil
}

// Upsert inserts or replaces documents by id
func (s *ChromemStore) Upsert(ctx context.Context, docs []types.StoredDocument) error {
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
		doc := chromem.Document{
			ID:        d.ID,
			Metadata:  cloneMetadata(d.Metadata),
			Embedding: []float32(vectors[i]),
			Content:   d.Text,
		}
		if err := s.collection.AddDocument(ctx, doc); err != nil {
			return errors.NewStoreError("failed to add document", err).WithDetail("id", d.ID)
		}
	}

	s.logger.Debug("Upserted documents", map[string]interface{}{"count": len(docs)})
	return nil
}

// Delete removes documents by id
func (s *ChromemStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return errors.NewStoreError("failed to delete documents", err)
	}
	return nil
}

// Count returns the number of stored documents
func (s *ChromemStore) Count() int {
	return s.collection.Count()
}

// Close releases the store
func (s *ChromemStore) Close() error {
	return nil
}

func whereClause(filter types.MetadataFilter) map[string]string {
	if len(filter) == 0 {
		return nil
	}
	return map[string]string(filter)
}

func probeVector(dimension int) []float32 {
	if dimension <= 0 {
		dimension = 1
	}
	vec := make([]float32, dimension)
	vec[0] = 1
	return vec
}
