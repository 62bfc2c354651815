package vectordb

import (
	"context"
	"strings"
	"time"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/metrics"
	"github.com/memtensor/hybridmem/pkg/types"
)

// New creates the semantic store selected by cfg.Backend
func New(ctx context.Context, cfg config.StoreConfig, embedder interfaces.Embedder, log interfaces.Logger) (interfaces.SemanticStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "chromem":
		return NewChromemStore(cfg.Chromem, embedder, log)
	case "qdrant":
		return NewQdrantStore(ctx, cfg.Qdrant, embedder, log)
	case "memory":
		return NewMemoryStore(embedder)
	default:
		return nil, errors.NewConfigInvalidError("unsupported store backend").
			WithDetail("backend", cfg.Backend)
	}
}

// InstrumentedStore records latency and failures of every store operation
type InstrumentedStore struct {
	inner   interfaces.SemanticStore
	metrics interfaces.Metrics
	backend string
}

// NewInstrumentedStore wraps store with operation metrics
func NewInstrumentedStore(store interfaces.SemanticStore, backend string, m interfaces.Metrics) *InstrumentedStore {
	return &InstrumentedStore{inner: store, metrics: metrics.OrNoOp(m), backend: backend}
}

func (s *InstrumentedStore) record(op string, start time.Time, err error) {
	labels := map[string]string{"backend": s.backend, "operation": op}
	s.metrics.Timer("store_operation_duration_ms", float64(time.Since(start).Milliseconds()), labels)
	if err != nil {
		s.metrics.Counter("store_operation_errors", 1, labels)
	}
}

// Query delegates to the wrapped store
func (s *InstrumentedStore) Query(ctx context.Context, text string, filter types.MetadataFilter, limit int) ([]types.SearchHit, error) {
	start := time.Now()
	hits, err := s.inner.Query(ctx, text, filter, limit)
	s.record("query", start, err)
	return hits, err
}

// Get delegates to the wrapped store
func (s *InstrumentedStore) Get(ctx context.Context, filter types.MetadataFilter) (*types.GetResult, error) {
	start := time.Now()
	res, err := s.inner.Get(ctx, filter)
	s.record("get", start, err)
	return res, err
}

// Upsert delegates to the wrapped store
func (s *InstrumentedStore) Upsert(ctx context.Context, docs []types.StoredDocument) error {
	start := time.Now()
	err := s.inner.Upsert(ctx, docs)
	s.record("upsert", start, err)
	return err
}

// Delete delegates to the wrapped store
func (s *InstrumentedStore) Delete(ctx context.Context, ids []string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, ids)
	s.record("delete", start, err)
	return err
}

// Close closes the wrapped store
func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
