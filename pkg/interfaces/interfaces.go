// Package interfaces defines the collaborator contracts of the hybridmem engine
package interfaces

import (
	"context"
	"time"

	"github.com/memtensor/hybridmem/pkg/types"
)

// Classifier turns a prompt into a structured record matching schema.
// Implementations must be free of side effects; callers treat any error
// or malformed payload as a classification failure.
type Classifier interface {
	Classify(ctx context.Context, prompt string, schema types.OutputSchema) (map[string]interface{}, error)
}

// Summarizer condenses a window of conversation messages
type Summarizer interface {
	Summarize(ctx context.Context, messages []types.ConversationMessage) (*types.ThreadDigest, error)
}

// Embedder defines the interface for embedding implementations
type Embedder interface {
	// Embed generates embeddings for text
	Embed(ctx context.Context, text string) (types.EmbeddingVector, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([]types.EmbeddingVector, error)

	// GetDimension returns the embedding dimension
	GetDimension() int

	// Close closes the embedder
	Close() error
}

// SemanticStore owns the durable long-term store. Metadata values are scalar strings.
type SemanticStore interface {
	// Query returns up to limit documents closest to text that match filter
	Query(ctx context.Context, text string, filter types.MetadataFilter, limit int) ([]types.SearchHit, error)

	// Get returns every document matching filter
	Get(ctx context.Context, filter types.MetadataFilter) (*types.GetResult, error)

	// Upsert inserts or replaces documents by id
	Upsert(ctx context.Context, docs []types.StoredDocument) error

	// Delete removes documents by id
	Delete(ctx context.Context, ids []string) error

	// Close releases the store
	Close() error
}

// SessionStore exposes short-term thread state
type SessionStore interface {
	// GetThreadSummary returns the stored summary or nil when none exists
	GetThreadSummary(ctx context.Context, sessionID, threadID string) (*types.ThreadSummary, error)

	// SaveThreadSummary creates or replaces the summary of a thread
	SaveThreadSummary(ctx context.Context, summary *types.ThreadSummary) error

	// AppendMessage stores a conversation turn
	AppendMessage(ctx context.Context, msg types.ConversationMessage) error

	// ListThreadMessages returns messages oldest first. limit <= 0 returns all,
	// otherwise the most recent limit messages.
	ListThreadMessages(ctx context.Context, sessionID, threadID string, limit int) ([]types.ConversationMessage, error)

	// MarkThreadConsolidated records the durable consolidated-at marker
	MarkThreadConsolidated(ctx context.Context, sessionID, threadID string, at time.Time) error

	// IsThreadConsolidated reports whether the consolidated-at marker is set
	IsThreadConsolidated(ctx context.Context, sessionID, threadID string) (bool, error)

	// Close releases the store
	Close() error
}

// ScoreStore is a shared second-tier score cache
type ScoreStore interface {
	GetScore(ctx context.Context, key string) (float64, bool, error)
	SetScore(ctx context.Context, key, candidateID string, score float64, ttl time.Duration) error
	DeleteCandidate(ctx context.Context, candidateID string) error
	Clear(ctx context.Context) error
}

// CounterStore holds integer counters keyed by string
type CounterStore interface {
	// Increment adds one and returns the new value
	Increment(ctx context.Context, key string) (int64, error)

	// Get returns the current value, zero when absent
	Get(ctx context.Context, key string) (int64, error)

	// Subtract removes n, never going below zero, and returns the new value
	Subtract(ctx context.Context, key string, n int64) (int64, error)
}

// Logger defines the interface for logging implementations
type Logger interface {
	// Debug logs debug level messages
	Debug(msg string, fields ...map[string]interface{})

	// Info logs info level messages
	Info(msg string, fields ...map[string]interface{})

	// Warn logs warning level messages
	Warn(msg string, fields ...map[string]interface{})

	// Error logs error level messages
	Error(msg string, err error, fields ...map[string]interface{})

	// Fatal logs fatal level messages and exits
	Fatal(msg string, err error, fields ...map[string]interface{})

	// WithFields returns a logger with additional fields
	WithFields(fields map[string]interface{}) Logger
}

// Metrics defines the interface for metrics collection
type Metrics interface {
	// Counter increments a counter metric
	Counter(name string, value float64, labels map[string]string)

	// Gauge sets a gauge metric
	Gauge(name string, value float64, labels map[string]string)

	// Histogram records a histogram metric
	Histogram(name string, value float64, labels map[string]string)

	// Timer records timing metrics
	Timer(name string, duration float64, labels map[string]string)
}
