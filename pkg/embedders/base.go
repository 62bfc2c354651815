// Package embedders provides embedding implementations for hybridmem
package embedders

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/memtensor/hybridmem/pkg/types"
)

// BaseEmbedder provides common functionality for all embedder implementations
type BaseEmbedder struct {
	modelName string
	dimension int
	maxLength int
	timeout   time.Duration
}

// NewBaseEmbedder creates a new base embedder instance
func NewBaseEmbedder(modelName string, dimension int) *BaseEmbedder {
	return &BaseEmbedder{
		modelName: modelName,
		dimension: dimension,
		maxLength: 512,
		timeout:   30 * time.Second,
	}
}

// GetDimension returns the embedding dimension
func (b *BaseEmbedder) GetDimension() int {
	return b.dimension
}

// GetModelName returns the model name
func (b *BaseEmbedder) GetModelName() string {
	return b.modelName
}

// SetMaxLength sets the maximum input length in tokens
func (b *BaseEmbedder) SetMaxLength(tokens int) {
	if tokens > 0 {
		b.maxLength = tokens
	}
}

// GetTimeout returns the request timeout
func (b *BaseEmbedder) GetTimeout() time.Duration {
	return b.timeout
}

// SetTimeout sets the request timeout
func (b *BaseEmbedder) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		b.timeout = timeout
	}
}

// PreprocessText collapses whitespace and truncates to roughly maxLength tokens
func (b *BaseEmbedder) PreprocessText(text string) string {
	text = strings.Join(strings.Fields(text), " ")

	// ~4 chars per token
	if limit := b.maxLength * 4; len(text) > limit {
		text = text[:limit]
		if lastSpace := strings.LastIndex(text, " "); lastSpace > b.maxLength*3 {
			text = text[:lastSpace]
		}
	}
	return text
}

// NormalizeVector normalizes an embedding vector to unit length
func (b *BaseEmbedder) NormalizeVector(vector types.EmbeddingVector) types.EmbeddingVector {
	return normalize(vector)
}

func normalize(vector types.EmbeddingVector) types.EmbeddingVector {
	var norm float64
	for _, val := range vector {
		norm += float64(val) * float64(val)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector
	}

	normalized := make(types.EmbeddingVector, len(vector))
	for i, val := range vector {
		normalized[i] = float32(float64(val) / norm)
	}
	return normalized
}

// CosineSimilarity calculates cosine similarity between two vectors
func CosineSimilarity(a, b types.EmbeddingVector) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// ValidateVector validates an embedding vector
func (b *BaseEmbedder) ValidateVector(vector types.EmbeddingVector) error {
	if len(vector) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if b.dimension > 0 && len(vector) != b.dimension {
		return fmt.Errorf("embedding dimension mismatch: expected %d, got %d", b.dimension, len(vector))
	}
	for i, val := range vector {
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return fmt.Errorf("invalid value at index %d: %f", i, val)
		}
	}
	return nil
}

// Close provides the default close implementation
func (b *BaseEmbedder) Close() error {
	return nil
}
