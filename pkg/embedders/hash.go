package embedders

import (
	"context"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/retrieval"
	"github.com/memtensor/hybridmem/pkg/types"
)

// HashEmbedder produces deterministic bag-of-words embeddings with the
// hashing trick. Unigrams and adjacent bigrams are hashed into a fixed number
// of signed buckets and the result is normalized to unit length. It needs no
// model and suits tests and offline use.
type HashEmbedder struct {
	*BaseEmbedder
}

// NewHashEmbedder creates a hashing embedder of the given dimension
func NewHashEmbedder(dimension int) (*HashEmbedder, error) {
	if dimension <= 0 {
		return nil, errors.NewConfigInvalidError("embedding dimension must be positive").
			WithDetail("dimension", dimension)
	}
	return &HashEmbedder{BaseEmbedder: NewBaseEmbedder("hash", dimension)}, nil
}

// Embed generates the embedding of text
func (h *HashEmbedder) Embed(ctx context.Context, text string) (types.EmbeddingVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text = h.PreprocessText(text)
	if text == "" {
		return nil, errors.NewInvalidInputError("empty text")
	}

	vec := make(types.EmbeddingVector, h.dimension)
	tokens := retrieval.Tokenize(text)
	if len(tokens) == 0 {
		tokens = []string{strings.ToLower(text)}
	}
	for i, tok := range tokens {
		h.add(vec, tok, 1)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	return h.NormalizeVector(vec), nil
}

func (h *HashEmbedder) add(vec types.EmbeddingVector, feature string, weight float32) {
	sum := xxhash.Sum64String(feature)
	idx := int(sum % uint64(len(vec)))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

// EmbedBatch generates embeddings for multiple texts
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]types.EmbeddingVector, error) {
	out := make([]types.EmbeddingVector, len(texts))
	for i, text := range texts {
		vec, err := h.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
