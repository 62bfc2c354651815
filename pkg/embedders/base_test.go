package embedders

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/types"
)

func TestNewBaseEmbedder(t *testing.T) {
	embedder := NewBaseEmbedder("test-model", 384)

	assert.Equal(t, "test-model", embedder.GetModelName())
	assert.Equal(t, 384, embedder.GetDimension())
	assert.Equal(t, 30*time.Second, embedder.GetTimeout())

	embedder.SetTimeout(0)
	assert.Equal(t, 30*time.Second, embedder.GetTimeout())
}

func TestBaseEmbedder_PreprocessText(t *testing.T) {
	embedder := NewBaseEmbedder("test", 384)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "trim whitespace", input: "  hello world  ", expected: "hello world"},
		{name: "normalize spaces", input: "hello    world\n\ttest", expected: "hello world test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, embedder.PreprocessText(tt.input))
		})
	}

	t.Run("truncate long text", func(t *testing.T) {
		long := strings.Repeat("word ", 1000)
		result := embedder.PreprocessText(long)
		assert.LessOrEqual(t, len(result), 512*4)
		assert.False(t, strings.HasSuffix(result, " "))
	})

	t.Run("max length is configurable", func(t *testing.T) {
		short := NewBaseEmbedder("test", 384)
		short.SetMaxLength(10)
		assert.LessOrEqual(t, len(short.PreprocessText(strings.Repeat("word ", 100))), 40)

		short.SetMaxLength(0)
		assert.LessOrEqual(t, len(short.PreprocessText(strings.Repeat("word ", 100))), 40)
	})
}

func TestBaseEmbedder_NormalizeVector(t *testing.T) {
	embedder := NewBaseEmbedder("test", 2)

	normalized := embedder.NormalizeVector(types.EmbeddingVector{3, 4})
	assert.InDelta(t, 0.6, normalized[0], 1e-6)
	assert.InDelta(t, 0.8, normalized[1], 1e-6)

	zero := types.EmbeddingVector{0, 0}
	assert.Equal(t, zero, embedder.NormalizeVector(zero))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity(types.EmbeddingVector{1, 2}, types.EmbeddingVector{2, 4}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity(types.EmbeddingVector{1, 0}, types.EmbeddingVector{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, CosineSimilarity(types.EmbeddingVector{1, 0}, types.EmbeddingVector{-1, 0}), 1e-6)
	assert.Equal(t, float32(0), CosineSimilarity(types.EmbeddingVector{1}, types.EmbeddingVector{1, 2}))
	assert.Equal(t, float32(0), CosineSimilarity(types.EmbeddingVector{0, 0}, types.EmbeddingVector{1, 2}))
}

func TestBaseEmbedder_ValidateVector(t *testing.T) {
	embedder := NewBaseEmbedder("test", 3)

	assert.NoError(t, embedder.ValidateVector(types.EmbeddingVector{1, 2, 3}))
	assert.Error(t, embedder.ValidateVector(types.EmbeddingVector{}))
	assert.Error(t, embedder.ValidateVector(types.EmbeddingVector{1, 2}))
	assert.Error(t, embedder.ValidateVector(types.EmbeddingVector{1, float32(math.NaN()), 3}))
	assert.Error(t, embedder.ValidateVector(types.EmbeddingVector{1, float32(math.Inf(1)), 3}))
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	h, err := NewHashEmbedder(256)
	require.NoError(t, err)

	t.Run("deterministic unit vectors", func(t *testing.T) {
		a, err := h.Embed(ctx, "CI/CD pipeline setup")
		require.NoError(t, err)
		b, err := h.Embed(ctx, "ci/cd   PIPELINE setup")
		require.NoError(t, err)

		assert.Len(t, a, 256)
		assert.Equal(t, a, b)
		assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-5)
	})

	t.Run("overlapping texts are closer", func(t *testing.T) {
		base, _ := h.Embed(ctx, "docker containers for the build pipeline")
		near, _ := h.Embed(ctx, "docker containers in the pipeline")
		far, _ := h.Embed(ctx, "grandma's lemon cake recipe")

		assert.Greater(t, CosineSimilarity(base, near), CosineSimilarity(base, far))
	})

	t.Run("punctuation only text still embeds", func(t *testing.T) {
		vec, err := h.Embed(ctx, "?!")
		require.NoError(t, err)
		assert.NoError(t, h.ValidateVector(vec))
	})

	t.Run("empty text is rejected", func(t *testing.T) {
		_, err := h.Embed(ctx, "   ")
		assert.Error(t, err)
	})

	t.Run("batch", func(t *testing.T) {
		out, err := h.EmbedBatch(ctx, []string{"one", "two"})
		require.NoError(t, err)
		require.Len(t, out, 2)
		single, _ := h.Embed(ctx, "two")
		assert.Equal(t, single, out[1])

		_, err = h.EmbedBatch(ctx, []string{"one", ""})
		assert.Error(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := h.Embed(cctx, "text")
		assert.ErrorIs(t, err, context.Canceled)
	})

	_, err = NewHashEmbedder(0)
	assert.True(t, errors.IsConfigError(err))
}

func TestOpenAIEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, 3, req.Dimensions)

		data := make([]map[string]interface{}, len(req.Input))
		for i := range req.Input {
			// reply out of order to exercise index mapping
			idx := len(req.Input) - 1 - i
			data[i] = map[string]interface{}{
				"object":    "embedding",
				"index":     idx,
				"embedding": []float32{float32(idx), 1, 0},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"model":  req.Model,
			"data":   data,
		})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(config.EmbedderConfig{
		Backend:   "openai",
		APIKey:    "k",
		BaseURL:   server.URL + "/v1",
		Dimension: 3,
	}, nil)
	require.NoError(t, err)

	out, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, types.EmbeddingVector{0, 1, 0}, out[0])
	assert.InDelta(t, 0.7071068, out[1][0], 1e-6)
	assert.InDelta(t, 0.7071068, out[1][1], 1e-6)
	assert.Zero(t, out[1][2])

	_, err = e.Embed(context.Background(), "")
	assert.Error(t, err)

	_, err = NewOpenAIEmbedder(config.EmbedderConfig{Dimension: 3}, nil)
	assert.True(t, errors.IsConfigError(err))
}

func TestNew(t *testing.T) {
	e, err := New(config.EmbedderConfig{Backend: "hash", Dimension: 64}, nil)
	require.NoError(t, err)
	assert.Equal(t, 64, e.GetDimension())

	truncating, err := New(config.EmbedderConfig{Backend: "hash", Dimension: 64, MaxLength: 8}, nil)
	require.NoError(t, err)
	prefix := strings.Repeat("alpha ", 50)
	a, err := truncating.Embed(context.Background(), prefix+"omega")
	require.NoError(t, err)
	b, err := truncating.Embed(context.Background(), prefix)
	require.NoError(t, err)
	assert.Equal(t, b, a)

	_, err = New(config.EmbedderConfig{Backend: "sentence-transformer", Dimension: 64}, nil)
	assert.True(t, errors.IsConfigError(err))
}
