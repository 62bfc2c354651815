package embedders

import (
	"context"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/sashabaranov/go-openai"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/types"
)

const openAIBatchSize = 100

// OpenAIEmbedder embeds text through the OpenAI embeddings API
type OpenAIEmbedder struct {
	*BaseEmbedder
	client     *openai.Client
	logger     interfaces.Logger
	retryDelay time.Duration
}

// NewOpenAIEmbedder creates an OpenAI embedder from configuration
func NewOpenAIEmbedder(cfg config.EmbedderConfig, log interfaces.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.NewConfigInvalidError("OpenAI API key is required")
	}
	if cfg.Dimension <= 0 {
		return nil, errors.NewConfigInvalidError("embedding dimension must be positive")
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	base := NewBaseEmbedder(model, cfg.Dimension)
	base.SetTimeout(cfg.Timeout)
	base.SetMaxLength(cfg.MaxLength)

	openaiConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiConfig.BaseURL = cfg.BaseURL
	}
	openaiConfig.HTTPClient = &http.Client{Timeout: base.GetTimeout()}

	return &OpenAIEmbedder{
		BaseEmbedder: base,
		client:       openai.NewClientWithConfig(openaiConfig),
		logger:       logger.OrNop(log),
		retryDelay:   time.Second,
	}, nil
}

// Embed generates embeddings for a single text
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) (types.EmbeddingVector, error) {
	out, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch generates embeddings for multiple texts in API sized batches
func (o *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]types.EmbeddingVector, error) {
	if len(texts) == 0 {
		return []types.EmbeddingVector{}, nil
	}

	processed := make([]string, len(texts))
	for i, text := range texts {
		processed[i] = o.PreprocessText(text)
		if processed[i] == "" {
			return nil, errors.NewInvalidInputError("empty text").WithDetail("index", i)
		}
	}

	all := make([]types.EmbeddingVector, 0, len(texts))
	for start := 0; start < len(processed); start += openAIBatchSize {
		end := start + openAIBatchSize
		if end > len(processed) {
			end = len(processed)
		}
		batch, err := o.createEmbeddings(ctx, processed[start:end])
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
	}
	return all, nil
}

func (o *OpenAIEmbedder) createEmbeddings(ctx context.Context, texts []string) ([]types.EmbeddingVector, error) {
	req := openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(o.GetModelName()),
	}
	if o.GetModelName() != string(openai.AdaEmbeddingV2) {
		req.Dimensions = o.GetDimension()
	}

	var resp openai.EmbeddingResponse
	err := retry.Do(
		func() error {
			var callErr error
			resp, callErr = o.client.CreateEmbeddings(ctx, req)
			return callErr
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(o.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			o.logger.Warn("Retrying embedding request", map[string]interface{}{
				"attempt": n + 1,
				"error":   err.Error(),
			})
		}),
	)
	if err != nil {
		return nil, errors.NewLLMAPIError("embedding request failed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.NewLLMError("embedding count mismatch").
			WithDetail("expected", len(texts)).
			WithDetail("got", len(resp.Data))
	}

	out := make([]types.EmbeddingVector, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, errors.NewLLMError("embedding index out of range").WithDetail("index", d.Index)
		}
		vec := types.EmbeddingVector(d.Embedding)
		if err := o.ValidateVector(vec); err != nil {
			return nil, errors.NewLLMAPIError("invalid embedding", err)
		}
		// compatible servers do not all return unit vectors
		out[d.Index] = o.NormalizeVector(vec)
	}
	return out, nil
}
