package llm

import (
	"context"
	stderrors "errors"
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

// OpenAIClassifier classifies through the OpenAI chat completions API in JSON mode
type OpenAIClassifier struct {
	*BaseLLM
	client     *openai.Client
	logger     interfaces.Logger
	attempts   uint
	retryDelay time.Duration
}

// NewOpenAIClassifier creates a classifier for OpenAI or any compatible endpoint
func NewOpenAIClassifier(cfg config.ClassifierConfig, log interfaces.Logger) (*OpenAIClassifier, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.NewConfigInvalidError("OpenAI API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.NewConfigInvalidError("model name is required")
	}

	openaiConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiConfig.BaseURL = cfg.BaseURL
	}

	base := NewBaseLLM(cfg)
	openaiConfig.HTTPClient = &http.Client{Timeout: base.GetTimeout()}

	return &OpenAIClassifier{
		BaseLLM:    base,
		client:     openai.NewClientWithConfig(openaiConfig),
		logger:     logger.OrNop(log),
		attempts:   3,
		retryDelay: time.Second,
	}, nil
}

// Classify asks the model for one JSON object matching schema
func (o *OpenAIClassifier) Classify(ctx context.Context, prompt string, schema types.OutputSchema) (map[string]interface{}, error) {
	req := openai.ChatCompletionRequest{
		Model: o.GetModelName(),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(schema)},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   o.GetMaxTokens(),
		Temperature: float32(o.GetTemperature()),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var resp openai.ChatCompletionResponse
	err := retry.Do(
		func() error {
			var callErr error
			resp, callErr = o.client.CreateChatCompletion(ctx, req)
			return callErr
		},
		retry.Context(ctx),
		retry.Attempts(o.attempts),
		retry.Delay(o.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableOpenAIError),
	)
	if err != nil {
		return nil, requestError("openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.NewClassificationError("no response choices returned", nil)
	}

	o.logger.Debug("OpenAI classification completed", map[string]interface{}{
		"model":        resp.Model,
		"total_tokens": resp.Usage.TotalTokens,
	})
	return ParseStructured(resp.Choices[0].Message.Content)
}

// retryableOpenAIError retries rate limits, server errors and transport failures
func retryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if stderrors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded)
}
