package llm

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/types"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaClassifier classifies through a local Ollama server using schema-constrained output
type OllamaClassifier struct {
	*BaseLLM
	client  *resty.Client
	logger  interfaces.Logger
	baseURL string
}

// OllamaChatRequest represents a request to the Ollama chat API
type OllamaChatRequest struct {
	Model     string                   `json:"model"`
	Messages  []map[string]interface{} `json:"messages"`
	Stream    bool                     `json:"stream"`
	Format    interface{}              `json:"format,omitempty"`
	Options   map[string]interface{}   `json:"options,omitempty"`
	KeepAlive string                   `json:"keep_alive,omitempty"`
}

// OllamaChatResponse represents a chat response from the Ollama API
type OllamaChatResponse struct {
	Model           string                 `json:"model"`
	CreatedAt       string                 `json:"created_at"`
	Message         map[string]interface{} `json:"message"`
	Done            bool                   `json:"done"`
	TotalDuration   int64                  `json:"total_duration,omitempty"`
	PromptEvalCount int                    `json:"prompt_eval_count,omitempty"`
	EvalCount       int                    `json:"eval_count,omitempty"`
}

// NewOllamaClassifier creates an Ollama backed classifier
func NewOllamaClassifier(cfg config.ClassifierConfig, log interfaces.Logger) (*OllamaClassifier, error) {
	if cfg.Model == "" {
		return nil, errors.NewConfigInvalidError("model name is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}

	base := NewBaseLLM(cfg)
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(base.GetTimeout())
	client.SetRetryCount(2)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(5 * time.Second)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("User-Agent", "hybridmem/1.0")

	return &OllamaClassifier{
		BaseLLM: base,
		client:  client,
		logger:  logger.OrNop(log),
		baseURL: baseURL,
	}, nil
}

// Classify posts a chat request whose format is the schema itself
func (o *OllamaClassifier) Classify(ctx context.Context, prompt string, schema types.OutputSchema) (map[string]interface{}, error) {
	req := OllamaChatRequest{
		Model: o.GetModelName(),
		Messages: []map[string]interface{}{
			{"role": "system", "content": SystemPrompt(schema)},
			{"role": "user", "content": prompt},
		},
		Stream: false,
		Format: schema.JSONSchema(),
		Options: map[string]interface{}{
			"num_predict": o.GetMaxTokens(),
			"temperature": o.GetTemperature(),
		},
		KeepAlive: "5m",
	}

	var out OllamaChatResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/api/chat")
	if err != nil {
		return nil, requestError("ollama", err)
	}
	if resp.IsError() {
		return nil, errors.NewClassificationError("ollama returned an error status", nil).
			WithDetail("status", resp.StatusCode()).
			WithDetail("body", truncate(resp.String(), 200))
	}

	content, _ := out.Message["content"].(string)
	o.logger.Debug("Ollama classification completed", map[string]interface{}{
		"model":      out.Model,
		"eval_count": out.EvalCount,
	})
	return ParseStructured(content)
}
