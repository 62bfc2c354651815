package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/logger"
	"github.com/memtensor/hybridmem/pkg/types"
)

// MessagesAPI is the slice of the Anthropic client the classifier calls
type MessagesAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicClassifier classifies through the Anthropic messages API
type AnthropicClassifier struct {
	*BaseLLM
	messages MessagesAPI
	logger   interfaces.Logger
}

// NewAnthropicClassifier creates a classifier from configuration
func NewAnthropicClassifier(cfg config.ClassifierConfig, log interfaces.Logger) (*AnthropicClassifier, error) {
	if cfg.Model == "" {
		return nil, errors.NewConfigInvalidError("model name is required")
	}
	opts := []option.RequestOption{option.WithMaxRetries(2)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return NewAnthropicClassifierWithClient(cfg, &client.Messages, log), nil
}

// NewAnthropicClassifierWithClient creates a classifier over a custom messages client
func NewAnthropicClassifierWithClient(cfg config.ClassifierConfig, messages MessagesAPI, log interfaces.Logger) *AnthropicClassifier {
	return &AnthropicClassifier{
		BaseLLM:  NewBaseLLM(cfg),
		messages: messages,
		logger:   logger.OrNop(log),
	}
}

// Classify sends prompt with a schema-bearing system prompt and parses the text reply
func (a *AnthropicClassifier) Classify(ctx context.Context, prompt string, schema types.OutputSchema) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, a.GetTimeout())
	defer cancel()

	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.GetModelName()),
		MaxTokens: int64(a.GetMaxTokens()),
		System: []anthropic.TextBlockParam{
			{Text: SystemPrompt(schema)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, requestError("anthropic", err)
	}

	text := textContent(resp)
	if text == "" {
		return nil, errors.NewClassificationError("no text content in response", nil)
	}
	a.logger.Debug("Anthropic classification completed", map[string]interface{}{
		"model":         string(resp.Model),
		"output_tokens": resp.Usage.OutputTokens,
	})
	return ParseStructured(text)
}

func textContent(resp *anthropic.Message) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}
