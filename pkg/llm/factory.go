package llm

import (
	"context"
	"strings"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/types"
)

// NewClassifier creates the classifier selected by cfg.Backend
func NewClassifier(cfg config.ClassifierConfig, log interfaces.Logger) (interfaces.Classifier, error) {
	switch strings.ToLower(cfg.Backend) {
	case "openai":
		return NewOpenAIClassifier(cfg, log)
	case "ollama":
		return NewOllamaClassifier(cfg, log)
	case "anthropic":
		return NewAnthropicClassifier(cfg, log)
	case "", "none":
		return NeutralClassifier{}, nil
	default:
		return nil, errors.NewConfigInvalidError("unsupported classifier backend").
			WithDetail("backend", cfg.Backend)
	}
}

// NeutralClassifier answers every prompt with a neutral zero-confidence record.
// It keeps extraction wired when no model backend is configured.
type NeutralClassifier struct{}

// Classify returns a neutral record
func (NeutralClassifier) Classify(_ context.Context, _ string, _ types.OutputSchema) (map[string]interface{}, error) {
	return map[string]interface{}{
		"type":       string(types.PreferenceTypeNeutral),
		"confidence": 0.0,
	}, nil
}
