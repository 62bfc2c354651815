// Package llm provides structured-output classifier clients for hybridmem
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/types"
)

const (
	defaultMaxTokens = 512
	defaultTimeout   = 30 * time.Second
)

// BaseLLM provides common functionality for all classifier backends
type BaseLLM struct {
	modelName   string
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

// NewBaseLLM creates a base from the classifier configuration
func NewBaseLLM(cfg config.ClassifierConfig) *BaseLLM {
	b := &BaseLLM{
		modelName:   cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
	}
	if b.maxTokens <= 0 {
		b.maxTokens = defaultMaxTokens
	}
	if b.timeout <= 0 {
		b.timeout = defaultTimeout
	}
	return b
}

// GetModelName returns the model name
func (b *BaseLLM) GetModelName() string {
	return b.modelName
}

// GetMaxTokens returns the maximum number of tokens
func (b *BaseLLM) GetMaxTokens() int {
	return b.maxTokens
}

// GetTemperature returns the temperature
func (b *BaseLLM) GetTemperature() float64 {
	return b.temperature
}

// GetTimeout returns the request timeout
func (b *BaseLLM) GetTimeout() time.Duration {
	return b.timeout
}

// GetModelInfo returns model information
func (b *BaseLLM) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{
		"model":       b.modelName,
		"max_tokens":  b.maxTokens,
		"temperature": b.temperature,
		"timeout":     b.timeout.String(),
	}
}

// SystemPrompt instructs the model to answer with one JSON object matching schema
func SystemPrompt(schema types.OutputSchema) string {
	encoded, err := json.Marshal(schema.JSONSchema())
	if err != nil {
		encoded = []byte("{}")
	}
	var sb strings.Builder
	sb.WriteString("You are a precise information extraction system. ")
	sb.WriteString("Reply with a single JSON object and nothing else. ")
	sb.WriteString("The object must validate against this JSON schema")
	if schema.Name != "" {
		sb.WriteString(" (")
		sb.WriteString(schema.Name)
		sb.WriteString(")")
	}
	sb.WriteString(":\n")
	sb.Write(encoded)
	return sb.String()
}

// ParseStructured extracts the first JSON object found in text
func ParseStructured(text string) (map[string]interface{}, error) {
	raw := FindJSON(text)
	if raw == "" {
		return nil, errors.NewClassificationError("no JSON object in model output", nil).
			WithDetail("output", truncate(text, 200))
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errors.NewClassificationError("malformed JSON in model output", err).
			WithDetail("output", truncate(raw, 200))
	}
	return out, nil
}

// FindJSON returns the first balanced JSON object in text, ignoring braces
// inside string literals. It returns "" when none is found.
func FindJSON(text string) string {
	start, depth := -1, 0
	inString, escaped := false, false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if start != -1 {
				inString = true
			}
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			if start == -1 {
				continue
			}
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func requestError(provider string, err error) error {
	return errors.NewClassificationError(fmt.Sprintf("%s request failed", provider), err).
		WithDetail("provider", provider)
}
