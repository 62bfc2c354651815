package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
	"github.com/memtensor/hybridmem/pkg/types"
)

// DigestSchema is the structured output requested when summarizing a thread
var DigestSchema = types.OutputSchema{
	Name: "thread_digest",
	Properties: map[string]types.SchemaField{
		"summary":  {Type: "string", Description: "Two or three sentence summary of the conversation"},
		"concepts": {Type: "array", Items: "string", Description: "Short noun phrases for the durable ideas discussed"},
		"entities": {Type: "array", Items: "string", Description: "Named people, products, places or organizations"},
	},
	Required: []string{"summary", "concepts", "entities"},
}

const defaultTranscriptChars = 12000

// StructuredSummarizer condenses conversation windows through any classifier backend
type StructuredSummarizer struct {
	classifier interfaces.Classifier
	maxChars   int
}

// NewStructuredSummarizer creates a summarizer. maxChars bounds the transcript
// sent to the model; older turns are dropped first.
func NewStructuredSummarizer(classifier interfaces.Classifier, maxChars int) *StructuredSummarizer {
	if maxChars <= 0 {
		maxChars = defaultTranscriptChars
	}
	return &StructuredSummarizer{classifier: classifier, maxChars: maxChars}
}

// Summarize returns the digest of messages
func (s *StructuredSummarizer) Summarize(ctx context.Context, messages []types.ConversationMessage) (*types.ThreadDigest, error) {
	if len(messages) == 0 {
		return &types.ThreadDigest{}, nil
	}

	prompt := "Summarize the following conversation and list its key concepts and entities.\n\n" +
		s.transcript(messages)
	out, err := s.classifier.Classify(ctx, prompt, DigestSchema)
	if err != nil {
		return nil, err
	}

	summary, _ := out["summary"].(string)
	digest := &types.ThreadDigest{
		Summary:  strings.TrimSpace(summary),
		Concepts: StringList(out["concepts"]),
		Entities: StringList(out["entities"]),
	}
	if digest.Summary == "" && len(digest.Concepts) == 0 {
		return nil, errors.NewClassificationError("summarizer returned an empty digest", nil)
	}
	return digest, nil
}

func (s *StructuredSummarizer) transcript(messages []types.ConversationMessage) string {
	lines := make([]string, 0, len(messages))
	total := 0
	for i := len(messages) - 1; i >= 0; i-- {
		line := fmt.Sprintf("%s: %s", messages[i].Role, strings.TrimSpace(messages[i].Content))
		if total+len(line) > s.maxChars && len(lines) > 0 {
			break
		}
		total += len(line) + 1
		lines = append(lines, line)
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

// StringList coerces a decoded JSON value into a list of non-empty trimmed strings
func StringList(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	}
	return []string{}
}
