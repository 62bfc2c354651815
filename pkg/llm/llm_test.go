package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/types"
)

var testSchema = types.OutputSchema{
	Name: "preference",
	Properties: map[string]types.SchemaField{
		"type":       {Type: "string", Enum: []string{"preference", "intent", "constraint", "neutral"}},
		"confidence": {Type: "number"},
	},
	Required: []string{"type", "confidence"},
}

func TestBaseLLM(t *testing.T) {
	t.Run("defaults fill unset limits", func(t *testing.T) {
		base := NewBaseLLM(config.ClassifierConfig{Model: "m"})
		assert.Equal(t, "m", base.GetModelName())
		assert.Equal(t, defaultMaxTokens, base.GetMaxTokens())
		assert.Equal(t, defaultTimeout, base.GetTimeout())
	})

	t.Run("configured values win", func(t *testing.T) {
		base := NewBaseLLM(config.ClassifierConfig{Model: "m", MaxTokens: 64, Temperature: 0.2, Timeout: time.Second})
		info := base.GetModelInfo()
		assert.Equal(t, 64, info["max_tokens"])
		assert.Equal(t, 0.2, info["temperature"])
		assert.Equal(t, "1s", info["timeout"])
	})
}

func TestFindJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"surrounded", "Sure! ```json\n{\"a\":{\"b\":2}}\n``` done", `{"a":{"b":2}}`},
		{"braces in strings", `{"text":"use } and { freely","n":1} trailing {`, `{"text":"use } and { freely","n":1}`},
		{"escaped quote", `{"q":"say \"hi}\""}`, `{"q":"say \"hi}\""}`},
		{"none", "no json here", ""},
		{"unbalanced", `{"a":1`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FindJSON(tc.in))
		})
	}
}

func TestParseStructured(t *testing.T) {
	out, err := ParseStructured("Here you go: {\"type\":\"intent\",\"confidence\":0.8}")
	require.NoError(t, err)
	assert.Equal(t, "intent", out["type"])
	assert.Equal(t, 0.8, out["confidence"])

	_, err = ParseStructured("nothing useful")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeClassification))

	_, err = ParseStructured(`{"type": intent}`)
	assert.True(t, errors.HasCode(err, errors.ErrCodeClassification))
}

func TestSystemPromptEmbedsSchema(t *testing.T) {
	prompt := SystemPrompt(testSchema)
	assert.Contains(t, prompt, "single JSON object")
	assert.Contains(t, prompt, "(preference)")
	assert.Contains(t, prompt, `"enum":["preference","intent","constraint","neutral"]`)
}

func TestOpenAIClassifier(t *testing.T) {
	t.Run("requires credentials and model", func(t *testing.T) {
		_, err := NewOpenAIClassifier(config.ClassifierConfig{Model: "gpt-4o-mini"}, nil)
		assert.True(t, errors.IsConfigError(err))
		_, err = NewOpenAIClassifier(config.ClassifierConfig{APIKey: "k"}, nil)
		assert.True(t, errors.IsConfigError(err))
	})

	t.Run("parses json mode reply", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "gpt-4o-mini", body["model"])
			format := body["response_format"].(map[string]interface{})
			assert.Equal(t, "json_object", format["type"])

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o-mini",
				"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"type\":\"preference\",\"confidence\":0.9}"}}],
				"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
		}))
		defer server.Close()

		c, err := NewOpenAIClassifier(config.ClassifierConfig{Model: "gpt-4o-mini", APIKey: "k", BaseURL: server.URL + "/v1"}, nil)
		require.NoError(t, err)

		out, err := c.Classify(context.Background(), "I prefer tea", testSchema)
		require.NoError(t, err)
		assert.Equal(t, "preference", out["type"])
		assert.Equal(t, 0.9, out["confidence"])
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
		}))
		defer server.Close()

		c, err := NewOpenAIClassifier(config.ClassifierConfig{Model: "gpt-4o-mini", APIKey: "k", BaseURL: server.URL + "/v1"}, nil)
		require.NoError(t, err)

		_, err = c.Classify(context.Background(), "I prefer tea", testSchema)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeClassification))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("server errors are retried", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"c2","object":"chat.completion","model":"gpt-4o-mini",
				"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"type\":\"intent\",\"confidence\":0.7}"}}]}`))
		}))
		defer server.Close()

		c, err := NewOpenAIClassifier(config.ClassifierConfig{Model: "gpt-4o-mini", APIKey: "k", BaseURL: server.URL + "/v1"}, nil)
		require.NoError(t, err)
		c.retryDelay = time.Millisecond

		out, err := c.Classify(context.Background(), "I will book flights", testSchema)
		require.NoError(t, err)
		assert.Equal(t, "intent", out["type"])
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})
}

func TestOllamaClassifier(t *testing.T) {
	t.Run("sends the schema as format", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/chat", r.URL.Path)
			var req OllamaChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "llama3.2", req.Model)
			assert.False(t, req.Stream)
			format, ok := req.Format.(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, "object", format["type"])
			require.Len(t, req.Messages, 2)

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"model":"llama3.2","done":true,"message":{"role":"assistant","content":"{\"type\":\"constraint\",\"confidence\":0.75}"}}`))
		}))
		defer server.Close()

		c, err := NewOllamaClassifier(config.ClassifierConfig{Model: "llama3.2", BaseURL: server.URL}, nil)
		require.NoError(t, err)

		out, err := c.Classify(context.Background(), "I can't eat gluten", testSchema)
		require.NoError(t, err)
		assert.Equal(t, "constraint", out["type"])
	})

	t.Run("error status is a classification error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model not found"}`))
		}))
		defer server.Close()

		c, err := NewOllamaClassifier(config.ClassifierConfig{Model: "missing", BaseURL: server.URL}, nil)
		require.NoError(t, err)

		_, err = c.Classify(context.Background(), "hello", testSchema)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeClassification))
	})

	t.Run("requires a model", func(t *testing.T) {
		_, err := NewOllamaClassifier(config.ClassifierConfig{}, nil)
		assert.True(t, errors.IsConfigError(err))
	})
}

type MockMessagesAPI struct {
	mock.Mock
}

func (m *MockMessagesAPI) New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	args := m.Called(ctx, params)
	msg, _ := args.Get(0).(*anthropic.Message)
	return msg, args.Error(1)
}

func TestAnthropicClassifier(t *testing.T) {
	cfg := config.ClassifierConfig{Model: "claude-haiku", MaxTokens: 256}

	t.Run("parses text blocks", func(t *testing.T) {
		api := new(MockMessagesAPI)
		api.On("New", mock.Anything, mock.MatchedBy(func(p anthropic.MessageNewParams) bool {
			return string(p.Model) == "claude-haiku" && p.MaxTokens == 256 && len(p.System) == 1
		})).Return(&anthropic.Message{
			Content: []anthropic.ContentBlockUnion{
				{Type: "text", Text: "Result: "},
				{Type: "text", Text: `{"type":"preference","confidence":0.85}`},
			},
		}, nil)

		c := NewAnthropicClassifierWithClient(cfg, api, nil)
		out, err := c.Classify(context.Background(), "I love jazz", testSchema)
		require.NoError(t, err)
		assert.Equal(t, "preference", out["type"])
		api.AssertExpectations(t)
	})

	t.Run("request failure", func(t *testing.T) {
		api := new(MockMessagesAPI)
		api.On("New", mock.Anything, mock.Anything).Return(nil, assert.AnError)

		c := NewAnthropicClassifierWithClient(cfg, api, nil)
		_, err := c.Classify(context.Background(), "I love jazz", testSchema)
		assert.True(t, errors.HasCode(err, errors.ErrCodeClassification))
	})

	t.Run("empty content", func(t *testing.T) {
		api := new(MockMessagesAPI)
		api.On("New", mock.Anything, mock.Anything).Return(&anthropic.Message{}, nil)

		c := NewAnthropicClassifierWithClient(cfg, api, nil)
		_, err := c.Classify(context.Background(), "I love jazz", testSchema)
		assert.Error(t, err)
	})
}

func TestNewClassifier(t *testing.T) {
	c, err := NewClassifier(config.ClassifierConfig{Backend: "none"}, nil)
	require.NoError(t, err)
	out, err := c.Classify(context.Background(), "anything", testSchema)
	require.NoError(t, err)
	assert.Equal(t, "neutral", out["type"])

	c, err = NewClassifier(config.ClassifierConfig{Backend: "Ollama", Model: "llama3.2"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OllamaClassifier{}, c)

	c, err = NewClassifier(config.ClassifierConfig{Backend: "anthropic", Model: "claude-haiku", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClassifier{}, c)

	_, err = NewClassifier(config.ClassifierConfig{Backend: "huggingface", Model: "x"}, nil)
	assert.True(t, errors.IsConfigError(err))
}

type stubClassifier struct {
	out    map[string]interface{}
	err    error
	prompt string
}

func (s *stubClassifier) Classify(_ context.Context, prompt string, _ types.OutputSchema) (map[string]interface{}, error) {
	s.prompt = prompt
	return s.out, s.err
}

func TestStructuredSummarizer(t *testing.T) {
	messages := []types.ConversationMessage{
		{Role: types.MessageRoleUser, Content: "Let's set up the CI/CD pipeline with GitHub Actions"},
		{Role: types.MessageRoleAssistant, Content: "Sure, we can use Docker containers for builds"},
	}

	t.Run("maps the structured reply", func(t *testing.T) {
		stub := &stubClassifier{out: map[string]interface{}{
			"summary":  " Planning a CI/CD pipeline. ",
			"concepts": []interface{}{"CI/CD pipeline", " ", "Docker builds"},
			"entities": []interface{}{"GitHub Actions", 42},
		}}
		s := NewStructuredSummarizer(stub, 0)

		digest, err := s.Summarize(context.Background(), messages)
		require.NoError(t, err)
		assert.Equal(t, "Planning a CI/CD pipeline.", digest.Summary)
		assert.Equal(t, []string{"CI/CD pipeline", "Docker builds"}, digest.Concepts)
		assert.Equal(t, []string{"GitHub Actions"}, digest.Entities)
		assert.Contains(t, stub.prompt, "user: Let's set up the CI/CD pipeline")
		assert.Contains(t, stub.prompt, "assistant: Sure")
	})

	t.Run("transcript keeps the most recent turns", func(t *testing.T) {
		stub := &stubClassifier{out: map[string]interface{}{"summary": "s"}}
		s := NewStructuredSummarizer(stub, 60)
		_, err := s.Summarize(context.Background(), messages)
		require.NoError(t, err)
		assert.NotContains(t, stub.prompt, "GitHub Actions")
		assert.Contains(t, stub.prompt, "Docker containers")
	})

	t.Run("errors propagate", func(t *testing.T) {
		s := NewStructuredSummarizer(&stubClassifier{err: assert.AnError}, 0)
		_, err := s.Summarize(context.Background(), messages)
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("empty digest is an error", func(t *testing.T) {
		s := NewStructuredSummarizer(&stubClassifier{out: map[string]interface{}{}}, 0)
		_, err := s.Summarize(context.Background(), messages)
		assert.Error(t, err)
	})

	t.Run("no messages", func(t *testing.T) {
		s := NewStructuredSummarizer(&stubClassifier{}, 0)
		digest, err := s.Summarize(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, digest.Concepts)
	})
}

func TestStringList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, StringList([]interface{}{"a", " b ", 3, ""}))
	assert.Equal(t, []string{"x"}, StringList([]string{"x", " "}))
	assert.Equal(t, []string{"solo"}, StringList("solo"))
	assert.Equal(t, []string{}, StringList(nil))
}
