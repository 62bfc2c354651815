package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtensor/hybridmem/pkg/errors"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"ci", "cd", "pipeline", "setup"}, Tokenize("CI/CD pipeline-setup"))
	assert.Equal(t, []string{"café", "crème", "2024"}, Tokenize("Café, CRÈME! 2024"))
	assert.Empty(t, Tokenize("  ... !!! "))
}

func TestNewLexicalScorer(t *testing.T) {
	_, err := NewLexicalScorer(-1, 0.75)
	assert.True(t, errors.IsConfigError(err))

	_, err = NewLexicalScorer(1.5, 1.5)
	assert.True(t, errors.IsConfigError(err))

	s, err := NewLexicalScorer(DefaultK1, DefaultB)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestLexicalScorerScore(t *testing.T) {
	s, err := NewLexicalScorer(DefaultK1, DefaultB)
	require.NoError(t, err)

	t.Run("parallel non-negative scores", func(t *testing.T) {
		corpus := []string{"CI/CD pipeline setup", "Docker containers", "unrelated text"}
		scores := s.Score(corpus, "CI/CD")

		require.Len(t, scores, 3)
		assert.Greater(t, scores[0], 0.0)
		assert.Equal(t, 0.0, scores[1])
		assert.Equal(t, 0.0, scores[2])
	})

	t.Run("absent terms contribute zero", func(t *testing.T) {
		corpus := []string{"apple pie", "banana bread"}
		withUnknown := s.Score(corpus, "apple kiwi")
		withoutUnknown := s.Score(corpus, "apple")
		assert.Equal(t, withoutUnknown, withUnknown)
	})

	t.Run("shorter passages win for equal frequency", func(t *testing.T) {
		scores := s.Score([]string{"apple", "apple pie with cream and sugar"}, "apple")
		assert.Greater(t, scores[0], scores[1])
		assert.Greater(t, scores[1], 0.0)
	})

	t.Run("term frequency saturates", func(t *testing.T) {
		scores := s.Score([]string{"apple", "apple apple", "apple apple apple apple apple apple", "kiwi"}, "apple")
		gainTwo := scores[1] - scores[0]
		assert.Greater(t, scores[2], 0.0)
		assert.Greater(t, gainTwo, 0.0)
	})

	t.Run("empty inputs", func(t *testing.T) {
		assert.Empty(t, s.Score(nil, "apple"))
		assert.Equal(t, []float64{0, 0}, s.Score([]string{"a", "b"}, ""))
		assert.Equal(t, []float64{0, 0}, s.Score([]string{"", ""}, "apple"))
	})
}

func TestLexicalParameters(t *testing.T) {
	t.Run("b zero ignores length", func(t *testing.T) {
		s, err := NewLexicalScorer(DefaultK1, 0)
		require.NoError(t, err)
		scores := s.Score([]string{"apple", "apple pie with cream and sugar"}, "apple")
		assert.InDelta(t, scores[0], scores[1], 1e-12)
	})

	t.Run("k1 zero ignores frequency", func(t *testing.T) {
		s, err := NewLexicalScorer(0, 0)
		require.NoError(t, err)
		scores := s.Score([]string{"apple apple", "apple", "kiwi"}, "apple")
		assert.InDelta(t, scores[0], scores[1], 1e-12)
	})
}

func TestLexicalIndexReuse(t *testing.T) {
	s, err := NewLexicalScorer(DefaultK1, DefaultB)
	require.NoError(t, err)

	corpus := []string{"docker compose file", "kubernetes deployment", "docker image build"}
	idx := s.Index(corpus)
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, s.Score(corpus, "docker"), idx.Score("docker"))
	assert.Equal(t, s.Score(corpus, "kubernetes"), idx.Score("kubernetes"))
	assert.Equal(t, 0.0, idx.IDF("missing"))
	assert.Greater(t, idx.IDF("kubernetes"), idx.IDF("docker"))
}
