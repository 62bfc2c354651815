// Package retrieval ranks memory passages by fusing lexical and semantic signals
package retrieval

import (
	"math"
	"regexp"
	"strings"

	"github.com/memtensor/hybridmem/pkg/errors"
)

// Default Okapi parameters
const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokenize lowercases text and splits it into alphanumeric runs
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// LexicalScorer computes Okapi BM25 scores over a static corpus
type LexicalScorer struct {
	k1 float64
	b  float64
}

// NewLexicalScorer creates a scorer. k1 is term frequency saturation and b
// the length normalization weight.
func NewLexicalScorer(k1, b float64) (*LexicalScorer, error) {
	if k1 < 0 || math.IsNaN(k1) {
		return nil, errors.NewConfigInvalidError("k1 must be non-negative").WithDetail("k1", k1)
	}
	if b < 0 || b > 1 || math.IsNaN(b) {
		return nil, errors.NewConfigInvalidError("b must be within [0,1]").WithDetail("b", b)
	}
	return &LexicalScorer{k1: k1, b: b}, nil
}

// Score returns one non-negative score per corpus passage, in corpus order
func (s *LexicalScorer) Score(corpus []string, query string) []float64 {
	return s.Index(corpus).Score(query)
}

// Index tokenizes the corpus once so several queries can be scored against it
func (s *LexicalScorer) Index(corpus []string) *LexicalIndex {
	idx := &LexicalIndex{
		k1:       s.k1,
		b:        s.b,
		termFreq: make([]map[string]int, len(corpus)),
		docLen:   make([]int, len(corpus)),
		docFreq:  make(map[string]int),
	}

	total := 0
	for i, passage := range corpus {
		tokens := Tokenize(passage)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		for term := range tf {
			idx.docFreq[term]++
		}
		idx.termFreq[i] = tf
		idx.docLen[i] = len(tokens)
		total += len(tokens)
	}
	if len(corpus) > 0 {
		idx.avgDocLen = float64(total) / float64(len(corpus))
	}
	return idx
}

// LexicalIndex is the tokenized form of one corpus
type LexicalIndex struct {
	k1        float64
	b         float64
	termFreq  []map[string]int
	docLen    []int
	docFreq   map[string]int
	avgDocLen float64
}

// Len returns the number of passages indexed
func (idx *LexicalIndex) Len() int {
	return len(idx.termFreq)
}

// IDF returns the inverse document frequency of term. The +1 inside the log
// keeps terms present in most passages non-negative.
func (idx *LexicalIndex) IDF(term string) float64 {
	n := float64(len(idx.termFreq))
	df := float64(idx.docFreq[term])
	if df == 0 {
		return 0
	}
	return math.Log((n-df+0.5)/(df+0.5) + 1)
}

// Score returns the BM25 score of every passage for query
func (idx *LexicalIndex) Score(query string) []float64 {
	scores := make([]float64, len(idx.termFreq))
	terms := Tokenize(query)
	if len(terms) == 0 || idx.avgDocLen == 0 {
		return scores
	}

	for _, term := range terms {
		idf := idx.IDF(term)
		if idf == 0 {
			continue
		}
		for i, tf := range idx.termFreq {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			norm := 1 - idx.b + idx.b*float64(idx.docLen[i])/idx.avgDocLen
			scores[i] += idf * f * (idx.k1 + 1) / (f + idx.k1*norm)
		}
	}
	return scores
}
