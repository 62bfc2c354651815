// Package extraction turns raw user turns into structured preference records
package extraction

import (
	"sort"
	"strings"
	"unicode"

	"github.com/memtensor/hybridmem/pkg/types"
)

// markers holds the curated English and French cue phrases per record type.
// Phrases are matched on word boundaries after normalization.
var markers = map[types.PreferenceType][]string{
	types.PreferenceTypePreference: {
		// en
		"i like", "i love", "i prefer", "i enjoy", "i hate", "i dislike", "i don't like", "i do not like",
		"my favorite", "my favourite", "i'd rather", "i would rather", "i'm a fan of", "i am a fan of",
		"i can't stand",
		// fr
		"j'aime", "j'adore", "je préfère", "je prefere", "je déteste", "je deteste", "je n'aime pas",
		"mon préféré", "ma préférée", "mon prefere", "ma preferee", "je suis fan de",
	},
	types.PreferenceTypeIntent: {
		// en
		"i want to", "i'd like to", "i would like to", "i plan to", "i'm planning", "i am planning",
		"i'm going to", "i am going to", "i will", "i'll", "i intend to", "i need to", "remind me",
		"my goal is", "i hope to",
		// fr
		"je veux", "je voudrais", "j'aimerais", "je vais", "je compte", "je prévois", "je prevois",
		"j'ai l'intention", "rappelle-moi", "rappelle moi", "mon objectif", "il faut que je",
	},
	types.PreferenceTypeConstraint: {
		// en
		"i can't", "i cannot", "i can not", "i must", "i have to", "i'm allergic", "i am allergic",
		"allergic to", "i'm not allowed", "i am not allowed", "i never", "i always", "i only",
		"i don't eat", "i do not eat", "no more than", "at most", "budget",
		// fr
		"je ne peux pas", "je peux pas", "je dois", "je suis allergique", "allergique à", "allergique a",
		"je ne mange pas", "jamais", "toujours", "au maximum", "pas plus de",
	},
}

// FilterResult is the outcome of the lexical pre-filter
type FilterResult struct {
	Candidate  bool
	Categories []types.PreferenceType
	Markers    []string
}

// Filter is the lexical pre-filter that decides whether a turn is worth classifying
type Filter struct {
	markers map[types.PreferenceType][]string
}

// NewFilter creates a filter over the built-in marker sets plus any extra
// phrases. Extra phrases are normalized like the input text.
func NewFilter(extra map[types.PreferenceType][]string) *Filter {
	merged := make(map[types.PreferenceType][]string, len(markers))
	for t, list := range markers {
		merged[t] = append([]string{}, list...)
	}
	for t, list := range extra {
		for _, m := range list {
			if n := normalizeText(m); n != "" {
				merged[t] = append(merged[t], n)
			}
		}
	}
	return &Filter{markers: merged}
}

// Check reports which marker sets text hits
func (f *Filter) Check(text string) FilterResult {
	padded := " " + normalizeText(text) + " "
	var res FilterResult
	if strings.TrimSpace(padded) == "" {
		return res
	}

	for _, t := range []types.PreferenceType{
		types.PreferenceTypePreference,
		types.PreferenceTypeIntent,
		types.PreferenceTypeConstraint,
	} {
		hit := false
		for _, m := range f.markers[t] {
			if strings.Contains(padded, " "+m+" ") {
				res.Markers = append(res.Markers, m)
				hit = true
			}
		}
		if hit {
			res.Categories = append(res.Categories, t)
		}
	}
	sort.Strings(res.Markers)
	res.Candidate = len(res.Categories) > 0
	return res
}

// normalizeText lowercases, unifies apostrophes and turns punctuation other
// than apostrophes and hyphens into single spaces
func normalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '’' || r == '‘' || r == '`':
			b.WriteRune('\'')
		case r == '\'' || r == '-':
			b.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
