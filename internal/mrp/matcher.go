package mrp

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/opensource-finance/billwatch/internal/domain"
	"github.com/opensource-finance/billwatch/internal/textnorm"
)

// Matcher resolves names against an Index in three tiers: exact key,
// brand candidate containing every query token, then guarded fuzzy
// similarity. It holds no mutable state and is safe for concurrent use.
type Matcher struct {
	index     *Index
	threshold float64
}

// NewMatcher creates a matcher. A threshold outside (0,1) uses the default.
func NewMatcher(index *Index, threshold float64) *Matcher {
	if threshold <= 0 || threshold >= 1 {
		threshold = domain.DefaultFuzzyThreshold
	}
	return &Matcher{index: index, threshold: threshold}
}

// Index returns the underlying reference index.
func (m *Matcher) Index() *Index {
	return m.index
}

// FindMRP resolves a raw item name. The bool is false when no tier matched.
func (m *Matcher) FindMRP(_ context.Context, name string) (domain.PriceMatch, bool) {
	return m.MatchNormalized(textnorm.Normalize(name))
}

// MatchNormalized resolves an already-normalized query.
func (m *Matcher) MatchNormalized(query string) (domain.PriceMatch, bool) {
	if query == "" {
		return domain.PriceMatch{}, false
	}

	if e, ok := m.index.Lookup(query); ok {
		return domain.PriceMatch{
			Query:     query,
			Candidate: e.Name,
			Price:     e.Price,
			Tier:      domain.MatchExact,
			Score:     1,
		}, true
	}

	candidates := m.index.Candidates(textnorm.Brand(query))
	if len(candidates) == 0 {
		return domain.PriceMatch{}, false
	}

	numbers := textnorm.ExtractNumbers(query)
	tokens := textnorm.Tokens(query)

	for _, name := range candidates {
		e, _ := m.index.Lookup(name)
		if !numbersCompatible(numbers, e.Numbers) {
			continue
		}
		if containsAllTokens(name, tokens) {
			return domain.PriceMatch{
				Query:     query,
				Candidate: name,
				Price:     e.Price,
				Tier:      domain.MatchSubset,
				Score:     Similarity(query, name),
			}, true
		}
	}

	var (
		best      *Entry
		bestScore float64
	)
	for _, name := range candidates {
		e, _ := m.index.Lookup(name)
		if !numbers.Equal(e.Numbers) {
			continue
		}
		// Strictly greater: on a tie the earlier candidate is kept.
		if score := Similarity(query, name); score > bestScore {
			best, bestScore = e, score
		}
	}

	if best == nil || bestScore <= m.threshold {
		return domain.PriceMatch{}, false
	}
	return domain.PriceMatch{
		Query:     query,
		Candidate: best.Name,
		Price:     best.Price,
		Tier:      domain.MatchFuzzy,
		Score:     bestScore,
	}, true
}

// numbersCompatible applies the numeric guard. Combination products (more
// than one numeric token) accept a query whose tokens are a subset; every
// other product requires the same set.
func numbersCompatible(query, candidate textnorm.Set) bool {
	if candidate.Len() > 1 {
		return query.SubsetOf(candidate)
	}
	return query.Equal(candidate)
}

func containsAllTokens(candidate string, tokens []string) bool {
	for _, tok := range tokens {
		if !strings.Contains(candidate, tok) {
			return false
		}
	}
	return true
}

// Similarity returns 1 - editDistance/maxLength, in [0,1].
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}
