// Package textnorm canonicalizes free-text item names for reference matching.
package textnorm

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// Normalize lowercases text, replaces every rune outside [a-z0-9] and
// whitespace with a space, collapses whitespace runs and trims.
//
//	Normalize("Tab. PARA-500 MG!!") == "tab para 500 mg"
func Normalize(text string) string {
	mapped := strings.Map(func(r rune) rune {
		r = unicode.ToLower(r)
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return ' '
		}
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}

// Brand returns the first token of a normalized name, or "".
func Brand(normalized string) string {
	brand, _, _ := strings.Cut(normalized, " ")
	return brand
}

// Tokens splits a normalized name on spaces.
func Tokens(normalized string) []string {
	return strings.Fields(normalized)
}

// Set is a set of numeric tokens.
type Set map[string]struct{}

// ExtractNumbers returns every integer or decimal substring of text.
func ExtractNumbers(text string) Set {
	found := numberPattern.FindAllString(text, -1)
	set := make(Set, len(found))
	for _, n := range found {
		set[n] = struct{}{}
	}
	return set
}

// Len returns the number of tokens.
func (s Set) Len() int { return len(s) }

// Has reports membership.
func (s Set) Has(n string) bool {
	_, ok := s[n]
	return ok
}

// SubsetOf reports whether every token of s is in other.
func (s Set) SubsetOf(other Set) bool {
	if len(s) > len(other) {
		return false
	}
	for n := range s {
		if !other.Has(n) {
			return false
		}
	}
	return true
}

// Equal reports set equality.
func (s Set) Equal(other Set) bool {
	return len(s) == len(other) && s.SubsetOf(other)
}

// Sorted returns the tokens in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
