// Package mrp resolves free-text bill item names against a reference
// maximum-retail-price dataset.
package mrp

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/opensource-finance/billwatch/internal/textnorm"
)

// Entry is a reference price keyed by normalized name.
type Entry struct {
	Name    string
	Price   float64
	Numbers textnorm.Set
}

// Stats describes a built index.
type Stats struct {
	Records    int    `json:"records"`
	Entries    int    `json:"entries"`
	Brands     int    `json:"brands"`
	Duplicates int    `json:"duplicates"`
	Version    string `json:"version"`
}

// Index is the read-only reference price index. It is built once and
// shared by every matching operation; nothing mutates it after Build.
type Index struct {
	entries map[string]*Entry
	brands  map[string][]string
	stats   Stats
}

// Build indexes records in order. A later record whose normalized name
// collides with an earlier one replaces its price and numeric tokens; the
// name keeps its first position in the brand list.
func Build(records []Record) (*Index, error) {
	if len(records) == 0 {
		return nil, ErrEmptyDataset
	}

	idx := &Index{
		entries: make(map[string]*Entry, len(records)),
		brands:  make(map[string][]string),
	}

	for _, rec := range records {
		norm := textnorm.Normalize(rec.Name)
		if norm == "" {
			return nil, fmt.Errorf("%w: entry %q has an empty name", ErrMalformedDataset, rec.Key)
		}
		if rec.Price <= 0 {
			return nil, fmt.Errorf("%w: entry %q has non-positive price %v", ErrMalformedDataset, rec.Key, rec.Price)
		}

		entry := &Entry{
			Name:    norm,
			Price:   rec.Price,
			Numbers: textnorm.ExtractNumbers(norm),
		}

		if prev, exists := idx.entries[norm]; exists {
			idx.stats.Duplicates++
			slog.Warn("duplicate reference name overwritten",
				"name", norm,
				"key", rec.Key,
				"old_price", prev.Price,
				"new_price", rec.Price,
			)
			idx.entries[norm] = entry
			continue
		}

		idx.entries[norm] = entry
		brand := textnorm.Brand(norm)
		idx.brands[brand] = append(idx.brands[brand], norm)
	}

	idx.stats.Records = len(records)
	idx.stats.Entries = len(idx.entries)
	idx.stats.Brands = len(idx.brands)
	idx.stats.Version = idx.fingerprint()

	return idx, nil
}

// Lookup returns the entry stored under a normalized name.
func (idx *Index) Lookup(normalized string) (*Entry, bool) {
	e, ok := idx.entries[normalized]
	return e, ok
}

// Candidates returns the normalized names sharing a brand, in file order.
// The returned slice must not be modified.
func (idx *Index) Candidates(brand string) []string {
	return idx.brands[brand]
}

// Len returns the number of distinct normalized names.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Stats returns build statistics.
func (idx *Index) Stats() Stats {
	return idx.stats
}

// Version identifies the indexed content. Two indexes built from the same
// effective data share a version.
func (idx *Index) Version() string {
	return idx.stats.Version
}

func (idx *Index) fingerprint() string {
	h := xxhash.New()
	for _, names := range idx.sortedBrands() {
		for _, name := range names {
			e := idx.entries[name]
			h.WriteString(name)
			h.WriteString("\x00")
			h.WriteString(strconv.FormatFloat(e.Price, 'g', -1, 64))
			h.WriteString("\n")
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func (idx *Index) sortedBrands() [][]string {
	keys := make([]string, 0, len(idx.brands))
	for b := range idx.brands {
		keys = append(keys, b)
	}
	sort.Strings(keys)

	out := make([][]string, 0, len(keys))
	for _, b := range keys {
		out = append(out, idx.brands[b])
	}
	return out
}
