package mrp

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/billwatch/internal/domain"
	"github.com/opensource-finance/billwatch/internal/textnorm"
)

// CachedMatcher memoizes lookups, including misses, in a domain.Cache.
// Keys carry the index version so a reloaded dataset never reads stale prices.
type CachedMatcher struct {
	matcher *Matcher
	cache   domain.Cache
	ttl     time.Duration
}

// NewCachedMatcher wraps m. A nil cache disables caching.
func NewCachedMatcher(m *Matcher, cache domain.Cache, ttl time.Duration) *CachedMatcher {
	return &CachedMatcher{matcher: m, cache: cache, ttl: ttl}
}

// FindMRP resolves name through the cache. Cache failures fall back to the
// matcher and are only logged.
func (c *CachedMatcher) FindMRP(ctx context.Context, name string) (domain.PriceMatch, bool) {
	query := textnorm.Normalize(name)
	if c.cache == nil || query == "" {
		return c.matcher.MatchNormalized(query)
	}

	key := c.key(query)
	cached, err := c.cache.GetMatch(ctx, key)
	if err != nil {
		slog.Debug("match cache read failed", "key", key, "error", err)
	} else if cached != nil {
		return cached.Match, cached.Found
	}

	match, found := c.matcher.MatchNormalized(query)
	if err := c.cache.SetMatch(ctx, key, &domain.CachedMatch{Found: found, Match: match}, c.ttl); err != nil {
		slog.Debug("match cache write failed", "key", key, "error", err)
	}
	return match, found
}

// Index returns the underlying reference index.
func (c *CachedMatcher) Index() *Index {
	return c.matcher.Index()
}

func (c *CachedMatcher) key(query string) string {
	return "mrp:" + c.matcher.Index().Version() + ":" + query
}
