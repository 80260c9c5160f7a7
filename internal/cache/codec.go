package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/billwatch/internal/domain"
)

// Stats reports local cache usage.
type Stats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

type byteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

func getMatch(ctx context.Context, s byteStore, key string) (*domain.CachedMatch, error) {
	data, err := s.Get(ctx, key)
	if err != nil || data == nil {
		return nil, err
	}

	var m domain.CachedMatch
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding cached match: %w", err)
	}
	return &m, nil
}

func setMatch(ctx context.Context, s byteStore, key string, m *domain.CachedMatch, ttl time.Duration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data, ttl)
}
