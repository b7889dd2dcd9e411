package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeromicro/go-zero/core/stores/redis"

	"skim-api/pkg/extract"
)

// PageStore caches extracted documents in Redis, msgpack encoded and keyed by
// URL hash. It satisfies summarize.PageCache. A nil store or nil client reads
// as a permanent miss.
type PageStore struct {
	rds *redis.Redis
	ttl time.Duration
}

// NewPageStore constructs a page store. ttl <= 0 stores pages without expiry.
func NewPageStore(rds *redis.Redis, ttl time.Duration) *PageStore {
	return &PageStore{rds: rds, ttl: ttl}
}

// GetPage loads a cached document for url.
func (s *PageStore) GetPage(ctx context.Context, url string) (*extract.Document, bool, error) {
	if s == nil || s.rds == nil {
		return nil, false, nil
	}
	key := PageKey(URLHash(url))
	raw, err := s.rds.GetCtx(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("cache: get page %s: %w", key, err)
	}
	if raw == "" {
		return nil, false, nil
	}
	var doc extract.Document
	if err := msgpack.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("cache: decode page %s: %w", key, err)
	}
	return &doc, true, nil
}

// SetPage stores an extracted document for url.
func (s *PageStore) SetPage(ctx context.Context, url string, doc *extract.Document) error {
	if s == nil || s.rds == nil || doc == nil {
		return nil
	}
	payload, err := msgpack.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cache: encode page: %w", err)
	}
	key := PageKey(URLHash(url))
	seconds := int(s.ttl / time.Second)
	if seconds <= 0 {
		if err := s.rds.SetCtx(ctx, key, string(payload)); err != nil {
			return fmt.Errorf("cache: set page %s: %w", key, err)
		}
		return nil
	}
	if err := s.rds.SetexCtx(ctx, key, string(payload), seconds); err != nil {
		return fmt.Errorf("cache: set page %s: %w", key, err)
	}
	return nil
}
