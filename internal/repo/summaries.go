package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/cache"

	cachekeys "skim-api/internal/cache"
	"skim-api/internal/model"
	"skim-api/pkg/summarize"
)

// SummariesRepo persists finished summaries and serves cache-aside reads.
// It satisfies summarize.SummaryStore.
type SummariesRepo interface {
	SaveSummary(ctx context.Context, sum *summarize.Summary) error
	ByRequestID(ctx context.Context, requestID string) (*model.SummaryRecord, error)
	LatestByURL(ctx context.Context, url string) (*model.SummaryRecord, error)
	Recent(ctx context.Context, limit int) ([]model.SummaryRecord, error)
}

type summariesRepo struct {
	model model.SummariesModel
	cache cache.Cache
	ttl   cachekeys.TTLSet
}

func newSummariesRepo(deps Dependencies) SummariesRepo {
	return &summariesRepo{
		model: deps.SummariesModel,
		cache: deps.Cache,
		ttl:   deps.TTL,
	}
}

// SaveSummary writes the summary row and primes the read caches.
func (r *summariesRepo) SaveSummary(ctx context.Context, sum *summarize.Summary) error {
	if sum == nil {
		return fmt.Errorf("repo: nil summary")
	}
	rec := summaryRecordFromDomain(sum)
	if _, err := r.model.Insert(ctx, rec); err != nil {
		return err
	}

	ttl := cachekeys.SummaryTTL(r.ttl)
	r.setCache(ctx, cachekeys.SummaryByRequestKey(rec.RequestID), ttl, rec)
	if rec.URLHash != nil {
		r.setCache(ctx, cachekeys.SummaryLatestKey(*rec.URLHash), ttl, rec)
	}
	return nil
}

// ByRequestID loads a summary by its workflow request id.
func (r *summariesRepo) ByRequestID(ctx context.Context, requestID string) (*model.SummaryRecord, error) {
	key := cachekeys.SummaryByRequestKey(requestID)
	var cached model.SummaryRecord
	if ok, _ := r.getCache(ctx, key, &cached); ok {
		return &cached, nil
	}

	rec, err := r.model.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	r.setCache(ctx, key, cachekeys.SummaryTTL(r.ttl), rec)
	return rec, nil
}

// LatestByURL loads the most recent summary stored for a URL.
func (r *summariesRepo) LatestByURL(ctx context.Context, url string) (*model.SummaryRecord, error) {
	hash := cachekeys.URLHash(url)
	key := cachekeys.SummaryLatestKey(hash)
	var cached model.SummaryRecord
	if ok, _ := r.getCache(ctx, key, &cached); ok {
		return &cached, nil
	}

	rec, err := r.model.LatestByURLHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	r.setCache(ctx, key, cachekeys.SummaryTTL(r.ttl), rec)
	return rec, nil
}

// Recent lists the newest summaries.
func (r *summariesRepo) Recent(ctx context.Context, limit int) ([]model.SummaryRecord, error) {
	key := cachekeys.RecentSummariesKey()
	if limit <= 0 {
		var cached []model.SummaryRecord
		if ok, _ := r.getCache(ctx, key, &cached); ok {
			return cached, nil
		}
	}

	recs, err := r.model.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		r.setCache(ctx, key, cachekeys.RecentSummariesTTL(r.ttl), recs)
	}
	return recs, nil
}

func (r *summariesRepo) getCache(ctx context.Context, key string, v any) (bool, error) {
	if r.cache == nil {
		return false, nil
	}
	if err := r.cache.GetCtx(ctx, key, v); err != nil {
		if r.cache.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *summariesRepo) setCache(ctx context.Context, key string, ttl time.Duration, v any) {
	if r.cache == nil || ttl <= 0 {
		return
	}
	if err := r.cache.SetWithExpireCtx(ctx, key, v, ttl); err != nil {
		logx.WithContext(ctx).Errorf("repo: set cache %s: %v", key, err)
	}
}

func summaryRecordFromDomain(sum *summarize.Summary) *model.SummaryRecord {
	rec := &model.SummaryRecord{
		RequestID:  sum.RequestID,
		Title:      sum.Title,
		TLDR:       sum.TLDR,
		KeyPoints:  sum.KeyPoints,
		Topics:     sum.Topics,
		Structured: sum.Structured,
		CreatedAt:  sum.CreatedAt,
	}
	if url := strings.TrimSpace(sum.Source.URL); url != "" {
		hash := cachekeys.URLHash(url)
		rec.URL = &url
		rec.URLHash = &hash
	}
	if lang := strings.TrimSpace(sum.Language); lang != "" {
		rec.Language = &lang
	}
	if modelID := strings.TrimSpace(sum.Model); modelID != "" {
		rec.Model = &modelID
	}
	return rec
}
