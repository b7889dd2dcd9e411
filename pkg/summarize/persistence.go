package summarize

import (
	"context"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"skim-api/pkg/extract"
)

// CallRecord describes a single summarizer → LLM interaction.
type CallRecord struct {
	RequestID        string
	URL              string
	Model            string
	Prompt           string
	PromptDigest     string
	Response         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             *float64
	Structured       bool
	Fallback         bool
	Status           string
	ErrorMessage     string
	Latency          time.Duration
	Timestamp        time.Time
}

// CallRecorder captures prompt/response pairs for auditing and cost tracking.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

type noopCallRecorder struct{}

func (noopCallRecorder) RecordCall(ctx context.Context, rec CallRecord) error { return nil }

// SummaryStore persists finished summaries.
type SummaryStore interface {
	SaveSummary(ctx context.Context, sum *Summary) error
}

type noopSummaryStore struct{}

func (noopSummaryStore) SaveSummary(ctx context.Context, sum *Summary) error { return nil }

// PageCache avoids re-extracting recently seen URLs. GetPage reports a miss
// with ok=false; errors are treated as misses by the caller.
type PageCache interface {
	GetPage(ctx context.Context, url string) (*extract.Document, bool, error)
	SetPage(ctx context.Context, url string, doc *extract.Document) error
}

type noopPageCache struct{}

func (noopPageCache) GetPage(ctx context.Context, url string) (*extract.Document, bool, error) {
	return nil, false, nil
}

func (noopPageCache) SetPage(ctx context.Context, url string, doc *extract.Document) error {
	return nil
}

// Option customises BasicSummarizer construction.
type Option func(*BasicSummarizer)

// WithCallRecorder injects a recorder used to persist prompt/response pairs.
func WithCallRecorder(rec CallRecorder) Option {
	return func(s *BasicSummarizer) {
		if rec == nil {
			s.calls = noopCallRecorder{}
			return
		}
		s.calls = rec
	}
}

// WithSummaryStore injects a store that keeps finished summaries.
func WithSummaryStore(store SummaryStore) Option {
	return func(s *BasicSummarizer) {
		if store == nil {
			s.store = noopSummaryStore{}
			return
		}
		s.store = store
	}
}

// WithPageCache injects a cache consulted before the extractor.
func WithPageCache(cache PageCache) Option {
	return func(s *BasicSummarizer) {
		if cache == nil {
			s.pages = noopPageCache{}
			return
		}
		s.pages = cache
	}
}

// Persistence failures never fail the summarize call itself.
func logPersistenceError(err error, msg string, fields map[string]any) {
	if err == nil {
		return
	}
	logx.WithContext(context.Background()).Errorf("summarize: %s: %v fields=%v", msg, err, fields)
}
