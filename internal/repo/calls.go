package repo

import (
	"context"
	"strings"
	"time"

	"skim-api/internal/model"
	"skim-api/pkg/summarize"
)

// CallsRepo records per-call LLM accounting rows. It satisfies
// summarize.CallRecorder.
type CallsRepo interface {
	RecordCall(ctx context.Context, rec summarize.CallRecord) error
	ByRequestIDs(ctx context.Context, requestIDs []string) ([]model.LLMCallRecord, error)
	CostSince(ctx context.Context, since time.Time) (float64, error)
}

type callsRepo struct {
	model model.CallRecordsModel
}

func newCallsRepo(deps Dependencies) CallsRepo {
	return &callsRepo{
		model: deps.CallRecordsModel,
	}
}

// RecordCall implements summarize.CallRecorder.
func (r *callsRepo) RecordCall(ctx context.Context, rec summarize.CallRecord) error {
	return r.model.Insert(ctx, callRecordFromDomain(rec))
}

// ByRequestIDs returns the calls made for the given workflow request ids.
func (r *callsRepo) ByRequestIDs(ctx context.Context, requestIDs []string) ([]model.LLMCallRecord, error) {
	return r.model.ByRequestIDs(ctx, requestIDs)
}

// CostSince sums recorded call costs from the given time.
func (r *callsRepo) CostSince(ctx context.Context, since time.Time) (float64, error) {
	return r.model.CostSince(ctx, since)
}

func callRecordFromDomain(rec summarize.CallRecord) *model.LLMCallRecord {
	row := &model.LLMCallRecord{
		RequestID:        rec.RequestID,
		PromptTokens:     int64(rec.PromptTokens),
		CompletionTokens: int64(rec.CompletionTokens),
		TotalTokens:      int64(rec.TotalTokens),
		Cost:             rec.Cost,
		Structured:       rec.Structured,
		Fallback:         rec.Fallback,
		Status:           rec.Status,
		LatencyMs:        rec.Latency.Milliseconds(),
		CreatedAt:        rec.Timestamp,
	}
	if url := strings.TrimSpace(rec.URL); url != "" {
		row.URL = &url
	}
	if modelID := strings.TrimSpace(rec.Model); modelID != "" {
		row.Model = &modelID
	}
	if digest := strings.TrimSpace(rec.PromptDigest); digest != "" {
		row.PromptDigest = &digest
	}
	if msg := strings.TrimSpace(rec.ErrorMessage); msg != "" {
		row.ErrorMessage = &msg
	}
	return row
}
