package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ CallRecordsModel = (*defaultCallRecordsModel)(nil)

// LLMCallRecord provides a nullable-safe representation of an llm_calls row.
// The journal keeps full prompt/response text; the table keeps the metrics
// and the prompt digest.
type LLMCallRecord struct {
	ID               int64
	RequestID        string
	URL              *string
	Model            *string
	PromptDigest     *string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Cost             *float64
	Structured       bool
	Fallback         bool
	Status           string
	ErrorMessage     *string
	LatencyMs        int64
	CreatedAt        time.Time
}

// CallRecordsModel persists per-call LLM accounting rows.
type CallRecordsModel interface {
	Insert(ctx context.Context, rec *LLMCallRecord) error
	ByRequestIDs(ctx context.Context, requestIDs []string) ([]LLMCallRecord, error)
	CostSince(ctx context.Context, since time.Time) (float64, error)
}

type defaultCallRecordsModel struct {
	conn sqlx.SqlConn
}

// NewCallRecordsModel returns a model for the llm_calls table.
func NewCallRecordsModel(conn sqlx.SqlConn) CallRecordsModel {
	return &defaultCallRecordsModel{conn: conn}
}

type llmCallRow struct {
	Id               int64           `db:"id"`
	RequestId        string          `db:"request_id"`
	Url              sql.NullString  `db:"url"`
	Model            sql.NullString  `db:"model"`
	PromptDigest     sql.NullString  `db:"prompt_digest"`
	PromptTokens     int64           `db:"prompt_tokens"`
	CompletionTokens int64           `db:"completion_tokens"`
	TotalTokens      int64           `db:"total_tokens"`
	Cost             sql.NullFloat64 `db:"cost"`
	Structured       bool            `db:"structured"`
	Fallback         bool            `db:"fallback"`
	Status           string          `db:"status"`
	ErrorMessage     sql.NullString  `db:"error_message"`
	LatencyMs        int64           `db:"latency_ms"`
	CreatedAt        time.Time       `db:"created_at"`
}

func (m *defaultCallRecordsModel) Insert(ctx context.Context, rec *LLMCallRecord) error {
	if rec == nil {
		return fmt.Errorf("llm_calls.Insert: nil record")
	}
	const query = `
INSERT INTO public.llm_calls (
    request_id, url, model, prompt_digest, prompt_tokens, completion_tokens, total_tokens,
    cost, structured, fallback, status, error_message, latency_ms, created_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
)`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	cost := sql.NullFloat64{}
	if rec.Cost != nil {
		cost = sql.NullFloat64{Float64: *rec.Cost, Valid: true}
	}
	_, err := m.conn.ExecCtx(ctx, query,
		rec.RequestID,
		nullString(rec.URL),
		nullString(rec.Model),
		nullString(rec.PromptDigest),
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		cost,
		rec.Structured,
		rec.Fallback,
		rec.Status,
		nullString(rec.ErrorMessage),
		rec.LatencyMs,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("llm_calls.Insert: %w", err)
	}
	return nil
}

// ByRequestIDs returns calls for the given workflow request ids ordered by
// creation time ascending.
func (m *defaultCallRecordsModel) ByRequestIDs(ctx context.Context, requestIDs []string) ([]LLMCallRecord, error) {
	if len(requestIDs) == 0 {
		return nil, nil
	}
	const query = `
SELECT
    id,
    request_id,
    url,
    model,
    prompt_digest,
    prompt_tokens,
    completion_tokens,
    total_tokens,
    cost,
    structured,
    fallback,
    status,
    error_message,
    latency_ms,
    created_at
FROM public.llm_calls
WHERE request_id = ANY($1)
ORDER BY created_at ASC, id ASC`

	var rows []llmCallRow
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, pq.Array(requestIDs)); err != nil {
		return nil, fmt.Errorf("llm_calls.ByRequestIDs: %w", err)
	}
	result := make([]LLMCallRecord, 0, len(rows))
	for i := range rows {
		result = append(result, buildCallRecord(&rows[i]))
	}
	return result, nil
}

// CostSince sums recorded call costs from the given time. Rows without a
// cost contribute zero.
func (m *defaultCallRecordsModel) CostSince(ctx context.Context, since time.Time) (float64, error) {
	const query = `
SELECT COALESCE(SUM(cost), 0)
FROM public.llm_calls
WHERE created_at >= $1`

	var total float64
	if err := m.conn.QueryRowCtx(ctx, &total, query, since); err != nil {
		return 0, fmt.Errorf("llm_calls.CostSince: %w", err)
	}
	return total, nil
}

func buildCallRecord(row *llmCallRow) LLMCallRecord {
	rec := LLMCallRecord{
		ID:               row.Id,
		RequestID:        row.RequestId,
		PromptTokens:     row.PromptTokens,
		CompletionTokens: row.CompletionTokens,
		TotalTokens:      row.TotalTokens,
		Structured:       row.Structured,
		Fallback:         row.Fallback,
		Status:           row.Status,
		LatencyMs:        row.LatencyMs,
		CreatedAt:        row.CreatedAt,
	}
	if row.Url.Valid {
		value := row.Url.String
		rec.URL = &value
	}
	if row.Model.Valid {
		value := row.Model.String
		rec.Model = &value
	}
	if row.PromptDigest.Valid {
		value := row.PromptDigest.String
		rec.PromptDigest = &value
	}
	if row.Cost.Valid {
		value := row.Cost.Float64
		rec.Cost = &value
	}
	if row.ErrorMessage.Valid {
		value := row.ErrorMessage.String
		rec.ErrorMessage = &value
	}
	return rec
}
