package model

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ SummariesModel = (*defaultSummariesModel)(nil)

// SummaryRecord provides a nullable-safe representation of a summaries row.
// Nullable text fields become pointers so callers can detect unset values.
type SummaryRecord struct {
	ID         int64
	RequestID  string
	URL        *string
	URLHash    *string
	Title      string
	TLDR       string
	KeyPoints  []string
	Topics     []string
	Language   *string
	Model      *string
	Structured bool
	CreatedAt  time.Time
}

// SummariesModel persists finished summaries.
type SummariesModel interface {
	// Insert stores a summary and returns its row id. Re-inserting the same
	// request id is a no-op and returns 0.
	Insert(ctx context.Context, rec *SummaryRecord) (int64, error)
	FindByRequestID(ctx context.Context, requestID string) (*SummaryRecord, error)
	LatestByURLHash(ctx context.Context, urlHash string) (*SummaryRecord, error)
	Recent(ctx context.Context, limit int) ([]SummaryRecord, error)
}

type defaultSummariesModel struct {
	conn sqlx.SqlConn
}

// NewSummariesModel returns a model for the summaries table.
func NewSummariesModel(conn sqlx.SqlConn) SummariesModel {
	return &defaultSummariesModel{conn: conn}
}

type summaryRow struct {
	Id         int64          `db:"id"`
	RequestId  string         `db:"request_id"`
	Url        sql.NullString `db:"url"`
	UrlHash    sql.NullString `db:"url_hash"`
	Title      string         `db:"title"`
	Tldr       string         `db:"tldr"`
	KeyPoints  sql.NullString `db:"key_points"`
	Topics     sql.NullString `db:"topics"`
	Language   sql.NullString `db:"language"`
	Model      sql.NullString `db:"model"`
	Structured bool           `db:"structured"`
	CreatedAt  time.Time      `db:"created_at"`
}

const summaryColumns = `
    id,
    request_id,
    url,
    url_hash,
    title,
    tldr,
    key_points,
    topics,
    language,
    model,
    structured,
    created_at`

func (m *defaultSummariesModel) Insert(ctx context.Context, rec *SummaryRecord) (int64, error) {
	if rec == nil {
		return 0, fmt.Errorf("summaries.Insert: nil record")
	}
	const query = `
INSERT INTO public.summaries (
    request_id, url, url_hash, title, tldr, key_points, topics, language, model, structured, created_at
) VALUES (
    $1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10, $11
)
ON CONFLICT (request_id) DO NOTHING
RETURNING id`

	keyPoints, err := jsonList(rec.KeyPoints)
	if err != nil {
		return 0, fmt.Errorf("summaries.Insert encode key_points: %w", err)
	}
	topics, err := jsonList(rec.Topics)
	if err != nil {
		return 0, fmt.Errorf("summaries.Insert encode topics: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var id int64
	err = m.conn.QueryRowCtx(ctx, &id, query,
		rec.RequestID,
		nullString(rec.URL),
		nullString(rec.URLHash),
		rec.Title,
		rec.TLDR,
		keyPoints,
		topics,
		nullString(rec.Language),
		nullString(rec.Model),
		rec.Structured,
		createdAt,
	)
	if err != nil {
		// The conflict branch returns no row.
		if err == sqlx.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("summaries.Insert: %w", err)
	}
	return id, nil
}

func (m *defaultSummariesModel) FindByRequestID(ctx context.Context, requestID string) (*SummaryRecord, error) {
	query := `
SELECT` + summaryColumns + `
FROM public.summaries
WHERE request_id = $1
LIMIT 1`

	var row summaryRow
	if err := m.conn.QueryRowCtx(ctx, &row, query, requestID); err != nil {
		if err == sqlx.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("summaries.FindByRequestID: %w", err)
	}
	return buildSummaryRecord(&row)
}

func (m *defaultSummariesModel) LatestByURLHash(ctx context.Context, urlHash string) (*SummaryRecord, error) {
	query := `
SELECT` + summaryColumns + `
FROM public.summaries
WHERE url_hash = $1
ORDER BY created_at DESC
LIMIT 1`

	var row summaryRow
	if err := m.conn.QueryRowCtx(ctx, &row, query, urlHash); err != nil {
		if err == sqlx.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("summaries.LatestByURLHash: %w", err)
	}
	return buildSummaryRecord(&row)
}

// Recent returns summaries ordered by creation time descending. Limit
// defaults to 20 when non-positive.
func (m *defaultSummariesModel) Recent(ctx context.Context, limit int) ([]SummaryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
SELECT` + summaryColumns + `
FROM public.summaries
ORDER BY created_at DESC
LIMIT $1`

	var rows []summaryRow
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("summaries.Recent: %w", err)
	}
	result := make([]SummaryRecord, 0, len(rows))
	for i := range rows {
		rec, err := buildSummaryRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	return result, nil
}

func buildSummaryRecord(row *summaryRow) (*SummaryRecord, error) {
	rec := &SummaryRecord{
		ID:         row.Id,
		RequestID:  row.RequestId,
		Title:      row.Title,
		TLDR:       row.Tldr,
		Structured: row.Structured,
		CreatedAt:  row.CreatedAt,
	}
	if row.Url.Valid {
		value := row.Url.String
		rec.URL = &value
	}
	if row.UrlHash.Valid {
		value := row.UrlHash.String
		rec.URLHash = &value
	}
	if row.Language.Valid {
		value := row.Language.String
		rec.Language = &value
	}
	if row.Model.Valid {
		value := row.Model.String
		rec.Model = &value
	}
	var err error
	if rec.KeyPoints, err = decodeList(row.KeyPoints); err != nil {
		return nil, fmt.Errorf("summaries decode key_points: %w", err)
	}
	if rec.Topics, err = decodeList(row.Topics); err != nil {
		return nil, fmt.Errorf("summaries decode topics: %w", err)
	}
	return rec, nil
}

func jsonList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeList(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw.String), &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
