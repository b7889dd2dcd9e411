package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"skim-api/pkg/summarize"
)

// Record is the JSON shape written for each LLM call.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	Sequence         int       `json:"sequence"`
	RequestID        string    `json:"request_id,omitempty"`
	URL              string    `json:"url,omitempty"`
	Model            string    `json:"model,omitempty"`
	PromptDigest     string    `json:"prompt_digest,omitempty"`
	Prompt           string    `json:"prompt,omitempty"`
	Response         string    `json:"response,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	TotalTokens      int       `json:"total_tokens,omitempty"`
	Cost             *float64  `json:"cost,omitempty"`
	Structured       bool      `json:"structured"`
	Fallback         bool      `json:"fallback,omitempty"`
	Status           string    `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	LatencyMS        int64     `json:"latency_ms,omitempty"`
}

// Writer persists call records to a directory as JSON files, one file per
// call. It satisfies summarize.CallRecorder.
type Writer struct {
	dir   string
	mu    sync.Mutex
	seq   int
	nowFn func() time.Time
}

// NewWriter constructs a journal writer.
func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = "journal"
	}
	_ = os.MkdirAll(dir, 0o755)
	return &Writer{dir: dir, nowFn: time.Now}
}

// Write persists a record to a timestamped JSON file and returns its path.
func (w *Writer) Write(rec *Record) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("journal: nil record")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.nowFn()
	}
	w.seq++
	rec.Sequence = w.seq
	name := fmt.Sprintf("call_%s_%05d.json", rec.Timestamp.UTC().Format("20060102_150405"), w.seq)
	path := filepath.Join(w.dir, name)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// RecordCall implements summarize.CallRecorder.
func (w *Writer) RecordCall(ctx context.Context, rec summarize.CallRecord) error {
	_, err := w.Write(&Record{
		Timestamp:        rec.Timestamp,
		RequestID:        rec.RequestID,
		URL:              rec.URL,
		Model:            rec.Model,
		PromptDigest:     rec.PromptDigest,
		Prompt:           rec.Prompt,
		Response:         rec.Response,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens,
		Cost:             rec.Cost,
		Structured:       rec.Structured,
		Fallback:         rec.Fallback,
		Status:           rec.Status,
		ErrorMessage:     rec.ErrorMessage,
		LatencyMS:        rec.Latency.Milliseconds(),
	})
	return err
}
