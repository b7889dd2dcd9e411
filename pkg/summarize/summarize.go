package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"skim-api/pkg/extract"
	"skim-api/pkg/llm"
)

// Summarizer turns URLs or raw text into structured summaries.
type Summarizer interface {
	// SummarizeURL extracts the page behind url and summarizes its content.
	SummarizeURL(ctx context.Context, url string) (*Summary, error)
	// SummarizeText summarizes caller-provided text without extraction.
	SummarizeText(ctx context.Context, text string) (*Summary, error)
	// GetConfig exposes the immutable summarize configuration.
	GetConfig() *Config
}

// Extractor fetches readable page content for a URL. *extract.Client
// satisfies this.
type Extractor interface {
	Extract(ctx context.Context, url string) (*extract.Document, error)
}

// BasicSummarizer wires configuration, prompt rendering, extraction and the
// LLM client into the summarize workflow.
type BasicSummarizer struct {
	cfg       *Config
	llm       llm.LLMClient
	extractor Extractor
	prompt    *llm.PromptTemplate
	calls     CallRecorder
	store     SummaryStore
	pages     PageCache
	now       func() time.Time
}

// NewSummarizer constructs a BasicSummarizer. The extractor may be nil when
// only SummarizeText is used.
func NewSummarizer(cfg *Config, client llm.LLMClient, extractor Extractor, opts ...Option) (*BasicSummarizer, error) {
	if cfg == nil {
		return nil, errors.New("summarize: config is required")
	}
	if client == nil {
		return nil, errors.New("summarize: llm client is required")
	}
	prompt, err := loadPrompt(cfg)
	if err != nil {
		return nil, err
	}
	s := &BasicSummarizer{
		cfg:       cfg,
		llm:       client,
		extractor: extractor,
		prompt:    prompt,
		calls:     noopCallRecorder{},
		store:     noopSummaryStore{},
		pages:     noopPageCache{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func loadPrompt(cfg *Config) (*llm.PromptTemplate, error) {
	if strings.TrimSpace(cfg.PromptPath) != "" {
		return llm.NewPromptTemplate(cfg.PromptPath, nil)
	}
	return llm.NewPromptTemplateFromString("summarize", defaultPromptSource, nil)
}

// GetConfig returns the underlying configuration.
func (s *BasicSummarizer) GetConfig() *Config { return s.cfg }

// Prompt exposes the loaded template so callers can reload or audit it.
func (s *BasicSummarizer) Prompt() *llm.PromptTemplate { return s.prompt }

// SummarizeURL implements the end-to-end flow: page cache, extraction,
// prompt, structured completion with one unstructured fallback, persistence.
func (s *BasicSummarizer) SummarizeURL(ctx context.Context, rawURL string) (*Summary, error) {
	if s == nil || s.prompt == nil {
		return nil, errors.New("summarize: not initialised")
	}
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("summarize: url is required")
	}
	if s.extractor == nil {
		return nil, errors.New("summarize: no extractor configured")
	}

	requestID := uuid.NewString()

	doc, fromCache := s.lookupPage(ctx, rawURL)
	if doc == nil {
		fetched, err := s.extractor.Extract(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("summarize: extract %s: %w", rawURL, err)
		}
		doc = fetched
		s.storePage(ctx, rawURL, doc)
	}

	content, clipped := clipContent(doc.Content, s.cfg.MaxContentChars)
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("summarize: no readable content at %s", rawURL)
	}
	source := Source{
		URL:       rawURL,
		Title:     doc.Title,
		SiteName:  doc.SiteName,
		WordCount: doc.WordCount,
		FromCache: fromCache,
		Clipped:   clipped,
	}
	return s.run(ctx, requestID, source, content)
}

// SummarizeText summarizes caller-provided text, skipping extraction.
func (s *BasicSummarizer) SummarizeText(ctx context.Context, text string) (*Summary, error) {
	if s == nil || s.prompt == nil {
		return nil, errors.New("summarize: not initialised")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("summarize: text is required")
	}

	requestID := uuid.NewString()
	content, clipped := clipContent(text, s.cfg.MaxContentChars)
	source := Source{
		WordCount: len(strings.Fields(text)),
		Clipped:   clipped,
	}
	return s.run(ctx, requestID, source, content)
}

func (s *BasicSummarizer) run(ctx context.Context, requestID string, source Source, content string) (*Summary, error) {
	prompt, err := s.prompt.Render(promptInputs{
		URL:       source.URL,
		Title:     source.Title,
		SiteName:  source.SiteName,
		Style:     s.cfg.Style,
		Language:  s.cfg.Language,
		MaxPoints: s.cfg.MaxKeyPoints,
		Content:   content,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize: render prompt: %w", err)
	}

	callCtx := ctx
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	res, contract, err := s.complete(callCtx, requestID, source.URL, prompt)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		RequestID: requestID,
		Source:    source,
		Model:     res.Model,
		CreatedAt: s.now(),
	}
	if contract != nil {
		s.applyContract(sum, contract)
		sum.Structured = true
	} else {
		s.applyLoose(sum, res.Content)
	}
	if sum.TLDR == "" && len(sum.KeyPoints) == 0 {
		return nil, errors.New("summarize: model returned an empty summary")
	}

	s.storeSummary(ctx, sum)
	return sum, nil
}

// complete runs the structured completion and, when the structured contract
// fails after the client's own budgets, retries once without a format
// contract. A nil contract in the return means the fallback text was used.
func (s *BasicSummarizer) complete(ctx context.Context, requestID, url, prompt string) (*llm.CallResult, *summaryContract, error) {
	req := &llm.ChatRequest{
		Messages: []llm.Message{{Role: "system", Content: prompt}},
	}

	var contract summaryContract
	res, err := s.llm.ChatStructured(ctx, req, &contract)
	var parseErr *llm.ParseError
	if err != nil && !errors.As(err, &parseErr) {
		return nil, nil, fmt.Errorf("summarize: llm call: %w", err)
	}
	s.recordCall(ctx, requestID, url, prompt, res, false)
	if err == nil && res.OK() {
		return res, &contract, nil
	}

	fallback, err := s.llm.Chat(ctx, &llm.ChatRequest{Messages: req.Messages})
	if err != nil {
		return nil, nil, fmt.Errorf("summarize: fallback chat: %w", err)
	}
	s.recordCall(ctx, requestID, url, prompt, fallback, true)
	if !fallback.OK() {
		return nil, nil, fmt.Errorf("summarize: llm call failed: %s", fallback.ErrorMessage)
	}
	return fallback, nil, nil
}

// applyContract maps the structured contract onto the summary.
func (s *BasicSummarizer) applyContract(sum *Summary, c *summaryContract) {
	sum.Title = strings.TrimSpace(c.Title)
	sum.TLDR = strings.TrimSpace(c.TLDR)
	sum.KeyPoints = cleanList(c.KeyPoints, s.cfg.MaxKeyPoints)
	sum.Topics = cleanList(c.Topics, 0)
	sum.Language = strings.TrimSpace(c.Language)
}

// applyLoose maps an unstructured completion onto the summary. Models often
// return the JSON shape anyway; try that first, otherwise keep the prose as
// the tl;dr.
func (s *BasicSummarizer) applyLoose(sum *Summary, content string) {
	var c summaryContract
	if err := llm.ParseStructured(stripFence(content), &c); err == nil {
		s.applyContract(sum, &c)
		return
	}
	sum.Title = sum.Source.Title
	sum.TLDR = strings.TrimSpace(content)
}

func (s *BasicSummarizer) lookupPage(ctx context.Context, url string) (*extract.Document, bool) {
	doc, ok, err := s.pages.GetPage(ctx, url)
	if err != nil {
		logPersistenceError(err, "page cache get", map[string]any{"url": url})
		return nil, false
	}
	if !ok || doc == nil {
		return nil, false
	}
	return doc, true
}

func (s *BasicSummarizer) storePage(ctx context.Context, url string, doc *extract.Document) {
	err := s.pages.SetPage(ctx, url, doc)
	logPersistenceError(err, "page cache set", map[string]any{"url": url})
}

func (s *BasicSummarizer) storeSummary(ctx context.Context, sum *Summary) {
	err := s.store.SaveSummary(ctx, sum)
	logPersistenceError(err, "save summary", map[string]any{"request_id": sum.RequestID})
}

func (s *BasicSummarizer) recordCall(ctx context.Context, requestID, url, prompt string, res *llm.CallResult, fallback bool) {
	if res == nil {
		return
	}
	rec := CallRecord{
		RequestID:        requestID,
		URL:              url,
		Model:            res.Model,
		Prompt:           prompt,
		PromptDigest:     llm.DigestString(prompt),
		Response:         res.Content,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		TotalTokens:      res.TotalTokens,
		Cost:             res.Cost,
		Structured:       res.StructuredUsed,
		Fallback:         fallback,
		Status:           string(res.Status),
		ErrorMessage:     res.ErrorMessage,
		Latency:          res.Latency,
		Timestamp:        s.now(),
	}
	err := s.calls.RecordCall(ctx, rec)
	logPersistenceError(err, "record call", map[string]any{"request_id": requestID})
}

// stripFence removes one surrounding markdown code fence.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		text = text[idx+1:]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
