package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"
)

// exhaustedMessage is the terminal error once every candidate model and its
// retry budget have been consumed.
const exhaustedMessage = "llm: all models and retries exhausted"

// LLMClient defines the supported client behaviours.
type LLMClient interface {
	Chat(ctx context.Context, req *ChatRequest) (*CallResult, error)
	ChatStructured(ctx context.Context, req *ChatRequest, target any) (*CallResult, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	GetConfig() *Config
	Close() error
}

// Client orchestrates chat completions across a primary model and its
// fallbacks, with per-model retry budgets, format downgrade and backoff.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     Logger
	builder    *requestBuilder
	classify   classifier
	registry   *CapabilityRegistry

	// sleep is swappable so tests can observe pacing without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ LLMClient = (*Client)(nil)

// ClientOption configures optional client behaviour.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger     Logger
	httpClient *http.Client
	policy     *BackoffPolicy
}

// WithLogger injects a custom logger implementation.
func WithLogger(logger Logger) ClientOption {
	return func(opts *clientOptions) {
		opts.logger = logger
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(opts *clientOptions) {
		opts.httpClient = client
	}
}

// WithBackoffPolicy overrides the backoff derived from the configuration.
func WithBackoffPolicy(policy BackoffPolicy) ClientOption {
	return func(opts *clientOptions) {
		opts.policy = &policy
	}
}

// NewClient constructs a new LLM client using the provided configuration.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("llm: config cannot be nil")
	}

	clientCfg := cfg.Clone()
	if clientCfg == nil {
		return nil, errors.New("llm: failed to copy config")
	}
	clientCfg.applyDefaults()
	if err := clientCfg.Validate(); err != nil {
		return nil, err
	}

	optState := clientOptions{}
	for _, opt := range opts {
		opt(&optState)
	}

	logger := optState.logger
	if logger == nil {
		logger = NewLogger(clientCfg.LogLevel)
	}

	policy := NewBackoffPolicy(clientCfg.BackoffBase, clientCfg.BackoffMax)
	if optState.policy != nil {
		policy = *optState.policy
	}

	httpClient := optState.httpClient
	if httpClient == nil {
		// Attempt deadlines come from the request context, not the client.
		httpClient = &http.Client{Transport: clientCfg.Pool.transport()}
	}

	c := &Client{
		config:     clientCfg,
		httpClient: httpClient,
		logger:     logger,
		builder:    newRequestBuilder(clientCfg),
		classify:   classifier{policy: policy},
		sleep:      sleepContext,
	}
	c.registry = NewCapabilityRegistry(clientCfg, httpClient, logger)
	return c, nil
}

// Chat runs one logical completion across the configured model chain. It
// returns an error only for invalid input or context cancellation; provider
// failures surface as a CallResult with Status CallError.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*CallResult, error) {
	if req == nil {
		return nil, errors.New("llm: request cannot be nil")
	}
	if err := c.builder.validate(req); err != nil {
		return nil, err
	}

	startMode := c.resolveMode(req)
	compress := c.builder.shouldCompress(req)
	primary := strings.TrimSpace(req.Model)
	if primary == "" {
		primary = c.config.Model
	}

	if err := c.registry.EnsureRefreshed(ctx); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	models := c.registry.FallbackList(primary, c.config.FallbackModels, startMode.Structured())

	st := &callState{req: req, started: time.Now()}
	c.logger.Info(ctx, "llm chat request", Fields{
		"models":   strings.Join(models, ","),
		"messages": len(req.Messages),
		"mode":     string(startMode),
		"compress": compress,
	})
	c.logger.Debug(ctx, "llm chat prompt", Fields{
		"prompt": summarizeMessages(req.Messages),
	})

	for _, model := range models {
		res, err := c.runModel(ctx, st, model, startMode, compress)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	return c.exhausted(ctx, st, startMode), nil
}

// callState accumulates per-call diagnostics across models and attempts.
type callState struct {
	req       *ChatRequest
	started   time.Time
	attempts  int
	lastCtx   *ErrorContext
	lastModel string
}

// runModel drives the retry loop for one candidate model. A nil, nil return
// means the next candidate should be tried.
func (c *Client) runModel(ctx context.Context, st *callState, model string, mode FormatMode, compress bool) (*CallResult, error) {
	retries := 0
	allowed := c.config.MaxRetries
	extraGranted := false
	alternate := false

	for {
		st.attempts++
		out, err := c.attempt(ctx, st.req, model, mode, compress, alternate)
		if err != nil {
			return nil, err
		}
		if out.env != nil && out.env.Model != "" {
			st.lastModel = out.env.Model
		}

		switch out.sig {
		case sigSuccess:
			return c.success(ctx, st, model, mode, out), nil
		case sigCancelled:
			return nil, ctx.Err()
		}

		st.lastCtx = c.errorContext(out, model)

		var d decision
		switch out.sig {
		case sigParseFailed:
			// A structured contract violation is terminal for the whole call;
			// switching models cannot repair it.
			return c.failure(ctx, st, model, mode, "llm: structured output did not parse", out.text), nil
		case sigTruncated:
			if !extraGranted && c.config.Truncation.AppliesTo(model) {
				allowed += c.config.Truncation.ExtraAttempts
				extraGranted = true
			}
			d = c.classify.truncation(mode, retries, allowed)
		case sigTransport, sigMalformed:
			d = c.classify.transport(retries, allowed)
		default:
			d = c.classify.status(out.statusCode, string(out.body), out.retryAfter, mode, retries, allowed)
		}

		c.logger.Warn(ctx, "llm attempt failed", Fields{
			"model":   model,
			"signal":  out.sig.String(),
			"status":  out.statusCode,
			"action":  d.action.String(),
			"reason":  d.reason,
			"attempt": st.attempts,
		})

		switch d.action {
		case actionRetry:
			retries++
			if d.alternate {
				alternate = true
			}
			if d.sleep > 0 {
				if err := c.sleep(ctx, d.sleep); err != nil {
					return nil, err
				}
			}
		case actionDowngrade:
			mode = d.mode
		case actionNextModel:
			return nil, nil
		default:
			return c.failure(ctx, st, model, mode, fatalMessage(out), out.text), nil
		}
	}
}

// attemptSignal classifies the outcome of a single provider round trip.
type attemptSignal int

const (
	sigSuccess attemptSignal = iota
	sigCancelled
	sigTransport
	sigHTTPError
	sigTruncated
	sigParseFailed
	sigMalformed
)

func (s attemptSignal) String() string {
	switch s {
	case sigSuccess:
		return "success"
	case sigCancelled:
		return "cancelled"
	case sigTransport:
		return "transport"
	case sigHTTPError:
		return "http_error"
	case sigTruncated:
		return "truncated"
	case sigParseFailed:
		return "parse_failed"
	case sigMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

type attemptOutcome struct {
	sig          attemptSignal
	statusCode   int
	body         []byte
	env          *completionEnvelope
	text         string
	retryAfter   time.Duration
	errMsg       string
	errCode      string
	finishReason string
	nativeFinish string
}

// attempt performs one provider round trip. A non-nil error aborts the whole
// call; everything else is reported through the outcome signal.
func (c *Client) attempt(ctx context.Context, req *ChatRequest, model string, mode FormatMode, compress, alternate bool) (attemptOutcome, error) {
	payload, err := c.builder.build(model, req, mode, compress, alternate)
	if err != nil {
		return attemptOutcome{}, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	url := strings.TrimRight(c.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return attemptOutcome{}, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header = c.builder.headers()

	c.logger.Debug(ctx, "llm attempt", Fields{
		"model":   model,
		"mode":    string(mode),
		"bytes":   len(payload),
		"headers": redactHeaders(httpReq.Header),
	})

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return attemptOutcome{sig: sigCancelled}, nil
		}
		return attemptOutcome{sig: sigTransport, errMsg: err.Error()}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return attemptOutcome{sig: sigCancelled}, nil
		}
		return attemptOutcome{sig: sigTransport, errMsg: err.Error()}, nil
	}

	retryAfter := parseRetryAfter(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, code := parseErrorBody(body)
		return attemptOutcome{
			sig:        sigHTTPError,
			statusCode: resp.StatusCode,
			body:       body,
			retryAfter: retryAfter,
			errMsg:     msg,
			errCode:    code,
		}, nil
	}

	env, err := decodeCompletion(body)
	if err != nil {
		return attemptOutcome{sig: sigMalformed, body: body, errMsg: err.Error()}, nil
	}

	if env.Error != nil {
		// Some providers wrap errors in a 200. Classify by the embedded code;
		// a non-numeric code reads as a retryable upstream failure.
		status := env.Error.Code.Int()
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return attemptOutcome{
			sig:        sigHTTPError,
			statusCode: status,
			body:       body,
			env:        env,
			retryAfter: retryAfter,
			errMsg:     env.Error.Message,
			errCode:    string(env.Error.Code),
		}, nil
	}

	text := env.text()
	if strings.TrimSpace(text) == "" {
		return attemptOutcome{sig: sigMalformed, env: env, body: body, errMsg: "empty completion"}, nil
	}

	if cut, fr, nfr := env.truncated(); cut {
		return attemptOutcome{
			sig:          sigTruncated,
			env:          env,
			text:         text,
			finishReason: fr,
			nativeFinish: nfr,
		}, nil
	}

	ok, normalized := validateStructured(text, mode)
	if !ok {
		return attemptOutcome{sig: sigParseFailed, env: env, text: text}, nil
	}
	return attemptOutcome{sig: sigSuccess, env: env, text: normalized}, nil
}

func (c *Client) success(ctx context.Context, st *callState, model string, mode FormatMode, out attemptOutcome) *CallResult {
	reported := model
	if out.env != nil && out.env.Model != "" {
		reported = out.env.Model
	}
	prompt, completion, total := out.env.tokenCounts()
	cost := estimateCost(out.env, reported, c.config.Prices)
	if cost == nil && reported != model {
		cost = estimateCost(out.env, model, c.config.Prices)
	}

	res := &CallResult{
		Status:           CallOK,
		Model:            reported,
		Content:          out.text,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		Cost:             cost,
		Latency:          time.Since(st.started),
		Attempts:         st.attempts,
		FormatMode:       mode,
		StructuredUsed:   mode.Structured(),
		StructuredValid:  mode.Structured(),
		RequestID:        st.req.RequestID,
	}

	c.logger.Info(ctx, "llm chat success", Fields{
		"model":             res.Model,
		"attempts":          res.Attempts,
		"duration_ms":       res.Latency.Milliseconds(),
		"prompt_tokens":     res.PromptTokens,
		"completion_tokens": res.CompletionTokens,
		"format_mode":       string(res.FormatMode),
	})
	return res
}

func (c *Client) failure(ctx context.Context, st *callState, model string, mode FormatMode, msg, content string) *CallResult {
	resModel := st.lastModel
	if resModel == "" {
		resModel = model
	}
	res := &CallResult{
		Status:         CallError,
		Model:          resModel,
		Content:        content,
		Latency:        time.Since(st.started),
		Attempts:       st.attempts,
		FormatMode:     mode,
		StructuredUsed: mode.Structured(),
		RequestID:      st.req.RequestID,
		ErrorMessage:   msg,
		ErrorContext:   st.lastCtx,
	}
	c.logger.Error(ctx, errors.New(msg), Fields{
		"model":    resModel,
		"attempts": st.attempts,
	})
	return res
}

func (c *Client) exhausted(ctx context.Context, st *callState, mode FormatMode) *CallResult {
	content := ""
	model := st.lastModel
	if st.lastCtx != nil {
		content = st.lastCtx.PartialContent
		if model == "" {
			model = st.lastCtx.Model
		}
	}
	return c.failure(ctx, st, model, mode, exhaustedMessage, content)
}

func (c *Client) errorContext(out attemptOutcome, model string) *ErrorContext {
	ectx := &ErrorContext{
		StatusCode:    out.statusCode,
		Message:       out.errMsg,
		ProviderError: out.errCode,
		Model:         model,
		Headers:       redactHeaders(c.builder.headers()),
	}
	if out.env != nil && out.env.Model != "" {
		ectx.Model = out.env.Model
	}
	switch out.sig {
	case sigTruncated:
		ectx.Message = "completion truncated"
		if reason := out.nativeFinish; reason != "" {
			ectx.Message = "completion truncated: " + reason
		} else if out.finishReason != "" {
			ectx.Message = "completion truncated: " + out.finishReason
		}
		ectx.PartialContent = out.text
	case sigParseFailed:
		ectx.Message = "structured output did not parse"
		ectx.PartialContent = out.text
	}
	return ectx
}

func fatalMessage(out attemptOutcome) string {
	if out.statusCode > 0 {
		return (&ProviderError{StatusCode: out.statusCode, Message: out.errMsg, Code: out.errCode}).Error()
	}
	if out.errMsg != "" {
		return "llm: " + out.errMsg
	}
	return "llm: request failed"
}

// resolveMode maps the caller's request onto the starting format mode.
func (c *Client) resolveMode(req *ChatRequest) FormatMode {
	if !c.config.Structured.Enabled {
		return FormatNone
	}
	rf := req.ResponseFormat
	if rf == nil {
		return FormatNone
	}
	if rf.Mode != "" {
		return rf.Mode
	}
	if rf.Schema != nil {
		return FormatSchema
	}
	mode := c.config.Structured.DefaultMode
	if mode == FormatSchema {
		// No schema was supplied, so the strict contract cannot be honored.
		mode = FormatJSONObject
	}
	return mode
}

// ChatStructured enforces structured output using a JSON schema derived from
// target and decodes the completion into it. The CallResult is returned
// alongside decode failures so callers can still use the raw text.
func (c *Client) ChatStructured(ctx context.Context, req *ChatRequest, target any) (*CallResult, error) {
	if target == nil {
		return nil, errors.New("llm: structured target cannot be nil")
	}
	value := reflect.ValueOf(target)
	if value.Kind() != reflect.Ptr || value.IsNil() {
		return nil, errors.New("llm: structured target must be a pointer")
	}
	if req == nil {
		return nil, errors.New("llm: request cannot be nil")
	}

	structuredReq := *req
	rf := &ResponseFormat{}
	if structuredReq.ResponseFormat != nil {
		clone := *structuredReq.ResponseFormat
		rf = &clone
	}
	if rf.Schema == nil {
		schema, err := GenerateSchema(target)
		if err != nil {
			return nil, fmt.Errorf("llm: generate schema: %w", err)
		}
		rf.Schema = schema
	}
	if rf.Mode == "" {
		rf.Mode = FormatSchema
	}
	if rf.Name == "" {
		rf.Name = deriveSchemaName(value)
	}
	if rf.Strict == nil {
		strict := true
		rf.Strict = &strict
	}
	structuredReq.ResponseFormat = rf

	res, err := c.Chat(ctx, &structuredReq)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return res, nil
	}

	content := normalizeStructuredText(res.Content)
	if err := ParseStructured(content, target); err != nil {
		c.logger.Error(ctx, err, Fields{"model": res.Model})
		return res, &ParseError{Content: res.Content, Cause: err}
	}
	res.StructuredValid = true
	return res, nil
}

// ListModels returns the provider model listing, refreshing the capability
// cache when needed.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return c.registry.Models(ctx)
}

// Capabilities exposes the model capability registry.
func (c *Client) Capabilities() *CapabilityRegistry {
	return c.registry
}

// GetConfig returns an immutable copy of the client configuration.
func (c *Client) GetConfig() *Config {
	return c.config.Clone()
}

// Close releases idle connections held by the transport.
func (c *Client) Close() error {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}

func summarizeMessages(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(msgs))
	for i, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if len(content) > 80 {
			content = content[:80] + "..."
		}
		parts = append(parts, fmt.Sprintf("[%d] %s: %s", i, m.Role, content))
	}
	return strings.Join(parts, " | ")
}

func deriveSchemaName(val reflect.Value) string {
	t := val.Type()
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name := strings.ToLower(t.Name())
	if name == "" {
		return "schema"
	}
	return name
}
