package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const orchestratorListing = `{"data":[
	{"id":"alpha/primary","supported_parameters":["response_format","structured_outputs"]},
	{"id":"beta/backup","supported_parameters":["response_format","structured_outputs"]},
	{"id":"gamma/last","supported_parameters":["response_format","structured_outputs"]}
]}`

// scriptedStep is one canned chat response replayed in order.
type scriptedStep struct {
	status  int
	body    string
	headers map[string]string
}

type capturedCall struct {
	payload map[string]any
	headers http.Header
}

// scriptedServer replays steps for POST /chat/completions, serves a fixed
// model listing, and records every request it saw.
type scriptedServer struct {
	t      *testing.T
	mu     sync.Mutex
	steps  []scriptedStep
	next   int
	calls  []capturedCall
	sleeps []time.Duration
	server *httptest.Server
}

func newScriptedServer(t *testing.T, steps []scriptedStep) *scriptedServer {
	t.Helper()
	s := &scriptedServer{t: t, steps: steps}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *scriptedServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/models") {
		w.Write([]byte(orchestratorListing))
		return
	}

	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	call := capturedCall{payload: decodePayload(s.t, body), headers: r.Header.Clone()}
	s.calls = append(s.calls, call)
	idx := s.next
	s.next++
	s.mu.Unlock()

	if idx >= len(s.steps) {
		s.t.Errorf("unexpected chat request %d", idx)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	step := s.steps[idx]
	for k, v := range step.headers {
		w.Header().Set(k, v)
	}
	if step.status != 0 && step.status != http.StatusOK {
		w.WriteHeader(step.status)
	}
	w.Write([]byte(step.body))
}

func (s *scriptedServer) captured() []capturedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedCall(nil), s.calls...)
}

func (s *scriptedServer) recordedSleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func (s *scriptedServer) modelsRequested() []string {
	calls := s.captured()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		model, _ := c.payload["model"].(string)
		out = append(out, model)
	}
	return out
}

func orchestratorConfig() *Config {
	cfg := validConfig()
	cfg.Model = "alpha/primary"
	cfg.FallbackModels = []string{"beta/backup", "gamma/last"}
	cfg.MaxRetries = 0
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	return cfg
}

// newOrchestratorClient wires a client to a scripted server and swaps the
// sleep function so pacing is recorded instead of waited out.
func newOrchestratorClient(t *testing.T, cfg *Config, steps []scriptedStep) (*Client, *scriptedServer) {
	t.Helper()
	srv := newScriptedServer(t, steps)
	cfg.BaseURL = srv.server.URL

	client, err := NewClient(cfg, WithLogger(&captureLogger{}), WithHTTPClient(srv.server.Client()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	client.sleep = func(ctx context.Context, d time.Duration) error {
		srv.mu.Lock()
		srv.sleeps = append(srv.sleeps, d)
		srv.mu.Unlock()
		return ctx.Err()
	}
	return client, srv
}

func okBody(model, content string) string {
	return fmt.Sprintf(`{"model":%q,"choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop","native_finish_reason":"STOP"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, model, content)
}

func truncatedBody(model, content string) string {
	return fmt.Sprintf(`{"model":%q,"choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"length","native_finish_reason":"MAX_TOKENS"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, model, content)
}

func userRequest(content string) *ChatRequest {
	return &ChatRequest{Messages: []Message{{Role: "user", Content: content}}}
}

func TestChatSuccessFirstAttempt(t *testing.T) {
	cfg := orchestratorConfig()
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{body: okBody("alpha/primary-v2", "the summary")},
	})

	req := userRequest("summarize this")
	req.RequestID = "req-42"

	res, err := client.Chat(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, "the summary", res.Content)
	// The provider-reported model wins over the requested one.
	require.Equal(t, "alpha/primary-v2", res.Model)
	require.Equal(t, 10, res.PromptTokens)
	require.Equal(t, 5, res.CompletionTokens)
	require.Equal(t, 15, res.TotalTokens)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, "req-42", res.RequestID)
	require.Equal(t, FormatNone, res.FormatMode)
	require.False(t, res.StructuredUsed)
	require.Nil(t, res.ErrorContext)
	require.Greater(t, res.Latency, time.Duration(0))

	calls := srv.captured()
	require.Len(t, calls, 1)
	require.Equal(t, "Bearer sk-or-test", calls[0].headers.Get("Authorization"))
	require.Empty(t, srv.recordedSleeps())
}

func TestChatTriesModelsInOrder(t *testing.T) {
	cfg := orchestratorConfig()
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{status: 404, body: `{"error":{"message":"Model not found","code":404}}`},
		{status: 500, body: `{"error":{"message":"upstream exploded","code":500}}`},
		{body: okBody("gamma/last", "third time lucky")},
	})

	res, err := client.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, "gamma/last", res.Model)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, []string{"alpha/primary", "beta/backup", "gamma/last"}, srv.modelsRequested())
}

func TestChatRetriesWithAlternateRouting(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.MaxRetries = 2
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{status: 502, body: "bad gateway"},
		{body: okBody("alpha/primary", "recovered")},
	})

	res, err := client.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, 2, res.Attempts)

	calls := srv.captured()
	require.Len(t, calls, 2)
	require.Equal(t, []string{"alpha/primary", "alpha/primary"}, srv.modelsRequested())
	require.NotContains(t, calls[0].payload, "route")
	require.Equal(t, "fallback", calls[1].payload["route"])
	require.Len(t, srv.recordedSleeps(), 1)
}

func TestChatRateLimitHonorsRetryAfter(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.MaxRetries = 1
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{status: 429, body: `{"error":{"message":"slow down","code":429}}`, headers: map[string]string{"Retry-After": "2"}},
		{body: okBody("alpha/primary", "ok now")},
	})

	res, err := client.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.True(t, res.OK())

	sleeps := srv.recordedSleeps()
	require.Len(t, sleeps, 1)
	require.Equal(t, 2*time.Second, sleeps[0])
}

func TestChatRateLimitWithoutBudgetMovesOn(t *testing.T) {
	cfg := orchestratorConfig()
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{status: 429, body: `{"error":{"message":"slow down","code":429}}`, headers: map[string]string{"Retry-After": "30"}},
		{body: okBody("beta/backup", "ok")},
	})

	res, err := client.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, []string{"alpha/primary", "beta/backup"}, srv.modelsRequested())
	require.Empty(t, srv.recordedSleeps())
}

func TestChatExhaustedCarriesLastError(t *testing.T) {
	cfg := orchestratorConfig()
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{status: 500, body: "boom one"},
		{status: 500, body: "boom two"},
		{status: 503, body: `{"error":{"message":"at capacity","code":503}}`},
	})

	res, err := client.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.False(t, res.OK())
	require.Equal(t, exhaustedMessage, res.ErrorMessage)
	require.Equal(t, 3, res.Attempts)
	require.Empty(t, srv.recordedSleeps())

	require.NotNil(t, res.ErrorContext)
	require.Equal(t, 503, res.ErrorContext.StatusCode)
	require.Equal(t, "at capacity", res.ErrorContext.Message)
	require.Equal(t, "gamma/last", res.ErrorContext.Model)
}

func TestChatErrorContextRedactsCredentials(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.FallbackModels = nil
	client, _ := newOrchestratorClient(t, cfg, []scriptedStep{
		{status: 500, body: "boom"},
	})

	res, err := client.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.False(t, res.OK())
	require.NotNil(t, res.ErrorContext)
	require.Equal(t, "Bearer [redacted]", res.ErrorContext.Headers["Authorization"])
	for _, v := range res.ErrorContext.Headers {
		require.NotContains(t, v, "sk-or-test")
	}
}

func TestChatDowngradesFormatWithinModel(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.FallbackModels = nil
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{status: 400, body: `{"error":{"message":"response_format is not supported by this model"}}`},
		{body: okBody("alpha/primary", "plain text answer")},
	})

	req := userRequest("hello")
	req.ResponseFormat = &ResponseFormat{Mode: FormatJSONObject}

	res, err := client.Chat(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, FormatNone, res.FormatMode)
	require.False(t, res.StructuredUsed)

	calls := srv.captured()
	require.Len(t, calls, 2)
	rf := calls[0].payload["response_format"].(map[string]any)
	require.Equal(t, "json_object", rf["type"])
	require.NotContains(t, calls[1].payload, "response_format")
	// The downgrade did not burn the retry budget.
	require.Empty(t, srv.recordedSleeps())
}

func TestChatFormatResetsPerModel(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.FallbackModels = []string{"beta/backup"}
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{status: 400, body: `{"error":{"message":"json_schema is not supported here"}}`},
		{status: 400, body: `{"error":{"message":"response_format is not supported here"}}`},
		{status: 500, body: "upstream failure"},
		{body: okBody("beta/backup", `{"title":"ok"}`)},
	})

	req := userRequest("hello")
	req.ResponseFormat = &ResponseFormat{Mode: FormatSchema, Schema: map[string]any{"type": "object"}}

	res, err := client.Chat(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, FormatSchema, res.FormatMode)
	require.True(t, res.StructuredUsed)
	require.True(t, res.StructuredValid)

	calls := srv.captured()
	require.Len(t, calls, 4)
	require.Equal(t, []string{"alpha/primary", "alpha/primary", "alpha/primary", "beta/backup"}, srv.modelsRequested())

	format := func(i int) string {
		rf, ok := calls[i].payload["response_format"].(map[string]any)
		if !ok {
			return ""
		}
		return rf["type"].(string)
	}
	require.Equal(t, "json_schema", format(0))
	require.Equal(t, "json_object", format(1))
	require.Equal(t, "", format(2))
	// The ladder starts over on the next model.
	require.Equal(t, "json_schema", format(3))
}

func TestChatTruncationDowngradesThenRetriesThenMovesOn(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.FallbackModels = []string{"beta/backup"}
	cfg.Truncation = TruncationConfig{ExtraAttempts: 1, Models: []string{"alpha/primary"}}
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{body: truncatedBody("alpha/primary", `{"partial":`)},
		{body: truncatedBody("alpha/primary", "still cut off")},
		{body: truncatedBody("alpha/primary", "cut off again")},
		{body: okBody("beta/backup", `{"summary":"fine"}`)},
	})

	req := userRequest("hello")
	req.ResponseFormat = &ResponseFormat{Mode: FormatJSONObject}

	res, err := client.Chat(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, `{"summary":"fine"}`, res.Content)
	require.Equal(t, 4, res.Attempts)
	require.Equal(t, []string{"alpha/primary", "alpha/primary", "alpha/primary", "beta/backup"}, srv.modelsRequested())
	// One time-based retry from the truncation budget, downgrades are free.
	require.Len(t, srv.recordedSleeps(), 1)
}

func TestChatTruncationPreservesPartialText(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.FallbackModels = nil
	client, _ := newOrchestratorClient(t, cfg, []scriptedStep{
		{body: truncatedBody("alpha/primary", "partial answer")},
	})

	res, err := client.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.False(t, res.OK())
	require.Equal(t, exhaustedMessage, res.ErrorMessage)
	require.Equal(t, "partial answer", res.Content)
	require.Equal(t, 1, res.Attempts)

	require.NotNil(t, res.ErrorContext)
	require.Equal(t, "partial answer", res.ErrorContext.PartialContent)
	require.Contains(t, res.ErrorContext.Message, "truncated")
}

func TestChatStructuredParseFailureFailsFast(t *testing.T) {
	cfg := orchestratorConfig()
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{body: okBody("alpha/primary", "Sure! Here is your answer in prose.")},
	})

	req := userRequest("hello")
	req.ResponseFormat = &ResponseFormat{Mode: FormatJSONObject}

	res, err := client.Chat(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.OK())
	require.Contains(t, res.ErrorMessage, "did not parse")
	require.Equal(t, "Sure! Here is your answer in prose.", res.Content)
	require.True(t, res.StructuredUsed)
	require.False(t, res.StructuredValid)

	// Fallback models stay untouched: the model answered, the contract failed.
	require.Len(t, srv.captured(), 1)
}

func TestChatEmptyCompletionRetries(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.MaxRetries = 1
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{body: `{"model":"alpha/primary","choices":[]}`},
		{body: okBody("alpha/primary", "ok")},
	})

	res, err := client.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Len(t, srv.captured(), 2)
}

func TestChatErrorEnvelopeInsideOK(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.MaxRetries = 1
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{body: `{"error":{"message":"overloaded","code":503}}`},
		{body: okBody("alpha/primary", "ok")},
	})

	res, err := client.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.True(t, res.OK())

	calls := srv.captured()
	require.Len(t, calls, 2)
	// The embedded 503 is treated like the status itself.
	require.Equal(t, "fallback", calls[1].payload["route"])
}

func TestChatClientErrorIsFatal(t *testing.T) {
	cfg := orchestratorConfig()
	client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
		{status: 400, body: `{"error":{"message":"temperature out of range","code":400}}`},
	})

	res, err := client.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.False(t, res.OK())
	require.Contains(t, res.ErrorMessage, "provider status 400")
	require.NotEqual(t, exhaustedMessage, res.ErrorMessage)
	require.Equal(t, 400, res.ErrorContext.StatusCode)

	// No fallback attempts after a fatal client error.
	require.Len(t, srv.captured(), 1)
}

func TestChatTerminationBound(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.MaxRetries = 2

	steps := make([]scriptedStep, 0, 9)
	for i := 0; i < 9; i++ {
		steps = append(steps, scriptedStep{status: 500, body: "boom"})
	}
	client, srv := newOrchestratorClient(t, cfg, steps)

	res, err := client.Chat(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.False(t, res.OK())
	// 3 models x (1 attempt + 2 retries) each.
	require.Equal(t, 9, res.Attempts)
	require.Len(t, srv.captured(), 9)
}

func TestChatCost(t *testing.T) {
	t.Run("provider figure verbatim", func(t *testing.T) {
		cfg := orchestratorConfig()
		client, _ := newOrchestratorClient(t, cfg, []scriptedStep{
			{body: `{"model":"alpha/primary","choices":[{"message":{"content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"cost":0.123}}`},
		})

		res, err := client.Chat(context.Background(), userRequest("hello"))
		require.NoError(t, err)
		require.NotNil(t, res.Cost)
		require.Equal(t, 0.123, *res.Cost)
	})

	t.Run("derived from configured prices", func(t *testing.T) {
		cfg := orchestratorConfig()
		cfg.Prices = map[string]ModelPrice{"alpha/primary": {PromptPer1K: 0.001, CompletionPer1K: 0.002}}
		client, _ := newOrchestratorClient(t, cfg, []scriptedStep{
			{body: okBody("alpha/primary", "hi")},
		})

		res, err := client.Chat(context.Background(), userRequest("hello"))
		require.NoError(t, err)
		require.NotNil(t, res.Cost)
		// 10 prompt tokens at 0.001/1K plus 5 completion tokens at 0.002/1K.
		require.InDelta(t, 10.0/1000*0.001+5.0/1000*0.002, *res.Cost, 1e-12)
	})

	t.Run("nil without prices or provider figure", func(t *testing.T) {
		cfg := orchestratorConfig()
		client, _ := newOrchestratorClient(t, cfg, []scriptedStep{
			{body: okBody("alpha/primary", "hi")},
		})

		res, err := client.Chat(context.Background(), userRequest("hello"))
		require.NoError(t, err)
		require.Nil(t, res.Cost)
	})
}

func TestChatInvalidInput(t *testing.T) {
	cfg := orchestratorConfig()
	client, srv := newOrchestratorClient(t, cfg, nil)

	t.Run("nil request", func(t *testing.T) {
		res, err := client.Chat(context.Background(), nil)
		require.Error(t, err)
		require.Nil(t, res)
	})

	t.Run("validation failure", func(t *testing.T) {
		res, err := client.Chat(context.Background(), &ChatRequest{})
		require.Error(t, err)
		require.Nil(t, res)

		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
	})

	require.Empty(t, srv.captured())
}

func TestChatContextCancelled(t *testing.T) {
	cfg := orchestratorConfig()
	client, _ := newOrchestratorClient(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := client.Chat(ctx, userRequest("hello"))
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, res)
}

func TestNewClientValidation(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := NewClient(nil)
		require.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := NewClient(&Config{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "api_key")
	})

	t.Run("config is cloned", func(t *testing.T) {
		cfg := validConfig()
		client, err := NewClient(cfg, WithLogger(&captureLogger{}))
		require.NoError(t, err)
		defer client.Close()

		cfg.Model = "changed/later"
		require.Equal(t, "openai/gpt-4o-mini", client.GetConfig().Model)
	})
}

type pageSummary struct {
	Title  string   `json:"title"`
	Points []string `json:"points"`
}

func TestChatStructured(t *testing.T) {
	t.Run("decodes into target", func(t *testing.T) {
		cfg := orchestratorConfig()
		content := "```json\n{\"title\":\"Go\",\"points\":[\"fast\",\"simple\"]}\n```"
		client, srv := newOrchestratorClient(t, cfg, []scriptedStep{
			{body: okBody("alpha/primary", content)},
		})

		var out pageSummary
		res, err := client.ChatStructured(context.Background(), userRequest("summarize"), &out)
		require.NoError(t, err)
		require.True(t, res.OK())
		require.True(t, res.StructuredValid)
		require.Equal(t, "Go", out.Title)
		require.Equal(t, []string{"fast", "simple"}, out.Points)

		calls := srv.captured()
		rf := calls[0].payload["response_format"].(map[string]any)
		require.Equal(t, "json_schema", rf["type"])
		js := rf["json_schema"].(map[string]any)
		require.Equal(t, "pagesummary", js["name"])
		schema := js["schema"].(map[string]any)
		require.Contains(t, schema, "properties")
	})

	t.Run("decode mismatch returns parse error with result", func(t *testing.T) {
		cfg := orchestratorConfig()
		client, _ := newOrchestratorClient(t, cfg, []scriptedStep{
			{body: okBody("alpha/primary", `{"title":"Go","points":"oops"}`)},
		})

		var out pageSummary
		res, err := client.ChatStructured(context.Background(), userRequest("summarize"), &out)
		require.Error(t, err)

		var perr *ParseError
		require.True(t, errors.As(err, &perr))
		require.NotNil(t, res)
		require.True(t, res.OK())
		require.False(t, res.StructuredValid)
	})

	t.Run("error result passes through without error", func(t *testing.T) {
		cfg := orchestratorConfig()
		cfg.FallbackModels = nil
		client, _ := newOrchestratorClient(t, cfg, []scriptedStep{
			{status: 400, body: `{"error":{"message":"bad request","code":400}}`},
		})

		var out pageSummary
		res, err := client.ChatStructured(context.Background(), userRequest("summarize"), &out)
		require.NoError(t, err)
		require.False(t, res.OK())
	})

	t.Run("rejects non-pointer target", func(t *testing.T) {
		cfg := orchestratorConfig()
		client, _ := newOrchestratorClient(t, cfg, nil)

		var out pageSummary
		_, err := client.ChatStructured(context.Background(), userRequest("x"), out)
		require.Error(t, err)

		_, err = client.ChatStructured(context.Background(), userRequest("x"), nil)
		require.Error(t, err)
	})
}

func TestListModels(t *testing.T) {
	cfg := orchestratorConfig()
	client, _ := newOrchestratorClient(t, cfg, nil)

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 3)
	require.Equal(t, "alpha/primary", models[0].ID)
	require.True(t, models[0].SupportsStructured)
}
