package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// captureLogger keeps log calls quiet and countable in tests.
type captureLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *captureLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+": "+msg)
}

func (l *captureLogger) Debug(_ context.Context, msg string, _ Fields) { l.record("debug", msg) }
func (l *captureLogger) Info(_ context.Context, msg string, _ Fields)  { l.record("info", msg) }
func (l *captureLogger) Warn(_ context.Context, msg string, _ Fields)  { l.record("warn", msg) }
func (l *captureLogger) Error(_ context.Context, err error, _ Fields)  { l.record("error", err.Error()) }

const modelListingBody = `{"data":[
	{"id":"openai/gpt-4o-mini","name":"GPT-4o Mini","context_length":128000,"supported_parameters":["temperature","response_format","structured_outputs"]},
	{"id":"meta-llama/llama-3-8b","name":"Llama 3 8B","context_length":8192,"supported_parameters":["temperature","top_p"]},
	{"id":"anthropic/claude-3-haiku","name":"Claude 3 Haiku","context_length":200000,"supported_parameters":["response_format"]}
]}`

func newTestRegistry(t *testing.T, handler http.HandlerFunc) (*CapabilityRegistry, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := validConfig()
	cfg.BaseURL = server.URL
	registry := NewCapabilityRegistry(cfg, server.Client(), &captureLogger{})
	return registry, server
}

func TestCapabilityRegistryRefreshOnce(t *testing.T) {
	var hits int32
	registry, _ := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		require.Equal(t, "/models", r.URL.Path)
		require.Equal(t, "Bearer sk-or-test", r.Header.Get("Authorization"))
		w.Write([]byte(modelListingBody))
	})

	ctx := context.Background()
	require.NoError(t, registry.EnsureRefreshed(ctx))
	require.NoError(t, registry.EnsureRefreshed(ctx))
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))

	supported, known := registry.SupportsStructured("openai/gpt-4o-mini")
	require.True(t, known)
	require.True(t, supported)

	supported, known = registry.SupportsStructured("meta-llama/llama-3-8b")
	require.True(t, known)
	require.False(t, supported)

	_, known = registry.SupportsStructured("missing/model")
	require.False(t, known)
}

func TestCapabilityRegistryConcurrentRefresh(t *testing.T) {
	var hits int32
	registry, _ := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(modelListingBody))
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = registry.EnsureRefreshed(context.Background())
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestCapabilityRegistryFetchFailure(t *testing.T) {
	var hits int32
	registry, _ := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx := context.Background()
	err := registry.EnsureRefreshed(ctx)
	require.Error(t, err)

	// The failure consumed the refresh; the registry keeps serving the
	// conservative empty view without re-fetching.
	require.NoError(t, registry.EnsureRefreshed(ctx))
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))

	supported, known := registry.SupportsStructured("openai/gpt-4o-mini")
	require.False(t, known)
	require.False(t, supported)

	_, err = registry.Models(ctx)
	require.NoError(t, err) // listing already consumed the error path
}

func TestCapabilityRegistryInvalidate(t *testing.T) {
	var hits int32
	registry, _ := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(modelListingBody))
	})

	ctx := context.Background()
	require.NoError(t, registry.EnsureRefreshed(ctx))
	registry.Invalidate()

	// Stale data keeps serving until the next refresh.
	supported, known := registry.SupportsStructured("anthropic/claude-3-haiku")
	require.True(t, known)
	require.True(t, supported)

	require.NoError(t, registry.EnsureRefreshed(ctx))
	require.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestCapabilityRegistryCancelledContext(t *testing.T) {
	registry, _ := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(modelListingBody))
	})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, registry.EnsureRefreshed(cancelled))

	// Cancellation does not consume the refresh.
	require.NoError(t, registry.EnsureRefreshed(context.Background()))
	supported, known := registry.SupportsStructured("openai/gpt-4o-mini")
	require.True(t, known)
	require.True(t, supported)
}

func TestCapabilityRegistryModels(t *testing.T) {
	registry, _ := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(modelListingBody))
	})

	models, err := registry.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 3)
	require.Equal(t, "openai/gpt-4o-mini", models[0].ID)
	require.Equal(t, 128000, models[0].ContextLength)
	require.True(t, models[0].SupportsStructured)
	require.False(t, models[1].SupportsStructured)
}

func TestFallbackList(t *testing.T) {
	registry, _ := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(modelListingBody))
	})
	require.NoError(t, registry.EnsureRefreshed(context.Background()))

	t.Run("dedup preserves order", func(t *testing.T) {
		out := registry.FallbackList("a/one", []string{"a/two", "a/one", "a/two", "a/three"}, false)
		require.Equal(t, []string{"a/one", "a/two", "a/three"}, out)
	})

	t.Run("blank entries skipped", func(t *testing.T) {
		out := registry.FallbackList("a/one", []string{" ", "", "a/two"}, false)
		require.Equal(t, []string{"a/one", "a/two"}, out)
	})

	t.Run("structured filters unknown and unsupported fallbacks", func(t *testing.T) {
		out := registry.FallbackList("openai/gpt-4o-mini", []string{
			"meta-llama/llama-3-8b",    // known, no structured support
			"anthropic/claude-3-haiku", // known, supported
			"mystery/model",            // unknown
		}, true)
		require.Equal(t, []string{"openai/gpt-4o-mini", "anthropic/claude-3-haiku"}, out)
	})

	t.Run("primary survives even when unknown", func(t *testing.T) {
		out := registry.FallbackList("mystery/model", []string{"anthropic/claude-3-haiku"}, true)
		require.Equal(t, []string{"mystery/model", "anthropic/claude-3-haiku"}, out)
	})

	t.Run("unstructured keeps everything", func(t *testing.T) {
		out := registry.FallbackList("mystery/model", []string{"meta-llama/llama-3-8b"}, false)
		require.Equal(t, []string{"mystery/model", "meta-llama/llama-3-8b"}, out)
	})
}
