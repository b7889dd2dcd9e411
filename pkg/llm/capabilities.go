package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/zeromicro/go-zero/core/syncx"
)

// CapabilityRegistry caches which models the provider can serve with
// structured output. The listing is fetched lazily, at most once per process
// unless Invalidate is called; concurrent first calls coalesce into a single
// fetch and readers never block on one.
type CapabilityRegistry struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  Logger

	flight syncx.SingleFlight

	mu        sync.RWMutex
	refreshed bool
	supported map[string]bool
	models    []ModelInfo
}

// NewCapabilityRegistry builds a registry sharing the client's transport.
func NewCapabilityRegistry(cfg *Config, client *http.Client, logger Logger) *CapabilityRegistry {
	return &CapabilityRegistry{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    client,
		logger:  logger,
		flight:  syncx.NewSingleFlight(),
	}
}

// EnsureRefreshed populates the cache if it has not been populated yet.
// A provider-side failure is logged and consumes the refresh; the cached view
// stays as it was and conservative capability defaults apply. A cancelled
// context does not consume the refresh.
func (r *CapabilityRegistry) EnsureRefreshed(ctx context.Context) error {
	r.mu.RLock()
	done := r.refreshed
	r.mu.RUnlock()
	if done {
		return nil
	}

	_, err := r.flight.Do("models", func() (any, error) {
		r.mu.RLock()
		done := r.refreshed
		r.mu.RUnlock()
		if done {
			return nil, nil
		}

		models, err := r.fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.mu.Lock()
				r.refreshed = true
				r.mu.Unlock()
			}
			return nil, err
		}

		set := make(map[string]bool, len(models))
		for _, m := range models {
			set[m.ID] = m.SupportsStructured
		}
		r.mu.Lock()
		r.supported = set
		r.models = models
		r.refreshed = true
		r.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		r.logger.Warn(ctx, "model capability refresh failed, keeping cached view", Fields{
			"error": err.Error(),
		})
	}
	return err
}

// Invalidate marks the cache for re-fetch. The stale view keeps serving
// readers until the next EnsureRefreshed succeeds.
func (r *CapabilityRegistry) Invalidate() {
	r.mu.Lock()
	r.refreshed = false
	r.mu.Unlock()
}

// SupportsStructured reports whether model is known to support structured
// output. known is false when the model is absent from the cached listing.
func (r *CapabilityRegistry) SupportsStructured(model string) (supported, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.supported[model]
	return s, ok
}

// FallbackList builds the candidate order for one call: primary first, then
// the configured fallbacks, deduplicated. When structured output is wanted,
// fallbacks without known support are dropped; the primary always stays.
func (r *CapabilityRegistry) FallbackList(primary string, fallbacks []string, wantStructured bool) []string {
	out := make([]string, 0, len(fallbacks)+1)
	seen := make(map[string]struct{}, len(fallbacks)+1)

	primary = strings.TrimSpace(primary)
	if primary != "" {
		seen[primary] = struct{}{}
		out = append(out, primary)
	}
	for _, f := range fallbacks {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		if wantStructured {
			supported, known := r.SupportsStructured(f)
			if !known || !supported {
				continue
			}
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Models returns the cached listing, refreshing it first when needed.
func (r *CapabilityRegistry) Models(ctx context.Context) ([]ModelInfo, error) {
	err := r.EnsureRefreshed(ctx)

	r.mu.RLock()
	models := append([]ModelInfo(nil), r.models...)
	r.mu.RUnlock()

	if len(models) == 0 && err != nil {
		return nil, err
	}
	return models, nil
}

type modelListing struct {
	Data []modelEntry `json:"data"`
}

type modelEntry struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	ContextLength       int      `json:"context_length"`
	SupportedParameters []string `json:"supported_parameters"`
}

func (r *CapabilityRegistry) fetch(ctx context.Context) ([]ModelInfo, error) {
	url := strings.TrimRight(r.baseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("llm: build models request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: "model listing failed"}
	}

	var listing modelListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("llm: decode model listing: %w", err)
	}

	models := make([]ModelInfo, 0, len(listing.Data))
	for _, e := range listing.Data {
		if e.ID == "" {
			continue
		}
		models = append(models, ModelInfo{
			ID:                 e.ID,
			Name:               e.Name,
			ContextLength:      e.ContextLength,
			SupportsStructured: entrySupportsStructured(e.SupportedParameters),
		})
	}
	return models, nil
}

func entrySupportsStructured(params []string) bool {
	for _, p := range params {
		switch p {
		case "structured_outputs", "response_format":
			return true
		}
	}
	return false
}
