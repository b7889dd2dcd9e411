package llm

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const backoffJitter = 0.25

// BackoffPolicy computes sleep intervals between same-model retries.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// NewBackoffPolicy constructs a policy with sane defaults.
func NewBackoffPolicy(base, max time.Duration) BackoffPolicy {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	if max < base {
		max = base
	}
	return BackoffPolicy{Base: base, Max: max}
}

// Delay returns the sleep before retry number attempt (zero-based):
// base doubled per attempt, capped at Max, with +-25% jitter.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.Base) * math.Pow(2, float64(attempt))
	if limit := float64(p.Max); base > limit {
		base = limit
	}
	jittered := base * (1 - backoffJitter + 2*backoffJitter*rand.Float64())
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}

// parseRetryAfter interprets a Retry-After header, either delta-seconds or an
// HTTP date. Returns zero when absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
