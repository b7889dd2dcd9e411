package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"skim-api/internal/config"
)

// Namespace is the Redis key prefix for the Skim application.
const Namespace = "skim"

// TTLClass represents a config-driven TTL bucket.
type TTLClass string

const (
	TTLShort  TTLClass = "short"
	TTLMedium TTLClass = "medium"
	TTLLong   TTLClass = "long"
)

// TTLSet normalises cache TTLs from config into time.Duration values.
type TTLSet struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// NewTTLSet converts config TTLs (in seconds) into durations.
func NewTTLSet(cfg config.CacheTTL) TTLSet {
	return TTLSet{
		Short:  durationOrDefault(cfg.Short, time.Minute),
		Medium: durationOrDefault(cfg.Medium, 15*time.Minute),
		Long:   durationOrDefault(cfg.Long, 6*time.Hour),
	}
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds < 0 {
		return 0
	}
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Duration returns the configured duration for the given TTL class.
func (t TTLSet) Duration(class TTLClass) time.Duration {
	switch class {
	case TTLShort:
		return t.Short
	case TTLMedium:
		return t.Medium
	case TTLLong:
		return t.Long
	default:
		return 0
	}
}

// Scaled applies a multiplier to a TTL class, useful for half/double TTL variants.
func (t TTLSet) Scaled(class TTLClass, factor float64) time.Duration {
	base := t.Duration(class)
	if base <= 0 || factor <= 0 {
		return base
	}
	return time.Duration(float64(base) * factor)
}

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		clean := strings.TrimSpace(part)
		if clean == "" {
			continue
		}
		values = append(values, clean)
	}
	return strings.Join(values, ":")
}

// URLHash returns a short stable key component for a URL. Raw URLs contain
// characters that make poor Redis key parts.
func URLHash(url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:])[:16]
}

// --- Page Keys --------------------------------------------------------------

// PageKey stores an extracted document payload, keyed by URL hash.
func PageKey(urlHash string) string {
	return formatKey("page", urlHash)
}

// --- Summary Keys -----------------------------------------------------------

// SummaryLatestKey caches the most recent summary for a URL.
func SummaryLatestKey(urlHash string) string {
	return formatKey("summary", "latest", urlHash)
}

// SummaryByRequestKey caches a summary by its workflow request id.
func SummaryByRequestKey(requestID string) string {
	return formatKey("summary", "request", requestID)
}

// RecentSummariesKey holds a pre-rendered recent-summaries payload.
func RecentSummariesKey() string {
	return formatKey("summary", "recent")
}

// --- TTL Helpers ------------------------------------------------------------

// PageTTL returns the lifetime of cached extracted pages.
func PageTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLLong)
}

// SummaryTTL returns the lifetime of cached summary rows.
func SummaryTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLMedium)
}

// RecentSummariesTTL returns the lifetime of the recent listing payload.
func RecentSummariesTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLShort)
}
