package llm

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBaseURL              = "https://openrouter.ai/api/v1"
	defaultTimeout              = 60 * time.Second
	defaultMaxRetries           = 3
	defaultLogLevel             = "info"
	defaultBackoffBase          = 500 * time.Millisecond
	defaultBackoffMax           = 10 * time.Second
	defaultStructuredMode       = FormatJSONObject
	defaultCompressionThreshold = 128 * 1024
	defaultTruncationExtra      = 2
	defaultPoolMaxConns         = 32
	defaultPoolMaxIdleConns     = 8
	defaultPoolIdleExpiry       = 90 * time.Second

	envAPIKey     = "OPENROUTER_API_KEY"
	envBaseURL    = "OPENROUTER_BASE_URL"
	envModel      = "OPENROUTER_MODEL"
	envTimeout    = "OPENROUTER_TIMEOUT"
	envMaxRetries = "OPENROUTER_MAX_RETRIES"
)

// Config holds runtime settings for the chat client. Model is the primary
// candidate; FallbackModels are tried in order after it. Timeout bounds a
// single HTTP attempt, not the whole call.
type Config struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	FallbackModels []string      `yaml:"fallback_models"`
	MaxRetries     int           `yaml:"max_retries"`
	Timeout        time.Duration `yaml:"-"`
	BackoffBase    time.Duration `yaml:"-"`
	BackoffMax     time.Duration `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`

	// Optional attribution headers forwarded to the provider.
	Referer  string `yaml:"referer"`
	AppTitle string `yaml:"app_title"`

	// RequireParameterValidation asks the provider to reject parameters it
	// cannot honor instead of dropping them silently.
	RequireParameterValidation bool `yaml:"require_parameter_validation"`

	// CompressionThreshold is the combined message size in bytes above which
	// the provider-side compression transform is requested. Zero disables it.
	CompressionThreshold int `yaml:"compression_threshold"`

	Structured StructuredConfig      `yaml:"structured"`
	Truncation TruncationConfig      `yaml:"truncation"`
	Prices     map[string]ModelPrice `yaml:"prices"`
	Pool       PoolConfig            `yaml:"pool"`

	timeoutRaw     string
	backoffBaseRaw string
	backoffMaxRaw  string
}

// StructuredConfig controls structured-output behaviour. With Enabled false
// every request runs unconstrained regardless of its response format.
type StructuredConfig struct {
	Enabled     bool       `yaml:"enabled"`
	DefaultMode FormatMode `yaml:"default_mode"`
}

// TruncationConfig grants listed models extra same-model attempts once a
// truncated completion is observed. Matching is by exact model id.
type TruncationConfig struct {
	ExtraAttempts int      `yaml:"extra_attempts"`
	Models        []string `yaml:"models"`
}

// AppliesTo reports whether model gets the extra truncation attempts.
func (t TruncationConfig) AppliesTo(model string) bool {
	for _, m := range t.Models {
		if m == model {
			return true
		}
	}
	return false
}

// ModelPrice holds per-1k-token prices used when the provider reports usage
// without a cost figure.
type ModelPrice struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k"`
}

// PoolConfig sizes the shared outbound connection pool.
type PoolConfig struct {
	MaxConns        int           `yaml:"max_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"-"`

	idleConnTimeoutRaw string
}

func (p PoolConfig) transport() *http.Transport {
	return &http.Transport{
		MaxConnsPerHost:     p.MaxConns,
		MaxIdleConns:        p.MaxIdleConns,
		MaxIdleConnsPerHost: p.MaxIdleConns,
		IdleConnTimeout:     p.IdleConnTimeout,
	}
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open llm config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	var raw struct {
		BaseURL                    string                `yaml:"base_url"`
		APIKey                     string                `yaml:"api_key"`
		Model                      string                `yaml:"model"`
		FallbackModels             []string              `yaml:"fallback_models"`
		MaxRetries                 *int                  `yaml:"max_retries"`
		Timeout                    string                `yaml:"timeout"`
		BackoffBase                string                `yaml:"backoff_base"`
		BackoffMax                 string                `yaml:"backoff_max"`
		LogLevel                   string                `yaml:"log_level"`
		Referer                    string                `yaml:"referer"`
		AppTitle                   string                `yaml:"app_title"`
		RequireParameterValidation bool                  `yaml:"require_parameter_validation"`
		CompressionThreshold       *int                  `yaml:"compression_threshold"`
		Prices                     map[string]ModelPrice `yaml:"prices"`
		Structured                 struct {
			Enabled     *bool  `yaml:"enabled"`
			DefaultMode string `yaml:"default_mode"`
		} `yaml:"structured"`
		Truncation struct {
			ExtraAttempts *int     `yaml:"extra_attempts"`
			Models        []string `yaml:"models"`
		} `yaml:"truncation"`
		Pool struct {
			MaxConns        *int   `yaml:"max_conns"`
			MaxIdleConns    *int   `yaml:"max_idle_conns"`
			IdleConnTimeout string `yaml:"idle_conn_timeout"`
		} `yaml:"pool"`
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read llm config: %w", err)
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal llm config: %w", err)
	}

	cfg := &Config{
		BaseURL:                    raw.BaseURL,
		APIKey:                     raw.APIKey,
		Model:                      raw.Model,
		FallbackModels:             raw.FallbackModels,
		MaxRetries:                 intOr(raw.MaxRetries, defaultMaxRetries),
		LogLevel:                   raw.LogLevel,
		Referer:                    raw.Referer,
		AppTitle:                   raw.AppTitle,
		RequireParameterValidation: raw.RequireParameterValidation,
		CompressionThreshold:       intOr(raw.CompressionThreshold, defaultCompressionThreshold),
		Prices:                     raw.Prices,
		timeoutRaw:                 raw.Timeout,
		backoffBaseRaw:             raw.BackoffBase,
		backoffMaxRaw:              raw.BackoffMax,
	}
	cfg.Structured = StructuredConfig{
		Enabled:     boolOr(raw.Structured.Enabled, true),
		DefaultMode: FormatMode(strings.TrimSpace(raw.Structured.DefaultMode)),
	}
	cfg.Truncation = TruncationConfig{
		ExtraAttempts: intOr(raw.Truncation.ExtraAttempts, defaultTruncationExtra),
		Models:        raw.Truncation.Models,
	}
	cfg.Pool = PoolConfig{
		MaxConns:           intOr(raw.Pool.MaxConns, defaultPoolMaxConns),
		MaxIdleConns:       intOr(raw.Pool.MaxIdleConns, defaultPoolMaxIdleConns),
		idleConnTimeoutRaw: raw.Pool.IdleConnTimeout,
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("llm config: api_key is required")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("llm config: base_url is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("llm config: model is required")
	}
	if c.Timeout <= 0 {
		return errors.New("llm config: timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("llm config: max_retries cannot be negative")
	}
	if c.BackoffBase <= 0 {
		return errors.New("llm config: backoff_base must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		return errors.New("llm config: backoff_max cannot be below backoff_base")
	}
	if !validFormatMode(c.Structured.DefaultMode) {
		return fmt.Errorf("llm config: structured.default_mode must be one of schema, json_object, none; got %q", c.Structured.DefaultMode)
	}
	if c.Truncation.ExtraAttempts < 0 {
		return errors.New("llm config: truncation.extra_attempts cannot be negative")
	}
	if c.CompressionThreshold < 0 {
		return errors.New("llm config: compression_threshold cannot be negative")
	}
	for model, price := range c.Prices {
		if price.PromptPer1K < 0 || price.CompletionPer1K < 0 {
			return fmt.Errorf("llm config: prices for %q cannot be negative", model)
		}
	}
	if c.Pool.MaxConns < 0 || c.Pool.MaxIdleConns < 0 {
		return errors.New("llm config: pool sizes cannot be negative")
	}
	return nil
}

// Clone returns a copy of the configuration safe to mutate independently.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	if c.FallbackModels != nil {
		cp.FallbackModels = append([]string(nil), c.FallbackModels...)
	}
	if c.Truncation.Models != nil {
		cp.Truncation.Models = append([]string(nil), c.Truncation.Models...)
	}
	if c.Prices != nil {
		cp.Prices = make(map[string]ModelPrice, len(c.Prices))
		for k, v := range c.Prices {
			cp.Prices[k] = v
		}
	}
	return &cp
}

// applyDefaults fills unset fields. MaxRetries is deliberately left alone:
// zero is a valid setting meaning no same-model retries.
func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Structured.DefaultMode == "" {
		c.Structured.DefaultMode = defaultStructuredMode
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.Pool.IdleConnTimeout == 0 {
		c.Pool.IdleConnTimeout = defaultPoolIdleExpiry
	}
}

func (c *Config) applyEnvOverrides() {
	c.BaseURL = expandAndOverride(c.BaseURL, envBaseURL)
	c.APIKey = expandAndOverride(c.APIKey, envAPIKey)
	c.Model = expandAndOverride(c.Model, envModel)
	for i, m := range c.FallbackModels {
		c.FallbackModels[i] = os.ExpandEnv(m)
	}

	if raw := os.Getenv(envTimeout); raw != "" {
		c.timeoutRaw = raw
	} else {
		c.timeoutRaw = os.ExpandEnv(c.timeoutRaw)
	}

	if raw := os.Getenv(envMaxRetries); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			c.MaxRetries = v
		}
	}
}

func (c *Config) parseDurations() error {
	var err error
	if c.Timeout, err = parseDuration("timeout", c.timeoutRaw, defaultTimeout); err != nil {
		return err
	}
	if c.BackoffBase, err = parseDuration("backoff_base", c.backoffBaseRaw, defaultBackoffBase); err != nil {
		return err
	}
	if c.BackoffMax, err = parseDuration("backoff_max", c.backoffMaxRaw, defaultBackoffMax); err != nil {
		return err
	}
	if c.Pool.IdleConnTimeout, err = parseDuration("pool.idle_conn_timeout", c.Pool.idleConnTimeoutRaw, defaultPoolIdleExpiry); err != nil {
		return err
	}
	return nil
}

func parseDuration(name, raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("llm config: invalid %s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("llm config: %s must be positive, got %s", name, d)
	}
	return d, nil
}

func expandAndOverride(current, envKey string) string {
	current = os.ExpandEnv(current)
	if envVal := os.Getenv(envKey); envVal != "" {
		return envVal
	}
	return current
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
