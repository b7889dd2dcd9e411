package extract

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"skim-api/pkg/confkit"
)

const (
	envBaseURL    = "EXTRACT_BASE_URL"
	envAPIKey     = "EXTRACT_API_KEY"
	envTimeout    = "EXTRACT_TIMEOUT"
	envMaxRetries = "EXTRACT_MAX_RETRIES"
)

// Config describes the extraction endpoint.
type Config struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	TimeoutRaw string        `yaml:"timeout"`
	Timeout    time.Duration `yaml:"-"`
	MaxRetries *int          `yaml:"max_retries"`
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open extract config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// MustLoad reads extraction configuration from the default project location
// and panics on error.
func MustLoad() *Config {
	path := confkit.MustProjectPath("etc/extract.yaml")
	cfg, err := LoadConfig(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	confkit.LoadDotenvOnce()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read extract config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal extract config: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.BaseURL = expandAndOverride(c.BaseURL, envBaseURL)
	c.APIKey = expandAndOverride(c.APIKey, envAPIKey)
	if raw := os.Getenv(envTimeout); raw != "" {
		c.TimeoutRaw = raw
	} else {
		c.TimeoutRaw = os.ExpandEnv(c.TimeoutRaw)
	}
	if raw := os.Getenv(envMaxRetries); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			c.MaxRetries = &v
		}
	}
}

func (c *Config) normalise() error {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.TimeoutRaw = strings.TrimSpace(c.TimeoutRaw)

	if c.TimeoutRaw != "" {
		d, err := time.ParseDuration(c.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("extract config: invalid timeout %q: %w", c.TimeoutRaw, err)
		}
		if d <= 0 {
			return fmt.Errorf("extract config: timeout must be positive, got %s", d)
		}
		c.Timeout = d
	}
	if c.Timeout == 0 {
		c.Timeout = defaultHTTPTimeout
	}
	return nil
}

// Validate ensures the configuration is structurally sound.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("extract config: base_url is required")
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("extract config: max_retries cannot be negative, got %d", *c.MaxRetries)
	}
	return nil
}

// NewClientFromConfig builds a Client honoring the configured timeout, auth
// and retry budget.
func (c *Config) NewClientFromConfig(opts ...Option) *Client {
	base := []Option{
		WithHTTPClient(&http.Client{Timeout: c.Timeout}),
	}
	if c.APIKey != "" {
		base = append(base, WithAPIKey(c.APIKey))
	}
	if c.MaxRetries != nil {
		base = append(base, WithMaxRetries(*c.MaxRetries))
	}
	return NewClient(c.BaseURL, append(base, opts...)...)
}

func expandAndOverride(current, envKey string) string {
	current = os.ExpandEnv(current)
	if envVal := os.Getenv(envKey); envVal != "" {
		return envVal
	}
	return current
}
