package summarize

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"skim-api/pkg/confkit"
)

const (
	defaultStyle           = "concise"
	defaultMaxContentChars = 24000
	defaultMaxKeyPoints    = 5
	defaultRequestTimeout  = "90s"

	maxKeyPointsCeiling = 20
)

// Config controls runtime behaviour for the summarize workflow.
type Config struct {
	PromptPath      string        `yaml:"prompt_path"`
	Style           string        `yaml:"style"`
	Language        string        `yaml:"language"`
	MaxContentChars int           `yaml:"max_content_chars"`
	MaxKeyPoints    int           `yaml:"max_key_points"`
	RequestTimeout  time.Duration `yaml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open summarize config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// MustLoad reads summarize configuration from the default project location and panics on error.
func MustLoad() *Config {
	path := confkit.MustProjectPath("etc/summarize.yaml")
	cfg, err := LoadConfig(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// DefaultConfig returns the built-in settings used when no summarize
// section is configured.
func DefaultConfig() *Config {
	cfg, err := LoadConfigFromReader(strings.NewReader(""))
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	confkit.LoadDotenvOnce()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read summarize config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal summarize config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	cfg.expandFields()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Style) == "" {
		c.Style = defaultStyle
	}
	if c.MaxContentChars == 0 {
		c.MaxContentChars = defaultMaxContentChars
	}
	if c.MaxKeyPoints == 0 {
		c.MaxKeyPoints = defaultMaxKeyPoints
	}
	if strings.TrimSpace(c.RequestTimeoutRaw) == "" {
		c.RequestTimeoutRaw = defaultRequestTimeout
	}
}

func (c *Config) parseDurations() error {
	timeout, err := time.ParseDuration(c.RequestTimeoutRaw)
	if err != nil {
		return fmt.Errorf("summarize config: invalid request_timeout %q: %w", c.RequestTimeoutRaw, err)
	}
	if timeout <= 0 {
		return fmt.Errorf("summarize config: request_timeout must be positive, got %s", timeout)
	}
	c.RequestTimeout = timeout
	return nil
}

func (c *Config) expandFields() {
	c.PromptPath = strings.TrimSpace(os.ExpandEnv(c.PromptPath))
	c.Style = strings.TrimSpace(c.Style)
	c.Language = strings.TrimSpace(c.Language)
}

// Validate ensures configuration sanity.
func (c *Config) Validate() error {
	if c.MaxContentChars < 0 {
		return errors.New("summarize config: max_content_chars cannot be negative")
	}
	if c.MaxKeyPoints < 0 {
		return errors.New("summarize config: max_key_points cannot be negative")
	}
	if c.MaxKeyPoints > maxKeyPointsCeiling {
		return fmt.Errorf("summarize config: max_key_points must be at most %d", maxKeyPointsCeiling)
	}
	return nil
}
