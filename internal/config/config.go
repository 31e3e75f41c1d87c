package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the per-system YAML configuration (config/<system>.yaml).
// Selector values are portal-specific and live entirely in the file; the
// core never hardcodes DOM knowledge.
type Config struct {
	System string `yaml:"-"`

	BaseURL      string `yaml:"base_url"`
	LoginURL     string `yaml:"login_url"`
	DocumentsURL string `yaml:"documents_url"`

	Selectors map[string]string `yaml:"selectors"`

	Browser     Browser     `yaml:"browser"`
	Download    Download    `yaml:"download"`
	Retry       Retry       `yaml:"retry"`
	RateLimit   RateLimit   `yaml:"rate_limit"`
	Concurrency Concurrency `yaml:"concurrency"`
	Output      Output      `yaml:"output"`
}

type Browser struct {
	Headless       bool `yaml:"headless"`
	SlowMoMillis   int  `yaml:"slow_mo"`
	ViewportWidth  int  `yaml:"viewport_width"`
	ViewportHeight int  `yaml:"viewport_height"`
}

type Download struct {
	TimeoutMillis int     `yaml:"timeout"`
	DelayMin      float64 `yaml:"delay_min"`
	DelayMax      float64 `yaml:"delay_max"`
}

type Retry struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelay   float64 `yaml:"base_delay"`
	MaxDelay    float64 `yaml:"max_delay"`
}

type RateLimit struct {
	DownloadsPerMinute int `yaml:"downloads_per_minute"`
}

type Concurrency struct {
	Workers int `yaml:"workers"`
}

type Output struct {
	Directory string `yaml:"directory"`
}

// Load reads and validates the YAML config for a system, filling defaults
// for anything the file leaves out.
func Load(system, path string) (*Config, error) {
	if path == "" {
		path = fmt.Sprintf("config/%s.yaml", system)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{System: system}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if cfg.BaseURL == "" && cfg.LoginURL == "" {
		return nil, fmt.Errorf("config: %s: base_url or login_url is required", path)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Browser.SlowMoMillis == 0 {
		c.Browser.SlowMoMillis = 50
	}
	if c.Browser.ViewportWidth == 0 {
		c.Browser.ViewportWidth = 1280
	}
	if c.Browser.ViewportHeight == 0 {
		c.Browser.ViewportHeight = 900
	}
	if c.Download.TimeoutMillis == 0 {
		c.Download.TimeoutMillis = 30_000
	}
	if c.Download.DelayMin == 0 {
		c.Download.DelayMin = 1.0
	}
	if c.Download.DelayMax == 0 {
		c.Download.DelayMax = 3.0
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 2.0
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 60.0
	}
	if c.RateLimit.DownloadsPerMinute == 0 {
		c.RateLimit.DownloadsPerMinute = 30
	}
	if c.Concurrency.Workers == 0 {
		c.Concurrency.Workers = 3
	}
	if c.Output.Directory == "" {
		c.Output.Directory = "output"
	}
}

// LoginStartURL is where the browser opens for the manual login step.
func (c *Config) LoginStartURL() string {
	if c.LoginURL != "" {
		return c.LoginURL
	}
	return c.BaseURL
}

// DownloadTimeout returns the per-browser-operation timeout.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutMillis) * time.Millisecond
}

// RetryBaseDelay returns the backoff base as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelay * float64(time.Second))
}

// RetryMaxDelay returns the backoff cap as a duration.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelay * float64(time.Second))
}
