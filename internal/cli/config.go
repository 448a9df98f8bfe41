package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tikzmotion/internal/frame"
)

// Config holds the full tikzmotion configuration. A yaml file supplies
// values below explicit CLI flags.
type Config struct {
	Engine      string      `yaml:"engine"`       // pdflatex | xelatex | lualatex | "" (auto)
	Workers     int         `yaml:"workers"`      // 0 = available parallelism
	Timeout     string      `yaml:"timeout"`      // per-frame, e.g. "120s"; "" disables
	Policy      string      `yaml:"policy"`       // abort | skip | retry
	ShellEscape bool        `yaml:"shell_escape"`
	ParamToken  string      `yaml:"param_token"`
	Cache       CacheConfig `yaml:"cache"`
	BBox        BBoxConfig  `yaml:"bbox"`
}

// CacheConfig configures the artifact cache.
type CacheConfig struct {
	Dir        string `yaml:"dir"`
	Disabled   bool   `yaml:"disabled"`
	MaxSizeMB  int64  `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// BBoxConfig configures bounding-box normalization.
type BBoxConfig struct {
	Normalize bool    `yaml:"normalize"`
	Samples   int     `yaml:"samples"`
	Padding   float64 `yaml:"padding"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout: "120s",
		Policy:  "skip",
		Cache: CacheConfig{
			MaxSizeMB:  2048,
			MaxAgeDays: 30,
		},
		BBox: BBoxConfig{
			Normalize: true,
			Samples:   10,
			Padding:   2,
		},
	}
}

// LoadConfig reads and parses a yaml config file, merged over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if _, ok := frame.ParsePolicy(c.Policy); !ok {
		return fmt.Errorf("invalid policy %q (use abort, skip or retry)", c.Policy)
	}
	switch c.Engine {
	case "", "pdflatex", "xelatex", "lualatex":
	default:
		return fmt.Errorf("invalid engine %q (use pdflatex, xelatex or lualatex)", c.Engine)
	}
	if c.Timeout != "" {
		if _, err := time.ParseDuration(c.Timeout); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
		}
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	if c.BBox.Samples < 1 {
		return fmt.Errorf("bbox samples must be >= 1")
	}
	if c.BBox.Padding < 0 {
		return fmt.Errorf("bbox padding must be >= 0")
	}
	return nil
}

// TimeoutDuration returns the parsed per-frame timeout.
func (c *Config) TimeoutDuration() time.Duration {
	if c.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// ErrorPolicy returns the parsed policy.
func (c *Config) ErrorPolicy() frame.ErrorPolicy {
	p, _ := frame.ParsePolicy(c.Policy)
	return p
}

// CacheMaxBytes returns the cache size cap in bytes.
func (c *CacheConfig) CacheMaxBytes() int64 { return c.MaxSizeMB * 1024 * 1024 }

// CacheMaxAge returns the cache entry age bound.
func (c *CacheConfig) CacheMaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}
