// Package config loads configuration from a YAML file with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KatherLab/wsi-viewer/internal/cache"
)

// DefaultExtensions are the slide formats recognized when the config does
// not list its own.
var DefaultExtensions = []string{
	".svs", ".tif", ".tiff", ".ndpi", ".scn", ".mrxs", ".bif", ".czi",
	".dcm", ".vms", ".vmu", ".svslide",
}

// Root is a labeled top-level slide directory.
type Root struct {
	Path  string `yaml:"path"`
	Label string `yaml:"label"`
}

// CacheConfig configures the optional cache backend.
type CacheConfig struct {
	Enabled  bool       `yaml:"enabled"`
	RedisURL string     `yaml:"redis_url"`
	TTL      cache.TTLs `yaml:"ttl_seconds"`
}

// ThumbConfig configures thumbnail generation.
type ThumbConfig struct {
	MaxPx            int  `yaml:"max_px"`
	PreferAssociated bool `yaml:"prefer_associated"`
}

// GovernorConfig sizes the worker pool, the admission classes and the
// per-call budgets.
type GovernorConfig struct {
	Workers         int `yaml:"workers"`
	ThumbnailSlots  int `yaml:"thumbnail_slots"`
	TileSlots       int `yaml:"tile_slots"`
	ScanTimeoutSec  int `yaml:"scan_timeout_seconds"`
	DecodeTimeout   int `yaml:"decode_timeout_seconds"`
	PriorityTimeout int `yaml:"priority_timeout_seconds"`
}

// ResolverConfig configures the id→path resolver.
type ResolverConfig struct {
	TableSize    int    `yaml:"table_size"`
	FallbackWalk bool   `yaml:"fallback_walk"`
	SnapshotPath string `yaml:"snapshot_path"`
}

// Config holds all server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Roots      []Root   `yaml:"roots"`
	Extensions []string `yaml:"extensions"`
	Exclude    []string `yaml:"exclude"`

	Cache      CacheConfig    `yaml:"cache"`
	Thumbnails ThumbConfig    `yaml:"thumbnails"`
	Governor   GovernorConfig `yaml:"governor"`
	Resolver   ResolverConfig `yaml:"resolver"`

	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// Path returns the config file location: the -config flag value if given,
// else WSI_CONFIG, else config.yml beside the working directory.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return envOr("WSI_CONFIG", "config.yml")
}

// Load reads and validates the config file, then applies env overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr:  ":8010",
		MetricsAddr: ":9090",
		LogLevel:    "info",
		LogFormat:   "json",
		Cache: CacheConfig{
			TTL: cache.TTLs{Tree: 60, Shallow: 60, Expand: 60, Thumb: 86400, Tile: 3600},
		},
		Thumbnails: ThumbConfig{MaxPx: 512, PreferAssociated: true},
		Governor: GovernorConfig{
			Workers:         8,
			ThumbnailSlots:  2,
			TileSlots:       8,
			ScanTimeoutSec:  30,
			DecodeTimeout:   20,
			PriorityTimeout: 5,
		},
		Resolver:         ResolverConfig{FallbackWalk: true},
		CORSAllowOrigins: []string{"*"},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Env overrides
	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Cache.Enabled = true
		cfg.Cache.RedisURL = url
	}

	cfg.normalize()

	if len(cfg.Roots) == 0 {
		return nil, fmt.Errorf("config %s: at least one root is required", path)
	}
	return cfg, nil
}

// normalize lowercases extensions, ensures leading dots and resolves root
// paths.
func (c *Config) normalize() {
	if len(c.Extensions) == 0 {
		c.Extensions = append(c.Extensions, DefaultExtensions...)
	}
	for i, e := range c.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		c.Extensions[i] = e
	}
	for i, r := range c.Roots {
		if abs, err := filepath.Abs(r.Path); err == nil {
			c.Roots[i].Path = abs
		}
	}
}

// RootPaths returns the configured root paths in order.
func (c *Config) RootPaths() []string {
	paths := make([]string, len(c.Roots))
	for i, r := range c.Roots {
		paths[i] = r.Path
	}
	return paths
}

// ScanTimeout returns the filesystem scan budget.
func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.Governor.ScanTimeoutSec) * time.Second
}

// DecodeTimeout returns the decoder call budget.
func (c *Config) DecodeTimeout() time.Duration {
	return time.Duration(c.Governor.DecodeTimeout) * time.Second
}

// PriorityTimeout returns the tightened budget used when a client sends a
// priority hint.
func (c *Config) PriorityTimeout() time.Duration {
	return time.Duration(c.Governor.PriorityTimeout) * time.Second
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
