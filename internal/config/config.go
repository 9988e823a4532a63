package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"lookout/internal/model"
)

// Config is the application's configuration model.
// It captures storage, credentials, collection budgets and scheduling.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Lock        LockConfig        `yaml:"lock"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Collect     CollectConfig     `yaml:"collect"`
	API         APIConfig         `yaml:"api"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

type StorageConfig struct {
	// SQLite path; ":memory:" keeps everything in process.
	DBPath string `yaml:"dbPath"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // e.g. ":9090"; empty disables the server
}

type LockConfig struct {
	// When set, monitor edits are serialized through Redis instead of in-process.
	RedisURL string        `yaml:"redisURL"`
	TTL      time.Duration `yaml:"ttl"`
}

type ScheduleConfig struct {
	Spec   string `yaml:"spec"` // robfig/cron spec, e.g. "@every 6h"
	Sample bool   `yaml:"sample"`
}

// Budget bounds one collection task.
type Budget struct {
	PageSize    int `yaml:"pageSize"`
	MaxRequests int `yaml:"maxRequests"`
}

type BudgetProfiles struct {
	Full   Budget `yaml:"full"`
	Sample Budget `yaml:"sample"`
}

// Select returns the sample budget when sample is set, else the full one.
func (p BudgetProfiles) Select(sample bool) Budget {
	if sample {
		return p.Sample
	}
	return p.Full
}

type CollectConfig struct {
	// Wall-clock ceiling per task; checked between pages.
	TaskTimeout time.Duration `yaml:"taskTimeout"`
	// Platforms collected in parallel per monitor.
	Concurrency int                               `yaml:"concurrency"`
	Default     BudgetProfiles                    `yaml:"default"`
	Profiles    map[model.Platform]BudgetProfiles `yaml:"profiles"`
}

type APIConfig struct {
	RPS           float64       `yaml:"rps"`
	Burst         int           `yaml:"burst"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	BaseBackoffMs int           `yaml:"baseBackoffMs"`
	Timeout       time.Duration `yaml:"timeout"`
}

type CredentialsConfig struct {
	// X/Twitter API bearer token. If empty, read from env X_BEARER_TOKEN
	TwitterBearerToken string `yaml:"twitterBearerToken"`
	// If empty, read from env VK_TOKEN
	VKToken string `yaml:"vkToken"`
	// If empty, read from env YOUTUBE_TOKEN
	YouTubeKey string `yaml:"youtubeKey"`
	// If empty, read from env CROWDTANGLE_TOKEN
	CrowdTangleToken string `yaml:"crowdtangleToken"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Storage:  StorageConfig{DBPath: "./lookout.db"},
		Log:      LogConfig{Level: "info"},
		Lock:     LockConfig{TTL: 30 * time.Second},
		Schedule: ScheduleConfig{Spec: "@every 6h"},
		Collect: CollectConfig{
			TaskTimeout: 10 * time.Minute,
			Concurrency: 4,
			Default: BudgetProfiles{
				Full:   Budget{PageSize: 100, MaxRequests: 20},
				Sample: Budget{PageSize: 50, MaxRequests: 1},
			},
			Profiles: map[model.Platform]BudgetProfiles{
				model.VKontakte: {Full: Budget{PageSize: 50, MaxRequests: 50}, Sample: Budget{PageSize: 20, MaxRequests: 1}},
				model.YouTube:   {Full: Budget{PageSize: 50, MaxRequests: 20}, Sample: Budget{PageSize: 50, MaxRequests: 1}},
			},
		},
		API: APIConfig{RPS: 2, Burst: 10, MaxAttempts: 5, BaseBackoffMs: 500, Timeout: 15 * time.Second},
	}
}

// ProfilesFor returns the budget profiles for p, falling back to the default pair.
func (c CollectConfig) ProfilesFor(p model.Platform) BudgetProfiles {
	if bp, ok := c.Profiles[p]; ok {
		return bp
	}
	return c.Default
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if c.Credentials.TwitterBearerToken == "" {
		c.Credentials.TwitterBearerToken = os.Getenv("X_BEARER_TOKEN")
	}
	if c.Credentials.VKToken == "" {
		c.Credentials.VKToken = os.Getenv("VK_TOKEN")
	}
	if c.Credentials.YouTubeKey == "" {
		c.Credentials.YouTubeKey = os.Getenv("YOUTUBE_TOKEN")
	}
	if c.Credentials.CrowdTangleToken == "" {
		c.Credentials.CrowdTangleToken = os.Getenv("CROWDTANGLE_TOKEN")
	}
	if c.Lock.RedisURL == "" {
		c.Lock.RedisURL = os.Getenv("REDIS_URL")
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = os.Getenv("METRICS_ADDR")
	}
	if v := os.Getenv("LOOKOUT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects budgets that could never make progress.
func (c Config) Validate() error {
	check := func(name string, b Budget) error {
		if b.PageSize <= 0 || b.MaxRequests <= 0 {
			return fmt.Errorf("collect budget %s: pageSize and maxRequests must be positive", name)
		}
		return nil
	}
	if err := check("default.full", c.Collect.Default.Full); err != nil {
		return err
	}
	if err := check("default.sample", c.Collect.Default.Sample); err != nil {
		return err
	}
	for p, bp := range c.Collect.Profiles {
		if !p.Valid() {
			return fmt.Errorf("collect profiles: unknown platform %q", p)
		}
		if err := check(string(p)+".full", bp.Full); err != nil {
			return err
		}
		if err := check(string(p)+".sample", bp.Sample); err != nil {
			return err
		}
		if bp.Sample.MaxRequests > bp.Full.MaxRequests {
			return fmt.Errorf("collect budget %s: sample ceiling exceeds full ceiling", p)
		}
	}
	// A page size the API cannot serve would make every full page look short.
	for _, p := range model.Platforms {
		lo, hi := p.PageSizeLimits()
		if hi == 0 {
			continue
		}
		bp := c.Collect.ProfilesFor(p)
		for name, b := range map[string]Budget{"full": bp.Full, "sample": bp.Sample} {
			if b.PageSize < lo || b.PageSize > hi {
				return fmt.Errorf("collect budget %s.%s: pageSize %d outside %s range [%d, %d]", p, name, b.PageSize, p, lo, hi)
			}
		}
	}
	if c.Collect.Concurrency < 0 {
		return errors.New("collect concurrency must not be negative")
	}
	return nil
}

// Load reads YAML config from path. Fields absent from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
