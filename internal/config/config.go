// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jstrand/listcrawld/internal/crawl"
	"github.com/jstrand/listcrawld/internal/planner"
	"github.com/jstrand/listcrawld/internal/policy"
	"github.com/jstrand/listcrawld/internal/retry"
)

// Config captures all engine configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Site    SiteConfig    `mapstructure:"site"`
	DB      DBConfig      `mapstructure:"db"`
	Session SessionConfig `mapstructure:"session"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Failure FailureConfig `mapstructure:"failure"`
	Planner PlannerConfig `mapstructure:"planner"`
	Events  EventsConfig  `mapstructure:"events"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SiteConfig addresses the target listing site and its request budget.
type SiteConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	ListQuery         string  `mapstructure:"list_query"`
	UserAgent         string  `mapstructure:"user_agent"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// DBConfig controls access to the product database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	Table           string `mapstructure:"table"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
}

// SessionConfig governs session and batch supervision.
type SessionConfig struct {
	TimeoutMinutes      int `mapstructure:"timeout_minutes"`
	BatchTimeoutMinutes int `mapstructure:"batch_timeout_minutes"`
	AttemptTimeoutSec   int `mapstructure:"attempt_timeout_seconds"`
	BatchOverlap        int `mapstructure:"batch_overlap"`
	CommandBuffer       int `mapstructure:"command_buffer"`
	RemovalGraceMinutes int `mapstructure:"removal_grace_minutes"`
}

// RetryConfig maps onto the retry policy.
type RetryConfig struct {
	MaxAttempts       int     `mapstructure:"max_attempts"`
	BaseDelayMs       int     `mapstructure:"base_delay_ms"`
	MaxDelayMs        int     `mapstructure:"max_delay_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	JitterMs          int     `mapstructure:"jitter_ms"`
}

// FailureConfig maps onto the failure-window policy.
type FailureConfig struct {
	PageThreshold   float64 `mapstructure:"page_threshold"`
	DetailThreshold float64 `mapstructure:"detail_threshold"`
	HardCeiling     float64 `mapstructure:"hard_ceiling"`
	MinSamples      int     `mapstructure:"min_samples"`
	DownshiftFactor float64 `mapstructure:"downshift_factor"`
	MinConcurrency  int     `mapstructure:"min_concurrency"`
}

// PlannerConfig maps onto the planner baselines.
type PlannerConfig struct {
	BatchSizeBase          int     `mapstructure:"batch_size_base"`
	BatchSizeMin           int     `mapstructure:"batch_size_min"`
	BatchSizeMax           int     `mapstructure:"batch_size_max"`
	ConcurrencyBase        int     `mapstructure:"concurrency_base"`
	ConcurrencyMin         int     `mapstructure:"concurrency_min"`
	ConcurrencyMax         int     `mapstructure:"concurrency_max"`
	SmallStoreThreshold    int     `mapstructure:"small_store_threshold"`
	SmallStoreMultiplier   float64 `mapstructure:"small_store_multiplier"`
	LargeSiteThreshold     int     `mapstructure:"large_site_threshold"`
	LargeSiteMultiplier    float64 `mapstructure:"large_site_multiplier"`
	DuplicateRateThreshold float64 `mapstructure:"duplicate_rate_threshold"`
}

// EventsConfig controls the event hub buffers.
type EventsConfig struct {
	Buffer          int `mapstructure:"buffer"`
	BatchSize       int `mapstructure:"batch_size"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTCRAWLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("site.list_query", "page")
	v.SetDefault("site.user_agent", "listcrawld/1.0")
	v.SetDefault("site.timeout_seconds", 15)
	v.SetDefault("site.requests_per_second", 2.0)
	v.SetDefault("site.burst", 1)

	v.SetDefault("db.table", "products")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)

	v.SetDefault("session.timeout_minutes", 120)
	v.SetDefault("session.batch_timeout_minutes", 10)
	v.SetDefault("session.attempt_timeout_seconds", 30)
	v.SetDefault("session.batch_overlap", 1)
	v.SetDefault("session.command_buffer", 16)
	v.SetDefault("session.removal_grace_minutes", 5)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.jitter_ms", 250)

	v.SetDefault("failure.page_threshold", 0.30)
	v.SetDefault("failure.detail_threshold", 0.40)
	v.SetDefault("failure.hard_ceiling", 0.70)
	v.SetDefault("failure.min_samples", 5)
	v.SetDefault("failure.downshift_factor", 0.5)
	v.SetDefault("failure.min_concurrency", 1)

	v.SetDefault("planner.batch_size_base", 10)
	v.SetDefault("planner.batch_size_min", 2)
	v.SetDefault("planner.batch_size_max", 50)
	v.SetDefault("planner.concurrency_base", 6)
	v.SetDefault("planner.concurrency_min", 1)
	v.SetDefault("planner.concurrency_max", 16)
	v.SetDefault("planner.small_store_threshold", 100)
	v.SetDefault("planner.small_store_multiplier", 1.5)
	v.SetDefault("planner.large_site_threshold", 300)
	v.SetDefault("planner.large_site_multiplier", 0.7)
	v.SetDefault("planner.duplicate_rate_threshold", 0.10)

	v.SetDefault("events.buffer", 256)
	v.SetDefault("events.batch_size", 32)
	v.SetDefault("events.flush_interval_ms", 250)

	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Site.BaseURL == "" {
		return fmt.Errorf("site.base_url is required")
	}
	if c.Site.TimeoutSeconds <= 0 {
		return fmt.Errorf("site.timeout_seconds must be > 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1")
	}
	if c.Failure.PageThreshold <= 0 || c.Failure.PageThreshold > 1 {
		return fmt.Errorf("failure.page_threshold must be in (0,1]")
	}
	if c.Failure.HardCeiling < c.Failure.PageThreshold {
		return fmt.Errorf("failure.hard_ceiling must be >= failure.page_threshold")
	}
	if c.Planner.BatchSizeMin < 1 || c.Planner.BatchSizeMax < c.Planner.BatchSizeMin {
		return fmt.Errorf("planner batch size bounds are invalid")
	}
	if c.Planner.ConcurrencyMin < 1 || c.Planner.ConcurrencyMax < c.Planner.ConcurrencyMin {
		return fmt.Errorf("planner concurrency bounds are invalid")
	}
	if c.Session.BatchOverlap < 1 {
		return fmt.Errorf("session.batch_overlap must be >= 1")
	}
	return nil
}

// RetryPolicy converts the retry section into the calculator's policy. The
// kind filter admits every recoverable kind.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       c.Retry.MaxAttempts,
		BaseDelay:         time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:          time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		JitterRange:       time.Duration(c.Retry.JitterMs) * time.Millisecond,
		RetryOn: map[crawl.Kind]bool{
			crawl.KindNetworkTimeout:    true,
			crawl.KindNetworkConnection: true,
			crawl.KindRateLimited:       true,
			crawl.KindDatabase:          true,
			crawl.KindTimeout:           true,
		},
	}
}

// FailurePolicy converts the failure section.
func (c Config) FailurePolicy() policy.FailurePolicy {
	return policy.FailurePolicy{
		PageThreshold:   c.Failure.PageThreshold,
		DetailThreshold: c.Failure.DetailThreshold,
		HardCeiling:     c.Failure.HardCeiling,
		MinSamples:      c.Failure.MinSamples,
		DownshiftFactor: c.Failure.DownshiftFactor,
		MinConcurrency:  c.Failure.MinConcurrency,
	}
}

// PlannerConfig converts the planner section.
func (c Config) PlannerConfig() planner.Config {
	return planner.Config{
		BatchSizeBase:          c.Planner.BatchSizeBase,
		BatchSizeMin:           c.Planner.BatchSizeMin,
		BatchSizeMax:           c.Planner.BatchSizeMax,
		ConcurrencyBase:        c.Planner.ConcurrencyBase,
		ConcurrencyMin:         c.Planner.ConcurrencyMin,
		ConcurrencyMax:         c.Planner.ConcurrencyMax,
		SmallStoreThreshold:    c.Planner.SmallStoreThreshold,
		SmallStoreMultiplier:   c.Planner.SmallStoreMultiplier,
		LargeSiteThreshold:     c.Planner.LargeSiteThreshold,
		LargeSiteMultiplier:    c.Planner.LargeSiteMultiplier,
		DuplicateRateThreshold: c.Planner.DuplicateRateThreshold,
	}
}

// SiteTimeout returns the fetch timeout as a duration.
func (c Config) SiteTimeout() time.Duration {
	return time.Duration(c.Site.TimeoutSeconds) * time.Second
}

// SessionTimeout returns the whole-session budget as a duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutMinutes) * time.Minute
}

// BatchTimeout returns the per-batch budget as a duration.
func (c Config) BatchTimeout() time.Duration {
	return time.Duration(c.Session.BatchTimeoutMinutes) * time.Minute
}

// AttemptTimeout returns the per-attempt budget as a duration.
func (c Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Session.AttemptTimeoutSec) * time.Second
}

// RemovalGrace returns how long finished sessions stay queryable.
func (c Config) RemovalGrace() time.Duration {
	return time.Duration(c.Session.RemovalGraceMinutes) * time.Minute
}
