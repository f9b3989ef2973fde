// Package config loads <home>/config.yaml, applies defaults and environment
// overrides, and validates the result.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/conductor/internal/otel"
	"github.com/robfig/cron/v3"
)

type LoopConfig struct {
	PollIntervalMs         int `yaml:"poll_interval_ms"`
	BatchSize              int `yaml:"batch_size"`
	MaxPages               int `yaml:"max_pages"`
	CursorStaleMinutes     int `yaml:"cursor_stale_minutes"`
	AdvisoryLockTTLSeconds int `yaml:"advisory_lock_ttl_seconds"`
	MaxActionAttempts      int `yaml:"max_action_attempts"`
	BackoffBaseMs          int `yaml:"backoff_base_ms"`
	BackoffMaxMs           int `yaml:"backoff_max_ms"`
}

func (l LoopConfig) PollInterval() time.Duration {
	return time.Duration(l.PollIntervalMs) * time.Millisecond
}

func (l LoopConfig) CursorStale() time.Duration {
	return time.Duration(l.CursorStaleMinutes) * time.Minute
}

func (l LoopConfig) AdvisoryTTL() time.Duration {
	return time.Duration(l.AdvisoryLockTTLSeconds) * time.Second
}

func (l LoopConfig) BackoffBase() time.Duration {
	return time.Duration(l.BackoffBaseMs) * time.Millisecond
}

func (l LoopConfig) BackoffMax() time.Duration {
	return time.Duration(l.BackoffMaxMs) * time.Millisecond
}

type LocksConfig struct {
	TTLMinutes          int      `yaml:"ttl_minutes"`
	MaxConcurrentMerges int      `yaml:"max_concurrent_merges"`
	CriticalPaths       []string `yaml:"critical_paths"`
}

func (l LocksConfig) TTL() time.Duration {
	return time.Duration(l.TTLMinutes) * time.Minute
}

type GovernanceConfig struct {
	Armed           bool     `yaml:"armed"`
	OverrideToken   string   `yaml:"override_token"`
	PrivilegedRoles []string `yaml:"privileged_roles"`
}

type IntegrityConfig struct {
	StrictTopics      bool   `yaml:"strict_topics"`
	StuckAfterMinutes int    `yaml:"stuck_after_minutes"`
	RepairCron        string `yaml:"repair_cron"`
	RepairLimit       int    `yaml:"repair_limit"`
}

func (i IntegrityConfig) StuckAfter() time.Duration {
	return time.Duration(i.StuckAfterMinutes) * time.Minute
}

type RetentionConfig struct {
	ProcessedEventDays int    `yaml:"processed_event_days"`
	AuditLogDays       int    `yaml:"audit_log_days"`
	Cron               string `yaml:"cron"`
}

type EndpointsConfig struct {
	ValidateURL string `yaml:"validate_url"`
	VerifyURL   string `yaml:"verify_url"`
}

// VCSConfig points the action executors at the version-control host.
type VCSConfig struct {
	BaseURL            string          `yaml:"base_url"`
	Token              string          `yaml:"token"`
	Repo               string          `yaml:"repo"`
	Workflow           string          `yaml:"workflow"`
	Ref                string          `yaml:"ref"`
	Endpoints          EndpointsConfig `yaml:"endpoints"`
	HTTPTimeoutSeconds int             `yaml:"http_timeout_seconds"`
	HTTPRetries        int             `yaml:"http_retries"`
}

func (v VCSConfig) HTTPTimeout() time.Duration {
	return time.Duration(v.HTTPTimeoutSeconds) * time.Second
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists Origin patterns accepted on the live feed.
	AllowOrigins []string `yaml:"allow_origins"`

	Loop       LoopConfig       `yaml:"loop"`
	Locks      LocksConfig      `yaml:"locks"`
	Governance GovernanceConfig `yaml:"governance"`
	Integrity  IntegrityConfig  `yaml:"integrity"`
	Retention  RetentionConfig  `yaml:"retention"`
	VCS        VCSConfig        `yaml:"vcs"`
	OTel       otel.Config      `yaml:"otel"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`

	// Missing is set when no config.yaml exists and defaults are in effect.
	Missing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the SQLite database path within the given home directory.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "conductor.db")
}

// Fingerprint returns a stable hash of the settings that shape loop behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|loop=%+v|locks=%+v|armed=%t|strict=%t|repo=%s",
		c.BindAddr, c.LogLevel, c.Loop, c.Locks, c.Governance.Armed, c.Integrity.StrictTopics, c.VCS.Repo)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Loop: LoopConfig{
			PollIntervalMs:         2000,
			BatchSize:              100,
			MaxPages:               10,
			CursorStaleMinutes:     60,
			AdvisoryLockTTLSeconds: 30,
			MaxActionAttempts:      5,
			BackoffBaseMs:          2000,
			BackoffMaxMs:           300000,
		},
		Locks: LocksConfig{
			TTLMinutes:          15,
			MaxConcurrentMerges: 2,
		},
		Governance: GovernanceConfig{
			PrivilegedRoles: []string{"release-manager"},
		},
		Integrity: IntegrityConfig{
			StuckAfterMinutes: 10,
			RepairCron:        "*/5 * * * *",
			RepairLimit:       50,
		},
		Retention: RetentionConfig{
			ProcessedEventDays: 30,
			AuditLogDays:       365,
			Cron:               "17 3 * * *",
		},
		VCS: VCSConfig{
			Ref:                "main",
			HTTPTimeoutSeconds: 30,
			HTTPRetries:        3,
		},
		OTel: otel.Config{
			Exporter:    otel.ExporterNone,
			ServiceName: "conductor",
			SampleRate:  1.0,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
	}
}

// Default returns the built-in configuration rooted at homeDir.
func Default(homeDir string) Config {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	return cfg
}

func HomeDir() string {
	if override := os.Getenv("CONDUCTOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor")
}

// Load reads config from HomeDir(), creating the directory if needed.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir. A missing file yields defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Default(homeDir)

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create conductor home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.Missing = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// normalize replaces zero or negative values with defaults.
func normalize(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = def.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	positive(&cfg.Loop.PollIntervalMs, def.Loop.PollIntervalMs)
	positive(&cfg.Loop.BatchSize, def.Loop.BatchSize)
	positive(&cfg.Loop.MaxPages, def.Loop.MaxPages)
	positive(&cfg.Loop.CursorStaleMinutes, def.Loop.CursorStaleMinutes)
	positive(&cfg.Loop.AdvisoryLockTTLSeconds, def.Loop.AdvisoryLockTTLSeconds)
	positive(&cfg.Loop.MaxActionAttempts, def.Loop.MaxActionAttempts)
	positive(&cfg.Loop.BackoffBaseMs, def.Loop.BackoffBaseMs)
	positive(&cfg.Loop.BackoffMaxMs, def.Loop.BackoffMaxMs)
	positive(&cfg.Locks.TTLMinutes, def.Locks.TTLMinutes)
	positive(&cfg.Locks.MaxConcurrentMerges, def.Locks.MaxConcurrentMerges)
	positive(&cfg.Integrity.StuckAfterMinutes, def.Integrity.StuckAfterMinutes)
	positive(&cfg.Integrity.RepairLimit, def.Integrity.RepairLimit)
	positive(&cfg.VCS.HTTPTimeoutSeconds, def.VCS.HTTPTimeoutSeconds)
	positive(&cfg.RateLimit.RequestsPerMinute, def.RateLimit.RequestsPerMinute)
	positive(&cfg.RateLimit.BurstSize, def.RateLimit.BurstSize)
	if cfg.VCS.HTTPRetries < 0 {
		cfg.VCS.HTTPRetries = 0
	}
	if cfg.Integrity.RepairCron == "" {
		cfg.Integrity.RepairCron = def.Integrity.RepairCron
	}
	if cfg.Retention.Cron == "" {
		cfg.Retention.Cron = def.Retention.Cron
	}
	if cfg.VCS.Ref == "" {
		cfg.VCS.Ref = def.VCS.Ref
	}
	if len(cfg.Governance.PrivilegedRoles) == 0 {
		cfg.Governance.PrivilegedRoles = def.Governance.PrivilegedRoles
	}
	cfg.VCS.BaseURL = strings.TrimRight(cfg.VCS.BaseURL, "/")
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func validate(cfg Config) error {
	var errs []error
	if cfg.Loop.BackoffMaxMs < cfg.Loop.BackoffBaseMs {
		errs = append(errs, fmt.Errorf("loop.backoff_max_ms (%d) must be >= loop.backoff_base_ms (%d)",
			cfg.Loop.BackoffMaxMs, cfg.Loop.BackoffBaseMs))
	}
	if _, err := cronParser.Parse(cfg.Integrity.RepairCron); err != nil {
		errs = append(errs, fmt.Errorf("integrity.repair_cron: %w", err))
	}
	if _, err := cronParser.Parse(cfg.Retention.Cron); err != nil {
		errs = append(errs, fmt.Errorf("retention.cron: %w", err))
	}
	if err := cfg.OTel.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", cfg.LogLevel))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CONDUCTOR_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CONDUCTOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONDUCTOR_ARMED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Governance.Armed = v
		}
	}
	if raw := os.Getenv("CONDUCTOR_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("CONDUCTOR_OVERRIDE_TOKEN"); raw != "" {
		cfg.Governance.OverrideToken = raw
	}
	if raw := os.Getenv("CONDUCTOR_VCS_TOKEN"); raw != "" {
		cfg.VCS.Token = raw
	}
}
