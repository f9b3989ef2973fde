package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/conductor/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromConductorHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "conductor")
	writeConfig(t, home, "loop:\n  batch_size: 25\nlocks:\n  max_concurrent_merges: 4\n  critical_paths: [\"db/migrations\"]\n")
	t.Setenv("CONDUCTOR_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Loop.BatchSize != 25 {
		t.Fatalf("expected batch_size=25 got %d", cfg.Loop.BatchSize)
	}
	if cfg.Locks.MaxConcurrentMerges != 4 || len(cfg.Locks.CriticalPaths) != 1 {
		t.Fatalf("locks not loaded: %+v", cfg.Locks)
	}
	if cfg.Missing {
		t.Fatal("config file present but marked missing")
	}
}

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	t.Setenv("CONDUCTOR_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Missing {
		t.Fatal("expected Missing for absent config.yaml")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home dir not created: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"bind_addr", cfg.BindAddr, "127.0.0.1:18790"},
		{"poll_interval", cfg.Loop.PollInterval(), 2 * time.Second},
		{"batch_size", cfg.Loop.BatchSize, 100},
		{"cursor_stale", cfg.Loop.CursorStale(), time.Hour},
		{"advisory_ttl", cfg.Loop.AdvisoryTTL(), 30 * time.Second},
		{"max_attempts", cfg.Loop.MaxActionAttempts, 5},
		{"backoff_base", cfg.Loop.BackoffBase(), 2 * time.Second},
		{"backoff_max", cfg.Loop.BackoffMax(), 5 * time.Minute},
		{"lock_ttl", cfg.Locks.TTL(), 15 * time.Minute},
		{"max_merges", cfg.Locks.MaxConcurrentMerges, 2},
		{"armed", cfg.Governance.Armed, false},
		{"stuck_after", cfg.Integrity.StuckAfter(), 10 * time.Minute},
		{"repair_cron", cfg.Integrity.RepairCron, "*/5 * * * *"},
		{"retention_days", cfg.Retention.ProcessedEventDays, 30},
		{"audit_days", cfg.Retention.AuditLogDays, 365},
		{"http_timeout", cfg.VCS.HTTPTimeout(), 30 * time.Second},
		{"rpm", cfg.RateLimit.RequestsPerMinute, 120},
	}
	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			if c.got != c.want {
				t.Fatalf("got %v, want %v", c.got, c.want)
			}
		})
	}
	if len(cfg.Governance.PrivilegedRoles) != 1 || cfg.Governance.PrivilegedRoles[0] != "release-manager" {
		t.Fatalf("unexpected privileged roles: %v", cfg.Governance.PrivilegedRoles)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: 127.0.0.1:9000\ngovernance:\n  armed: false\n")
	t.Setenv("CONDUCTOR_HOME", home)
	t.Setenv("CONDUCTOR_BIND_ADDR", "0.0.0.0:7000")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "DEBUG")
	t.Setenv("CONDUCTOR_ARMED", "true")
	t.Setenv("CONDUCTOR_AUTH_TOKEN", "api-token")
	t.Setenv("CONDUCTOR_OVERRIDE_TOKEN", "break-glass")
	t.Setenv("CONDUCTOR_VCS_TOKEN", "vcs-token")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:7000" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if !cfg.Governance.Armed {
		t.Fatal("CONDUCTOR_ARMED not applied")
	}
	if cfg.AuthToken != "api-token" || cfg.Governance.OverrideToken != "break-glass" || cfg.VCS.Token != "vcs-token" {
		t.Fatalf("token overrides not applied: %+v", cfg)
	}
}

func TestLoad_NormalizesNonPositive(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "loop:\n  batch_size: -3\n  poll_interval_ms: 0\nvcs:\n  base_url: https://vcs.example/api/\n  http_retries: -1\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Loop.BatchSize != 100 || cfg.Loop.PollIntervalMs != 2000 {
		t.Fatalf("loop not normalized: %+v", cfg.Loop)
	}
	if cfg.VCS.BaseURL != "https://vcs.example/api" {
		t.Fatalf("base url = %q", cfg.VCS.BaseURL)
	}
	if cfg.VCS.HTTPRetries != 0 {
		t.Fatalf("retries = %d", cfg.VCS.HTTPRetries)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad_repair_cron", "integrity:\n  repair_cron: \"every five\"\n", "integrity.repair_cron"},
		{"bad_retention_cron", "retention:\n  cron: \"nope\"\n", "retention.cron"},
		{"backoff_inverted", "loop:\n  backoff_base_ms: 5000\n  backoff_max_ms: 1000\n", "backoff_max_ms"},
		{"bad_log_level", "log_level: chatty\n", "log_level"},
		{"bad_sample_rate", "otel:\n  sample_rate: 2\n", "sample_rate"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tc.body)
			_, err := config.LoadFrom(home)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_ParseError(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "loop: [unclosed\n")
	if _, err := config.LoadFrom(home); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestFingerprint_TracksBehavioralSettings(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	b.Governance.Armed = true
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint ignores governance")
	}
}
