// Package doctor runs the operator health checks behind `conductor doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/driver"
	"github.com/basket/conductor/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. loadErr is the error, if any, from
// loading cfg; the remaining checks still run against cfg. The database is
// opened once and shared by the checks that need it.
func Run(ctx context.Context, cfg *config.Config, loadErr error, version string) Diagnosis {
	now := time.Now().UTC()
	d := Diagnosis{
		Timestamp: now,
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr), checkPermissions(cfg))

	store, dbResult := openDatabase(ctx, cfg)
	d.Results = append(d.Results, dbResult)
	if store != nil {
		defer store.Close()
	}
	d.Results = append(d.Results,
		checkCursor(ctx, cfg, store, now),
		checkGovernance(ctx, cfg, store),
		checkVCS(cfg),
		checkNetwork(ctx, cfg),
	)
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if loadErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "config.yaml rejected", Detail: loadErr.Error()}
	}
	if cfg.Missing {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml not found, running on defaults",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail: cfg.Fingerprint()}
}

func checkPermissions(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func openDatabase(ctx context.Context, cfg *config.Config) (*persistence.Store, CheckResult) {
	if cfg == nil {
		return nil, CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	path := config.DBPath(cfg.HomeDir)
	store, err := persistence.Open(path, nil)
	if err != nil {
		return nil, CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: path}
	}
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		_ = store.Close()
		return nil, CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: path}
	}
	n, err := store.TotalEventCount(ctx)
	if err != nil {
		_ = store.Close()
		return nil, CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: path}
	}
	return store, CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("Schema v%d, %d events", version, n), Detail: path}
}

// checkCursor warns when the loop cursor has not moved within the stale
// window; the next loop start will reset it and skip older events.
func checkCursor(ctx context.Context, cfg *config.Config, store *persistence.Store, now time.Time) CheckResult {
	if cfg == nil || store == nil {
		return CheckResult{Name: "Loop Cursor", Status: StatusSkip, Message: "Database unavailable"}
	}
	cur, ok, err := driver.ReadCursor(ctx, store)
	if err != nil {
		return CheckResult{Name: "Loop Cursor", Status: StatusFail, Message: fmt.Sprintf("Read failed: %v", err)}
	}
	if !ok {
		return CheckResult{Name: "Loop Cursor", Status: StatusWarn, Message: "No cursor yet; the first start replays the whole log"}
	}
	age := now.Sub(cur.SavedAt)
	detail := fmt.Sprintf("at=%s event_id=%s saved_at=%s", cur.At.Format(time.RFC3339), cur.EventID, cur.SavedAt.Format(time.RFC3339))
	if age > cfg.Loop.CursorStale() {
		return CheckResult{Name: "Loop Cursor", Status: StatusWarn,
			Message: fmt.Sprintf("Cursor idle for %s (stale after %s); next start resets it", age.Round(time.Second), cfg.Loop.CursorStale()),
			Detail:  detail}
	}
	return CheckResult{Name: "Loop Cursor", Status: StatusPass,
		Message: fmt.Sprintf("Cursor moved %s ago", age.Round(time.Second)), Detail: detail}
}

func checkGovernance(ctx context.Context, cfg *config.Config, store *persistence.Store) CheckResult {
	if cfg == nil || store == nil {
		return CheckResult{Name: "Governance", Status: StatusSkip, Message: "Database unavailable"}
	}
	gov := driver.NewGovernance(store, nil, nil, nil, cfg.Governance.Armed)
	armed, err := gov.Armed(ctx)
	if err != nil {
		return CheckResult{Name: "Governance", Status: StatusFail, Message: fmt.Sprintf("Read failed: %v", err)}
	}
	if !armed {
		return CheckResult{Name: "Governance", Status: StatusPass, Message: "Disarmed: the loop observes events without executing"}
	}
	if cfg.VCS.BaseURL == "" || cfg.VCS.Repo == "" {
		return CheckResult{Name: "Governance", Status: StatusWarn, Message: "Armed but vcs.base_url or vcs.repo is unset; every action will fail"}
	}
	return CheckResult{Name: "Governance", Status: StatusPass, Message: "Armed: actions execute"}
}

func checkVCS(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "VCS", Status: StatusSkip, Message: "Config missing"}
	}
	var missing []string
	if cfg.VCS.BaseURL == "" {
		missing = append(missing, "vcs.base_url")
	}
	if cfg.VCS.Repo == "" {
		missing = append(missing, "vcs.repo")
	}
	if cfg.VCS.Token == "" {
		missing = append(missing, "vcs.token (or CONDUCTOR_VCS_TOKEN)")
	}
	if cfg.VCS.Endpoints.ValidateURL == "" {
		missing = append(missing, "vcs.endpoints.validate_url")
	}
	if cfg.VCS.Endpoints.VerifyURL == "" {
		missing = append(missing, "vcs.endpoints.verify_url")
	}
	if len(missing) > 0 {
		return CheckResult{Name: "VCS", Status: StatusWarn, Message: fmt.Sprintf("%d settings unset", len(missing)), Detail: fmt.Sprintf("%v", missing)}
	}
	return CheckResult{Name: "VCS", Status: StatusPass, Message: fmt.Sprintf("Configured for %s", cfg.VCS.Repo)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.VCS.BaseURL == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "vcs.base_url not configured"}
	}
	u, err := url.Parse(cfg.VCS.BaseURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Network", Status: StatusFail, Message: fmt.Sprintf("Invalid vcs.base_url %q", cfg.VCS.BaseURL)}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
