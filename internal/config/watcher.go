package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// ReloadEvent is one settled change to config.yaml. Op accumulates every
// operation seen during the debounce window.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml. It watches the home directory, not
// the file, so saves that replace the file by rename are still seen.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{homeDir: homeDir, logger: logger, debounce: DefaultDebounce, events: make(chan ReloadEvent, 1)}
}

// SetDebounce changes the quiet period; call before Start.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

// Start begins watching until ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.run(ctx, fsw, filepath.Clean(ConfigPath(w.homeDir)))
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, target string) {
	defer close(w.events)
	defer fsw.Close()

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	var pending fsnotify.Op
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			pending |= ev.Op
			settle.Reset(w.debounce)
		case <-settle.C:
			// A reload already queued covers this change too.
			select {
			case w.events <- ReloadEvent{Path: target, Op: pending}:
			default:
			}
			w.logger.Info("config file changed", "path", target, "op", pending.String())
			pending = 0
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// Governor is the live governance switch a reload applies to.
type Governor interface {
	SetArmed(ctx context.Context, armed bool, actor, reason string) (bool, error)
}

// RestartRequired lists the settings that differ between prev and next but
// only take effect when the daemon restarts.
func RestartRequired(prev, next Config) []string {
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("bind_addr", prev.BindAddr, next.BindAddr)
	check("auth_token", prev.AuthToken, next.AuthToken)
	check("allow_origins", prev.AllowOrigins, next.AllowOrigins)
	check("log_level", prev.LogLevel, next.LogLevel)
	check("governance.override_token", prev.Governance.OverrideToken, next.Governance.OverrideToken)
	check("governance.privileged_roles", prev.Governance.PrivilegedRoles, next.Governance.PrivilegedRoles)
	check("loop", prev.Loop, next.Loop)
	check("locks", prev.Locks, next.Locks)
	check("integrity", prev.Integrity, next.Integrity)
	check("retention", prev.Retention, next.Retention)
	check("vcs", prev.VCS, next.VCS)
	check("otel", prev.OTel, next.OTel)
	check("rate_limit", prev.RateLimit, next.RateLimit)
	slices.Sort(out)
	return out
}

// Apply reloads config.yaml for every watcher event until events closes or
// ctx ends. governance.armed is pushed to gov live; other changed settings
// are logged as needing a restart. Invalid files are rejected and the
// running config stays in force. onReload, when set, receives each config
// that was accepted.
func Apply(ctx context.Context, current Config, events <-chan ReloadEvent, gov Governor, logger *slog.Logger, onReload func(Config)) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			next, err := LoadFrom(current.HomeDir)
			if err != nil {
				logger.Error("config reload rejected", "path", ev.Path, "error", err)
				continue
			}
			if _, err := gov.SetArmed(ctx, next.Governance.Armed, "config", "config.yaml reloaded"); err != nil {
				logger.Error("apply governance from config", "error", err)
				continue
			}
			if stale := RestartRequired(current, next); len(stale) > 0 {
				logger.Warn("config changes need a restart", "settings", stale)
			}
			current = next
			if onReload != nil {
				onReload(next)
			}
		}
	}
}
