package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/basket/conductor/internal/actions"
	"github.com/basket/conductor/internal/audit"
	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/controller"
	"github.com/basket/conductor/internal/cron"
	"github.com/basket/conductor/internal/driver"
	"github.com/basket/conductor/internal/gateway"
	"github.com/basket/conductor/internal/integrity"
	"github.com/basket/conductor/internal/locks"
	otelPkg "github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/snapshot"
	"github.com/basket/conductor/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "missing", cfg.Missing, "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("non-loopback bind; a generated auth.token will guard the API", "bind_addr", cfg.BindAddr)
		}
	}

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel, otelPkg.WithVersion(Version))
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = otelProvider.Shutdown(sctx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	if otelProvider.Enabled() {
		logger.Info("telemetry enabled", "exporter", cfg.OTel.Exporter, "instance_id", otelProvider.InstanceID)
	}

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	snaps := snapshot.New(store, logger)
	lockMgr := locks.NewManager(locks.Config{
		TTL:                 cfg.Locks.TTL(),
		MaxConcurrentMerges: cfg.Locks.MaxConcurrentMerges,
		CriticalPaths:       cfg.Locks.CriticalPaths,
	}, locks.Options{Store: store, Trail: store, Bus: eventBus, Logger: logger, Metrics: metrics})

	ctrl := controller.New(controller.Config{
		Runs:      store,
		Snapshots: snaps,
		Bus:       eventBus,
		Logger:    logger,
		Metrics:   metrics,
		OnTerminal: func(ctx context.Context, run *pipeline.Run) {
			if err := lockMgr.Release(ctx, run.TaskID, "run "+string(run.State)); err != nil {
				logger.Warn("release locks on terminal run", "task_id", run.TaskID, "error", err)
			}
		},
	})

	gate := integrity.New(integrity.Config{
		Controller:      ctrl,
		Events:          store,
		Runs:            store,
		State:           store,
		LockTTL:         cfg.Loop.AdvisoryTTL(),
		Bus:             eventBus,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          otelProvider.Tracer,
		StrictTopics:    cfg.Integrity.StrictTopics,
		OverrideToken:   cfg.Governance.OverrideToken,
		PrivilegedRoles: cfg.Governance.PrivilegedRoles,
		StuckAfter:      cfg.Integrity.StuckAfter(),
		RepairLimit:     cfg.Integrity.RepairLimit,
	})

	executor := actions.NewHTTPExecutor(actions.HTTPConfig{
		BaseURL:     cfg.VCS.BaseURL,
		Token:       cfg.VCS.Token,
		Repo:        cfg.VCS.Repo,
		Workflow:    cfg.VCS.Workflow,
		Ref:         cfg.VCS.Ref,
		ValidateURL: cfg.VCS.Endpoints.ValidateURL,
		VerifyURL:   cfg.VCS.Endpoints.VerifyURL,
		Timeout:     cfg.VCS.HTTPTimeout(),
		Retries:     cfg.VCS.HTTPRetries,
		Logger:      logger,
	})
	runner := actions.NewRunner(actions.RunnerConfig{
		Executor:    executor,
		State:       store,
		Trail:       store,
		Controller:  ctrl,
		Locks:       lockMgr,
		MaxAttempts: cfg.Loop.MaxActionAttempts,
		BackoffBase: cfg.Loop.BackoffBase(),
		BackoffMax:  cfg.Loop.BackoffMax(),
		Jitter:      0.2,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      otelProvider.Tracer,
	})

	gov := driver.NewGovernance(store, store, eventBus, logger, cfg.Governance.Armed)
	armed, err := gov.Armed(ctx)
	if err != nil {
		fatalStartup(logger, "E_GOVERNANCE_READ", err)
	}
	logger.Info("startup phase", "phase", "governance_loaded", "armed", armed)

	loop := driver.New(driver.Config{
		Events:       store,
		Processed:    store,
		State:        store,
		Controller:   ctrl,
		Snapshots:    snaps,
		Gate:         gate,
		Runner:       runner,
		Governance:   gov,
		Bus:          eventBus,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
		PollInterval: cfg.Loop.PollInterval(),
		BatchSize:    cfg.Loop.BatchSize,
		MaxPages:     cfg.Loop.MaxPages,
		CursorStale:  cfg.Loop.CursorStale(),
		AdvisoryTTL:  cfg.Loop.AdvisoryTTL(),
	})

	sched, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{
			cron.RepairJob(cfg.Integrity.RepairCron, gate, eventBus, logger),
			cron.RetentionJob(cfg.Retention.Cron, store, cfg.Retention.ProcessedEventDays, cfg.Retention.AuditLogDays, eventBus, logger),
		},
		Logger: logger,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}

	gw, err := gateway.New(gateway.Config{
		Store:      store,
		Gate:       gate,
		Locks:      lockMgr,
		Governance: gov,
		Bus:        eventBus,
		Cursor: func(ctx context.Context) (driver.CursorInfo, bool, error) {
			return driver.ReadCursor(ctx, store)
		},
		Jobs:              sched.Status,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w; stop the other process or change bind_addr in config.yaml", err)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	watcher := config.NewWatcher(cfg.HomeDir, logger)

	g, gctx := errgroup.WithContext(ctx)
	gw.Limiter().StartEviction(gctx, time.Minute, 10*time.Minute)
	loop.Start(gctx)
	defer loop.Stop()
	sched.Start(gctx)
	defer sched.Stop()

	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		g.Go(func() error {
			config.Apply(gctx, cfg, watcher.Events(), gov, logger, func(next config.Config) {
				eventBus.Publish(bus.TopicConfigReloaded, bus.ConfigReloaded{
					Path:  config.ConfigPath(next.HomeDir),
					Armed: next.Governance.Armed,
				})
				logger.Info("config reloaded", "fingerprint", next.Fingerprint())
			})
			return nil
		})
	}

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		eventBus.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	logger.Info("startup phase", "phase", "ready")
	err = g.Wait()
	if err != nil {
		logger.Error("daemon stopped with error", "error", err)
	}
	logger.Info("shutdown complete")
	if err != nil {
		return 1
	}
	return 0
}

// loadAuthToken returns the configured token, else the one in auth.token,
// generating and persisting a new one on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
