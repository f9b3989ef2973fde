package config_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/conductor/internal/config"
)

func TestWatcher_CoalescesBurstIntoOneReload(t *testing.T) {
	homeDir := t.TempDir()
	path := config.ConfigPath(homeDir)
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	w.SetDebounce(100 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	_ = os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644)
	for _, level := range []string{"debug", "warn", "error"} {
		if err := os.WriteFile(path, []byte("log_level: "+level+"\n"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("expected config.yaml event, got %s", ev.Path)
		}
		if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
			t.Fatalf("unexpected op %s", ev.Op)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config.yaml change event")
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("burst produced a second reload: %+v", ev)
	case <-time.After(400 * time.Millisecond):
	}

	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected events to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed after cancel")
	}
}

func TestRestartRequired(t *testing.T) {
	prev := config.Default(t.TempDir())
	next := prev
	next.Governance.Armed = !prev.Governance.Armed
	if got := config.RestartRequired(prev, next); len(got) != 0 {
		t.Fatalf("armed is applied live, got %v", got)
	}

	next.BindAddr = "127.0.0.1:9999"
	next.Loop.BatchSize = prev.Loop.BatchSize + 1
	next.AllowOrigins = []string{"ops.example"}
	got := config.RestartRequired(prev, next)
	want := []string{"allow_origins", "bind_addr", "loop"}
	if !slices.Equal(got, want) {
		t.Fatalf("RestartRequired = %v, want %v", got, want)
	}
}

type recordingGovernor struct {
	mu    sync.Mutex
	calls []bool
}

func (g *recordingGovernor) SetArmed(_ context.Context, armed bool, actor, _ string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, armed)
	return true, nil
}

func TestApply_PushesGovernance(t *testing.T) {
	homeDir := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(homeDir), []byte("governance:\n  armed: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	events := make(chan config.ReloadEvent, 2)
	events <- config.ReloadEvent{Path: config.ConfigPath(homeDir)}
	close(events)

	gov := &recordingGovernor{}
	var reloaded []config.Config
	config.Apply(context.Background(), config.Default(homeDir), events, gov, nil, func(c config.Config) {
		reloaded = append(reloaded, c)
	})

	if len(gov.calls) != 1 || !gov.calls[0] {
		t.Fatalf("expected one armed=true call, got %v", gov.calls)
	}
	if len(reloaded) != 1 || !reloaded[0].Governance.Armed {
		t.Fatalf("reload callback not invoked with new config: %+v", reloaded)
	}
}

func TestApply_RejectsInvalidConfig(t *testing.T) {
	homeDir := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(homeDir), []byte("retention:\n  cron: \"bad\"\ngovernance:\n  armed: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	events := make(chan config.ReloadEvent, 1)
	events <- config.ReloadEvent{Path: config.ConfigPath(homeDir)}
	close(events)

	gov := &recordingGovernor{}
	config.Apply(context.Background(), config.Default(homeDir), events, gov, nil, nil)
	if len(gov.calls) != 0 {
		t.Fatalf("invalid config must not change governance, got %v", gov.calls)
	}
}
