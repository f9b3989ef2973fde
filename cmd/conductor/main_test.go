package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/conductor/internal/config"
)

const testToken = "cli-token"

// setTestConfig writes a config.yaml pointing at addr and sets CONDUCTOR_HOME.
func setTestConfig(t *testing.T, addr string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CONDUCTOR_HOME", home)
	yaml := "bind_addr: \"" + addr + "\"\nauth_token: \"" + testToken + "\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func TestDispatch(t *testing.T) {
	t.Run("help", func(t *testing.T) {
		out := captureStdout(t)
		if code := dispatch(context.Background(), []string{"--help"}); code != 0 {
			t.Fatalf("exit = %d", code)
		}
		for _, c := range commands {
			if !strings.Contains(out.String(), "  "+c.name) {
				t.Fatalf("usage missing %s:\n%s", c.name, out.String())
			}
		}
	})
	t.Run("unknown_command", func(t *testing.T) {
		if code := dispatch(context.Background(), []string{"deploy"}); code != 2 {
			t.Fatalf("exit = %d, want 2", code)
		}
	})
	t.Run("daemon_help", func(t *testing.T) {
		for _, arg := range []string{"--help", "-h", "help"} {
			out := captureStdout(t)
			if code := dispatch(context.Background(), []string{"daemon", arg}); code != 0 {
				t.Fatalf("daemon %s: exit = %d", arg, code)
			}
			if !strings.Contains(out.String(), "usage: conductor daemon [--help]") {
				t.Fatalf("daemon %s printed %q", arg, out.String())
			}
		}
	})
	t.Run("daemon_extra_args", func(t *testing.T) {
		for _, args := range [][]string{{"daemon", "extra"}, {"daemon", "--help", "extra"}} {
			if code := dispatch(context.Background(), args); code != 2 {
				t.Fatalf("%v: exit = %d, want 2", args, code)
			}
		}
	})
	t.Run("version", func(t *testing.T) {
		out := captureStdout(t)
		if code := dispatch(context.Background(), []string{"VERSION"}); code != 0 {
			t.Fatalf("exit = %d", code)
		}
		if !strings.HasPrefix(out.String(), "conductor "+Version+" ") {
			t.Fatalf("version output %q", out.String())
		}
		if code := dispatch(context.Background(), []string{"version", "-v"}); code != 2 {
			t.Fatalf("version with args: exit = %d, want 2", code)
		}
	})
}

func TestLoadAuthToken(t *testing.T) {
	cfg := config.Default(t.TempDir())

	first, err := loadAuthToken(cfg)
	if err != nil || first == "" {
		t.Fatalf("generate token: %q, %v", first, err)
	}
	second, err := loadAuthToken(cfg)
	if err != nil || second != first {
		t.Fatalf("token not persisted: %q then %q (%v)", first, second, err)
	}
	if got := clientToken(cfg); got != first {
		t.Fatalf("client token = %q, want %q", got, first)
	}

	cfg.AuthToken = "configured"
	if got, _ := loadAuthToken(cfg); got != "configured" {
		t.Fatalf("configured token ignored: %q", got)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:18790", "http://127.0.0.1:18790"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000"},
		{":9000", "http://127.0.0.1:9000"},
		{"http://conductor.internal:80/", "http://conductor.internal:80"},
		{"", "http://127.0.0.1:18790"},
	}
	for _, tc := range tests {
		if got := baseURL(tc.addr); got != tc.want {
			t.Fatalf("baseURL(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}
