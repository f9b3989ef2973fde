// Package smoke builds the conductor binary and drives it as an operator would.
package smoke

import (
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

const smokeVersion = "v0.0.0-smoke"

var (
	buildOnce sync.Once
	binDir    string
	binPath   string
	buildErr  error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if binDir != "" {
		_ = os.RemoveAll(binDir)
	}
	os.Exit(code)
}

// findModuleRoot walks up from the working directory to the nearest go.mod.
func findModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("no go.mod above the test directory")
		}
		dir = parent
	}
}

// buildConductorBinary compiles ./cmd/conductor once per test run and
// returns the binary path. Every smoke test shares it.
func buildConductorBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("binary smoke tests skipped in -short mode")
	}
	buildOnce.Do(func() {
		root, err := findModuleRoot()
		if err != nil {
			buildErr = err
			return
		}
		if binDir, err = os.MkdirTemp("", "conductor-smoke-"); err != nil {
			buildErr = err
			return
		}
		binPath = filepath.Join(binDir, "conductor")
		cmd := exec.Command("go", "build", "-ldflags", "-X main.Version="+smokeVersion, "-o", binPath, "./cmd/conductor")
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = errors.New(err.Error() + "\n" + string(out))
		}
	})
	if buildErr != nil {
		t.Fatalf("build conductor: %v", buildErr)
	}
	return binPath
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func TestSmoke_VersionCarriesLinkerStamp(t *testing.T) {
	out, err := exec.Command(buildConductorBinary(t), "version").CombinedOutput()
	if err != nil {
		t.Fatalf("version: %v\n%s", err, out)
	}
	if !strings.HasPrefix(string(out), "conductor "+smokeVersion+" ") {
		t.Fatalf("version output = %q", out)
	}
}

func TestSmoke_UnknownCommandExitsTwo(t *testing.T) {
	err := exec.Command(buildConductorBinary(t), "launch").Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 2 {
		t.Fatalf("unknown command error = %v, want exit status 2", err)
	}
}
