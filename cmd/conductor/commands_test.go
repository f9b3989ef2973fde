package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/basket/conductor/internal/gateway"
	"github.com/basket/conductor/internal/integrity"
)

// recordingServer answers every request with status and body and keeps the
// decoded request bodies by path.
type recordingServer struct {
	mu     sync.Mutex
	bodies map[string]map[string]any
}

func newRecordingServer(t *testing.T, status int, body any) *recordingServer {
	t.Helper()
	rs := &recordingServer{bodies: map[string]map[string]any{}}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		rs.mu.Lock()
		rs.bodies[r.URL.Path] = in
		rs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.Close)
	setTestConfig(t, ts.Listener.Addr().String())
	return rs
}

func (rs *recordingServer) body(path string) map[string]any {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.bodies[path]
}

func TestRunTerminalizeCommand(t *testing.T) {
	t.Run("requires_task", func(t *testing.T) {
		if code := runTerminalizeCommand(context.Background(), nil); code != 2 {
			t.Fatalf("got exit code %d, want 2", code)
		}
	})

	t.Run("success", func(t *testing.T) {
		rs := newRecordingServer(t, http.StatusOK, integrity.Result{OK: true, Status: "completed", TerminalOutcome: "success"})
		out := captureStdout(t)
		code := runTerminalizeCommand(context.Background(), []string{"-task", "t1", "-actor", "alice", "-commit", "abc"})
		if code != 0 {
			t.Fatalf("got exit code %d", code)
		}
		got := rs.body("/api/terminalize")
		if got["task_id"] != "t1" || got["outcome"] != "success" || got["actor"] != "alice" || got["commit_sha"] != "abc" {
			t.Fatalf("request body = %v", got)
		}
		if !strings.Contains(out.String(), `"terminal_outcome": "success"`) {
			t.Fatalf("output = %s", out.String())
		}
	})

	t.Run("missing_evidence", func(t *testing.T) {
		newRecordingServer(t, http.StatusConflict, gateway.ErrorBody{
			Error:         "missing evidence",
			Code:          "MISSING_EVIDENCE",
			MissingStages: []integrity.Stage{integrity.StageDeploySuccess},
		})
		captureStdout(t)
		if code := runTerminalizeCommand(context.Background(), []string{"-task", "t1"}); code != 1 {
			t.Fatalf("got exit code %d, want 1", code)
		}
	})
}

func TestRunRepairCommand_DryRunByDefault(t *testing.T) {
	rs := newRecordingServer(t, http.StatusOK, integrity.RepairReport{Scanned: 2})
	captureStdout(t)
	if code := runRepairCommand(context.Background(), []string{"-limit", "5"}); code != 0 {
		t.Fatalf("got exit code %d", code)
	}
	got := rs.body("/api/repair")
	if got["dry_run"] != true || got["limit"] != float64(5) {
		t.Fatalf("request body = %v", got)
	}
}

func TestRunRepairCommand_ReportsErrors(t *testing.T) {
	newRecordingServer(t, http.StatusOK, integrity.RepairReport{Scanned: 1, Errors: 1})
	captureStdout(t)
	if code := runRepairCommand(context.Background(), []string{"-apply"}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunGovernanceCommand(t *testing.T) {
	rs := newRecordingServer(t, http.StatusOK, map[string]bool{"armed": true, "changed": true})
	out := captureStdout(t)
	if code := runGovernanceCommand(context.Background(), true, []string{"-reason", "release window"}); code != 0 {
		t.Fatalf("got exit code %d", code)
	}
	got := rs.body("/api/governance")
	if got["armed"] != true || got["reason"] != "release window" {
		t.Fatalf("request body = %v", got)
	}
	if strings.TrimSpace(out.String()) != "governance armed" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunGovernanceCommand_Unauthorized(t *testing.T) {
	newRecordingServer(t, http.StatusUnauthorized, gateway.ErrorBody{Error: "missing token", Code: "UNAUTHORIZED"})
	captureStdout(t)
	if code := runGovernanceCommand(context.Background(), false, nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}
