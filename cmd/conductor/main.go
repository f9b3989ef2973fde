package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/basket/conductor/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// stdout receives command output.
var stdout io.Writer = os.Stdout

type command struct {
	name     string
	synopsis string
	summary  string
	run      func(ctx context.Context, args []string) int
}

var commands []command

func init() {
	commands = []command{
		{"daemon", "", "Run the pipeline loop, scheduler and API gateway (default)", runDaemonCommand},
		{"status", "[-json]", "Show run counts, governance, cursor, locks and jobs", runStatusCommand},
		{"locks", "[-json]", "List held deployment locks and active merges", runLocksCommand},
		{"terminalize", "-task ID [flags]", "Finish a run through the integrity gate", runTerminalizeCommand},
		{"repair", "[-apply] [-limit N]", "Sweep stuck runs (dry run unless -apply)", runRepairCommand},
		{"arm", "[-reason text]", "Allow the loop to execute actions", func(ctx context.Context, args []string) int {
			return runGovernanceCommand(ctx, true, args)
		}},
		{"disarm", "[-reason text]", "Stop executing actions; events are still observed", func(ctx context.Context, args []string) int {
			return runGovernanceCommand(ctx, false, args)
		}},
		{"doctor", "[-json]", "Run diagnostic checks", runDoctorCommand},
		{"version", "", "Print the build version", runVersionCommand},
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: %s [command] [flags]\n\nCOMMANDS:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(w, "  %-32s %s\n", strings.TrimSpace(c.name+" "+c.synopsis), c.summary)
	}
	fmt.Fprint(w, `
ENVIRONMENT VARIABLES:
  CONDUCTOR_HOME            Data directory (default: ~/.conductor)
  CONDUCTOR_BIND_ADDR       Gateway address (overrides bind_addr)
  CONDUCTOR_AUTH_TOKEN      API token (overrides auth_token and auth.token)
  CONDUCTOR_ARMED           true/false default for governance.armed
  CONDUCTOR_VCS_TOKEN       VCS API token
`)
}

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := dispatch(ctx, flag.Args())
	stop()
	os.Exit(code)
}

// dispatch runs the named command and returns the process exit code. No
// command means the daemon.
func dispatch(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return runDaemon(ctx)
	}
	name := strings.ToLower(strings.TrimSpace(args[0]))
	if isHelpArg(name) {
		printUsage(stdout)
		return 0
	}
	for _, c := range commands {
		if c.name == name {
			return c.run(ctx, args[1:])
		}
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
	printUsage(os.Stderr)
	return 2
}

func runDaemonCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return runDaemon(ctx)
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		fmt.Fprintln(stdout, "usage: conductor daemon [--help]")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Runs the event loop, cron jobs and the HTTP/WebSocket gateway until interrupted.")
		return 0
	}
	fmt.Fprintln(os.Stderr, "usage: conductor daemon [--help]")
	return 2
}

func runVersionCommand(_ context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: conductor version")
		return 2
	}
	fmt.Fprintf(stdout, "conductor %s %s/%s %s\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	return 0
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

// fatalStartup records the failure and exits 1. Without a logger the
// record goes to stderr in the same JSON shape the logger would use.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Entry{
		Kind:     audit.KindStartup,
		Decision: audit.DecisionDeny,
		Subject:  reasonCode,
		Reason:   message,
	})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		line, _ := json.Marshal(map[string]string{
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
			"level":       "ERROR",
			"component":   "conductor",
			"msg":         "startup failure",
			"reason_code": reasonCode,
			"error":       message,
		})
		fmt.Fprintln(os.Stderr, string(line))
	}
	os.Exit(1)
}
