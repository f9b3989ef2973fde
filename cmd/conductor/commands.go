package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/integrity"
)

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func runTerminalizeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("terminalize", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var req integrity.Request
	fs.StringVar(&req.TaskID, "task", "", "task id (required)")
	fs.StringVar(&req.Outcome, "outcome", "success", "success, failed or cancelled")
	fs.StringVar(&req.Actor, "actor", defaultActor(), "who is finishing the run")
	fs.StringVar(&req.RunRef, "run-ref", "", "CI run reference")
	fs.StringVar(&req.CommitSHA, "commit", "", "deployed commit sha")
	fs.StringVar(&req.OverrideToken, "override-token", "", "break-glass token that bypasses missing evidence")
	fs.StringVar(&req.Role, "role", "", "privileged role that bypasses missing evidence")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if req.TaskID == "" || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: conductor terminalize -task <id> [-outcome success|failed|cancelled] [flags]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	var res integrity.Result
	if err := newAPIClient(cfg).do(ctx, http.MethodPost, "/api/terminalize", req, &res); err != nil {
		fmt.Fprintf(os.Stderr, "terminalize: %v\n", err)
		return 1
	}
	if err := writeIndentedJSON(res); err != nil {
		return 1
	}
	return 0
}

func runRepairCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	apply := fs.Bool("apply", false, "terminalize eligible runs instead of reporting them")
	limit := fs.Int("limit", 0, "maximum runs to scan (0 uses the daemon default)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 || *limit < 0 {
		fmt.Fprintln(os.Stderr, "usage: conductor repair [-apply] [-limit N]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	req := integrity.RepairRequest{DryRun: !*apply, Limit: *limit}
	var rep integrity.RepairReport
	if err := newAPIClient(cfg).do(ctx, http.MethodPost, "/api/repair", req, &rep); err != nil {
		fmt.Fprintf(os.Stderr, "repair: %v\n", err)
		return 1
	}
	if err := writeIndentedJSON(rep); err != nil {
		return 1
	}
	if rep.Errors > 0 {
		return 1
	}
	return 0
}

type governanceChange struct {
	Armed   bool   `json:"armed"`
	Actor   string `json:"actor,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Changed bool   `json:"changed,omitempty"`
}

func runGovernanceCommand(ctx context.Context, armed bool, args []string) int {
	name := "disarm"
	if armed {
		name = "arm"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	actor := fs.String("actor", defaultActor(), "who is flipping the switch")
	reason := fs.String("reason", "", "why")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "usage: conductor %s [-actor name] [-reason text]\n", name)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	var res governanceChange
	req := governanceChange{Armed: armed, Actor: *actor, Reason: *reason}
	if err := newAPIClient(cfg).do(ctx, http.MethodPost, "/api/governance", req, &res); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return 1
	}
	switch {
	case res.Changed:
		fmt.Fprintf(stdout, "governance %sed\n", name)
	default:
		fmt.Fprintf(stdout, "governance already %sed\n", name)
	}
	return 0
}
