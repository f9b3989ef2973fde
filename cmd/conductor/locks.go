package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/locks"
)

func runLocksCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("locks", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "print the raw lock table")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: conductor locks [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	var st locks.Status
	if err := newAPIClient(cfg).do(ctx, http.MethodGet, "/api/locks", nil, &st); err != nil {
		fmt.Fprintf(os.Stderr, "locks: %v\n", err)
		return 1
	}
	if *jsonOutput {
		if err := writeIndentedJSON(st); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprint(stdout, renderLocks(st, time.Now()))
	return 0
}

// renderLocks prints the lock table as aligned columns, soonest expiry
// first as returned by the daemon.
func renderLocks(st locks.Status, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "active merges: %d/%d", len(st.ActiveMerges), st.Config.MaxConcurrentMerges)
	if len(st.ActiveMerges) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(st.ActiveMerges, ", "))
	}
	b.WriteString("\n")
	if len(st.Locks) == 0 {
		b.WriteString("no locks held\n")
		return b.String()
	}
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tHOLDER\tPR\tEXPIRES IN")
	for _, l := range st.Locks {
		pr := l.PRRef
		if pr == "" {
			pr = "-"
		}
		left := l.ExpiresAt.Sub(now).Round(time.Second)
		expires := left.String()
		if left <= 0 {
			expires = "expired"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Key, l.Holder, pr, expires)
	}
	_ = tw.Flush()
	return b.String()
}
