package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/gateway"
	"github.com/basket/conductor/internal/pipeline"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(16)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

// interactive reports whether stdout is a terminal.
var interactive = func() bool {
	f, ok := stdout.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "print the raw status report")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: conductor status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	var rep gateway.StatusReport
	if err := newAPIClient(cfg).do(ctx, http.MethodGet, "/api/status", nil, &rep); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	if *jsonOutput || !interactive() {
		if err := writeIndentedJSON(rep); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintln(stdout, renderStatus(rep, time.Now()))
	return 0
}

func renderStatus(rep gateway.StatusReport, now time.Time) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}

	b.WriteString(titleStyle.Render("conductor") + "\n\n")
	if rep.Armed {
		row("governance", okStyle.Render("armed"))
	} else {
		row("governance", warnStyle.Render("disarmed"))
	}
	if rep.Cursor == nil {
		row("cursor", warnStyle.Render("none"))
	} else {
		age := now.Sub(rep.Cursor.SavedAt).Round(time.Second)
		row("cursor", fmt.Sprintf("%s (saved %s ago)", rep.Cursor.At.Format(time.RFC3339), age))
	}
	if rep.ConfigHash != "" {
		row("config", rep.ConfigHash)
	}

	b.WriteString("\n" + titleStyle.Render("runs") + "\n")
	states := append(append([]pipeline.State{}, pipeline.ActiveStates...), pipeline.StateCompleted, pipeline.StateFailed)
	for _, st := range states {
		n := rep.Runs[st]
		if n == 0 {
			continue
		}
		value := fmt.Sprintf("%d", n)
		if st == pipeline.StateFailed {
			value = errStyle.Render(value)
		}
		row(string(st), value)
	}

	b.WriteString("\n" + titleStyle.Render("locks") + "\n")
	row("active merges", fmt.Sprintf("%d/%d", len(rep.Locks.ActiveMerges), rep.Locks.Config.MaxConcurrentMerges))
	for _, l := range rep.Locks.Locks {
		row(l.Key, fmt.Sprintf("%s until %s", l.Holder, l.ExpiresAt.Format(time.RFC3339)))
	}

	if len(rep.Jobs) > 0 {
		b.WriteString("\n" + titleStyle.Render("jobs") + "\n")
		for _, j := range rep.Jobs {
			value := "next " + j.NextRunAt.Format(time.RFC3339)
			if j.LastError != "" {
				value += " " + errStyle.Render("last error: "+j.LastError)
			}
			row(j.Name, value)
		}
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}
