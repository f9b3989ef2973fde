package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/doctor"
)

var statusStyles = map[string]lipgloss.Style{
	doctor.StatusPass: okStyle,
	doctor.StatusWarn: warnStyle,
	doctor.StatusFail: errStyle,
	doctor.StatusSkip: labelStyle.Width(0),
}

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "print the diagnosis as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: conductor doctor [-json]")
		return 2
	}

	// A config that fails to load is diagnosed on defaults; the Config check
	// carries the load error.
	cfg, loadErr := config.Load()
	if loadErr != nil {
		cfg = config.Default(config.HomeDir())
	}
	diag := doctor.Run(ctx, &cfg, loadErr, Version)

	if *asJSON {
		if err := writeIndentedJSON(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprint(stdout, renderDiagnosis(diag, interactive()))
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

// renderDiagnosis prints one line per check with its detail indented below.
// Status tags are colored only when styled is set.
func renderDiagnosis(diag doctor.Diagnosis, styled bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "conductor doctor  %s  %s/%s %s  %s\n\n",
		diag.System.Version, diag.System.OS, diag.System.Arch, diag.System.Go,
		diag.Timestamp.Format(time.RFC3339))

	width := 0
	for _, r := range diag.Results {
		width = max(width, len(r.Name))
	}
	for _, r := range diag.Results {
		tag := fmt.Sprintf("%-4s", r.Status)
		if styled {
			tag = statusStyles[r.Status].Render(tag)
		}
		fmt.Fprintf(&b, "%s  %-*s  %s\n", tag, width, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Fprintf(&b, "      %s\n", r.Detail)
		}
	}

	counts := map[string]int{}
	for _, r := range diag.Results {
		counts[r.Status]++
	}
	fmt.Fprintf(&b, "\n%d passed, %d warnings, %d failed, %d skipped\n",
		counts[doctor.StatusPass], counts[doctor.StatusWarn], counts[doctor.StatusFail], counts[doctor.StatusSkip])
	return b.String()
}
