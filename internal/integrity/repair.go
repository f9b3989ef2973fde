package integrity

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/conductor/internal/audit"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/state"
)

// RepairRequest bounds one sweep. DryRun reports without writing.
type RepairRequest struct {
	DryRun bool `json:"dry_run,omitempty"`
	Limit  int  `json:"limit,omitempty"`
}

// Repair detail actions.
const (
	RepairTerminalized      = "terminalized"
	RepairWouldTerminalize  = "would_terminalize"
	RepairSkippedIncomplete = "skipped_incomplete"
	RepairSkippedBusy       = "skipped_busy"
	RepairError             = "error"
)

type RepairDetail struct {
	TaskID        string         `json:"task_id"`
	State         pipeline.State `json:"state"`
	Action        string         `json:"action"`
	MissingStages []Stage        `json:"missing_stages,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// RepairReport summarizes a sweep with one detail per scanned run.
type RepairReport struct {
	Scanned                   int            `json:"scanned"`
	Terminalized              int            `json:"terminalized"`
	SkippedIncompletePipeline int            `json:"skipped_incomplete_pipeline"`
	SkippedBusy               int            `json:"skipped_busy"`
	Errors                    int            `json:"errors"`
	Details                   []RepairDetail `json:"details"`
}

// Repair scans active runs untouched for longer than StuckAfter and
// terminalizes those whose evidence is now complete. Runs with missing
// evidence are reported and left alone; the sweep never bypasses the gate.
func (g *Gate) Repair(ctx context.Context, req RepairRequest) (RepairReport, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = g.cfg.RepairLimit
	}
	ctx, span := otel.StartSpan(ctx, g.cfg.Tracer, "gate.repair")
	defer span.End()

	runs, err := g.cfg.Runs.ListRuns(ctx, pipeline.RunFilter{
		States:        pipeline.ActiveStates,
		UpdatedBefore: g.cfg.Now().Add(-g.cfg.StuckAfter),
		Limit:         limit,
	})
	if err != nil {
		return RepairReport{}, err
	}

	report := RepairReport{Details: []RepairDetail{}}
	for _, run := range runs {
		report.Scanned++
		detail := RepairDetail{TaskID: run.TaskID, State: run.State}

		evidence, err := g.Evidence(ctx, run)
		if err != nil {
			report.Errors++
			detail.Action, detail.Error = RepairError, err.Error()
			report.Details = append(report.Details, detail)
			continue
		}
		if missing := evidence.Missing(); len(missing) > 0 {
			report.SkippedIncompletePipeline++
			detail.Action, detail.MissingStages = RepairSkippedIncomplete, missing
			report.Details = append(report.Details, detail)
			continue
		}
		if req.DryRun {
			detail.Action = RepairWouldTerminalize
			report.Details = append(report.Details, detail)
			continue
		}

		res, err := g.Terminalize(ctx, Request{TaskID: run.TaskID, Outcome: pipeline.OutcomeSuccess, Actor: ActorRepair})
		var gateErr *GateError
		switch {
		case errors.As(err, &gateErr):
			// Evidence changed between the scan and the call.
			report.SkippedIncompletePipeline++
			detail.Action, detail.MissingStages = RepairSkippedIncomplete, gateErr.MissingStages
		case errors.Is(err, state.ErrLocked):
			// The loop is working on the run; the next sweep retries it.
			report.SkippedBusy++
			detail.Action = RepairSkippedBusy
		case err != nil:
			report.Errors++
			detail.Action, detail.Error = RepairError, err.Error()
		default:
			report.Terminalized++
			detail.Action, detail.State = RepairTerminalized, res.Status
		}
		report.Details = append(report.Details, detail)
	}

	g.cfg.Logger.Info("repair sweep finished", "dry_run", req.DryRun, "scanned", report.Scanned,
		"terminalized", report.Terminalized, "skipped_incomplete", report.SkippedIncompletePipeline,
		"skipped_busy", report.SkippedBusy,
		"errors", report.Errors)
	audit.Record(audit.Entry{
		Kind:     audit.KindRepair,
		Decision: audit.DecisionRecord,
		Subject:  "repair",
		Detail:   repairSummary(report, req.DryRun),
	})
	return report, nil
}

func repairSummary(r RepairReport, dry bool) string {
	return fmt.Sprintf("dry_run=%t scanned=%d terminalized=%d skipped=%d busy=%d errors=%d",
		dry, r.Scanned, r.Terminalized, r.SkippedIncompletePipeline, r.SkippedBusy, r.Errors)
}
