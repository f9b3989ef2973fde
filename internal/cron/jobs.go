package cron

import (
	"context"
	"log/slog"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/integrity"
	"github.com/basket/conductor/internal/persistence"
)

const (
	JobRepair    = "repair"
	JobRetention = "retention"
)

// Repairer is the integrity gate's repair sweep.
type Repairer interface {
	Repair(ctx context.Context, req integrity.RepairRequest) (integrity.RepairReport, error)
}

// Retainer purges idempotency and audit rows past their windows.
type Retainer interface {
	RunRetention(ctx context.Context, processedEventDays, auditLogDays int) (persistence.RetentionResult, error)
}

// RepairJob runs the sweep with the gate's configured limit.
func RepairJob(spec string, gate Repairer, b *bus.Bus, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name: JobRepair,
		Spec: spec,
		Run: func(ctx context.Context) error {
			report, err := gate.Repair(ctx, integrity.RepairRequest{})
			if err != nil {
				return err
			}
			if report.Scanned > 0 {
				logger.Info("repair sweep", "scanned", report.Scanned, "terminalized", report.Terminalized,
					"skipped_incomplete_pipeline", report.SkippedIncompletePipeline, "errors", report.Errors)
			}
			if b != nil {
				b.Publish(bus.TopicRepairCompleted, bus.RepairCompleted{
					Scanned:      report.Scanned,
					Terminalized: report.Terminalized,
					Incomplete:   report.SkippedIncompletePipeline,
					Errors:       report.Errors,
				})
			}
			return nil
		},
	}
}

func RetentionJob(spec string, store Retainer, processedEventDays, auditLogDays int, b *bus.Bus, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name: JobRetention,
		Spec: spec,
		Run: func(ctx context.Context) error {
			res, err := store.RunRetention(ctx, processedEventDays, auditLogDays)
			if err != nil {
				return err
			}
			logger.Info("retention purge", "processed_events", res.PurgedProcessedEvents,
				"audit_logs", res.PurgedAuditLogs, "state_entries", res.PurgedStateEntries)
			if b != nil {
				b.Publish(bus.TopicRetentionPurged, bus.RetentionPurged{
					ProcessedEvents: res.PurgedProcessedEvents,
					AuditLogs:       res.PurgedAuditLogs,
					StateEntries:    res.PurgedStateEntries,
				})
			}
			return nil
		},
	}
}
